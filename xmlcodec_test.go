package kdbxmerge

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sampleTree() *KeePassFile {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	root := &Group{UUID: uuid.New(), Name: "Root", Times: Times{CreationTime: now, LastModificationTime: now}}
	entry := &Entry{UUID: uuid.New(), Times: Times{CreationTime: now, LastModificationTime: now}, Parent: root}
	entry.setString("Title", "example.com")
	entry.Strings = append(entry.Strings, StringField{Key: "Password", Value: "c2VjcmV0", Protected: true})
	root.Entries = []*Entry{entry}
	return &KeePassFile{
		Meta: Meta{DatabaseName: "test", DatabaseNameChanged: now},
		Root: Root{Groups: []*Group{root}},
	}
}

func TestXMLEncodeDecodeRoundTrip(t *testing.T) {
	kf := sampleTree()
	data, err := encodeXML(kf)
	require.NoError(t, err)

	got, err := decodeXML(data)
	require.NoError(t, err)

	require.Equal(t, kf.Meta.DatabaseName, got.Meta.DatabaseName)
	require.True(t, kf.Meta.DatabaseNameChanged.Equal(got.Meta.DatabaseNameChanged))
	require.Len(t, got.Root.Groups, 1)
	require.Equal(t, kf.Root.Groups[0].UUID, got.Root.Groups[0].UUID)
	require.Len(t, got.Root.Groups[0].Entries, 1)
	gotEntry := got.Root.Groups[0].Entries[0]
	require.Equal(t, "example.com", gotEntry.Title())
	require.Equal(t, "c2VjcmV0", gotEntry.stringValue("Password"))
	require.True(t, func() bool {
		for _, s := range gotEntry.Strings {
			if s.Key == "Password" {
				return s.Protected
			}
		}
		return false
	}())
}

func TestXMLDecodeRejectsMalformed(t *testing.T) {
	_, err := decodeXML([]byte("<KeePassFile><Meta>"))
	require.Error(t, err)
	var kdbxErr *Error
	require.ErrorAs(t, err, &kdbxErr)
	require.Equal(t, KindXMLParseError, kdbxErr.Kind)
}

func TestTristateRoundTrip(t *testing.T) {
	require.Nil(t, tristateToBool("null"))
	require.Equal(t, "null", boolToTristate(nil))
	tr := true
	require.Equal(t, "true", boolToTristate(&tr))
	require.Equal(t, true, *tristateToBool("true"))
}
