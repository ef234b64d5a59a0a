package kdbxmerge

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sampleKeePassFile() *KeePassFile {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	root := &Group{UUID: uuid.New(), Name: "Root", Times: Times{CreationTime: now, LastModificationTime: now}}
	e := &Entry{UUID: uuid.New(), Times: Times{CreationTime: now, LastModificationTime: now}, Parent: root}
	e.setString("Title", "example.com")
	e.setString("Password", "hunter2")
	root.Entries = []*Entry{e}
	return &KeePassFile{
		Meta: Meta{DatabaseName: "db", DatabaseNameChanged: now},
		Root: Root{Groups: []*Group{root}},
	}
}

func cloneKeePassFile(kf *KeePassFile) *KeePassFile {
	root := kf.Root.Groups[0]
	newRoot := &Group{UUID: root.UUID, Name: root.Name, Times: root.Times}
	for _, e := range root.Entries {
		ne := e.clone()
		ne.Parent = newRoot
		newRoot.Entries = append(newRoot.Entries, ne)
	}
	return &KeePassFile{
		Meta: kf.Meta,
		Root: Root{Groups: []*Group{newRoot}},
	}
}

func TestEqualIdenticalTrees(t *testing.T) {
	a := sampleKeePassFile()
	b := cloneKeePassFile(a)

	eq, diff := Equal(a, b, EqualityOptions{Metadata: true})
	require.True(t, eq, diff.String())
}

func TestEqualDetectsStringDifference(t *testing.T) {
	a := sampleKeePassFile()
	b := cloneKeePassFile(a)
	b.Root.Groups[0].Entries[0].setString("Password", "different")

	eq, diff := Equal(a, b, EqualityOptions{})
	require.False(t, eq)
	require.False(t, diff.Equal())
	require.NotEmpty(t, diff.String())
}

func TestEqualDetectsUUIDSetMismatch(t *testing.T) {
	a := sampleKeePassFile()
	b := cloneKeePassFile(a)
	extra := &Entry{UUID: uuid.New(), Parent: b.Root.Groups[0]}
	extra.setString("Title", "extra")
	b.Root.Groups[0].Entries = append(b.Root.Groups[0].Entries, extra)

	eq, diff := Equal(a, b, EqualityOptions{})
	require.False(t, eq)
	require.Contains(t, diff.String(), "UUID sets do not match")
}

func TestEqualIgnoresTimesWhenConfigured(t *testing.T) {
	a := sampleKeePassFile()
	b := cloneKeePassFile(a)
	b.Root.Groups[0].Entries[0].Times.LastModificationTime = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	eq, _ := Equal(a, b, EqualityOptions{})
	require.False(t, eq)

	eq, diff := Equal(a, b, EqualityOptions{IgnoreTimes: true})
	require.True(t, eq, diff.String())
}

func TestEqualIgnoresProtectedAttrWhenConfigured(t *testing.T) {
	a := sampleKeePassFile()
	b := cloneKeePassFile(a)
	for i := range b.Root.Groups[0].Entries[0].Strings {
		sf := &b.Root.Groups[0].Entries[0].Strings[i]
		if sf.Key == "Password" {
			sf.Protected = !sf.Protected
		}
	}

	eq, _ := Equal(a, b, EqualityOptions{})
	require.False(t, eq)

	eq, diff := Equal(a, b, EqualityOptions{IgnoreAttrs: true})
	require.True(t, eq, diff.String())
}

func TestEqualOrderInsensitiveStrings(t *testing.T) {
	a := sampleKeePassFile()
	b := cloneKeePassFile(a)
	// swap the order of Strings on b's entry; equality must not care.
	entry := b.Root.Groups[0].Entries[0]
	entry.Strings[0], entry.Strings[1] = entry.Strings[1], entry.Strings[0]

	eq, diff := Equal(a, b, EqualityOptions{})
	require.True(t, eq, diff.String())
}

func TestEqualHistoryToggle(t *testing.T) {
	a := sampleKeePassFile()
	b := cloneKeePassFile(a)
	past := a.Root.Groups[0].Entries[0].clone()
	past.setString("Password", "old-value")
	a.Root.Groups[0].Entries[0].History = []*Entry{past}

	eq, _ := Equal(a, b, EqualityOptions{History: false})
	require.True(t, eq)

	eq, diff := Equal(a, b, EqualityOptions{History: true})
	require.False(t, eq, diff.String())
}

func TestMatchUnorderedDifferentLengths(t *testing.T) {
	a := []StringField{{Key: "A", Value: "1"}}
	b := []StringField{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}}
	require.False(t, matchUnordered(a, b, func(x, y StringField) bool {
		return stringFieldEqual(x, y, EqualityOptions{})
	}))
}
