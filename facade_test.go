package kdbxmerge

import (
	"bytes"
	"encoding/base64"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// encryptProtectedStringsForFixture turns every String already marked
// Protected into the on-disk ciphertext form (base64 of its Salsa20-XORed
// bytes), walking in document order the way a real writer would. This is
// the inverse of protector.unlockString, used here to build fixtures
// rather than protector.protect, which intentionally only re-locks
// Strings that have already passed through an unprotect() round trip.
func encryptProtectedStringsForFixture(streamKey []byte, roots []*Group) {
	ks := newSalsaKeystream(streamKey)
	ks.reset()
	walkDocumentOrder(roots, func(n node) {
		e, ok := n.(*Entry)
		if !ok {
			return
		}
		for i := range e.Strings {
			if !e.Strings[i].Protected {
				continue
			}
			plain := []byte(e.Strings[i].Value)
			cipher := xorBytes(plain, ks.next(len(plain)))
			e.Strings[i].Value = base64.StdEncoding.EncodeToString(cipher)
		}
	})
}

// buildTestV4File encodes kf as XML, protecting its Strings under h's
// ProtectedStreamKey, and writes a full KDBX v4 file, returning the bytes.
func buildTestV4File(t *testing.T, h *v4Header, password string, kf *KeePassFile) []byte {
	t.Helper()
	encryptProtectedStringsForFixture(h.ProtectedStreamKey[:], kf.Root.Groups)
	data, err := encodeXML(kf)
	require.NoError(t, err)

	credentials := [][]byte{[]byte(password)}
	masterKey, err := deriveMasterKeyV4(h, credentials)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeV4Container(&buf, h, 4, masterKey, data))
	return buf.Bytes()
}

func sampleEntryTree() *KeePassFile {
	kf := sampleKeePassFile()
	e := kf.Root.Groups[0].Entries[0]
	e.Strings[0].Protected = false
	for i := range e.Strings {
		if e.Strings[i].Key == "Password" {
			e.Strings[i].Protected = true
		}
	}
	return kf
}

func TestOpenV4DecryptsAndUnprotects(t *testing.T) {
	h := sampleV4Header()
	kf := sampleEntryTree()
	raw := buildTestV4File(t, h, "hunter2", kf)

	db, err := Open(bytes.NewReader(raw), [][]byte{[]byte("hunter2")}, true, NewOptions())
	require.NoError(t, err)
	defer db.Close()

	require.False(t, db.IsProtected())
	require.Equal(t, "hunter2", db.tree.Root.Groups[0].Entries[0].stringValue("Password"))
}

func TestOpenV4WrongPasswordFails(t *testing.T) {
	h := sampleV4Header()
	raw := buildTestV4File(t, h, "hunter2", sampleEntryTree())

	_, err := Open(bytes.NewReader(raw), [][]byte{[]byte("wrong")}, true, NewOptions())
	require.Error(t, err)
	var kdbxErr *Error
	require.ErrorAs(t, err, &kdbxErr)
	require.Equal(t, KindBadMasterKey, kdbxErr.Kind)
}

func TestDatabaseReadSeekTell(t *testing.T) {
	h := sampleV4Header()
	raw := buildTestV4File(t, h, "hunter2", sampleEntryTree())

	db, err := Open(bytes.NewReader(raw), [][]byte{[]byte("hunter2")}, true, NewOptions())
	require.NoError(t, err)
	defer db.Close()

	all, err := io.ReadAll(db)
	require.NoError(t, err)
	require.Contains(t, string(all), "example.com")

	pos, err := db.Tell()
	require.NoError(t, err)
	require.Equal(t, int64(len(all)), pos)

	_, err = db.Seek(0, io.SeekStart)
	require.NoError(t, err)
	pos, err = db.Tell()
	require.NoError(t, err)
	require.Equal(t, int64(0), pos)
}

func TestDatabaseProtectUnprotectRoundTrip(t *testing.T) {
	h := sampleV4Header()
	raw := buildTestV4File(t, h, "hunter2", sampleEntryTree())

	db, err := Open(bytes.NewReader(raw), [][]byte{[]byte("hunter2")}, true, NewOptions())
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, "hunter2", db.tree.Root.Groups[0].Entries[0].stringValue("Password"))

	require.NoError(t, db.Protect())
	require.True(t, db.IsProtected())
	require.True(t, db.tree.Root.Groups[0].Entries[0].Strings[1].Protected)

	require.NoError(t, db.Unprotect())
	require.False(t, db.IsProtected())
	require.Equal(t, "hunter2", db.tree.Root.Groups[0].Entries[0].stringValue("Password"))
}

func TestDatabaseWriteToRoundTrip(t *testing.T) {
	h := sampleV4Header()
	raw := buildTestV4File(t, h, "hunter2", sampleEntryTree())

	db, err := Open(bytes.NewReader(raw), [][]byte{[]byte("hunter2")}, true, NewOptions())
	require.NoError(t, err)
	defer db.Close()

	var out bytes.Buffer
	require.NoError(t, db.WriteTo(&out))
	require.False(t, db.IsProtected(), "WriteTo restores the handle's prior protection state")

	reopened, err := Open(bytes.NewReader(out.Bytes()), [][]byte{[]byte("hunter2")}, true, NewOptions())
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, "hunter2", reopened.tree.Root.Groups[0].Entries[0].stringValue("Password"))
}

func TestDatabaseMergeUnprotectsAndRestores(t *testing.T) {
	hDest := sampleV4Header()
	hSrc := sampleV4Header()
	destTree := sampleEntryTree()
	srcTree := cloneKeePassFile(destTree)

	rawDest := buildTestV4File(t, hDest, "pw1", destTree)
	rawSrc := buildTestV4File(t, hSrc, "pw2", srcTree)

	dest, err := Open(bytes.NewReader(rawDest), [][]byte{[]byte("pw1")}, false, NewOptions())
	require.NoError(t, err)
	defer dest.Close()
	src, err := Open(bytes.NewReader(rawSrc), [][]byte{[]byte("pw2")}, false, NewOptions())
	require.NoError(t, err)
	defer src.Close()

	require.True(t, dest.IsProtected())
	require.True(t, src.IsProtected())

	_, err = dest.Merge(src, ModeSynchronize, false)
	require.NoError(t, err)

	require.True(t, dest.IsProtected(), "Merge restores dest's original protection state")
	require.True(t, src.IsProtected(), "Merge restores src's original protection state")
}

func TestDatabaseClosedRejectsFurtherCalls(t *testing.T) {
	h := sampleV4Header()
	raw := buildTestV4File(t, h, "hunter2", sampleEntryTree())

	db, err := Open(bytes.NewReader(raw), [][]byte{[]byte("hunter2")}, true, NewOptions())
	require.NoError(t, err)
	db.Close()

	_, err = db.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrClosed)

	err = db.WriteTo(&bytes.Buffer{})
	require.ErrorIs(t, err, ErrClosed)
}
