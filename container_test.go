package kdbxmerge

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestV4ContainerRoundTrip(t *testing.T) {
	h := sampleV4Header()
	credentials := [][]byte{[]byte("hunter2")}
	masterKey, err := deriveMasterKeyV4(h, credentials)
	require.NoError(t, err)

	plaintext := []byte(`<KeePassFile><Meta></Meta><Root></Root></KeePassFile>`)

	var buf bytes.Buffer
	require.NoError(t, writeV4Container(&buf, h, 4, masterKey, plaintext))

	c, err := openContainer(bytes.NewReader(buf.Bytes()), credentials, NewOptions())
	require.NoError(t, err)
	require.Equal(t, stateOpened, c.state)
	require.Equal(t, plaintext, c.plaintext)
	require.False(t, c.isV3)
}

func TestV4ContainerRejectsWrongPassword(t *testing.T) {
	h := sampleV4Header()
	masterKey, err := deriveMasterKeyV4(h, [][]byte{[]byte("hunter2")})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeV4Container(&buf, h, 4, masterKey, []byte("<KeePassFile/>")))

	_, err = openContainer(bytes.NewReader(buf.Bytes()), [][]byte{[]byte("wrong password")}, NewOptions())
	require.Error(t, err)
	var kdbxErr *Error
	require.ErrorAs(t, err, &kdbxErr)
	require.Equal(t, KindBadMasterKey, kdbxErr.Kind)
}

func TestV4ContainerUncompressed(t *testing.T) {
	h := sampleV4Header()
	h.CompressionFlags = compressionNone
	credentials := [][]byte{[]byte("pw")}
	masterKey, err := deriveMasterKeyV4(h, credentials)
	require.NoError(t, err)

	plaintext := []byte(`<KeePassFile/>`)
	var buf bytes.Buffer
	require.NoError(t, writeV4Container(&buf, h, 4, masterKey, plaintext))

	c, err := openContainer(bytes.NewReader(buf.Bytes()), credentials, NewOptions())
	require.NoError(t, err)
	require.Equal(t, plaintext, c.plaintext)
}

func TestContainerCloseZeroesState(t *testing.T) {
	h := sampleV4Header()
	credentials := [][]byte{[]byte("pw")}
	masterKey, err := deriveMasterKeyV4(h, credentials)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, writeV4Container(&buf, h, 4, masterKey, []byte("<x/>")))
	c, err := openContainer(bytes.NewReader(buf.Bytes()), credentials, NewOptions())
	require.NoError(t, err)

	c.close()
	require.Equal(t, stateClosed, c.state)
	require.Nil(t, c.plaintext)
	require.ErrorIs(t, c.requireOpened(), ErrClosed)
}

func TestComposeCredentialsV4(t *testing.T) {
	a := sha256.Sum256([]byte("password"))
	b := sha256.Sum256([]byte("keyfile bytes"))
	got := composeCredentialsV4([][]byte{[]byte("password"), []byte("keyfile bytes")})
	want := sha256.Sum256(append(append([]byte{}, a[:]...), b[:]...))
	require.Equal(t, want, got)
}
