package kdbxmerge

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleV4Header() *v4Header {
	h := &v4Header{
		CipherID:            CipherAES,
		CompressionFlags:    compressionGzip,
		InnerRandomStreamID: innerRandomStreamSalsa20,
		TransformRounds:     6000,
	}
	for i := range h.MasterSeed {
		h.MasterSeed[i] = byte(i)
	}
	for i := range h.TransformSeed {
		h.TransformSeed[i] = byte(255 - i)
	}
	for i := range h.EncryptionIV {
		h.EncryptionIV[i] = byte(i * 2)
	}
	for i := range h.ProtectedStreamKey {
		h.ProtectedStreamKey[i] = byte(i + 1)
	}
	for i := range h.StreamStartBytes {
		h.StreamStartBytes[i] = byte(i * 3)
	}
	return h
}

func TestV4HeaderRoundTrip(t *testing.T) {
	h := sampleV4Header()
	var buf bytes.Buffer
	require.NoError(t, writeV4Header(&buf, h, 4))

	parsed, err := parseV4Header(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, h.CipherID, parsed.CipherID)
	require.Equal(t, h.CompressionFlags, parsed.CompressionFlags)
	require.Equal(t, h.MasterSeed, parsed.MasterSeed)
	require.Equal(t, h.TransformSeed, parsed.TransformSeed)
	require.Equal(t, h.TransformRounds, parsed.TransformRounds)
	require.Equal(t, h.EncryptionIV, parsed.EncryptionIV)
	require.Equal(t, h.ProtectedStreamKey, parsed.ProtectedStreamKey)
	require.Equal(t, h.StreamStartBytes, parsed.StreamStartBytes)
	require.Equal(t, h.InnerRandomStreamID, parsed.InnerRandomStreamID)

	var buf2 bytes.Buffer
	require.NoError(t, writeV4Header(&buf2, parsed, 4))
	require.Equal(t, buf.Bytes(), buf2.Bytes(), "re-emitted header must be byte-identical")
}

func TestReadSignatureRejectsUnknown(t *testing.T) {
	_, _, err := readSignature(bytes.NewReader(bytes.Repeat([]byte{0xFF}, 12)))
	require.Error(t, err)
	var kdbxErr *Error
	require.ErrorAs(t, err, &kdbxErr)
	require.Equal(t, KindUnknownKDBFormat, kdbxErr.Kind)
}

func TestParseV4HeaderRejectsUnknownField(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binaryWriteSignature(&buf, signatureV4, 4))
	buf.Write([]byte{99, 0x00, 0x00}) // field id 99, length 0
	_, err := parseV4Header(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	var kdbxErr *Error
	require.ErrorAs(t, err, &kdbxErr)
	require.Equal(t, KindUnknownHeaderField, kdbxErr.Kind)
}

func TestParseV3HeaderFixedLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binaryWriteSignature(&buf, signatureV3, 3))
	buf.Write(make([]byte, v3HeaderLen-12))
	h, err := parseV3Header(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, uint32(3), h.Version)
	require.Len(t, h.Raw, v3HeaderLen)
}
