package kdbxmerge

import (
	"crypto/aes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPKCS7RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("a"),
		[]byte("exactly16bytes!!"),
		[]byte("this is a longer plaintext that spans multiple blocks of sixteen"),
	}
	for _, c := range cases {
		padded := pkcs7Pad(c)
		require.Equal(t, 0, len(padded)%pkcs7BlockSize)
		require.True(t, len(padded) > len(c))
		unpadded, err := pkcs7Unpad(padded)
		require.NoError(t, err)
		require.Equal(t, c, unpadded)
	}
}

func TestPKCS7UnpadRejectsBadPadding(t *testing.T) {
	buf := make([]byte, 16)
	buf[15] = 0x05 // claims 5 bytes of padding, but they aren't all 0x05
	_, err := pkcs7Unpad(buf)
	require.Error(t, err)
	var kdbxErr *Error
	require.ErrorAs(t, err, &kdbxErr)
	require.Equal(t, KindBadPadding, kdbxErr.Kind)
}

func TestPKCS7UnpadRejectsEmptyAndUnaligned(t *testing.T) {
	_, err := pkcs7Unpad(nil)
	require.Error(t, err)
	_, err = pkcs7Unpad(make([]byte, 5))
	require.Error(t, err)
}

func TestTransformKeyDeterministic(t *testing.T) {
	var key, seed [32]byte
	for i := range key {
		key[i] = byte(i)
		seed[i] = byte(255 - i)
	}
	a, err := transformKey(key, seed, 600)
	require.NoError(t, err)
	b, err := transformKey(key, seed, 600)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := transformKey(key, seed, 601)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestTransformKeyZeroRoundsHashesKeyUnchanged(t *testing.T) {
	var key, seed [32]byte
	out, err := transformKey(key, seed, 0)
	require.NoError(t, err)
	expect := sha256Sum(key[:])
	require.Equal(t, expect, out)
}

func TestCBCRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	block, err := cipherBlock(CipherAES, key)
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	plain := pkcs7Pad([]byte("round trip me through AES-CBC"))

	ct, err := cbcEncrypt(block, iv, plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, ct)

	pt, err := cbcDecrypt(block, iv, ct)
	require.NoError(t, err)
	require.Equal(t, plain, pt)
}

func TestCBCRejectsUnalignedInput(t *testing.T) {
	key := make([]byte, 32)
	block, err := cipherBlock(CipherAES, key)
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	_, err = cbcDecrypt(block, iv, []byte("not a multiple of sixteen"))
	require.Error(t, err)
}

func TestCipherBlockUnsupported(t *testing.T) {
	_, err := cipherBlock([16]byte{0xFF}, make([]byte, 32))
	require.Error(t, err)
	var kdbxErr *Error
	require.ErrorAs(t, err, &kdbxErr)
	require.Equal(t, KindUnsupportedCipher, kdbxErr.Kind)
}

func TestTwofishCBCRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 7)
	}
	block, err := cipherBlock(CipherTwoFish, key)
	require.NoError(t, err)
	iv := make([]byte, block.BlockSize())
	plain := pkcs7Pad([]byte("twofish plaintext"))
	ct, err := cbcEncrypt(block, iv, plain)
	require.NoError(t, err)
	pt, err := cbcDecrypt(block, iv, ct)
	require.NoError(t, err)
	require.Equal(t, plain, pt)
}

func TestSalsaKeystreamDeterministicAndResumable(t *testing.T) {
	s := newSalsaKeystream([]byte("a protected stream key"))
	first := s.next(10)
	rest := s.next(70) // crosses a 64-byte block boundary

	s2 := newSalsaKeystream([]byte("a protected stream key"))
	whole := s2.next(80)
	require.Equal(t, append(append([]byte{}, first...), rest...), whole)
}

func TestSalsaKeystreamResetRewinds(t *testing.T) {
	s := newSalsaKeystream([]byte("key material"))
	a := s.next(100)
	s.reset()
	b := s.next(100)
	require.Equal(t, a, b)
}

func TestXorBytes(t *testing.T) {
	require.Equal(t, []byte{0, 0, 0}, xorBytes([]byte{1, 2, 3}, []byte{1, 2, 3}))
	require.Equal(t, []byte{}, xorBytes(nil, []byte{1}))
	require.Equal(t, []byte{1}, xorBytes([]byte{1, 2, 3}, []byte{0}))
}
