package kdbxmerge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/salsa20/salsa"
	"golang.org/x/crypto/twofish"
	"golang.org/x/net/context"
)

// CipherAES and CipherTwoFish are the 16-byte cipher UUIDs carried in the
// v4 header's CipherID field, per the gokeepasslib reference constants.
var (
	CipherAES     = [16]byte{0x31, 0xC1, 0xF2, 0xE6, 0xBF, 0x71, 0x43, 0x50, 0xBE, 0x58, 0x05, 0x21, 0x6A, 0xFC, 0x5A, 0xFF}
	CipherTwoFish = [16]byte{0xAD, 0x68, 0xF2, 0x9F, 0x57, 0x6F, 0x4B, 0xB9, 0xA3, 0x6A, 0xD4, 0x7A, 0xF9, 0x65, 0x34, 0x6C}
)

// salsaNonce is the fixed 8-byte IV used for the inner protected-value
// stream.
var salsaNonce = [8]byte{0xE8, 0x30, 0x09, 0x4B, 0x97, 0x20, 0x5D, 0x2A}

// sha256Sum returns the SHA-256 digest of data; never errors, never panics
// on empty input.
func sha256Sum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// transformKey implements the AES-ECB key transform: the 32-byte composite
// key, split into two 16-byte blocks, is AES-encrypted in place under seed
// rounds times, then the two blocks are concatenated and SHA-256 hashed.
func transformKey(key [32]byte, seed [32]byte, rounds uint64) ([32]byte, error) {
	return transformKeyContext(context.Background(), key, seed, rounds)
}

// transformKeyContext is the cancellable variant: the context is checked
// every 1024 rounds so a caller can abort a multi-million-round
// transform without waiting for it to finish.
func transformKeyContext(ctx context.Context, key [32]byte, seed [32]byte, rounds uint64) ([32]byte, error) {
	block, err := aes.NewCipher(seed[:])
	if err != nil {
		return [32]byte{}, newErr(KindUnsupportedCipher, "AES key transform: %v", err)
	}
	left := make([]byte, 16)
	right := make([]byte, 16)
	copy(left, key[:16])
	copy(right, key[16:])
	for i := uint64(0); i < rounds; i++ {
		block.Encrypt(left, left)
		block.Encrypt(right, right)
		if i%1024 == 0 {
			select {
			case <-ctx.Done():
				return [32]byte{}, ctx.Err()
			default:
			}
		}
	}
	combined := make([]byte, 32)
	copy(combined[:16], left)
	copy(combined[16:], right)
	return sha256.Sum256(combined), nil
}

// cipherBlock returns the block cipher named by the header's CipherID,
// failing UnsupportedCipher for anything else.
func cipherBlock(cipherID [16]byte, key []byte) (cipher.Block, error) {
	switch cipherID {
	case CipherAES:
		b, err := aes.NewCipher(key)
		if err != nil {
			return nil, newErr(KindUnsupportedCipher, "AES: %v", err)
		}
		return b, nil
	case CipherTwoFish:
		b, err := twofish.NewCipher(key)
		if err != nil {
			return nil, newErr(KindUnsupportedCipher, "Twofish: %v", err)
		}
		return b, nil
	default:
		return nil, newErr(KindUnsupportedCipher, "unknown cipher id %x", cipherID)
	}
}

// cbcDecrypt decrypts data (a multiple of the cipher's block size) with
// block and iv; it does not remove PKCS#7 padding, that's pkcs7Unpad's job.
func cbcDecrypt(block cipher.Block, iv []byte, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, newErr(KindHeaderLengthMismatch, "ciphertext length %d not a multiple of block size %d", len(data), bs)
	}
	out := make([]byte, len(data))
	if len(data) == 0 {
		return out, nil
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// cbcEncrypt encrypts already-padded data with block and iv.
func cbcEncrypt(block cipher.Block, iv []byte, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, newErr(KindHeaderLengthMismatch, "plaintext length %d not a multiple of block size %d", len(data), bs)
	}
	out := make([]byte, len(data))
	if len(data) == 0 {
		return out, nil
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// xorBytes returns a XOR b, truncated to the shorter of the two; neither
// argument is modified.
func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

const pkcs7BlockSize = 16

// pkcs7Pad pads data to a multiple of pkcs7BlockSize; an already-aligned
// input still gets a full block of padding, per PKCS#7.
func pkcs7Pad(data []byte) []byte {
	padLen := pkcs7BlockSize - len(data)%pkcs7BlockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

// pkcs7Unpad verifies and strips PKCS#7 padding, failing BadPadding if any
// pad byte doesn't equal the declared pad length.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%pkcs7BlockSize != 0 {
		return nil, newErr(KindBadPadding, "padded length %d invalid", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > pkcs7BlockSize || padLen > len(data) {
		return nil, newErr(KindBadPadding, "invalid pad length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, newErr(KindBadPadding, "pad bytes do not match pad length %d", padLen)
		}
	}
	return data[:len(data)-padLen], nil
}

// salsaKeystream produces the Salsa20/20 keystream used by the inner
// stream protector, one 64-byte block at a time, buffering the unused
// remainder of the current block between calls to Next so successive
// values in document order consume a contiguous keystream.
type salsaKeystream struct {
	key       [32]byte
	counter   uint64
	block     [64]byte
	blockUsed int
}

func newSalsaKeystream(protectedStreamKey []byte) *salsaKeystream {
	return &salsaKeystream{
		key:       sha256.Sum256(protectedStreamKey),
		blockUsed: 64,
	}
}

// reset rewinds the keystream to its initial position, required before
// protect() re-traverses the tree from the start.
func (s *salsaKeystream) reset() {
	s.counter = 0
	s.blockUsed = 64
}

// next returns the next n keystream bytes.
func (s *salsaKeystream) next(n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		if s.blockUsed == 64 {
			var counterBytes [16]byte
			copy(counterBytes[:8], salsaNonce[:])
			binary.LittleEndian.PutUint64(counterBytes[8:], s.counter)
			var zero [64]byte
			salsa.XORKeyStream(s.block[:], zero[:], &counterBytes, &s.key)
			s.counter++
			s.blockUsed = 0
		}
		out[i] = s.block[s.blockUsed]
		s.blockUsed++
	}
	return out
}
