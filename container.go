package kdbxmerge

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
)

// containerState is the Fresh → HeaderParsed → Decrypted → Opened → Closed
// lifecycle a container moves through; operations outside the expected
// state fail InvariantViolation rather than silently proceeding.
type containerState int

const (
	stateFresh containerState = iota
	stateHeaderParsed
	stateDecrypted
	stateOpened
	stateClosed
)

// container is the decrypted view of a KDBX file: either a v4 tree's raw
// XML bytes, or a v3 payload's raw decrypted binary body (handed to
// v3convert.go). It owns the credential-derived master key and the
// lifecycle state that gates further operations.
type container struct {
	state     containerState
	isV3      bool
	v4Header  *v4Header
	v3Header  *v3Header
	version   uint32
	masterKey [32]byte
	plaintext []byte
}

// composeCredentialsV4 hashes each credential independently, then (for v4)
// hashes the concatenation of those digests. The v3 composite key is the
// single credential digest with no concat-hash wrapper, its own
// documented idiosyncrasy.
func composeCredentialsV4(credentials [][]byte) [32]byte {
	var concat []byte
	for _, c := range credentials {
		h := sha256.Sum256(c)
		concat = append(concat, h[:]...)
	}
	return sha256.Sum256(concat)
}

func composeCredentialV3(credential []byte) [32]byte {
	return sha256.Sum256(credential)
}

// openContainer reads a full KDBX file from r, derives the master key from
// credentials (each element a raw credential, e.g. a password's UTF-8
// bytes, or a keyfile's contents), decrypts and deframes it, and returns a
// container in state stateOpened.
func openContainer(r io.Reader, credentials [][]byte, opts *Options) (*container, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading database")
	}

	isV3, version, err := readSignature(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	c := &container{isV3: isV3, version: version, state: stateFresh}

	if isV3 {
		return c.openV3(raw, credentials, opts)
	}
	return c.openV4(raw, credentials, opts)
}

func (c *container) openV4(raw []byte, credentials [][]byte, opts *Options) (*container, error) {
	h, err := parseV4Header(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c.v4Header = h
	c.state = stateHeaderParsed

	if opts != nil && opts.TransformRoundsMin > 0 && h.TransformRounds < opts.TransformRoundsMin {
		return nil, newErr(KindBadMasterKey, "TransformRounds %d below configured floor %d", h.TransformRounds, opts.TransformRoundsMin)
	}
	if h.InnerRandomStreamID != innerRandomStreamSalsa20 {
		return nil, newErr(KindUnsupportedCipher, "inner random stream id %d not supported", h.InnerRandomStreamID)
	}

	composite := composeCredentialsV4(credentials)
	transformed, err := transformKey(composite, h.TransformSeed, h.TransformRounds)
	if err != nil {
		return nil, errors.Wrap(err, "deriving transformed key")
	}
	c.masterKey = sha256.Sum256(append(append([]byte{}, h.MasterSeed[:]...), transformed[:]...))

	block, err := cipherBlock(h.CipherID, c.masterKey[:])
	if err != nil {
		return nil, err
	}
	ciphertext := raw[len(h.Raw):]
	decryptedPadded, err := cbcDecrypt(block, h.EncryptionIV[:], ciphertext)
	if err != nil {
		return nil, err
	}
	decrypted, err := pkcs7Unpad(decryptedPadded)
	if err != nil {
		return nil, err
	}
	if len(decrypted) < 32 || !bytes.Equal(decrypted[:32], h.StreamStartBytes[:]) {
		return nil, newErr(KindBadMasterKey, "stream start bytes mismatch")
	}
	c.state = stateDecrypted

	blockStream, err := readHashedBlocks(bytes.NewReader(decrypted[32:]))
	if err != nil {
		return nil, err
	}

	switch h.CompressionFlags {
	case compressionNone:
		c.plaintext = blockStream
	case compressionGzip:
		gz, err := gzip.NewReader(bytes.NewReader(blockStream))
		if err != nil {
			return nil, newErr(KindHeaderLengthMismatch, "gzip: %v", err)
		}
		defer gz.Close()
		plain, err := io.ReadAll(gz)
		if err != nil {
			return nil, newErr(KindHeaderLengthMismatch, "gzip: %v", err)
		}
		c.plaintext = plain
	default:
		return nil, newErr(KindUnknownHeaderField, "unknown compression flags %d", h.CompressionFlags)
	}
	c.state = stateOpened
	return c, nil
}

func (c *container) openV3(raw []byte, credentials [][]byte, opts *Options) (*container, error) {
	h, err := parseV3Header(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c.v3Header = h
	c.state = stateHeaderParsed

	if len(credentials) != 1 {
		return nil, newErr(KindBadMasterKey, "v3 supports exactly one credential digest, got %d", len(credentials))
	}
	if opts != nil && opts.TransformRoundsMin > 0 && uint64(h.KeyEncRounds) < opts.TransformRoundsMin {
		return nil, newErr(KindBadMasterKey, "KeyEncRounds %d below configured floor %d", h.KeyEncRounds, opts.TransformRoundsMin)
	}

	composite := composeCredentialV3(credentials[0])
	var seed32 [32]byte
	copy(seed32[:], h.MasterSeed2[:])
	transformed, err := transformKey(composite, seed32, uint64(h.KeyEncRounds))
	if err != nil {
		return nil, errors.Wrap(err, "deriving transformed key")
	}
	c.masterKey = sha256.Sum256(append(append([]byte{}, h.MasterSeed[:]...), transformed[:]...))

	key := c.masterKey
	block, err := cipherBlock(CipherAES, key[:])
	if err != nil {
		return nil, err
	}
	ciphertext := raw[len(h.Raw):]
	decryptedPadded, err := cbcDecrypt(block, h.EncryptionIV[:], ciphertext)
	if err != nil {
		return nil, err
	}
	decrypted, err := pkcs7Unpad(decryptedPadded)
	if err != nil {
		return nil, err
	}
	c.state = stateDecrypted

	if sha256.Sum256(decrypted) != h.ContentHash {
		return nil, newErr(KindBadMasterKey, "content hash mismatch")
	}

	c.plaintext = decrypted
	c.state = stateOpened
	return c, nil
}

// requireOpened fails InvariantViolation on a closed or not-yet-opened
// container, the gate every façade operation passes through.
func (c *container) requireOpened() error {
	if c.state == stateClosed {
		return ErrClosed
	}
	if c.state != stateOpened {
		return newErr(KindInvariantViolation, "container not opened, state=%d", c.state)
	}
	return nil
}

func (c *container) close() {
	for i := range c.masterKey {
		c.masterKey[i] = 0
	}
	for i := range c.plaintext {
		c.plaintext[i] = 0
	}
	c.plaintext = nil
	c.state = stateClosed
}

// writeV4Container serializes plaintext (the XML object model's
// marshaled bytes) back into a full KDBX v4 file using h's crypto
// parameters and the already-derived masterKey.
func writeV4Container(w io.Writer, h *v4Header, version uint32, masterKey [32]byte, plaintext []byte) error {
	body := plaintext
	if h.CompressionFlags == compressionGzip {
		var gzBuf bytes.Buffer
		gw := gzip.NewWriter(&gzBuf)
		if _, err := gw.Write(plaintext); err != nil {
			return err
		}
		if err := gw.Close(); err != nil {
			return err
		}
		body = gzBuf.Bytes()
	}

	var blockBuf bytes.Buffer
	if err := writeHashedBlocks(&blockBuf, body); err != nil {
		return err
	}

	framed := append(append([]byte{}, h.StreamStartBytes[:]...), blockBuf.Bytes()...)
	padded := pkcs7Pad(framed)

	block, err := cipherBlock(h.CipherID, masterKey[:])
	if err != nil {
		return err
	}
	ciphertext, err := cbcEncrypt(block, h.EncryptionIV[:], padded)
	if err != nil {
		return err
	}

	if err := writeV4Header(w, h, version); err != nil {
		return err
	}
	_, err = w.Write(ciphertext)
	return err
}

// deriveMasterKeyV4 computes the v4 master key from a header and
// credentials without opening a file; openV4 performs the same derivation
// inline. The façade does not call it: WriteTo reuses the master key kept
// from Open.
func deriveMasterKeyV4(h *v4Header, credentials [][]byte) ([32]byte, error) {
	composite := composeCredentialsV4(credentials)
	transformed, err := transformKey(composite, h.TransformSeed, h.TransformRounds)
	if err != nil {
		return [32]byte{}, errors.Wrap(err, "deriving transformed key")
	}
	return sha256.Sum256(append(append([]byte{}, h.MasterSeed[:]...), transformed[:]...)), nil
}
