package kdbxmerge

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Signature magic numbers, read as little-endian uint32s from the first
// 12 bytes of a KDBX file.
const (
	signatureBase uint32 = 0x9AA2D903
	signatureV3   uint32 = 0xB54BFB65
	signatureV4   uint32 = 0xB54BFB67
)

// v4 header field ids, TLV-encoded as ⟨id:u8⟩⟨length:u16LE⟩⟨data⟩.
const (
	fieldEndOfHeader          = 0
	fieldComment              = 1
	fieldCipherID             = 2
	fieldCompressionFlags     = 3
	fieldMasterSeed           = 4
	fieldTransformSeed        = 5
	fieldTransformRounds      = 6
	fieldEncryptionIV         = 7
	fieldProtectedStreamKey   = 8
	fieldStreamStartBytes     = 9
	fieldInnerRandomStreamID  = 10
)

// innerRandomStreamSalsa20 is the only InnerRandomStreamID this library
// understands; anything else fails UnsupportedCipher.
const innerRandomStreamSalsa20 = 2

// compressionNone and compressionGzip are the two CompressionFlags values.
const (
	compressionNone = 0
	compressionGzip = 1
)

// v4Header holds the parsed fields of a v4 TLV header plus the raw bytes
// it was parsed from; the length of Raw is the offset at which the
// ciphertext begins. writeV4Header re-emits from the fields, not from Raw.
type v4Header struct {
	Comment              []byte
	CipherID             [16]byte
	CompressionFlags     uint32
	MasterSeed           [32]byte
	TransformSeed        [32]byte
	TransformRounds      uint64
	EncryptionIV         [16]byte
	ProtectedStreamKey   [32]byte
	StreamStartBytes     [32]byte
	InnerRandomStreamID  uint32
	Raw                  []byte
}

// readSignature reads and classifies the 12-byte file signature.
func readSignature(r io.Reader) (isV3 bool, version uint32, err error) {
	buf := make([]byte, 12)
	if _, err = io.ReadFull(r, buf); err != nil {
		return false, 0, newErr(KindUnknownKDBFormat, "reading signature: %v", err)
	}
	base := binary.LittleEndian.Uint32(buf[0:4])
	sub := binary.LittleEndian.Uint32(buf[4:8])
	version = binary.LittleEndian.Uint32(buf[8:12])
	if base != signatureBase {
		return false, 0, newErr(KindUnknownKDBFormat, "base signature %08X does not match KDBX", base)
	}
	switch sub {
	case signatureV3:
		return true, version, nil
	case signatureV4:
		return false, version, nil
	default:
		return false, 0, newErr(KindUnknownKDBFormat, "unrecognized sub-signature %08X", sub)
	}
}

// parseV4Header reads the 12-byte signature plus the TLV field stream,
// returning the parsed header; h.Raw holds every byte consumed.
func parseV4Header(r io.Reader) (*v4Header, error) {
	var raw bytes.Buffer
	tr := io.TeeReader(r, &raw)

	if _, _, err := readSignature(tr); err != nil {
		return nil, err
	}

	h := &v4Header{}
	for {
		var id uint8
		if err := binary.Read(tr, binary.LittleEndian, &id); err != nil {
			return nil, newErr(KindHeaderLengthMismatch, "reading field id: %v", err)
		}
		var length uint16
		if err := binary.Read(tr, binary.LittleEndian, &length); err != nil {
			return nil, newErr(KindHeaderLengthMismatch, "reading field %d length: %v", id, err)
		}
		data := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(tr, data); err != nil {
				return nil, newErr(KindHeaderLengthMismatch, "reading field %d body: %v", id, err)
			}
		}
		if id == fieldEndOfHeader {
			h.Raw = raw.Bytes()
			return h, nil
		}
		if err := h.setField(id, data); err != nil {
			return nil, err
		}
	}
}

func (h *v4Header) setField(id uint8, data []byte) error {
	switch id {
	case fieldComment:
		h.Comment = data
	case fieldCipherID:
		if len(data) != 16 {
			return newErr(KindHeaderLengthMismatch, "CipherID length %d, want 16", len(data))
		}
		copy(h.CipherID[:], data)
	case fieldCompressionFlags:
		if len(data) != 4 {
			return newErr(KindHeaderLengthMismatch, "CompressionFlags length %d, want 4", len(data))
		}
		h.CompressionFlags = binary.LittleEndian.Uint32(data)
	case fieldMasterSeed:
		if len(data) != 32 {
			return newErr(KindHeaderLengthMismatch, "MasterSeed length %d, want 32", len(data))
		}
		copy(h.MasterSeed[:], data)
	case fieldTransformSeed:
		if len(data) != 32 {
			return newErr(KindHeaderLengthMismatch, "TransformSeed length %d, want 32", len(data))
		}
		copy(h.TransformSeed[:], data)
	case fieldTransformRounds:
		if len(data) != 8 {
			return newErr(KindHeaderLengthMismatch, "TransformRounds length %d, want 8", len(data))
		}
		h.TransformRounds = binary.LittleEndian.Uint64(data)
	case fieldEncryptionIV:
		if len(data) != 16 {
			return newErr(KindHeaderLengthMismatch, "EncryptionIV length %d, want 16", len(data))
		}
		copy(h.EncryptionIV[:], data)
	case fieldProtectedStreamKey:
		if len(data) != 32 {
			return newErr(KindHeaderLengthMismatch, "ProtectedStreamKey length %d, want 32", len(data))
		}
		copy(h.ProtectedStreamKey[:], data)
	case fieldStreamStartBytes:
		if len(data) != 32 {
			return newErr(KindHeaderLengthMismatch, "StreamStartBytes length %d, want 32", len(data))
		}
		copy(h.StreamStartBytes[:], data)
	case fieldInnerRandomStreamID:
		if len(data) != 4 {
			return newErr(KindHeaderLengthMismatch, "InnerRandomStreamID length %d, want 4", len(data))
		}
		h.InnerRandomStreamID = binary.LittleEndian.Uint32(data)
	default:
		return newErr(KindUnknownHeaderField, "unknown header field id %d", id)
	}
	return nil
}

// binaryWriteSignature writes the 12-byte base+sub+version signature.
func binaryWriteSignature(w io.Writer, sub uint32, version uint32) error {
	sig := make([]byte, 12)
	binary.LittleEndian.PutUint32(sig[0:4], signatureBase)
	binary.LittleEndian.PutUint32(sig[4:8], sub)
	binary.LittleEndian.PutUint32(sig[8:12], version)
	_, err := w.Write(sig)
	return err
}

// writeV4Header re-emits the signature and TLV fields in ascending id
// order, omitting an empty Comment and writing an empty EndOfHeader body.
// A header written by this function parses and re-emits byte-identically;
// a parsed header whose fields came in another order, or whose EndOfHeader
// carried data, is not reproduced byte for byte.
func writeV4Header(w io.Writer, h *v4Header, version uint32) error {
	if err := binaryWriteSignature(w, signatureV4, version); err != nil {
		return err
	}

	writeField := func(id uint8, data []byte) error {
		if err := binary.Write(w, binary.LittleEndian, id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(data))); err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		_, err := w.Write(data)
		return err
	}

	compressionFlags := make([]byte, 4)
	binary.LittleEndian.PutUint32(compressionFlags, h.CompressionFlags)
	transformRounds := make([]byte, 8)
	binary.LittleEndian.PutUint64(transformRounds, h.TransformRounds)
	innerStreamID := make([]byte, 4)
	binary.LittleEndian.PutUint32(innerStreamID, h.InnerRandomStreamID)

	fields := []struct {
		id   uint8
		data []byte
	}{
		{fieldComment, h.Comment},
		{fieldCipherID, h.CipherID[:]},
		{fieldCompressionFlags, compressionFlags},
		{fieldMasterSeed, h.MasterSeed[:]},
		{fieldTransformSeed, h.TransformSeed[:]},
		{fieldTransformRounds, transformRounds},
		{fieldEncryptionIV, h.EncryptionIV[:]},
		{fieldProtectedStreamKey, h.ProtectedStreamKey[:]},
		{fieldStreamStartBytes, h.StreamStartBytes[:]},
		{fieldInnerRandomStreamID, innerStreamID},
	}
	for _, f := range fields {
		if f.id == fieldComment && len(f.data) == 0 {
			continue
		}
		if err := writeField(f.id, f.data); err != nil {
			return err
		}
	}
	return writeField(fieldEndOfHeader, nil)
}

// v3Header is the fixed 124-byte legacy header (12-byte signature+version
// common to both formats, plus a 112-byte fixed body).
type v3Header struct {
	Version      uint32
	Flags        uint32
	MasterSeed   [16]byte
	EncryptionIV [16]byte
	Groups       uint32
	Entries      uint32
	ContentHash  [32]byte
	MasterSeed2  [32]byte
	KeyEncRounds uint32
	Raw          []byte
}

const v3HeaderLen = 124

// parseV3Header reads the 12-byte signature+version plus the fixed-layout
// 112-byte body.
func parseV3Header(r io.Reader) (*v3Header, error) {
	var raw bytes.Buffer
	tr := io.TeeReader(r, &raw)
	_, version, err := readSignature(tr)
	if err != nil {
		return nil, err
	}
	body := make([]byte, v3HeaderLen-12)
	if _, err := io.ReadFull(tr, body); err != nil {
		return nil, newErr(KindHeaderLengthMismatch, "v3 header truncated: %v", err)
	}
	h := &v3Header{Version: version}
	h.Flags = binary.LittleEndian.Uint32(body[0:4])
	copy(h.MasterSeed[:], body[4:20])
	copy(h.EncryptionIV[:], body[20:36])
	h.Groups = binary.LittleEndian.Uint32(body[36:40])
	h.Entries = binary.LittleEndian.Uint32(body[40:44])
	copy(h.ContentHash[:], body[44:76])
	copy(h.MasterSeed2[:], body[76:108])
	h.KeyEncRounds = binary.LittleEndian.Uint32(body[108:112])
	h.Raw = raw.Bytes()
	return h, nil
}
