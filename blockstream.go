package kdbxmerge

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/gholt/brimutil"
)

// blockMax is the largest payload a single hashed block may carry.
const blockMax = 1024 * 1024

// readBufSize is the next power of two at or above the largest single
// block plus its header; readHashedBlocks reserves it up front for its
// output, which grows further only for streams longer than that.
var readBufSize = 1 << brimutil.PowerOfTwoNeeded(uint64(blockMax+4+32+4))

// readHashedBlocks deframes a KDBX hashed-block stream into its
// concatenated plaintext. Each block is ⟨index:u32LE⟩⟨hash:32B⟩
// ⟨length:u32LE⟩⟨data⟩; the stream ends at a block with length 0, whose
// hash is conventionally zero but never checked. A non-matching hash on
// a non-terminal block is BlockHashMismatch; an out-of-sequence index is
// HeaderLengthMismatch.
func readHashedBlocks(r io.Reader) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(readBufSize)
	hdr := make([]byte, 4+32+4)
	var wantIndex uint32
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, newErr(KindHeaderLengthMismatch, "hashed block stream ended without a terminator block")
			}
			return nil, err
		}
		index := binary.LittleEndian.Uint32(hdr[0:4])
		if index != wantIndex {
			return nil, newErr(KindHeaderLengthMismatch, "block index %d out of sequence, want %d", index, wantIndex)
		}
		wantIndex++
		var hash [32]byte
		copy(hash[:], hdr[4:36])
		length := binary.LittleEndian.Uint32(hdr[36:40])
		if length == 0 {
			// Terminator block: hash is conventionally all-zero but not
			// required to be, so it's never inspected.
			return out.Bytes(), nil
		}
		if length > blockMax {
			return nil, newErr(KindHeaderLengthMismatch, "block %d declares length %d exceeding max %d", index, length, blockMax)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, newErr(KindHeaderLengthMismatch, "block %d: %v", index, err)
		}
		if got := sha256.Sum256(data); got != hash {
			return nil, newErr(KindBlockHashMismatch, "block %d hash mismatch", index)
		}
		out.Write(data)
	}
}

// writeHashedBlocks frames plaintext into the hashed-block stream format,
// splitting it into blockMax-sized chunks and appending the zero-length,
// zero-hash terminator block.
func writeHashedBlocks(w io.Writer, plaintext []byte) error {
	var index uint32
	for len(plaintext) > 0 {
		n := blockMax
		if n > len(plaintext) {
			n = len(plaintext)
		}
		chunk := plaintext[:n]
		plaintext = plaintext[n:]
		if err := writeOneBlock(w, index, chunk); err != nil {
			return err
		}
		index++
	}
	return writeOneBlock(w, index, nil)
}

func writeOneBlock(w io.Writer, index uint32, data []byte) error {
	hdr := make([]byte, 4+32+4)
	binary.LittleEndian.PutUint32(hdr[0:4], index)
	if len(data) > 0 {
		hash := sha256.Sum256(data)
		copy(hdr[4:36], hash[:])
	}
	binary.LittleEndian.PutUint32(hdr[36:40], uint32(len(data)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}
