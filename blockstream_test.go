package kdbxmerge

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashedBlockRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("short"),
		bytes.Repeat([]byte("x"), blockMax),
		bytes.Repeat([]byte("y"), blockMax+1),
		bytes.Repeat([]byte("z"), blockMax*3+17),
	}
	for _, plain := range cases {
		var buf bytes.Buffer
		require.NoError(t, writeHashedBlocks(&buf, plain))
		got, err := readHashedBlocks(&buf)
		require.NoError(t, err)
		require.Equal(t, plain, got)
	}
}

func TestHashedBlockDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeHashedBlocks(&buf, []byte("hello, world")))
	corrupted := buf.Bytes()
	corrupted[4+32+4] ^= 0xFF // flip a byte inside the first block's data

	_, err := readHashedBlocks(bytes.NewReader(corrupted))
	require.Error(t, err)
	var kdbxErr *Error
	require.ErrorAs(t, err, &kdbxErr)
	require.Equal(t, KindBlockHashMismatch, kdbxErr.Kind)
}

func TestHashedBlockRejectsMissingTerminator(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeOneBlock(&buf, 0, []byte("no terminator follows")))
	_, err := readHashedBlocks(&buf)
	require.Error(t, err)
}

func TestHashedBlockRejectsOutOfSequenceIndex(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeOneBlock(&buf, 5, []byte("wrong starting index")))
	require.NoError(t, writeOneBlock(&buf, 6, nil))
	_, err := readHashedBlocks(&buf)
	require.Error(t, err)
	var kdbxErr *Error
	require.ErrorAs(t, err, &kdbxErr)
	require.Equal(t, KindHeaderLengthMismatch, kdbxErr.Kind)
}
