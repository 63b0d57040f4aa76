package msf

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestFileBuilderRoundTrip(t *testing.T) {
	for _, blockSize := range ValidBlockSizes {
		t.Run(fmt.Sprintf("block%d", blockSize), func(t *testing.T) {
			b, err := NewFileBuilder(blockSize)
			require.NoError(t, err)

			contents := [][]byte{
				nil,
				pattern(10, 1),
				pattern(int(blockSize), 2),
				pattern(int(blockSize)*3+17, 3),
			}
			for i, c := range contents {
				region, err := b.AllocateStreamAt(uint32(i), uint32(len(c)))
				require.NoError(t, err)
				copy(region, c)
			}

			image, err := b.Bytes()
			require.NoError(t, err)
			assert.Zero(t, len(image)%int(blockSize))

			m, err := OpenBytes(image)
			require.NoError(t, err)
			defer m.Close()

			require.Equal(t, len(contents), m.NumStreams())
			for i, want := range contents {
				s, err := m.Stream(i)
				require.NoError(t, err)
				got, err := s.ReadAll()
				require.NoError(t, err)
				assert.Equal(t, len(want), len(got), "stream %d size", i)
				assert.Len(t, s.Blocks(), int(blocksFor(uint32(len(want)), blockSize)))
				assert.True(t, bytes.Equal(want, got), "stream %d contents", i)
			}
		})
	}
}

func TestFileBuilderSkipsFreePageMapBlocks(t *testing.T) {
	const blockSize = 512
	b, err := NewFileBuilder(blockSize)
	require.NoError(t, err)

	// Large enough to run past the FPM pair of the second interval.
	data := pattern(blockSize*(blockSize+8), 9)
	_, region, err := b.AllocateStream(uint32(len(data)))
	require.NoError(t, err)
	copy(region, data)

	l, err := b.Layout()
	require.NoError(t, err)
	for _, idx := range l.StreamBlocks[0] {
		assert.False(t, isFPMBlock(idx, blockSize), "block %d is an FPM block", idx)
		assert.NotZero(t, idx)
	}

	image, err := b.Bytes()
	require.NoError(t, err)

	// Every block in the file is used, so the FPM bits covering it are clear.
	fpm := image[blockSize : 2*blockSize]
	assert.Equal(t, byte(0), fpm[0])
	m, err := OpenBytes(image)
	require.NoError(t, err)
	s, err := m.Stream(0)
	require.NoError(t, err)
	got, err := s.ReadAll()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestStreamReaderSeek(t *testing.T) {
	b, err := NewFileBuilder(512)
	require.NoError(t, err)
	data := pattern(1500, 5)
	_, region, err := b.AllocateStream(uint32(len(data)))
	require.NoError(t, err)
	copy(region, data)

	image, err := b.Bytes()
	require.NoError(t, err)
	m, err := OpenBytes(image)
	require.NoError(t, err)

	r, err := m.StreamReader(0)
	require.NoError(t, err)
	pos, err := r.Seek(700, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(700), pos)

	buf := make([]byte, 100)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, data[700:800], buf)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[800:], rest)
}

func TestFileBuilderAllocationErrors(t *testing.T) {
	_, err := NewFileBuilder(1000)
	require.ErrorIs(t, err, pdberrors.ErrInvalidFormat)

	b, err := NewFileBuilder(DefaultBlockSize)
	require.NoError(t, err)

	_, err = b.AllocateStreamAt(3, 16)
	require.NoError(t, err)
	assert.Equal(t, 4, b.NumStreams())

	_, err = b.AllocateStreamAt(3, 16)
	assert.ErrorIs(t, err, pdberrors.ErrAllocationFailed)

	_, err = b.AllocateStreamAt(4, nilStreamSize)
	assert.ErrorIs(t, err, pdberrors.ErrAllocationFailed)

	_, err = b.AllocateStreamAt(MaxStreams, 1)
	assert.ErrorIs(t, err, pdberrors.ErrAllocationFailed)

	size, err := b.StreamSize(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), size)

	data, err := b.StreamData(3)
	require.NoError(t, err)
	assert.Len(t, data, 16)

	_, err = b.StreamSize(40)
	assert.ErrorIs(t, err, pdberrors.ErrStreamIndex)
}

func TestFileBuilderCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pdb")

	b, err := NewFileBuilder(DefaultBlockSize)
	require.NoError(t, err)
	slot := b.StreamAt(2)
	assert.Equal(t, uint32(2), slot.Index())
	region, err := slot.AllocateStream(5000)
	require.NoError(t, err)
	copy(region, pattern(5000, 4))

	require.NoError(t, b.Commit(path))

	_, err = b.AllocateStreamAt(5, 1)
	assert.ErrorIs(t, err, pdberrors.ErrAllocationFailed)
	assert.ErrorIs(t, b.Commit(path), pdberrors.ErrBuilderClosed)

	m, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	assert.Equal(t, uint32(DefaultBlockSize), m.BlockSize())
	assert.Equal(t, 3, m.NumStreams())
	s, err := m.Stream(2)
	require.NoError(t, err)
	got, err := s.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, pattern(5000, 4), got)

	empty, err := m.Stream(0)
	require.NoError(t, err)
	assert.Zero(t, empty.Size())
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := OpenBytes(make([]byte, 4096))
	assert.ErrorIs(t, err, pdberrors.ErrInvalidFormat)

	_, err = OpenBytes([]byte("short"))
	assert.ErrorIs(t, err, pdberrors.ErrTruncated)
}
