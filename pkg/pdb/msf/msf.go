package msf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

// nilStreamSize marks an unused/deleted stream in the stream directory.
const nilStreamSize = 0xFFFFFFFF

// MSF represents an opened MSF (Multi-Stream Format) file.
type MSF struct {
	r          io.ReaderAt
	closer     io.Closer
	superBlock *SuperBlock
	directory  *StreamDirectory
	streams    []*Stream
}

// mappedFile releases a read-only mapping together with its file.
type mappedFile struct {
	file *os.File
	mm   mmap.MMap
}

func (m *mappedFile) Close() error {
	return errors.Join(m.mm.Unmap(), m.file.Close())
}

// Open maps an MSF file read-only and parses its structure.
func Open(path string) (*MSF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to map file: %w", err), f.Close())
	}

	mf := &mappedFile{file: f, mm: mm}
	m, err := NewReader(bytes.NewReader(mm), mf)
	if err != nil {
		return nil, errors.Join(err, mf.Close())
	}
	return m, nil
}

// OpenBytes parses an MSF image held in memory.
func OpenBytes(data []byte) (*MSF, error) {
	return NewReader(bytes.NewReader(data), nil)
}

// NewReader parses the MSF structure available through r. The closer, if not
// nil, is released by Close.
func NewReader(r io.ReaderAt, closer io.Closer) (*MSF, error) {
	msf := &MSF{r: r, closer: closer}

	var err error
	msf.superBlock, err = ReadSuperBlock(io.NewSectionReader(r, 0, SuperBlockSize))
	if err != nil {
		return nil, err
	}

	if err := msf.readStreamDirectory(); err != nil {
		return nil, fmt.Errorf("failed to read stream directory: %w", err)
	}

	msf.buildStreams()

	return msf, nil
}

// Close releases the underlying file, if any.
func (m *MSF) Close() error {
	if m.closer != nil {
		err := m.closer.Close()
		m.closer = nil
		return err
	}
	return nil
}

// SuperBlock returns the MSF SuperBlock.
func (m *MSF) SuperBlock() *SuperBlock {
	return m.superBlock
}

// NumStreams returns the number of streams in the file.
func (m *MSF) NumStreams() int {
	return int(m.directory.NumStreams)
}

// Stream returns the stream at the given index.
func (m *MSF) Stream(index int) (*Stream, error) {
	if index < 0 || index >= len(m.streams) {
		return nil, fmt.Errorf("stream index %d out of range [0, %d): %w", index, len(m.streams), pdberrors.ErrStreamIndex)
	}
	return m.streams[index], nil
}

// StreamReader returns a reader for the stream at the given index.
func (m *MSF) StreamReader(index int) (*StreamReader, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	return NewStreamReader(s), nil
}

// readAt reads data from the file at the given offset.
func (m *MSF) readAt(p []byte, off int64) (int, error) {
	return m.r.ReadAt(p, off)
}

// readStreamDirectory reads and parses the stream directory.
func (m *MSF) readStreamDirectory() error {
	blockSize := m.superBlock.BlockSize
	numDirBlocks := m.superBlock.NumDirectoryBlocks()
	if uint64(numDirBlocks)*4 > uint64(blockSize) {
		return fmt.Errorf("directory needs %d blocks, more than one block map holds: %w", numDirBlocks, pdberrors.ErrInvalidFormat)
	}

	// The block map lists the blocks holding the stream directory.
	raw := make([]byte, numDirBlocks*4)
	blockMapOffset := int64(m.superBlock.BlockMapAddr) * int64(blockSize)
	if _, err := m.r.ReadAt(raw, blockMapOffset); err != nil {
		return fmt.Errorf("failed to read block map: %w", err)
	}

	dirData := make([]byte, m.superBlock.NumDirectoryBytes)
	bytesRead := 0
	for i := uint32(0); i < numDirBlocks; i++ {
		blockIdx := binary.LittleEndian.Uint32(raw[i*4:])
		if blockIdx >= m.superBlock.NumBlocks {
			return fmt.Errorf("directory block %d beyond end of file: %w", blockIdx, pdberrors.ErrInvalidFormat)
		}
		toRead := int(blockSize)
		if bytesRead+toRead > len(dirData) {
			toRead = len(dirData) - bytesRead
		}
		offset := int64(blockIdx) * int64(blockSize)
		if _, err := m.r.ReadAt(dirData[bytesRead:bytesRead+toRead], offset); err != nil {
			return fmt.Errorf("failed to read directory block %d: %w", blockIdx, err)
		}
		bytesRead += toRead
	}

	return m.parseStreamDirectory(dirData)
}

// parseStreamDirectory parses the stream directory from raw bytes.
func (m *MSF) parseStreamDirectory(data []byte) error {
	r := bytes.NewReader(data)

	var numStreams uint32
	if err := binary.Read(r, binary.LittleEndian, &numStreams); err != nil {
		return fmt.Errorf("failed to read NumStreams: %w", err)
	}
	if uint64(numStreams)*4 > uint64(r.Len()) {
		return fmt.Errorf("directory declares %d streams: %w", numStreams, pdberrors.ErrTruncated)
	}

	streamSizes := make([]uint32, numStreams)
	if err := binary.Read(r, binary.LittleEndian, streamSizes); err != nil {
		return fmt.Errorf("failed to read stream sizes: %w", err)
	}

	blockSize := m.superBlock.BlockSize
	streamBlocks := make([][]uint32, numStreams)
	for i := uint32(0); i < numStreams; i++ {
		size := streamSizes[i]
		if size == nilStreamSize {
			continue
		}
		blocks := make([]uint32, blocksFor(size, blockSize))
		if err := binary.Read(r, binary.LittleEndian, blocks); err != nil {
			return fmt.Errorf("failed to read block list for stream %d: %w", i, err)
		}
		for _, b := range blocks {
			if b >= m.superBlock.NumBlocks {
				return fmt.Errorf("stream %d references block %d beyond end of file: %w", i, b, pdberrors.ErrInvalidFormat)
			}
		}
		streamBlocks[i] = blocks
	}

	m.directory = &StreamDirectory{
		NumStreams:   numStreams,
		StreamSizes:  streamSizes,
		StreamBlocks: streamBlocks,
	}

	return nil
}

// buildStreams creates Stream objects for all streams in the directory.
func (m *MSF) buildStreams() {
	m.streams = make([]*Stream, m.directory.NumStreams)
	for i := uint32(0); i < m.directory.NumStreams; i++ {
		size := m.directory.StreamSizes[i]
		if size == nilStreamSize {
			m.streams[i] = &Stream{msf: m}
			continue
		}
		m.streams[i] = &Stream{
			msf:    m,
			size:   size,
			blocks: m.directory.StreamBlocks[i],
		}
	}
}

// BlockSize returns the block size used by this MSF file.
func (m *MSF) BlockSize() uint32 {
	return m.superBlock.BlockSize
}
