package msf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/go-kit/log/level"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

const (
	// DefaultBlockSize is the block size used by current toolchains.
	DefaultBlockSize = 4096

	// MaxStreams bounds the directory; stream indices are 16-bit in the DBI
	// header and 0xFFFF means "no stream".
	MaxStreams = 0xFFFF

	// activeFPMBlock is the FPM copy the superblock points at.
	activeFPMBlock = 1
)

// FileBuilder lays out streams into a new MSF file.
//
// Streams are reserved with AllocateStream or AllocateStreamAt, which hand
// back a region of exactly the requested size for the caller to fill. The
// layout is only computed when the file is rendered, so reservations may
// arrive in any order.
type FileBuilder struct {
	blockSize uint32
	streams   [][]byte // nil entries are reserved but empty
	allocated []bool
	committed bool
	opt       options
}

// NewFileBuilder creates a builder for a file with the given block size.
func NewFileBuilder(blockSize uint32, opts ...Option) (*FileBuilder, error) {
	if !isValidBlockSize(blockSize) {
		return nil, fmt.Errorf("invalid block size %d: %w", blockSize, pdberrors.ErrInvalidFormat)
	}
	b := &FileBuilder{
		blockSize: blockSize,
		opt:       defaultOptions(),
	}
	for _, o := range opts {
		o(&b.opt)
	}
	return b, nil
}

// BlockSize returns the block size of the file being built.
func (b *FileBuilder) BlockSize() uint32 {
	return b.blockSize
}

// NumStreams returns the number of directory entries, including reserved
// streams that were never allocated.
func (b *FileBuilder) NumStreams() int {
	return len(b.streams)
}

// StreamSize returns the allocated size of the stream at index.
func (b *FileBuilder) StreamSize(index uint32) (uint32, error) {
	if int(index) >= len(b.streams) {
		return 0, fmt.Errorf("stream index %d out of range [0, %d): %w", index, len(b.streams), pdberrors.ErrStreamIndex)
	}
	return uint32(len(b.streams[index])), nil
}

// StreamData returns the region previously allocated for index.
func (b *FileBuilder) StreamData(index uint32) ([]byte, error) {
	if int(index) >= len(b.streams) {
		return nil, fmt.Errorf("stream index %d out of range [0, %d): %w", index, len(b.streams), pdberrors.ErrStreamIndex)
	}
	return b.streams[index], nil
}

// ReserveStreams grows the directory to at least n entries. New entries are
// empty and may later be allocated with AllocateStreamAt.
func (b *FileBuilder) ReserveStreams(n uint32) error {
	if n > MaxStreams {
		return fmt.Errorf("%d streams requested: %w", n, pdberrors.ErrOverflow)
	}
	for uint32(len(b.streams)) < n {
		b.streams = append(b.streams, nil)
		b.allocated = append(b.allocated, false)
	}
	return nil
}

// AllocateStream appends a new stream of size bytes and returns its index
// together with the writable region backing it.
func (b *FileBuilder) AllocateStream(size uint32) (uint32, []byte, error) {
	index := uint32(len(b.streams))
	data, err := b.AllocateStreamAt(index, size)
	if err != nil {
		return 0, nil, err
	}
	return index, data, nil
}

// AllocateStreamAt reserves size bytes for the stream at a fixed index. The
// returned slice is owned by the builder and written out on commit.
func (b *FileBuilder) AllocateStreamAt(index, size uint32) ([]byte, error) {
	if b.committed {
		return nil, fmt.Errorf("file already committed: %w", pdberrors.ErrAllocationFailed)
	}
	if index >= MaxStreams {
		return nil, fmt.Errorf("stream index %d exceeds %d: %w", index, MaxStreams, pdberrors.ErrAllocationFailed)
	}
	if size == nilStreamSize {
		return nil, fmt.Errorf("stream size %#x is reserved: %w", size, pdberrors.ErrAllocationFailed)
	}
	if err := b.ReserveStreams(index + 1); err != nil {
		return nil, errors.Join(pdberrors.ErrAllocationFailed, err)
	}
	if b.allocated[index] {
		return nil, fmt.Errorf("stream %d already allocated: %w", index, pdberrors.ErrAllocationFailed)
	}

	data := make([]byte, size)
	b.streams[index] = data
	b.allocated[index] = true

	level.Debug(b.opt.logger).Log("msg", "allocated stream", "index", index, "size", size)
	return data, nil
}

// StreamAt binds a fixed stream index to the StreamAllocator contract used by
// stream builders.
func (b *FileBuilder) StreamAt(index uint32) StreamSlot {
	return StreamSlot{b: b, index: index}
}

// StreamSlot allocates one fixed stream of a FileBuilder.
type StreamSlot struct {
	b     *FileBuilder
	index uint32
}

// Index returns the stream index the slot allocates.
func (s StreamSlot) Index() uint32 {
	return s.index
}

// AllocateStream reserves size bytes at the slot's index.
func (s StreamSlot) AllocateStream(size uint32) ([]byte, error) {
	return s.b.AllocateStreamAt(s.index, size)
}

// Layout describes where every part of the file lives, in block indices.
type Layout struct {
	SuperBlock      SuperBlock
	StreamSizes     []uint32
	StreamBlocks    [][]uint32
	DirectoryBlocks []uint32
}

// blockAllocator hands out block indices in file order, skipping the two
// free page map blocks that start every interval of blockSize blocks.
type blockAllocator struct {
	blockSize uint32
	next      uint32
}

func newBlockAllocator(blockSize uint32) *blockAllocator {
	// block 0 is the superblock, 1 and 2 are the first FPM pair
	return &blockAllocator{blockSize: blockSize, next: 3}
}

func (a *blockAllocator) alloc() (uint32, error) {
	for isFPMBlock(a.next, a.blockSize) {
		a.next++
	}
	if a.next == math.MaxUint32 {
		return 0, fmt.Errorf("block index space exhausted: %w", pdberrors.ErrOverflow)
	}
	idx := a.next
	a.next++
	return idx, nil
}

func (a *blockAllocator) allocN(n uint32) ([]uint32, error) {
	blocks := make([]uint32, n)
	for i := range blocks {
		idx, err := a.alloc()
		if err != nil {
			return nil, err
		}
		blocks[i] = idx
	}
	return blocks, nil
}

func isFPMBlock(idx, blockSize uint32) bool {
	r := idx % blockSize
	return r == 1 || r == 2
}

// directorySize is the byte size of the stream directory for the given
// stream sizes.
func directorySize(sizes []uint32, blockSize uint32) uint64 {
	n := uint64(4) + uint64(len(sizes))*4
	for _, size := range sizes {
		n += uint64(blocksFor(size, blockSize)) * 4
	}
	return n
}

// Layout assigns blocks to every stream, the directory and the block map.
func (b *FileBuilder) Layout() (*Layout, error) {
	sizes := make([]uint32, len(b.streams))
	for i, s := range b.streams {
		sizes[i] = uint32(len(s))
	}

	alloc := newBlockAllocator(b.blockSize)
	streamBlocks := make([][]uint32, len(sizes))
	for i, size := range sizes {
		blocks, err := alloc.allocN(blocksFor(size, b.blockSize))
		if err != nil {
			return nil, err
		}
		streamBlocks[i] = blocks
	}

	dirBytes := directorySize(sizes, b.blockSize)
	if dirBytes > math.MaxUint32 {
		return nil, fmt.Errorf("stream directory of %d bytes: %w", dirBytes, pdberrors.ErrOverflow)
	}
	numDirBlocks := blocksFor(uint32(dirBytes), b.blockSize)
	if uint64(numDirBlocks)*4 > uint64(b.blockSize) {
		return nil, fmt.Errorf("stream directory needs %d blocks, block map holds %d: %w",
			numDirBlocks, b.blockSize/4, pdberrors.ErrOverflow)
	}
	dirBlocks, err := alloc.allocN(numDirBlocks)
	if err != nil {
		return nil, err
	}
	blockMapAddr, err := alloc.alloc()
	if err != nil {
		return nil, err
	}

	l := &Layout{
		SuperBlock: SuperBlock{
			BlockSize:         b.blockSize,
			FreeBlockMapBlock: activeFPMBlock,
			NumBlocks:         alloc.next,
			NumDirectoryBytes: uint32(dirBytes),
			BlockMapAddr:      blockMapAddr,
		},
		StreamSizes:     sizes,
		StreamBlocks:    streamBlocks,
		DirectoryBlocks: dirBlocks,
	}
	copy(l.SuperBlock.Magic[:], MSFMagic)
	return l, nil
}

// writeImage renders the file described by l into dst, which must be exactly
// l.SuperBlock.FileSize() bytes and zeroed.
func (b *FileBuilder) writeImage(dst []byte, l *Layout) {
	bs := int64(b.blockSize)
	block := func(idx uint32) []byte {
		off := int64(idx) * bs
		return dst[off : off+bs]
	}

	l.SuperBlock.encodeTo(dst)
	b.writeFPM(dst, l.SuperBlock.NumBlocks)

	for i, blocks := range l.StreamBlocks {
		data := b.streams[i]
		for j, idx := range blocks {
			start := int64(j) * bs
			end := start + bs
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			copy(block(idx), data[start:end])
		}
	}

	dir := make([]byte, 0, l.SuperBlock.NumDirectoryBytes)
	dir = binary.LittleEndian.AppendUint32(dir, uint32(len(l.StreamSizes)))
	for _, size := range l.StreamSizes {
		dir = binary.LittleEndian.AppendUint32(dir, size)
	}
	for _, blocks := range l.StreamBlocks {
		for _, idx := range blocks {
			dir = binary.LittleEndian.AppendUint32(dir, idx)
		}
	}
	for j, idx := range l.DirectoryBlocks {
		start := int64(j) * bs
		end := start + bs
		if end > int64(len(dir)) {
			end = int64(len(dir))
		}
		copy(block(idx), dir[start:end])
	}

	blockMap := block(l.SuperBlock.BlockMapAddr)
	for j, idx := range l.DirectoryBlocks {
		binary.LittleEndian.PutUint32(blockMap[j*4:], idx)
	}
}

// writeFPM fills both free page maps of every interval. A set bit marks a
// free block; every block inside the file is in use.
func (b *FileBuilder) writeFPM(dst []byte, numBlocks uint32) {
	bs := uint64(b.blockSize)
	for interval := uint64(0); interval*bs+1 < uint64(numBlocks); interval++ {
		for _, fpm := range []uint64{1, 2} {
			idx := interval*bs + fpm
			if idx >= uint64(numBlocks) {
				continue
			}
			page := dst[idx*bs : (idx+1)*bs]
			for i := range page {
				firstBlock := (interval*bs + uint64(i)) * 8
				var v byte
				for bit := uint64(0); bit < 8; bit++ {
					if firstBlock+bit >= uint64(numBlocks) {
						v |= 1 << bit
					}
				}
				page[i] = v
			}
		}
	}
}

// Bytes renders the complete file into memory.
func (b *FileBuilder) Bytes() ([]byte, error) {
	l, err := b.Layout()
	if err != nil {
		return nil, err
	}
	dst := make([]byte, l.SuperBlock.FileSize())
	b.writeImage(dst, l)
	return dst, nil
}

// Commit writes the file to path through a writable mapping. The builder
// accepts no further allocations afterwards. On failure the partially
// written file is removed.
func (b *FileBuilder) Commit(path string) error {
	if b.committed {
		return fmt.Errorf("commit %s: %w", path, pdberrors.ErrBuilderClosed)
	}

	l, err := b.Layout()
	if err != nil {
		return fmt.Errorf("failed to lay out file: %w", err)
	}
	size := l.SuperBlock.FileSize()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if err := fallocateFile(file, size); err != nil {
		primaryErr := fmt.Errorf("failed to allocate disk space: %w", err)
		return errors.Join(primaryErr, file.Close(), os.Remove(path))
	}

	mm, err := mmap.MapRegion(file, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		primaryErr := fmt.Errorf("failed to mmap file: %w", err)
		return errors.Join(primaryErr, file.Close(), os.Remove(path))
	}

	b.writeImage(mm, l)

	if err := mm.Flush(); err != nil {
		primaryErr := fmt.Errorf("mmap flush failed: %w", err)
		return errors.Join(primaryErr, mm.Unmap(), file.Close(), os.Remove(path))
	}
	if err := mm.Unmap(); err != nil {
		primaryErr := fmt.Errorf("munmap failed: %w", err)
		return errors.Join(primaryErr, file.Close(), os.Remove(path))
	}
	if err := file.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close file: %w", err), os.Remove(path))
	}

	b.committed = true
	level.Debug(b.opt.logger).Log("msg", "committed MSF file", "path", path,
		"streams", len(b.streams), "blocks", l.SuperBlock.NumBlocks, "block_size", b.blockSize)
	return nil
}
