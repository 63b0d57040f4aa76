// Package msf reads and writes Microsoft's Multi-Stream Format (MSF) container.
package msf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

// MSF 7.00 magic signature
var MSFMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// SuperBlock is the header structure at the beginning of an MSF file.
// It contains metadata needed to navigate the file's stream structure.
type SuperBlock struct {
	Magic             [32]byte // Must be MSFMagic
	BlockSize         uint32   // Block size in bytes (512, 1024, 2048, or 4096)
	FreeBlockMapBlock uint32   // Index of active FPM block (1 or 2)
	NumBlocks         uint32   // Total number of blocks in file
	NumDirectoryBytes uint32   // Size of stream directory in bytes
	Unknown           uint32   // Reserved/unknown field
	BlockMapAddr      uint32   // Block index containing the stream directory block map
}

// SuperBlockSize is the size of the SuperBlock structure in bytes.
const SuperBlockSize = 56

// ValidBlockSizes are the allowed block sizes for MSF files.
var ValidBlockSizes = []uint32{512, 1024, 2048, 4096}

// ReadSuperBlock reads and validates the SuperBlock from the beginning of an MSF file.
func ReadSuperBlock(r io.Reader) (*SuperBlock, error) {
	var buf [SuperBlockSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", pdberrors.ErrTruncated)
	}
	return decodeSuperBlock(buf[:])
}

func decodeSuperBlock(buf []byte) (*SuperBlock, error) {
	var sb SuperBlock
	copy(sb.Magic[:], buf[0:32])

	if !bytes.Equal(sb.Magic[:], MSFMagic) {
		return nil, fmt.Errorf("invalid MSF magic: %w", pdberrors.ErrInvalidFormat)
	}

	sb.BlockSize = binary.LittleEndian.Uint32(buf[32:36])
	sb.FreeBlockMapBlock = binary.LittleEndian.Uint32(buf[36:40])
	sb.NumBlocks = binary.LittleEndian.Uint32(buf[40:44])
	sb.NumDirectoryBytes = binary.LittleEndian.Uint32(buf[44:48])
	sb.Unknown = binary.LittleEndian.Uint32(buf[48:52])
	sb.BlockMapAddr = binary.LittleEndian.Uint32(buf[52:56])

	if !isValidBlockSize(sb.BlockSize) {
		return nil, fmt.Errorf("invalid block size %d: %w", sb.BlockSize, pdberrors.ErrInvalidFormat)
	}

	// Validate FreeBlockMapBlock
	if sb.FreeBlockMapBlock != 1 && sb.FreeBlockMapBlock != 2 {
		return nil, fmt.Errorf("invalid FreeBlockMapBlock %d (must be 1 or 2): %w", sb.FreeBlockMapBlock, pdberrors.ErrInvalidFormat)
	}

	if sb.BlockMapAddr >= sb.NumBlocks {
		return nil, fmt.Errorf("block map address %d beyond %d blocks: %w", sb.BlockMapAddr, sb.NumBlocks, pdberrors.ErrInvalidFormat)
	}

	return &sb, nil
}

// encodeTo serializes the superblock into the first SuperBlockSize bytes of buf.
func (sb *SuperBlock) encodeTo(buf []byte) {
	copy(buf[0:32], sb.Magic[:])
	binary.LittleEndian.PutUint32(buf[32:36], sb.BlockSize)
	binary.LittleEndian.PutUint32(buf[36:40], sb.FreeBlockMapBlock)
	binary.LittleEndian.PutUint32(buf[40:44], sb.NumBlocks)
	binary.LittleEndian.PutUint32(buf[44:48], sb.NumDirectoryBytes)
	binary.LittleEndian.PutUint32(buf[48:52], sb.Unknown)
	binary.LittleEndian.PutUint32(buf[52:56], sb.BlockMapAddr)
}

// NumDirectoryBlocks returns the number of blocks needed to store the stream directory.
func (sb *SuperBlock) NumDirectoryBlocks() uint32 {
	return blocksFor(sb.NumDirectoryBytes, sb.BlockSize)
}

// FileSize returns the expected file size based on block count.
func (sb *SuperBlock) FileSize() int64 {
	return int64(sb.NumBlocks) * int64(sb.BlockSize)
}

func isValidBlockSize(size uint32) bool {
	for _, valid := range ValidBlockSizes {
		if size == valid {
			return true
		}
	}
	return false
}

func blocksFor(size, blockSize uint32) uint32 {
	return uint32((uint64(size) + uint64(blockSize) - 1) / uint64(blockSize))
}
