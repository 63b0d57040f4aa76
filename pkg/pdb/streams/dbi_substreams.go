package streams

import (
	"encoding/binary"
	"fmt"
	"math"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

const (
	// fileInfoHeaderSize covers NumModules and NumSourceFiles.
	fileInfoHeaderSize = 4

	// maxCount is the largest module or file count a u16 field can carry.
	maxCount = math.MaxUint16

	// maxSubstreamSize is the largest substream the header's int32 size
	// fields can describe.
	maxSubstreamSize = math.MaxInt32
)

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

func moduleRecordSize(m *ModuleRecord) uint64 {
	return align4(ModuleInfoHeaderSize + uint64(len(m.name)) + 1 + uint64(len(m.objFile)) + 1)
}

// checkCounts reports the first count that does not fit its u16 field.
func (b *DBIStreamBuilder) checkCounts() error {
	if n := len(b.modules.list); n > maxCount {
		return fmt.Errorf("%d modules: %w", n, pdberrors.ErrOverflow)
	}
	for _, m := range b.modules.list {
		if n := len(m.sourceFiles); n > maxCount {
			return fmt.Errorf("module %q has %d source files: %w", m.name, n, pdberrors.ErrOverflow)
		}
	}
	if n := b.modules.fileRefs(); n > maxCount {
		return fmt.Errorf("%d source file references: %w", n, pdberrors.ErrOverflow)
	}
	return nil
}

func checkSubstreamSize(name string, size uint64) (uint32, error) {
	if size > maxSubstreamSize {
		return 0, fmt.Errorf("%s substream of %d bytes: %w", name, size, pdberrors.ErrOverflow)
	}
	return uint32(size), nil
}

// ModuleInfoSubstreamSize returns the size of the module info substream for
// the modules registered so far.
func (b *DBIStreamBuilder) ModuleInfoSubstreamSize() (uint32, error) {
	if n := len(b.modules.list); n > maxCount {
		return 0, fmt.Errorf("%d modules: %w", n, pdberrors.ErrOverflow)
	}
	var size uint64
	for _, m := range b.modules.list {
		size += moduleRecordSize(m)
	}
	return checkSubstreamSize("module info", size)
}

// FileInfoSubstreamSize returns the size of the file info substream,
// including the names buffer and trailing alignment.
func (b *DBIStreamBuilder) FileInfoSubstreamSize() (uint32, error) {
	if err := b.checkCounts(); err != nil {
		return 0, err
	}
	n := uint64(len(b.modules.list))
	size := uint64(fileInfoHeaderSize)
	size += n * 2 // ModIndices
	size += n * 2 // ModFileCounts
	size += uint64(b.modules.fileRefs()) * 4
	size += uint64(b.names.SerializedSize())
	return checkSubstreamSize("file info", align4(size))
}

// CalculateSerializedLength returns the size of the whole DBI stream.
func (b *DBIStreamBuilder) CalculateSerializedLength() (uint32, error) {
	modi, err := b.ModuleInfoSubstreamSize()
	if err != nil {
		return 0, err
	}
	files, err := b.FileInfoSubstreamSize()
	if err != nil {
		return 0, err
	}
	total := uint64(DBIHeaderSize) + uint64(modi) + uint64(files)
	if total > math.MaxUint32 {
		return 0, fmt.Errorf("DBI stream of %d bytes: %w", total, pdberrors.ErrOverflow)
	}
	return uint32(total), nil
}

// generateModuleInfoSubstream encodes one record per module in registration
// order. Records carry no symbol stream and no section contribution.
func (b *DBIStreamBuilder) generateModuleInfoSubstream() ([]byte, error) {
	size, err := b.ModuleInfoSubstreamSize()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	pos := 0
	for _, m := range b.modules.list {
		mi := ModuleInfo{
			ModuleSymStream: InvalidStreamIndex,
			SourceFileCount: uint16(len(m.sourceFiles)),
		}
		mi.encodeModuleHeaderTo(buf[pos:])
		pos += ModuleInfoHeaderSize
		pos += copy(buf[pos:], m.name) + 1
		pos += copy(buf[pos:], m.objFile) + 1
		pos = alignTo4(pos)
	}
	if pos != len(buf) {
		return nil, fmt.Errorf("module info substream: wrote %d of %d bytes", pos, len(buf))
	}
	return buf, nil
}

// generateFileInfoSubstream encodes the per-module file lists followed by the
// names buffer. It must run after registration is closed: the offsets it
// writes are only final once every file has been interned.
func (b *DBIStreamBuilder) generateFileInfoSubstream() ([]byte, error) {
	size, err := b.FileInfoSubstreamSize()
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	buf := make([]byte, size)
	mods := b.modules.list

	le.PutUint16(buf[0:2], uint16(len(mods)))
	le.PutUint16(buf[2:4], uint16(b.modules.fileRefs()))
	pos := fileInfoHeaderSize

	// ModIndices holds the index of each module's first entry in the offset
	// array.
	first := 0
	for _, m := range mods {
		le.PutUint16(buf[pos:], uint16(first))
		pos += 2
		first += len(m.sourceFiles)
	}
	for _, m := range mods {
		le.PutUint16(buf[pos:], uint16(len(m.sourceFiles)))
		pos += 2
	}
	for _, m := range mods {
		for _, f := range m.sourceFiles {
			off, err := b.names.Intern(f)
			if err != nil {
				return nil, fmt.Errorf("module %q file %q: %w", m.name, f, err)
			}
			le.PutUint32(buf[pos:], off)
			pos += 4
		}
	}

	namesSize := int(b.names.SerializedSize())
	if pos+namesSize > len(buf) {
		return nil, fmt.Errorf("file info substream: names buffer of %d bytes at %d overruns %d", namesSize, pos, len(buf))
	}
	b.names.EmitTo(buf[pos : pos+namesSize])
	pos = alignTo4(pos + namesSize)

	if pos != len(buf) {
		return nil, fmt.Errorf("file info substream: wrote %d of %d bytes", pos, len(buf))
	}
	return buf, nil
}
