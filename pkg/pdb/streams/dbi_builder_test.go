package streams

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

type memAllocator struct {
	calls  int
	region []byte
	err    error
}

func (a *memAllocator) AllocateStream(size uint32) ([]byte, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	a.region = make([]byte, size)
	return a.region, nil
}

func fileInfoRegion(t *testing.T, dbi *DBIStream) []byte {
	t.Helper()
	start := DBIHeaderSize + int(dbi.Header.ModInfoSize)
	return dbi.Raw()[start : start+int(dbi.Header.SourceInfoSize)]
}

func TestDBIStreamBuilderSingleModule(t *testing.T) {
	b := NewDBIStreamBuilder()
	require.NoError(t, b.AddModuleInfo("a.obj", "A"))
	require.NoError(t, b.AddModuleSourceFile("A", "a.c"))
	require.NoError(t, b.AddModuleSourceFile("A", "b.c"))

	modi, err := b.ModuleInfoSubstreamSize()
	require.NoError(t, err)
	assert.Equal(t, uint32(72), modi)
	files, err := b.FileInfoSubstreamSize()
	require.NoError(t, err)
	assert.Equal(t, uint32(24), files)
	total, err := b.CalculateSerializedLength()
	require.NoError(t, err)
	assert.Equal(t, uint32(160), total)

	alloc := &memAllocator{}
	dbi, err := b.Build(alloc)
	require.NoError(t, err)
	assert.Equal(t, 1, alloc.calls)
	assert.Len(t, alloc.region, 160)

	fi := fileInfoRegion(t, dbi)
	le := binary.LittleEndian
	assert.Equal(t, uint16(1), le.Uint16(fi[0:]), "module count")
	assert.Equal(t, uint16(2), le.Uint16(fi[2:]), "file count")
	assert.Equal(t, uint16(0), le.Uint16(fi[4:]), "module index")
	assert.Equal(t, uint16(2), le.Uint16(fi[6:]), "files of module 0")
	assert.Equal(t, []uint32{0, 4}, dbi.FileNameOffsets)

	names := fi[16:]
	for i, want := range []string{"a.c", "b.c"} {
		got, err := LookupString(names, dbi.FileNameOffsets[i])
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	require.Len(t, dbi.Modules, 1)
	assert.Equal(t, "A", dbi.Modules[0].ModuleName)
	assert.Equal(t, "a.obj", dbi.Modules[0].ObjFileName)
	assert.Equal(t, uint16(2), dbi.Modules[0].SourceFileCount)
	assert.Equal(t, uint16(InvalidStreamIndex), dbi.Modules[0].ModuleSymStream)
	assert.False(t, dbi.Modules[0].HasSymbols())
	assert.Equal(t, [][]string{{"a.c", "b.c"}}, dbi.SourceFiles)
}

func TestDBIStreamBuilderSharedSourceFile(t *testing.T) {
	b := NewDBIStreamBuilder()
	require.NoError(t, b.AddModuleInfo("a.obj", "A"))
	require.NoError(t, b.AddModuleInfo("b.obj", "B"))
	require.NoError(t, b.AddModuleSourceFile("A", "common.h"))
	require.NoError(t, b.AddModuleSourceFile("B", "common.h"))

	assert.Equal(t, 1, b.Names().Len())

	dbi, err := b.Build(&memAllocator{})
	require.NoError(t, err)

	assert.Equal(t, []uint32{0, 0}, dbi.FileNameOffsets)
	assert.Equal(t, [][]string{{"common.h"}, {"common.h"}}, dbi.SourceFiles)

	fi := fileInfoRegion(t, dbi)
	assert.Len(t, fi, 32)
	assert.Equal(t, 1, strings.Count(string(fi), "common.h"))
	// Module indices point at each module's first offset entry.
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(fi[4:]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(fi[6:]))
	assert.Equal(t, []byte{0, 0, 0}, fi[29:], "padding")
}

func TestDBIStreamBuilderUnknownModule(t *testing.T) {
	b := NewDBIStreamBuilder()
	require.NoError(t, b.AddModuleInfo("a.obj", "A"))

	before, err := b.CalculateSerializedLength()
	require.NoError(t, err)

	err = b.AddModuleSourceFile("missing", "x.c")
	assert.ErrorIs(t, err, pdberrors.ErrModuleNotFound)

	assert.Zero(t, b.Names().Len())
	assert.Empty(t, b.Modules()[0].SourceFiles())
	after, err := b.CalculateSerializedLength()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDBIStreamBuilderRejectsNUL(t *testing.T) {
	b := NewDBIStreamBuilder()
	assert.ErrorIs(t, b.AddModuleInfo("a.obj", "A\x00B"), pdberrors.ErrInvalidInput)
	assert.ErrorIs(t, b.AddModuleInfo("a\x00.obj", "A"), pdberrors.ErrInvalidInput)
	assert.Empty(t, b.Modules())

	require.NoError(t, b.AddModuleInfo("a.obj", "A"))
	assert.ErrorIs(t, b.AddModuleSourceFile("A", "x\x00.c"), pdberrors.ErrInvalidInput)
	assert.Empty(t, b.Modules()[0].SourceFiles())
	assert.Zero(t, b.Names().Len())
}

func TestDBIStreamBuilderDuplicateModule(t *testing.T) {
	b := NewDBIStreamBuilder()
	require.NoError(t, b.AddModuleInfo("first.obj", "A"))
	require.NoError(t, b.AddModuleSourceFile("A", "a.c"))

	err := b.AddModuleInfo("second.obj", "A")
	assert.ErrorIs(t, err, pdberrors.ErrDuplicateModule)

	mods := b.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, "first.obj", mods[0].ObjectFile())
	assert.Equal(t, []string{"a.c"}, mods[0].SourceFiles())

	// Same object, different module name is a distinct module.
	require.NoError(t, b.AddModuleInfo("first.obj", "A2"))
	assert.Len(t, b.Modules(), 2)
}

func TestDBIStreamBuilderTooManyModules(t *testing.T) {
	b := NewDBIStreamBuilder()
	for i := 0; i <= maxCount; i++ {
		require.NoError(t, b.AddModuleInfo("x.obj", fmt.Sprintf("m%d", i)))
	}

	_, err := b.ModuleInfoSubstreamSize()
	assert.ErrorIs(t, err, pdberrors.ErrOverflow)
	_, err = b.CalculateSerializedLength()
	assert.ErrorIs(t, err, pdberrors.ErrOverflow)

	alloc := &memAllocator{}
	_, err = b.Build(alloc)
	assert.ErrorIs(t, err, pdberrors.ErrOverflow)
	assert.Zero(t, alloc.calls, "nothing may be allocated after a failed build")

	_, err = b.Build(alloc)
	assert.ErrorIs(t, err, pdberrors.ErrBuilderClosed)
	assert.Zero(t, alloc.calls)
}

func TestDBIStreamBuilderTooManyFiles(t *testing.T) {
	t.Run("one module", func(t *testing.T) {
		b := NewDBIStreamBuilder()
		require.NoError(t, b.AddModuleInfo("a.obj", "A"))
		for i := 0; i <= maxCount; i++ {
			require.NoError(t, b.AddModuleSourceFile("A", "same.c"))
		}
		_, err := b.FileInfoSubstreamSize()
		assert.ErrorIs(t, err, pdberrors.ErrOverflow)
	})

	t.Run("total references", func(t *testing.T) {
		b := NewDBIStreamBuilder()
		require.NoError(t, b.AddModuleInfo("a.obj", "A"))
		require.NoError(t, b.AddModuleInfo("b.obj", "B"))
		half := (maxCount + 1) / 2
		for i := 0; i < half; i++ {
			require.NoError(t, b.AddModuleSourceFile("A", "a.c"))
			require.NoError(t, b.AddModuleSourceFile("B", "b.c"))
		}
		alloc := &memAllocator{}
		_, err := b.Build(alloc)
		assert.ErrorIs(t, err, pdberrors.ErrOverflow)
		assert.Zero(t, alloc.calls)
	})
}

func TestDBIStreamBuilderDeterministic(t *testing.T) {
	build := func() []byte {
		b := NewDBIStreamBuilder()
		b.SetAge(7)
		b.SetMachineType(MachineAMD64)
		for i := 0; i < 50; i++ {
			mod := fmt.Sprintf("mod%02d", i)
			require.NoError(t, b.AddModuleInfo("lib"+mod+".a", mod))
			for j := 0; j < i%5; j++ {
				require.NoError(t, b.AddModuleSourceFile(mod, fmt.Sprintf("src/file%d.c", (i+j)%13)))
			}
		}
		alloc := &memAllocator{}
		_, err := b.Build(alloc)
		require.NoError(t, err)
		return alloc.region
	}

	first := build()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, build())
	}
}

func TestDBIStreamBuilderGeneratedSizes(t *testing.T) {
	for n := 0; n < 8; n++ {
		t.Run(fmt.Sprintf("name%d", n), func(t *testing.T) {
			b := NewDBIStreamBuilder()
			mod := strings.Repeat("m", n)
			require.NoError(t, b.AddModuleInfo(strings.Repeat("o", 7-n), mod))
			for i := 0; i < n; i++ {
				require.NoError(t, b.AddModuleSourceFile(mod, strings.Repeat("f", i+1)))
			}

			modiSize, err := b.ModuleInfoSubstreamSize()
			require.NoError(t, err)
			modi, err := b.generateModuleInfoSubstream()
			require.NoError(t, err)
			assert.Len(t, modi, int(modiSize))
			assert.Zero(t, len(modi)%4)

			fileSize, err := b.FileInfoSubstreamSize()
			require.NoError(t, err)
			files, err := b.generateFileInfoSubstream()
			require.NoError(t, err)
			assert.Len(t, files, int(fileSize))
			assert.Zero(t, len(files)%4)

			// Sizes are stable across calls.
			again, err := b.FileInfoSubstreamSize()
			require.NoError(t, err)
			assert.Equal(t, fileSize, again)
		})
	}
}

func TestDBIStreamBuilderEmpty(t *testing.T) {
	b := NewDBIStreamBuilder()
	total, err := b.CalculateSerializedLength()
	require.NoError(t, err)
	assert.Equal(t, uint32(DBIHeaderSize+fileInfoHeaderSize), total)

	dbi, err := b.Build(&memAllocator{})
	require.NoError(t, err)
	assert.Empty(t, dbi.Modules)
	assert.Empty(t, dbi.SourceFiles)
}

func TestDBIStreamBuilderHeader(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		b := NewDBIStreamBuilder()
		_, set := b.VersionHeader()
		assert.False(t, set)

		dbi, err := b.Build(&memAllocator{})
		require.NoError(t, err)
		h := dbi.Header
		assert.Equal(t, int32(-1), h.VersionSignature)
		assert.Equal(t, uint32(DBIStreamVersionV70), h.VersionHeader)
		assert.Equal(t, uint32(1), h.Age)
		assert.Equal(t, uint16(MachineI386), h.Machine)
		assert.Equal(t, uint16(InvalidStreamIndex), h.GlobalStreamIndex)
		assert.Equal(t, uint16(InvalidStreamIndex), h.PublicStreamIndex)
		assert.Equal(t, uint16(InvalidStreamIndex), h.SymRecordStream)
		assert.Zero(t, h.SectionContributionSize)
		assert.Zero(t, h.SectionMapSize)
	})

	t.Run("explicit", func(t *testing.T) {
		b := NewDBIStreamBuilder()
		b.SetVersionHeader(DBIStreamVersionV110)
		b.SetAge(3)
		b.SetBuildNumber(EncodeBuildNumber(14, 29))
		b.SetPdbDllVersion(30133)
		b.SetPdbDllRbld(2)
		b.SetFlags(DBIFlagIncrementallyLinked | DBIFlagHasCTypes)
		b.SetMachineType(MachineAMD64)

		v, set := b.VersionHeader()
		assert.True(t, set)
		assert.Equal(t, uint32(DBIStreamVersionV110), v)

		dbi, err := b.Build(&memAllocator{})
		require.NoError(t, err)
		h := dbi.Header
		assert.Equal(t, uint32(DBIStreamVersionV110), h.VersionHeader)
		assert.Equal(t, uint32(3), h.Age)
		assert.True(t, h.IsNewBuildNumberFormat())
		assert.Equal(t, uint8(14), h.BuildMajor())
		assert.Equal(t, uint8(29), h.BuildMinor())
		assert.Equal(t, uint16(30133), h.PdbDllVersion)
		assert.Equal(t, uint16(2), h.PdbDllRbld)
		assert.Equal(t, uint16(DBIFlagIncrementallyLinked|DBIFlagHasCTypes), h.Flags)
		assert.Equal(t, "x64", MachineTypeName(h.Machine))
	})
}

func TestDBIStreamBuilderLifecycle(t *testing.T) {
	b := NewDBIStreamBuilder()
	require.NoError(t, b.AddModuleInfo("a.obj", "A"))
	_, err := b.Build(&memAllocator{})
	require.NoError(t, err)

	assert.ErrorIs(t, b.AddModuleInfo("b.obj", "B"), pdberrors.ErrBuilderSealed)
	assert.ErrorIs(t, b.AddModuleSourceFile("A", "a.c"), pdberrors.ErrBuilderSealed)

	_, err = b.Build(&memAllocator{})
	assert.ErrorIs(t, err, pdberrors.ErrBuilderClosed)
}

func TestDBIStreamBuilderAllocationFailure(t *testing.T) {
	diskFull := errors.New("disk full")

	b := NewDBIStreamBuilder()
	require.NoError(t, b.AddModuleInfo("a.obj", "A"))
	alloc := &memAllocator{err: diskFull}
	_, err := b.Build(alloc)
	assert.ErrorIs(t, err, pdberrors.ErrAllocationFailed)
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, 1, alloc.calls)

	_, err = b.Build(&memAllocator{})
	assert.ErrorIs(t, err, pdberrors.ErrBuilderClosed)
}

func TestReadDBIStreamRejectsCorruptData(t *testing.T) {
	b := NewDBIStreamBuilder()
	require.NoError(t, b.AddModuleInfo("a.obj", "A"))
	require.NoError(t, b.AddModuleSourceFile("A", "a.c"))
	alloc := &memAllocator{}
	_, err := b.Build(alloc)
	require.NoError(t, err)

	_, err = ReadDBIStream(alloc.region[:DBIHeaderSize-1])
	assert.ErrorIs(t, err, pdberrors.ErrTruncated)

	_, err = ReadDBIStream(alloc.region[:len(alloc.region)-4])
	assert.ErrorIs(t, err, pdberrors.ErrTruncated)

	bad := append([]byte(nil), alloc.region...)
	binary.LittleEndian.PutUint32(bad[0:], 0)
	_, err = ReadDBIStream(bad)
	assert.ErrorIs(t, err, pdberrors.ErrInvalidFormat)
}
