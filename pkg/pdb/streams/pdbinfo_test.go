package streams

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

func TestInfoStreamBuilder(t *testing.T) {
	b := NewInfoStreamBuilder()
	assert.Equal(t, uint32(1), b.Age())

	guid := [16]byte{0x78, 0x56, 0x34, 0x12, 0xbc, 0x9a, 0xf0, 0xde, 1, 2, 3, 4, 5, 6, 7, 8}
	b.SetSignature(0x5f3759df)
	b.SetAge(4)
	b.SetGUID(guid)

	alloc := &memAllocator{}
	info, err := b.Build(alloc)
	require.NoError(t, err)
	assert.Len(t, alloc.region, int(b.SerializedSize()))

	assert.Equal(t, uint32(PDBStreamVersionVC70), info.Version)
	assert.Equal(t, uint32(0x5f3759df), info.Signature)
	assert.Equal(t, uint32(4), info.Age)
	assert.Equal(t, guid, info.GUID)
	assert.Empty(t, info.NamedStreams)
	assert.Equal(t, "123456789ABCDEF00102030405060708", info.GUIDString())
}

func TestReadPDBInfoHeaderOnly(t *testing.T) {
	b := NewInfoStreamBuilder()
	b.SetVersion(PDBStreamVersionVC140)
	buf := make([]byte, b.SerializedSize())
	b.encodeTo(buf)

	info, err := ReadPDBInfo(bytes.NewReader(buf[:PDBInfoHeaderSize]))
	require.NoError(t, err)
	assert.Equal(t, uint32(PDBStreamVersionVC140), info.Version)

	_, err = ReadPDBInfo(bytes.NewReader(buf[:PDBInfoHeaderSize-1]))
	assert.ErrorIs(t, err, pdberrors.ErrTruncated)
}
