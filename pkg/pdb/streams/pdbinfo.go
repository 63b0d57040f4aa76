// Package streams reads and writes the individual streams of a PDB file.
package streams

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

// PDB Stream versions
const (
	PDBStreamVersionVC2     = 19941610
	PDBStreamVersionVC4     = 19950623
	PDBStreamVersionVC41    = 19950814
	PDBStreamVersionVC50    = 19960307
	PDBStreamVersionVC98    = 19970604
	PDBStreamVersionVC70Dep = 19990604
	PDBStreamVersionVC70    = 20000404
	PDBStreamVersionVC80    = 20030901
	PDBStreamVersionVC110   = 20091201
	PDBStreamVersionVC140   = 20140508
)

const (
	// PDBInfoHeaderSize is the fixed part of the info stream.
	PDBInfoHeaderSize = 28

	// emptyNamedStreamMapSize covers an empty string buffer, a hash table
	// with no entries and capacity 1, two empty bit vectors and the trailing
	// name index.
	emptyNamedStreamMapSize = 24
)

// PDBInfo represents the PDB Info Stream (Stream 1).
type PDBInfo struct {
	Version      uint32
	Signature    uint32            // Timestamp of PDB creation
	Age          uint32            // Number of times PDB has been written
	GUID         [16]byte          // Unique identifier
	NamedStreams map[string]uint32 // Map of named streams to stream indices
}

// PDBInfoHeader is the fixed header at the start of the PDB info stream.
type PDBInfoHeader struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
}

// ReadPDBInfo parses the PDB info stream. A missing or short named stream map
// is tolerated since older files omit it.
func ReadPDBInfo(r io.Reader) (*PDBInfo, error) {
	var header PDBInfoHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = pdberrors.ErrTruncated
		}
		return nil, fmt.Errorf("failed to read PDB info header: %w", err)
	}

	info := &PDBInfo{
		Version:      header.Version,
		Signature:    header.Signature,
		Age:          header.Age,
		GUID:         header.GUID,
		NamedStreams: make(map[string]uint32),
	}

	// StringTableSize + StringTable + HashTableSize + HashTable
	var strBufSize uint32
	if err := binary.Read(r, binary.LittleEndian, &strBufSize); err != nil {
		return info, nil
	}
	strBuf := make([]byte, strBufSize)
	if _, err := io.ReadFull(r, strBuf); err != nil {
		return info, nil
	}

	var hashSize, hashCapacity uint32
	if err := binary.Read(r, binary.LittleEndian, &hashSize); err != nil {
		return info, nil
	}
	if err := binary.Read(r, binary.LittleEndian, &hashCapacity); err != nil {
		return info, nil
	}

	presentWords, err := readBitVector(r)
	if err != nil {
		return info, nil
	}
	if _, err := readBitVector(r); err != nil { // deleted
		return info, nil
	}

	for i := uint32(0); i < hashCapacity; i++ {
		if !isBitSet(presentWords, i) {
			continue
		}

		var keyOffset, streamIndex uint32
		if err := binary.Read(r, binary.LittleEndian, &keyOffset); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &streamIndex); err != nil {
			break
		}

		if name, err := LookupString(strBuf, keyOffset); err == nil {
			info.NamedStreams[name] = streamIndex
		}
	}

	return info, nil
}

func readBitVector(r io.Reader) ([]uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	words := make([]uint32, n)
	if err := binary.Read(r, binary.LittleEndian, words); err != nil {
		return nil, err
	}
	return words, nil
}

// GUIDString returns the GUID as a formatted string.
func (p *PDBInfo) GUIDString() string {
	return fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X",
		binary.LittleEndian.Uint32(p.GUID[0:4]),
		binary.LittleEndian.Uint16(p.GUID[4:6]),
		binary.LittleEndian.Uint16(p.GUID[6:8]),
		p.GUID[8], p.GUID[9], p.GUID[10], p.GUID[11],
		p.GUID[12], p.GUID[13], p.GUID[14], p.GUID[15])
}

// isBitSet checks if bit n is set in the bit vector.
func isBitSet(words []uint32, n uint32) bool {
	wordIdx := n / 32
	bitIdx := n % 32
	if wordIdx >= uint32(len(words)) {
		return false
	}
	return (words[wordIdx] & (1 << bitIdx)) != 0
}

// InfoStreamBuilder writes the PDB info stream. It records no named streams.
type InfoStreamBuilder struct {
	version   uint32
	signature uint32
	age       uint32
	guid      [16]byte
}

// NewInfoStreamBuilder returns a builder for a VC70 info stream with age 1.
func NewInfoStreamBuilder() *InfoStreamBuilder {
	return &InfoStreamBuilder{
		version: PDBStreamVersionVC70,
		age:     1,
	}
}

func (b *InfoStreamBuilder) SetVersion(v uint32) { b.version = v }
func (b *InfoStreamBuilder) SetSignature(s uint32) { b.signature = s }
func (b *InfoStreamBuilder) SetAge(age uint32) { b.age = age }
func (b *InfoStreamBuilder) SetGUID(guid [16]byte) { b.guid = guid }
func (b *InfoStreamBuilder) Age() uint32 { return b.age }
func (b *InfoStreamBuilder) GUID() [16]byte { return b.guid }
func (b *InfoStreamBuilder) SerializedSize() uint32 { return PDBInfoHeaderSize + emptyNamedStreamMapSize }

func (b *InfoStreamBuilder) encodeTo(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], b.version)
	le.PutUint32(buf[4:8], b.signature)
	le.PutUint32(buf[8:12], b.age)
	copy(buf[12:28], b.guid[:])

	m := buf[PDBInfoHeaderSize:]
	le.PutUint32(m[0:4], 0)   // string buffer size
	le.PutUint32(m[4:8], 0)   // hash table size
	le.PutUint32(m[8:12], 1)  // hash table capacity
	le.PutUint32(m[12:16], 0) // present words
	le.PutUint32(m[16:20], 0) // deleted words
	le.PutUint32(m[20:24], 0) // name index
}

// Build writes the info stream into a region obtained from alloc and returns
// it parsed back.
func (b *InfoStreamBuilder) Build(alloc StreamAllocator) (*PDBInfo, error) {
	size := b.SerializedSize()
	region, err := alloc.AllocateStream(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate PDB info stream: %w", err)
	}
	if uint32(len(region)) != size {
		return nil, fmt.Errorf("allocator returned %d bytes, want %d: %w", len(region), size, pdberrors.ErrAllocationFailed)
	}
	b.encodeTo(region)
	return ReadPDBInfo(bytes.NewReader(region))
}
