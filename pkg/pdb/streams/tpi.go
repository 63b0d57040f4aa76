package streams

import (
	"encoding/binary"
	"fmt"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

// TPI Stream versions
const (
	TPIStreamVersion40  = 19950410
	TPIStreamVersion41  = 19951122
	TPIStreamVersion50  = 19961031
	TPIStreamVersionV70 = 19990903
	TPIStreamVersionV80 = 20040203
)

const (
	// TypeIndexBegin is the first non built-in type index.
	TypeIndexBegin = 0x1000

	// TPIHeaderSize is the size of the TPI and IPI stream header.
	TPIHeaderSize = 56

	// tpiHashBuckets is the bucket count current linkers write.
	tpiHashBuckets = 0x3FFFF
)

// TPIHeader is the header of the TPI and IPI streams.
type TPIHeader struct {
	Version                 uint32
	HeaderSize              uint32
	TypeIndexBegin          uint32
	TypeIndexEnd            uint32
	TypeRecordBytes         uint32
	HashStreamIndex         uint16
	HashAuxStreamIndex      uint16
	HashKeySize             uint32
	NumHashBuckets          uint32
	HashValueBufferOffset   int32
	HashValueBufferLength   uint32
	IndexOffsetBufferOffset int32
	IndexOffsetBufferLength uint32
	HashAdjBufferOffset     int32
	HashAdjBufferLength     uint32
}

// TPIStream represents a parsed TPI or IPI stream. Records are kept raw.
type TPIStream struct {
	Header  TPIHeader
	Records []byte
}

func decodeTPIHeader(buf []byte) TPIHeader {
	le := binary.LittleEndian
	return TPIHeader{
		Version:                 le.Uint32(buf[0:4]),
		HeaderSize:              le.Uint32(buf[4:8]),
		TypeIndexBegin:          le.Uint32(buf[8:12]),
		TypeIndexEnd:            le.Uint32(buf[12:16]),
		TypeRecordBytes:         le.Uint32(buf[16:20]),
		HashStreamIndex:         le.Uint16(buf[20:22]),
		HashAuxStreamIndex:      le.Uint16(buf[22:24]),
		HashKeySize:             le.Uint32(buf[24:28]),
		NumHashBuckets:          le.Uint32(buf[28:32]),
		HashValueBufferOffset:   int32(le.Uint32(buf[32:36])),
		HashValueBufferLength:   le.Uint32(buf[36:40]),
		IndexOffsetBufferOffset: int32(le.Uint32(buf[40:44])),
		IndexOffsetBufferLength: le.Uint32(buf[44:48]),
		HashAdjBufferOffset:     int32(le.Uint32(buf[48:52])),
		HashAdjBufferLength:     le.Uint32(buf[52:56]),
	}
}

func (h *TPIHeader) encodeTo(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], h.Version)
	le.PutUint32(buf[4:8], h.HeaderSize)
	le.PutUint32(buf[8:12], h.TypeIndexBegin)
	le.PutUint32(buf[12:16], h.TypeIndexEnd)
	le.PutUint32(buf[16:20], h.TypeRecordBytes)
	le.PutUint16(buf[20:22], h.HashStreamIndex)
	le.PutUint16(buf[22:24], h.HashAuxStreamIndex)
	le.PutUint32(buf[24:28], h.HashKeySize)
	le.PutUint32(buf[28:32], h.NumHashBuckets)
	le.PutUint32(buf[32:36], uint32(h.HashValueBufferOffset))
	le.PutUint32(buf[36:40], h.HashValueBufferLength)
	le.PutUint32(buf[40:44], uint32(h.IndexOffsetBufferOffset))
	le.PutUint32(buf[44:48], h.IndexOffsetBufferLength)
	le.PutUint32(buf[48:52], uint32(h.HashAdjBufferOffset))
	le.PutUint32(buf[52:56], h.HashAdjBufferLength)
}

// ReadTPIStream parses a TPI or IPI stream from raw bytes.
func ReadTPIStream(data []byte) (*TPIStream, error) {
	if len(data) < TPIHeaderSize {
		return nil, fmt.Errorf("TPI stream too small: %d bytes: %w", len(data), pdberrors.ErrTruncated)
	}
	header := decodeTPIHeader(data)

	if header.Version != TPIStreamVersionV80 && header.Version != TPIStreamVersionV70 {
		return nil, fmt.Errorf("unsupported TPI version %d: %w", header.Version, pdberrors.ErrInvalidFormat)
	}
	if header.HeaderSize < TPIHeaderSize || header.TypeIndexEnd < header.TypeIndexBegin {
		return nil, fmt.Errorf("TPI header size %d, type range [%#x, %#x): %w",
			header.HeaderSize, header.TypeIndexBegin, header.TypeIndexEnd, pdberrors.ErrInvalidFormat)
	}

	start := uint64(header.HeaderSize)
	end := start + uint64(header.TypeRecordBytes)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("type records [%d, %d) beyond %d byte stream: %w", start, end, len(data), pdberrors.ErrTruncated)
	}

	return &TPIStream{
		Header:  header,
		Records: data[start:end],
	}, nil
}

// TypeCount returns the number of types (TypeIndexEnd - TypeIndexBegin).
func (t *TPIStream) TypeCount() uint32 {
	return t.Header.TypeIndexEnd - t.Header.TypeIndexBegin
}

// TPIStreamBuilder writes a TPI or IPI stream holding no type records and no
// hash stream.
type TPIStreamBuilder struct {
	version uint32
}

// NewTPIStreamBuilder returns a builder for a V80 stream.
func NewTPIStreamBuilder() *TPIStreamBuilder {
	return &TPIStreamBuilder{version: TPIStreamVersionV80}
}

// SetVersion sets the stream version.
func (b *TPIStreamBuilder) SetVersion(v uint32) {
	b.version = v
}

// Build writes the stream into a region obtained from alloc and returns it
// parsed back.
func (b *TPIStreamBuilder) Build(alloc StreamAllocator) (*TPIStream, error) {
	region, err := alloc.AllocateStream(TPIHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate TPI stream: %w", err)
	}
	if len(region) != TPIHeaderSize {
		return nil, fmt.Errorf("allocator returned %d bytes, want %d: %w", len(region), TPIHeaderSize, pdberrors.ErrAllocationFailed)
	}

	h := TPIHeader{
		Version:            b.version,
		HeaderSize:         TPIHeaderSize,
		TypeIndexBegin:     TypeIndexBegin,
		TypeIndexEnd:       TypeIndexBegin,
		HashStreamIndex:    InvalidStreamIndex,
		HashAuxStreamIndex: InvalidStreamIndex,
		HashKeySize:        4,
		NumHashBuckets:     tpiHashBuckets,
	}
	h.encodeTo(region)
	return ReadTPIStream(region)
}
