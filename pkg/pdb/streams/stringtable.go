package streams

import (
	"fmt"
	"math"
	"strings"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

// StringTable is an append-only table of distinct NUL-terminated strings.
// A string's offset is fixed the first time it is interned and never moves,
// so offsets handed out early stay valid when the table is emitted.
type StringTable struct {
	offsets map[string]uint32
	strings []string
	size    uint64
}

// NewStringTable returns an empty table.
func NewStringTable() *StringTable {
	return &StringTable{offsets: make(map[string]uint32)}
}

// Intern returns the offset of s, appending it if it has not been seen.
func (t *StringTable) Intern(s string) (uint32, error) {
	if off, ok := t.offsets[s]; ok {
		return off, nil
	}
	if strings.IndexByte(s, 0) >= 0 {
		return 0, fmt.Errorf("intern %q: %w", s, pdberrors.ErrInvalidInput)
	}
	end := t.size + uint64(len(s)) + 1
	if end > math.MaxUint32 {
		return 0, fmt.Errorf("string table would grow to %d bytes: %w", end, pdberrors.ErrOverflow)
	}

	off := uint32(t.size)
	t.offsets[s] = off
	t.strings = append(t.strings, s)
	t.size = end
	return off, nil
}

// Offset returns the offset of a previously interned string.
func (t *StringTable) Offset(s string) (uint32, bool) {
	off, ok := t.offsets[s]
	return off, ok
}

// Len returns the number of distinct strings.
func (t *StringTable) Len() int {
	return len(t.strings)
}

// Strings returns the interned strings in insertion order.
func (t *StringTable) Strings() []string {
	return t.strings
}

// SerializedSize is the number of bytes EmitTo writes.
func (t *StringTable) SerializedSize() uint32 {
	return uint32(t.size)
}

// EmitTo writes every string followed by its terminator, in insertion order,
// at the start of dst. dst must hold at least SerializedSize bytes.
func (t *StringTable) EmitTo(dst []byte) {
	if uint64(len(dst)) < t.size {
		panic(fmt.Sprintf("streams: string table needs %d bytes, buffer has %d", t.size, len(dst)))
	}
	pos := 0
	for _, s := range t.strings {
		pos += copy(dst[pos:], s)
		dst[pos] = 0
		pos++
	}
}

// LookupString returns the NUL-terminated string at off within a names buffer.
func LookupString(names []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(names)) {
		return "", fmt.Errorf("name offset %d beyond %d byte buffer: %w", off, len(names), pdberrors.ErrInvalidFormat)
	}
	s, _, ok := readCString(names[off:])
	if !ok {
		return "", fmt.Errorf("name at offset %d is not terminated: %w", off, pdberrors.ErrTruncated)
	}
	return s, nil
}
