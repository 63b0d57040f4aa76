package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

// DBI Stream versions
const (
	DBIStreamVersionVC41 = 930803
	DBIStreamVersionV50  = 19960307
	DBIStreamVersionV60  = 19970606
	DBIStreamVersionV70  = 19990903
	DBIStreamVersionV110 = 20091201
)

// Machine types
const (
	MachineUnknown = 0x0000
	MachineI386    = 0x014c
	MachineIA64    = 0x0200
	MachineAMD64   = 0x8664
	MachineARM     = 0x01c0
	MachineARM64   = 0xAA64
)

// DBI header flags
const (
	DBIFlagIncrementallyLinked = 0x0001
	DBIFlagStripped            = 0x0002
	DBIFlagHasCTypes           = 0x0004
)

const (
	// DBIHeaderSize is the size of the fixed DBI stream header.
	DBIHeaderSize = 64

	// ModuleInfoHeaderSize is the fixed part of a module info record.
	ModuleInfoHeaderSize = 64

	// InvalidStreamIndex marks a stream reference that is not present.
	InvalidStreamIndex = 0xFFFF

	// dbiVersionSignature is always -1 in the header.
	dbiVersionSignature = -1

	// buildNumberNewFormat is set in BuildNumber when it carries major/minor.
	buildNumberNewFormat = 0x8000
)

// DBIHeader is the fixed header of the DBI stream (64 bytes).
type DBIHeader struct {
	VersionSignature        int32  // Always -1
	VersionHeader           uint32 // DBI version
	Age                     uint32 // PDB age
	GlobalStreamIndex       uint16 // Global symbols stream index
	BuildNumber             uint16 // Toolchain version
	PublicStreamIndex       uint16 // Public symbols stream index
	PdbDllVersion           uint16
	SymRecordStream         uint16 // Symbol record stream index
	PdbDllRbld              uint16
	ModInfoSize             int32 // Size of module info substream
	SectionContributionSize int32 // Size of section contribution substream
	SectionMapSize          int32 // Size of section map substream
	SourceInfoSize          int32 // Size of source info substream
	TypeServerMapSize       int32 // Size of type server map substream
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   int32 // Size of optional debug header
	ECSubstreamSize         int32 // Size of EC substream
	Flags                   uint16
	Machine                 uint16 // CPU type
	Padding                 uint32
}

// encodeTo serializes the header into the first DBIHeaderSize bytes of buf.
func (h *DBIHeader) encodeTo(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(h.VersionSignature))
	le.PutUint32(buf[4:8], h.VersionHeader)
	le.PutUint32(buf[8:12], h.Age)
	le.PutUint16(buf[12:14], h.GlobalStreamIndex)
	le.PutUint16(buf[14:16], h.BuildNumber)
	le.PutUint16(buf[16:18], h.PublicStreamIndex)
	le.PutUint16(buf[18:20], h.PdbDllVersion)
	le.PutUint16(buf[20:22], h.SymRecordStream)
	le.PutUint16(buf[22:24], h.PdbDllRbld)
	le.PutUint32(buf[24:28], uint32(h.ModInfoSize))
	le.PutUint32(buf[28:32], uint32(h.SectionContributionSize))
	le.PutUint32(buf[32:36], uint32(h.SectionMapSize))
	le.PutUint32(buf[36:40], uint32(h.SourceInfoSize))
	le.PutUint32(buf[40:44], uint32(h.TypeServerMapSize))
	le.PutUint32(buf[44:48], h.MFCTypeServerIndex)
	le.PutUint32(buf[48:52], uint32(h.OptionalDbgHeaderSize))
	le.PutUint32(buf[52:56], uint32(h.ECSubstreamSize))
	le.PutUint16(buf[56:58], h.Flags)
	le.PutUint16(buf[58:60], h.Machine)
	le.PutUint32(buf[60:64], h.Padding)
}

// IsNewBuildNumberFormat reports whether BuildNumber carries a major/minor pair.
func (h *DBIHeader) IsNewBuildNumberFormat() bool {
	return h.BuildNumber&buildNumberNewFormat != 0
}

// BuildMajor returns the toolchain major version from BuildNumber.
func (h *DBIHeader) BuildMajor() uint8 {
	return uint8(h.BuildNumber>>8) & 0x7F
}

// BuildMinor returns the toolchain minor version from BuildNumber.
func (h *DBIHeader) BuildMinor() uint8 {
	return uint8(h.BuildNumber)
}

// EncodeBuildNumber packs a toolchain major/minor pair the way BuildNumber
// stores it.
func EncodeBuildNumber(major, minor uint8) uint16 {
	return buildNumberNewFormat | uint16(major&0x7F)<<8 | uint16(minor)
}

// DBIStream represents the parsed DBI stream.
type DBIStream struct {
	Header          DBIHeader
	Modules         []ModuleInfo
	SectionContribs []SectionContrib

	// SourceFiles holds each module's source files, indexed like Modules.
	SourceFiles [][]string

	// FileNameOffsets are the names buffer offsets of every file reference,
	// grouped by module in module order.
	FileNameOffsets []uint32

	raw []byte
}

// ModuleInfo contains information about a compiled module.
type ModuleInfo struct {
	Unused1              uint32
	SectionContrib       SectionContrib
	Flags                uint16
	ModuleSymStream      uint16 // Stream containing module symbols (-1 if none)
	SymByteSize          uint32 // Size of symbol data in bytes
	C11ByteSize          uint32 // Size of C11 line info
	C13ByteSize          uint32 // Size of C13 line info
	SourceFileCount      uint16
	Padding              uint16
	Unused2              uint32
	SourceFileNameIndex  uint32
	PdbFilePathNameIndex uint32
	ModuleName           string // Object file name
	ObjFileName          string // Archive or object file path
}

// SectionContrib describes a section contribution from a module.
type SectionContrib struct {
	Section         uint16
	Padding1        uint16
	Offset          int32
	Size            int32
	Characteristics uint32
	ModuleIndex     uint16
	Padding2        uint16
	DataCrc         uint32
	RelocCrc        uint32
}

// Raw returns the bytes the stream was parsed from.
func (d *DBIStream) Raw() []byte {
	return d.raw
}

// ReadDBIStream parses the DBI stream.
func ReadDBIStream(data []byte) (*DBIStream, error) {
	if len(data) < DBIHeaderSize {
		return nil, fmt.Errorf("DBI stream too small: %d bytes: %w", len(data), pdberrors.ErrTruncated)
	}

	var header DBIHeader
	if err := binary.Read(bytes.NewReader(data[:DBIHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read DBI header: %w", err)
	}

	if header.VersionSignature != dbiVersionSignature {
		return nil, fmt.Errorf("invalid DBI version signature %d: %w", header.VersionSignature, pdberrors.ErrInvalidFormat)
	}

	dbi := &DBIStream{
		Header: header,
		raw:    data,
	}

	// Substreams follow the header back to back.
	sizes := []int32{
		header.ModInfoSize,
		header.SectionContributionSize,
		header.SectionMapSize,
		header.SourceInfoSize,
	}
	var regions [4][]byte
	offset := DBIHeaderSize
	for i, size := range sizes {
		if size < 0 || offset+int(size) > len(data) {
			return nil, fmt.Errorf("substream %d of %d bytes at offset %d: %w", i, size, offset, pdberrors.ErrTruncated)
		}
		regions[i] = data[offset : offset+int(size)]
		offset += int(size)
	}

	modules, err := parseModuleInfo(regions[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse module info: %w", err)
	}
	dbi.Modules = modules

	contribs, err := parseSectionContribs(regions[1])
	if err != nil {
		return nil, fmt.Errorf("failed to parse section contributions: %w", err)
	}
	dbi.SectionContribs = contribs

	if len(regions[3]) > 0 {
		files, offsets, err := parseFileInfo(regions[3])
		if err != nil {
			return nil, fmt.Errorf("failed to parse file info: %w", err)
		}
		dbi.SourceFiles = files
		dbi.FileNameOffsets = offsets
	}

	return dbi, nil
}

// encodeModuleHeaderTo writes the fixed ModuleInfoHeaderSize bytes of a module
// info record.
func (m *ModuleInfo) encodeModuleHeaderTo(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], m.Unused1)
	sc := &m.SectionContrib
	le.PutUint16(buf[4:6], sc.Section)
	le.PutUint16(buf[6:8], sc.Padding1)
	le.PutUint32(buf[8:12], uint32(sc.Offset))
	le.PutUint32(buf[12:16], uint32(sc.Size))
	le.PutUint32(buf[16:20], sc.Characteristics)
	le.PutUint16(buf[20:22], sc.ModuleIndex)
	le.PutUint16(buf[22:24], sc.Padding2)
	le.PutUint32(buf[24:28], sc.DataCrc)
	le.PutUint32(buf[28:32], sc.RelocCrc)
	le.PutUint16(buf[32:34], m.Flags)
	le.PutUint16(buf[34:36], m.ModuleSymStream)
	le.PutUint32(buf[36:40], m.SymByteSize)
	le.PutUint32(buf[40:44], m.C11ByteSize)
	le.PutUint32(buf[44:48], m.C13ByteSize)
	le.PutUint16(buf[48:50], m.SourceFileCount)
	le.PutUint16(buf[50:52], m.Padding)
	le.PutUint32(buf[52:56], m.Unused2)
	le.PutUint32(buf[56:60], m.SourceFileNameIndex)
	le.PutUint32(buf[60:64], m.PdbFilePathNameIndex)
}

func decodeModuleHeader(buf []byte) ModuleInfo {
	le := binary.LittleEndian
	return ModuleInfo{
		Unused1: le.Uint32(buf[0:4]),
		SectionContrib: SectionContrib{
			Section:         le.Uint16(buf[4:6]),
			Padding1:        le.Uint16(buf[6:8]),
			Offset:          int32(le.Uint32(buf[8:12])),
			Size:            int32(le.Uint32(buf[12:16])),
			Characteristics: le.Uint32(buf[16:20]),
			ModuleIndex:     le.Uint16(buf[20:22]),
			Padding2:        le.Uint16(buf[22:24]),
			DataCrc:         le.Uint32(buf[24:28]),
			RelocCrc:        le.Uint32(buf[28:32]),
		},
		Flags:                le.Uint16(buf[32:34]),
		ModuleSymStream:      le.Uint16(buf[34:36]),
		SymByteSize:          le.Uint32(buf[36:40]),
		C11ByteSize:          le.Uint32(buf[40:44]),
		C13ByteSize:          le.Uint32(buf[44:48]),
		SourceFileCount:      le.Uint16(buf[48:50]),
		Padding:              le.Uint16(buf[50:52]),
		Unused2:              le.Uint32(buf[52:56]),
		SourceFileNameIndex:  le.Uint32(buf[56:60]),
		PdbFilePathNameIndex: le.Uint32(buf[60:64]),
	}
}

// parseModuleInfo parses the module info substream.
func parseModuleInfo(data []byte) ([]ModuleInfo, error) {
	var modules []ModuleInfo
	offset := 0

	for offset < len(data) {
		if offset+ModuleInfoHeaderSize > len(data) {
			return nil, fmt.Errorf("module record %d: %w", len(modules), pdberrors.ErrTruncated)
		}

		mod := decodeModuleHeader(data[offset:])
		offset += ModuleInfoHeaderSize

		name, n, ok := readCString(data[offset:])
		if !ok {
			return nil, fmt.Errorf("module %d name is not terminated: %w", len(modules), pdberrors.ErrTruncated)
		}
		mod.ModuleName = name
		offset += n

		obj, n, ok := readCString(data[offset:])
		if !ok {
			return nil, fmt.Errorf("module %d object name is not terminated: %w", len(modules), pdberrors.ErrTruncated)
		}
		mod.ObjFileName = obj
		offset += n

		offset = alignTo4(offset)

		modules = append(modules, mod)
	}

	return modules, nil
}

// parseFileInfo parses the file info substream into per-module file lists.
//
// Layout: NumModules u16, NumSourceFiles u16, ModIndices [NumModules]u16,
// ModFileCounts [NumModules]u16, FileNameOffsets [sum(ModFileCounts)]u32,
// then the names buffer the offsets point into. NumSourceFiles wraps for
// large inputs, so the counts array is authoritative.
func parseFileInfo(data []byte) ([][]string, []uint32, error) {
	le := binary.LittleEndian
	if len(data) < fileInfoHeaderSize {
		return nil, nil, fmt.Errorf("file info header: %w", pdberrors.ErrTruncated)
	}
	numModules := int(le.Uint16(data[0:2]))
	offset := fileInfoHeaderSize

	arrays := offset + numModules*4
	if arrays > len(data) {
		return nil, nil, fmt.Errorf("file info arrays for %d modules: %w", numModules, pdberrors.ErrTruncated)
	}
	countsAt := offset + numModules*2
	counts := make([]int, numModules)
	total := 0
	for i := range counts {
		counts[i] = int(le.Uint16(data[countsAt+i*2:]))
		total += counts[i]
	}
	offset = arrays

	namesAt := offset + total*4
	if namesAt > len(data) {
		return nil, nil, fmt.Errorf("file name offsets for %d files: %w", total, pdberrors.ErrTruncated)
	}
	names := data[namesAt:]

	files := make([][]string, numModules)
	offsets := make([]uint32, 0, total)
	for i, count := range counts {
		files[i] = make([]string, 0, count)
		for j := 0; j < count; j++ {
			off := le.Uint32(data[offset:])
			offset += 4
			name, err := LookupString(names, off)
			if err != nil {
				return nil, nil, fmt.Errorf("module %d file %d: %w", i, j, err)
			}
			files[i] = append(files[i], name)
			offsets = append(offsets, off)
		}
	}

	return files, offsets, nil
}

// parseSectionContribs parses the section contribution substream.
func parseSectionContribs(data []byte) ([]SectionContrib, error) {
	if len(data) < 4 {
		return nil, nil
	}

	r := bytes.NewReader(data)

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read section contrib version: %w", err)
	}

	// Determine entry size based on version
	entrySize := 28 // Ver60 size
	if version == 0xeffe0000+20140516 {
		entrySize = 32 // V2 adds ISectCoff
	}

	numEntries := (len(data) - 4) / entrySize

	contribs := make([]SectionContrib, 0, numEntries)
	for i := 0; i < numEntries; i++ {
		var contrib SectionContrib
		if err := binary.Read(r, binary.LittleEndian, &contrib); err != nil {
			return nil, fmt.Errorf("failed to read section contribution %d: %w", i, err)
		}
		// Skip extra field in V2
		if entrySize == 32 {
			if _, err := r.Seek(4, io.SeekCurrent); err != nil {
				return nil, err
			}
		}
		contribs = append(contribs, contrib)
	}

	return contribs, nil
}

// MachineTypeName returns the human-readable name for a machine type.
func MachineTypeName(machine uint16) string {
	switch machine {
	case MachineI386:
		return "x86"
	case MachineAMD64:
		return "x64"
	case MachineARM:
		return "ARM"
	case MachineARM64:
		return "ARM64"
	case MachineIA64:
		return "IA64"
	default:
		return fmt.Sprintf("0x%04x", machine)
	}
}

// HasSymbols returns true if the module has symbol information.
func (m *ModuleInfo) HasSymbols() bool {
	return m.ModuleSymStream != InvalidStreamIndex && m.SymByteSize > 0
}

// readCString returns the NUL-terminated string at the start of data and the
// number of bytes it occupies including the terminator.
func readCString(data []byte) (string, int, bool) {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return "", 0, false
	}
	return string(data[:idx]), idx + 1, true
}

func alignTo4(n int) int {
	return (n + 3) &^ 3
}
