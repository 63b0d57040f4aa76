package pdb

import (
	"errors"
	"fmt"

	"github.com/jtang613/pdbwriter/pkg/pdb/msf"
	"github.com/jtang613/pdbwriter/pkg/pdb/streams"
)

// Stream indices
const (
	StreamOldDirectory = 0 // Previous stream directory
	StreamPDB          = 1 // PDB info stream
	StreamTPI          = 2 // Type info stream
	StreamDBI          = 3 // Debug info stream
	StreamIPI          = 4 // ID info stream
)

// PDB represents an opened PDB file.
type PDB struct {
	msf     *msf.MSF
	pdbInfo *streams.PDBInfo
	tpi     *streams.TPIStream
	dbi     *streams.DBIStream
}

// Open opens a PDB file and parses its core structures.
func Open(path string) (*PDB, error) {
	m, err := msf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MSF: %w", err)
	}
	return newPDB(m)
}

// OpenBytes parses a PDB file held in memory.
func OpenBytes(data []byte) (*PDB, error) {
	m, err := msf.OpenBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open MSF: %w", err)
	}
	return newPDB(m)
}

func newPDB(m *msf.MSF) (*PDB, error) {
	pdb := &PDB{msf: m}

	if m.NumStreams() > StreamPDB {
		reader, err := m.StreamReader(StreamPDB)
		if err != nil {
			return nil, closeOnError(m, err)
		}
		if pdb.pdbInfo, err = streams.ReadPDBInfo(reader); err != nil {
			return nil, closeOnError(m, fmt.Errorf("failed to read PDB info stream: %w", err))
		}
	}

	if m.NumStreams() > StreamTPI {
		stream, err := m.Stream(StreamTPI)
		if err != nil {
			return nil, closeOnError(m, err)
		}
		if stream.Size() > 0 {
			data, err := stream.ReadAll()
			if err != nil {
				return nil, closeOnError(m, fmt.Errorf("failed to read TPI stream: %w", err))
			}
			if pdb.tpi, err = streams.ReadTPIStream(data); err != nil {
				return nil, closeOnError(m, fmt.Errorf("failed to parse TPI stream: %w", err))
			}
		}
	}

	if m.NumStreams() > StreamDBI {
		stream, err := m.Stream(StreamDBI)
		if err != nil {
			return nil, closeOnError(m, err)
		}
		if stream.Size() > 0 {
			data, err := stream.ReadAll()
			if err != nil {
				return nil, closeOnError(m, fmt.Errorf("failed to read DBI stream: %w", err))
			}
			if pdb.dbi, err = streams.ReadDBIStream(data); err != nil {
				return nil, closeOnError(m, fmt.Errorf("failed to parse DBI stream: %w", err))
			}
		}
	}

	return pdb, nil
}

func closeOnError(m *msf.MSF, err error) error {
	return errors.Join(err, m.Close())
}

// Close closes the PDB file.
func (p *PDB) Close() error {
	if p.msf != nil {
		return p.msf.Close()
	}
	return nil
}

// DBI returns the parsed DBI stream, or nil if the file has none.
func (p *PDB) DBI() *streams.DBIStream {
	return p.dbi
}

// Info returns basic PDB file information.
func (p *PDB) Info() *PDBInfo {
	info := &PDBInfo{
		Streams:   p.msf.NumStreams(),
		BlockSize: p.msf.BlockSize(),
	}

	if p.pdbInfo != nil {
		info.GUID = p.pdbInfo.GUIDString()
		info.Signature = p.pdbInfo.Signature
		info.Age = p.pdbInfo.Age
		info.Version = p.pdbInfo.Version
		info.NamedStreams = p.pdbInfo.NamedStreams
	}

	if p.tpi != nil {
		info.Types = p.tpi.TypeCount()
	}

	if p.dbi != nil {
		h := &p.dbi.Header
		info.Machine = streams.MachineTypeName(h.Machine)
		info.DBIVersion = h.VersionHeader
		info.DBIAge = h.Age
		if h.IsNewBuildNumberFormat() {
			info.Toolchain = fmt.Sprintf("%d.%d", h.BuildMajor(), h.BuildMinor())
		}
	}

	return info
}

// Modules returns information about compiled modules.
func (p *PDB) Modules() []ModuleInfo {
	if p.dbi == nil {
		return nil
	}

	modules := make([]ModuleInfo, len(p.dbi.Modules))
	for i, mod := range p.dbi.Modules {
		modules[i] = ModuleInfo{
			Name:         mod.ModuleName,
			ObjectFile:   mod.ObjFileName,
			SymbolStream: mod.ModuleSymStream,
			SymbolSize:   mod.SymByteSize,
		}
		if i < len(p.dbi.SourceFiles) {
			modules[i].SourceFiles = p.dbi.SourceFiles[i]
		}
	}
	return modules
}

// TypeCount returns the number of types in the TPI stream.
func (p *PDB) TypeCount() int {
	if p.tpi == nil {
		return 0
	}
	return int(p.tpi.TypeCount())
}
