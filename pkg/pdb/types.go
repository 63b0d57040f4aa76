// Package pdb reads and writes Microsoft PDB debug files.
package pdb

// ModuleInfo represents information about a compiled module.
type ModuleInfo struct {
	Name         string   `json:"name"`
	ObjectFile   string   `json:"object_file"`
	SymbolStream uint16   `json:"symbol_stream"`
	SymbolSize   uint32   `json:"symbol_size"`
	SourceFiles  []string `json:"source_files"`
}

// PDBInfo contains basic PDB file information.
type PDBInfo struct {
	GUID         string            `json:"guid"`
	Signature    uint32            `json:"signature"`
	Age          uint32            `json:"age"`
	Version      uint32            `json:"version"`
	DBIVersion   uint32            `json:"dbi_version,omitempty"`
	DBIAge       uint32            `json:"dbi_age,omitempty"`
	Toolchain    string            `json:"toolchain,omitempty"`
	Machine      string            `json:"machine"`
	Types        uint32            `json:"types"`
	Streams      int               `json:"streams"`
	BlockSize    uint32            `json:"block_size"`
	NamedStreams map[string]uint32 `json:"named_streams,omitempty"`
}
