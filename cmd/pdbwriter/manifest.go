package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/jtang613/pdbwriter/pkg/pdb"
	"github.com/jtang613/pdbwriter/pkg/pdb/streams"
)

// Manifest describes the DBI stream of one PDB file.
type Manifest struct {
	Output        string           `mapstructure:"output"`
	Version       uint32           `mapstructure:"version"`
	Age           uint32           `mapstructure:"age"`
	Machine       string           `mapstructure:"machine"`
	Toolchain     string           `mapstructure:"toolchain"`
	PdbDllVersion uint16           `mapstructure:"pdb_dll_version"`
	PdbDllRbld    uint16           `mapstructure:"pdb_dll_rbld"`
	Flags         []string         `mapstructure:"flags"`
	Modules       []ManifestModule `mapstructure:"modules"`
}

// ManifestModule is one module and its source files.
type ManifestModule struct {
	Name   string   `mapstructure:"name"`
	Object string   `mapstructure:"object"`
	Files  []string `mapstructure:"files"`
}

var machineNames = map[string]uint16{
	"x86":   streams.MachineI386,
	"i386":  streams.MachineI386,
	"x64":   streams.MachineAMD64,
	"amd64": streams.MachineAMD64,
	"arm":   streams.MachineARM,
	"arm64": streams.MachineARM64,
	"ia64":  streams.MachineIA64,
}

var flagNames = map[string]uint16{
	"incremental": streams.DBIFlagIncrementallyLinked,
	"stripped":    streams.DBIFlagStripped,
	"ctypes":      streams.DBIFlagHasCTypes,
}

// LoadManifest reads a YAML, JSON or TOML manifest.
func LoadManifest(path string) (*Manifest, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("age", 1)
	v.SetDefault("machine", "x86")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := v.Unmarshal(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}
	return &m, nil
}

func parseMachine(s string) (uint16, error) {
	if mach, ok := machineNames[strings.ToLower(s)]; ok {
		return mach, nil
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown machine %q", s)
	}
	return uint16(n), nil
}

// parseToolchain parses a "major.minor" toolchain version.
func parseToolchain(s string) (uint16, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return 0, fmt.Errorf("toolchain %q is not major.minor", s)
	}
	maj, err := strconv.ParseUint(major, 10, 7)
	if err != nil {
		return 0, fmt.Errorf("toolchain %q: %w", s, err)
	}
	mnr, err := strconv.ParseUint(minor, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("toolchain %q: %w", s, err)
	}
	return streams.EncodeBuildNumber(uint8(maj), uint8(mnr)), nil
}

// Apply configures b from the manifest.
func (m *Manifest) Apply(b *pdb.FileBuilder) error {
	dbi := b.DBI()

	if m.Version != 0 {
		dbi.SetVersionHeader(m.Version)
	}
	dbi.SetAge(m.Age)
	dbi.SetPdbDllVersion(m.PdbDllVersion)
	dbi.SetPdbDllRbld(m.PdbDllRbld)

	mach, err := parseMachine(m.Machine)
	if err != nil {
		return err
	}
	dbi.SetMachineType(mach)

	if m.Toolchain != "" {
		bn, err := parseToolchain(m.Toolchain)
		if err != nil {
			return err
		}
		dbi.SetBuildNumber(bn)
	}

	var flags uint16
	for _, f := range m.Flags {
		bit, ok := flagNames[strings.ToLower(f)]
		if !ok {
			return fmt.Errorf("unknown DBI flag %q", f)
		}
		flags |= bit
	}
	dbi.SetFlags(flags)

	for _, mod := range m.Modules {
		if err := dbi.AddModuleInfo(mod.Object, mod.Name); err != nil {
			return err
		}
		for _, f := range mod.Files {
			if err := dbi.AddModuleSourceFile(mod.Name, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// outputPath picks where the PDB for manifestPath is written. With a single
// manifest out names the file; with several it names a directory.
func outputPath(manifestPath string, m *Manifest, out string, multi bool) string {
	if out != "" && !multi {
		return out
	}

	name := m.Output
	if name == "" {
		base := filepath.Base(manifestPath)
		name = strings.TrimSuffix(base, filepath.Ext(base)) + ".pdb"
	}
	if filepath.IsAbs(name) {
		return name
	}

	dir := filepath.Dir(manifestPath)
	if out != "" {
		dir = out
	}
	return filepath.Join(dir, name)
}
