package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdbwriter/pkg/pdb"
	"github.com/jtang613/pdbwriter/pkg/pdb/streams"
)

const sampleManifest = `
machine: x64
age: 3
toolchain: "14.36"
flags: [incremental, ctypes]
modules:
  - name: main
    object: main.obj
    files: [src/main.c, include/common.h]
  - name: util.obj
    object: libutil.lib
    files: [src/util.c, include/common.h]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeFile(t, t.TempDir(), "app.yaml", sampleManifest)

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "x64", m.Machine)
	assert.Equal(t, uint32(3), m.Age)
	assert.Equal(t, "14.36", m.Toolchain)
	assert.Equal(t, []string{"incremental", "ctypes"}, m.Flags)
	require.Len(t, m.Modules, 2)
	assert.Equal(t, ManifestModule{
		Name:   "util.obj",
		Object: "libutil.lib",
		Files:  []string{"src/util.c", "include/common.h"},
	}, m.Modules[1])
}

func TestLoadManifestDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "min.json", `{"modules": [{"name": "a", "object": "a.obj"}]}`)

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.Age)
	assert.Equal(t, "x86", m.Machine)
	require.Len(t, m.Modules, 1)
	assert.Empty(t, m.Modules[0].Files)
}

func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestManifestApply(t *testing.T) {
	m := &Manifest{
		Age:       2,
		Machine:   "0xAA64",
		Toolchain: "14.36",
		Version:   streams.DBIStreamVersionV110,
		Flags:     []string{"Stripped"},
		Modules: []ManifestModule{
			{Name: "a", Object: "a.obj", Files: []string{"a.c"}},
		},
	}
	b, err := pdb.NewFileBuilder()
	require.NoError(t, err)
	require.NoError(t, m.Apply(b))

	v, ok := b.DBI().VersionHeader()
	assert.True(t, ok)
	assert.Equal(t, uint32(streams.DBIStreamVersionV110), v)
	require.Len(t, b.DBI().Modules(), 1)
	assert.Equal(t, []string{"a.c"}, b.DBI().Modules()[0].SourceFiles())

	image, err := b.Bytes()
	require.NoError(t, err)
	p, err := pdb.OpenBytes(image)
	require.NoError(t, err)
	h := p.DBI().Header
	assert.Equal(t, uint16(streams.MachineARM64), h.Machine)
	assert.Equal(t, uint16(streams.DBIFlagStripped), h.Flags)
	assert.Equal(t, uint8(14), h.BuildMajor())
	assert.Equal(t, uint8(36), h.BuildMinor())
	assert.Equal(t, uint32(2), h.Age)
}

func TestManifestApplyErrors(t *testing.T) {
	tests := []struct {
		name string
		m    Manifest
	}{
		{"machine", Manifest{Machine: "vax"}},
		{"toolchain", Manifest{Machine: "x86", Toolchain: "fourteen"}},
		{"flag", Manifest{Machine: "x86", Flags: []string{"optimized"}}},
		{"duplicate module", Manifest{Machine: "x86", Modules: []ManifestModule{{Name: "a"}, {Name: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := pdb.NewFileBuilder()
			require.NoError(t, err)
			assert.Error(t, tt.m.Apply(b))
		})
	}
}

func TestOutputPath(t *testing.T) {
	m := &Manifest{}
	named := &Manifest{Output: "custom.pdb"}

	assert.Equal(t, "out.pdb", outputPath("dir/app.yaml", m, "out.pdb", false))
	assert.Equal(t, filepath.Join("dir", "app.pdb"), outputPath("dir/app.yaml", m, "", false))
	assert.Equal(t, filepath.Join("build", "app.pdb"), outputPath("dir/app.yaml", m, "build", true))
	assert.Equal(t, filepath.Join("dir", "custom.pdb"), outputPath("dir/app.yaml", named, "", true))
	assert.Equal(t, filepath.Join("build", "custom.pdb"), outputPath("dir/app.yaml", named, "build", true))
}
