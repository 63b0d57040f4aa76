package streams

import (
	"errors"
	"fmt"

	"github.com/go-kit/log/level"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

// StreamAllocator reserves a stream in the enclosing container and returns a
// writable region of exactly size bytes.
type StreamAllocator interface {
	AllocateStream(size uint32) ([]byte, error)
}

type builderState int

const (
	stateConfiguring builderState = iota
	stateSized
	stateCommitted
	stateFailed
)

// DBIStreamBuilder accumulates modules and their source files and writes them
// out as a DBI stream.
//
// Building is two-phase: every substream size is computed from the complete
// registration state before any byte is written, because the file info
// substream stores offsets into a names buffer whose size is only known once
// all files are registered. A builder is not safe for concurrent use.
type DBIStreamBuilder struct {
	versionHeader    uint32
	hasVersionHeader bool
	age              uint32
	buildNumber      uint16
	pdbDllVersion    uint16
	pdbDllRbld       uint16
	flags            uint16
	machine          uint16

	modules moduleRegistry
	names   *StringTable

	state builderState
	opt   options
}

// NewDBIStreamBuilder returns a builder with age 1 targeting x86.
func NewDBIStreamBuilder(opts ...Option) *DBIStreamBuilder {
	b := &DBIStreamBuilder{
		age:     1,
		machine: MachineI386,
		modules: newModuleRegistry(),
		names:   NewStringTable(),
		opt:     defaultOptions(),
	}
	for _, o := range opts {
		o(&b.opt)
	}
	return b
}

// SetVersionHeader sets the DBI version. Without it DBIStreamVersionV70 is
// written.
func (b *DBIStreamBuilder) SetVersionHeader(v uint32) {
	b.versionHeader = v
	b.hasVersionHeader = true
}

// VersionHeader returns the explicitly set version, if any.
func (b *DBIStreamBuilder) VersionHeader() (uint32, bool) {
	return b.versionHeader, b.hasVersionHeader
}

func (b *DBIStreamBuilder) SetAge(age uint32) { b.age = age }
func (b *DBIStreamBuilder) SetBuildNumber(n uint16) { b.buildNumber = n }
func (b *DBIStreamBuilder) SetPdbDllVersion(v uint16) { b.pdbDllVersion = v }
func (b *DBIStreamBuilder) SetPdbDllRbld(r uint16) { b.pdbDllRbld = r }
func (b *DBIStreamBuilder) SetFlags(flags uint16) { b.flags = flags }
func (b *DBIStreamBuilder) SetMachineType(mach uint16) { b.machine = mach }

// Age returns the age that will be written to the header.
func (b *DBIStreamBuilder) Age() uint32 {
	return b.age
}

// AddModuleInfo registers a module. Module names are unique: registering a
// name twice fails with ErrDuplicateModule and leaves the first record as is.
func (b *DBIStreamBuilder) AddModuleInfo(objFile, module string) error {
	if b.state != stateConfiguring {
		return fmt.Errorf("add module %q: %w", module, pdberrors.ErrBuilderSealed)
	}
	return b.modules.add(objFile, module)
}

// AddModuleSourceFile appends file to the source files of a registered
// module. The same file may be added to several modules, or more than once to
// one module; its name is stored once in the names buffer.
func (b *DBIStreamBuilder) AddModuleSourceFile(module, file string) error {
	if b.state != stateConfiguring {
		return fmt.Errorf("add source file %q: %w", file, pdberrors.ErrBuilderSealed)
	}
	m, ok := b.modules.lookup(module)
	if !ok {
		return fmt.Errorf("add source file %q to %q: %w", file, module, pdberrors.ErrModuleNotFound)
	}
	if _, err := b.names.Intern(file); err != nil {
		return fmt.Errorf("add source file to %q: %w", module, err)
	}
	m.sourceFiles = append(m.sourceFiles, file)
	return nil
}

// Modules returns the registered modules in registration order.
func (b *DBIStreamBuilder) Modules() []*ModuleRecord {
	return b.modules.list
}

// Names returns the table holding the source file names.
func (b *DBIStreamBuilder) Names() *StringTable {
	return b.names
}

func (b *DBIStreamBuilder) header(modiSize, fileInfoSize uint32) DBIHeader {
	version := uint32(DBIStreamVersionV70)
	if b.hasVersionHeader {
		version = b.versionHeader
	}
	return DBIHeader{
		VersionSignature:  dbiVersionSignature,
		VersionHeader:     version,
		Age:               b.age,
		GlobalStreamIndex: InvalidStreamIndex,
		BuildNumber:       b.buildNumber,
		PublicStreamIndex: InvalidStreamIndex,
		PdbDllVersion:     b.pdbDllVersion,
		SymRecordStream:   InvalidStreamIndex,
		PdbDllRbld:        b.pdbDllRbld,
		ModInfoSize:       int32(modiSize),
		SourceInfoSize:    int32(fileInfoSize),
		Flags:             b.flags,
		Machine:           b.machine,
	}
}

// Build seals the builder, writes the DBI stream into a region obtained from
// alloc and returns the stream parsed back from that region.
//
// Nothing is allocated unless every substream was generated successfully. A
// builder whose Build failed cannot be reused; later calls return
// ErrBuilderClosed.
func (b *DBIStreamBuilder) Build(alloc StreamAllocator) (*DBIStream, error) {
	switch b.state {
	case stateCommitted, stateFailed:
		return nil, fmt.Errorf("build DBI stream: %w", pdberrors.ErrBuilderClosed)
	}
	b.state = stateSized

	dbi, err := b.build(alloc)
	if err != nil {
		b.state = stateFailed
		return nil, err
	}
	b.state = stateCommitted
	return dbi, nil
}

func (b *DBIStreamBuilder) build(alloc StreamAllocator) (*DBIStream, error) {
	total, err := b.CalculateSerializedLength()
	if err != nil {
		return nil, fmt.Errorf("failed to size DBI stream: %w", err)
	}
	modi, err := b.generateModuleInfoSubstream()
	if err != nil {
		return nil, fmt.Errorf("failed to generate module info: %w", err)
	}
	files, err := b.generateFileInfoSubstream()
	if err != nil {
		return nil, fmt.Errorf("failed to generate file info: %w", err)
	}
	if got := uint32(DBIHeaderSize + len(modi) + len(files)); got != total {
		return nil, fmt.Errorf("generated %d bytes for a %d byte DBI stream", got, total)
	}

	region, err := alloc.AllocateStream(total)
	if err != nil {
		if !errors.Is(err, pdberrors.ErrAllocationFailed) {
			err = fmt.Errorf("%w: %w", pdberrors.ErrAllocationFailed, err)
		}
		return nil, fmt.Errorf("failed to allocate %d byte DBI stream: %w", total, err)
	}
	if uint32(len(region)) != total {
		return nil, fmt.Errorf("allocator returned %d bytes, want %d: %w", len(region), total, pdberrors.ErrAllocationFailed)
	}

	h := b.header(uint32(len(modi)), uint32(len(files)))
	h.encodeTo(region)
	pos := DBIHeaderSize
	pos += copy(region[pos:], modi)
	copy(region[pos:], files)

	dbi, err := ReadDBIStream(region)
	if err != nil {
		return nil, fmt.Errorf("failed to read back DBI stream: %w", err)
	}

	level.Debug(b.opt.logger).Log(
		"msg", "built DBI stream",
		"modules", len(b.modules.list),
		"files", b.modules.fileRefs(),
		"names", b.names.Len(),
		"size", total,
	)
	return dbi, nil
}
