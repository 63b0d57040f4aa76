package pdb

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
	"github.com/jtang613/pdbwriter/pkg/pdb/msf"
	"github.com/jtang613/pdbwriter/pkg/pdb/streams"
)

// FileBuilder assembles a PDB file holding an info stream and a DBI stream.
//
// Stream 0 (old directory) is written empty and the TPI and IPI streams hold
// no type records. The info stream takes its age from the DBI builder so the
// two always agree.
type FileBuilder struct {
	msf  *msf.FileBuilder
	info *streams.InfoStreamBuilder
	dbi  *streams.DBIStreamBuilder
	tpi  *streams.TPIStreamBuilder
	ipi  *streams.TPIStreamBuilder

	finalized bool
	opt       options
}

// NewFileBuilder creates a builder for a new PDB file.
func NewFileBuilder(opts ...Option) (*FileBuilder, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m, err := msf.NewFileBuilder(o.blockSize, msf.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create MSF builder: %w", err)
	}
	return &FileBuilder{
		msf:  m,
		info: streams.NewInfoStreamBuilder(),
		dbi:  streams.NewDBIStreamBuilder(streams.WithLogger(o.logger)),
		tpi:  streams.NewTPIStreamBuilder(),
		ipi:  streams.NewTPIStreamBuilder(),
		opt:  o,
	}, nil
}

// Info returns the builder for the PDB info stream.
func (b *FileBuilder) Info() *streams.InfoStreamBuilder {
	return b.info
}

// DBI returns the builder for the DBI stream.
func (b *FileBuilder) DBI() *streams.DBIStreamBuilder {
	return b.dbi
}

// finalize builds every stream into the MSF builder. It runs once.
func (b *FileBuilder) finalize() error {
	if b.finalized {
		return fmt.Errorf("finalize PDB: %w", pdberrors.ErrBuilderClosed)
	}
	b.finalized = true

	if _, err := b.msf.AllocateStreamAt(StreamOldDirectory, 0); err != nil {
		return fmt.Errorf("failed to reserve stream %d: %w", StreamOldDirectory, err)
	}
	if _, err := b.tpi.Build(b.msf.StreamAt(StreamTPI)); err != nil {
		return fmt.Errorf("failed to build TPI stream: %w", err)
	}
	if _, err := b.ipi.Build(b.msf.StreamAt(StreamIPI)); err != nil {
		return fmt.Errorf("failed to build IPI stream: %w", err)
	}

	dbi, err := b.dbi.Build(b.msf.StreamAt(StreamDBI))
	if err != nil {
		return fmt.Errorf("failed to build DBI stream: %w", err)
	}

	b.info.SetAge(b.dbi.Age())
	switch {
	case b.opt.deterministic:
		sig, guid := contentIdentity(dbi.Raw(), b.dbi.Age())
		b.info.SetSignature(sig)
		b.info.SetGUID(guid)
	case b.info.GUID() == [16]byte{}:
		b.info.SetSignature(uint32(time.Now().Unix()))
		b.info.SetGUID(uuid.New())
	}

	info, err := b.info.Build(b.msf.StreamAt(StreamPDB))
	if err != nil {
		return fmt.Errorf("failed to build PDB info stream: %w", err)
	}

	level.Debug(b.opt.logger).Log("msg", "finalized PDB", "guid", info.GUIDString(),
		"age", info.Age, "modules", len(dbi.Modules))
	return nil
}

// contentIdentity derives a signature and GUID from the DBI stream and age.
func contentIdentity(dbi []byte, age uint32) (uint32, [16]byte) {
	var ageBytes [4]byte
	binary.LittleEndian.PutUint32(ageBytes[:], age)

	d := xxhash.New()
	_, _ = d.Write(dbi)
	_, _ = d.Write(ageBytes[:])
	lo := d.Sum64()

	_, _ = d.Write(ageBytes[:])
	hi := d.Sum64()

	var guid [16]byte
	binary.LittleEndian.PutUint64(guid[0:8], lo)
	binary.LittleEndian.PutUint64(guid[8:16], hi)
	return uint32(lo >> 32), guid
}

// Bytes renders the PDB file into memory.
func (b *FileBuilder) Bytes() ([]byte, error) {
	if err := b.finalize(); err != nil {
		return nil, err
	}
	return b.msf.Bytes()
}

// Commit writes the PDB file to path.
func (b *FileBuilder) Commit(path string) error {
	if err := b.finalize(); err != nil {
		return err
	}
	return b.msf.Commit(path)
}
