package pdb

import (
	"github.com/go-kit/log"

	"github.com/jtang613/pdbwriter/pkg/pdb/msf"
)

// Option configures a FileBuilder.
type Option func(*options)

type options struct {
	blockSize     uint32
	logger        log.Logger
	deterministic bool
}

func defaultOptions() options {
	return options{
		blockSize: msf.DefaultBlockSize,
		logger:    log.NewNopLogger(),
	}
}

// WithBlockSize sets the MSF block size of the output file.
func WithBlockSize(size uint32) Option {
	return func(o *options) {
		o.blockSize = size
	}
}

// WithLogger sets the logger passed down to the container and stream
// builders.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDeterministicGUID derives the signature and GUID from the DBI stream
// contents and the age instead of the clock and a random UUID, so identical
// inputs produce identical files.
func WithDeterministicGUID() Option {
	return func(o *options) {
		o.deterministic = true
	}
}
