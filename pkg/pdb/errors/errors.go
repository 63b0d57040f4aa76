// Package errors defines the error sentinels shared by the pdb packages.
//
// Both the container (msf) and stream (streams) packages return these values,
// wrapped with context, so callers can test them with errors.Is regardless of
// which layer produced them.
package errors

import "errors"

// Build errors
var (
	ErrInvalidInput     = errors.New("pdb: string contains an embedded NUL terminator")
	ErrModuleNotFound   = errors.New("pdb: module not found")
	ErrDuplicateModule  = errors.New("pdb: module already registered")
	ErrOverflow         = errors.New("pdb: value exceeds its fixed-width field")
	ErrAllocationFailed = errors.New("pdb: stream allocation failed")
	ErrBuilderSealed    = errors.New("pdb: builder no longer accepts registrations")
	ErrBuilderClosed    = errors.New("pdb: builder is closed")
)

// Read errors
var (
	ErrInvalidFormat = errors.New("pdb: invalid format")
	ErrTruncated     = errors.New("pdb: data is truncated")
	ErrStreamIndex   = errors.New("pdb: stream index out of range")
)
