package patchset

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal generation failure
type Kind int

const (
	// KindScan means a tree root is missing or could not be walked
	KindScan Kind = iota + 1
	// KindRead means an input file vanished or became unreadable mid-run
	KindRead
	// KindDelta means the delta primitive failed on a file pair
	KindDelta
	// KindOutputConflict means the output root exists and removal was not
	// authorized, or the bundle layout cannot hold the patched set
	KindOutputConflict
	// KindSerialization means the manifest could not be encoded or written
	KindSerialization
	// KindWrite means a staged artifact could not be written
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindRead:
		return "read"
	case KindDelta:
		return "delta"
	case KindOutputConflict:
		return "output conflict"
	case KindSerialization:
		return "serialization"
	case KindWrite:
		return "write"
	}
	return "unknown"
}

// Error is a fatal failure of a generation run. Every Error aborts the run.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error on %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of kind k
func IsKind(err error, k Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == k
}

func newError(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}
