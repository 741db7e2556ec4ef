// Package delta wraps the binary diff primitive used to build patch artifacts.
//
// Artifacts use the classic BSDIFF40 layout (header, bzip2 control, diff and
// extra blocks) so any stock bspatch can apply them.
package delta

import (
	"fmt"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
)

// Differ computes a patch turning old into new
type Differ interface {
	Diff(old, new []byte) ([]byte, error)
}

// Patcher applies a patch produced by a Differ
type Patcher interface {
	Patch(old, patch []byte) ([]byte, error)
}

// BSDiff implements Differ and Patcher with bsdiff/bspatch
type BSDiff struct{}

// Diff returns the BSDIFF40 patch from old to new
func (BSDiff) Diff(old, new []byte) (patch []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bsdiff panicked: %v", r)
		}
	}()

	patch, err = bsdiff.Bytes(old, new)
	if err != nil {
		return nil, fmt.Errorf("bsdiff failed: %w", err)
	}
	return patch, nil
}

// Patch applies a BSDIFF40 patch to old
func (BSDiff) Patch(old, patch []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bspatch panicked: %v", r)
		}
	}()

	out, err = bspatch.Bytes(old, patch)
	if err != nil {
		return nil, fmt.Errorf("bspatch failed: %w", err)
	}
	return out, nil
}
