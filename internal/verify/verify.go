// Package verify replays a generated bundle against the source tree in memory
// and checks that the result matches the target tree.
package verify

import (
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"

	"github.com/schaermu/patchset/internal/delta"
	"github.com/schaermu/patchset/internal/digest"
	"github.com/schaermu/patchset/internal/manifest"
	"github.com/schaermu/patchset/internal/tree"
)

// Mismatch describes one path whose replayed state differs from the target
type Mismatch struct {
	Path   string
	Reason string
}

// Report is the outcome of a verification
type Report struct {
	Checked    int
	Mismatches []Mismatch
}

// OK reports whether the replay reproduced the target exactly
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

func (r *Report) addf(path, format string, args ...any) {
	r.Mismatches = append(r.Mismatches, Mismatch{Path: path, Reason: fmt.Sprintf(format, args...)})
}

// Verifier checks bundles without modifying any tree
type Verifier struct {
	fs      afero.Fs
	patcher delta.Patcher
	scanner *tree.Scanner
	logger  *slog.Logger
}

// New creates a verifier. exclude must match the patterns used at generation time.
func New(fs afero.Fs, patcher delta.Patcher, exclude []string, logger *slog.Logger) *Verifier {
	return &Verifier{
		fs:      fs,
		patcher: patcher,
		scanner: tree.NewScanner(fs, exclude, logger),
		logger:  logger,
	}
}

// Verify replays the bundle in output onto source and compares the result with target
func (v *Verifier) Verify(source, target, output string) (*Report, error) {
	m, err := v.loadManifest(output)
	if err != nil {
		return nil, err
	}

	src, err := v.scanner.Scan(source)
	if err != nil {
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}
	dst, err := v.scanner.Scan(target)
	if err != nil {
		return nil, fmt.Errorf("failed to scan target: %w", err)
	}

	report := &Report{Mismatches: make([]Mismatch, 0)}

	// view maps every path of the replayed tree to a function yielding its content digest
	view := make(map[string]func() (digest.Digest, error), src.Paths.Len())
	for _, rel := range src.Paths.Slice() {
		path := tree.Join(source, rel)
		view[rel] = func() (digest.Digest, error) { return digest.File(v.fs, path) }
	}

	for _, rel := range m.Delete {
		if _, ok := view[rel]; !ok {
			report.addf(rel, "deleted path does not exist in source")
			continue
		}
		delete(view, rel)
	}

	for _, rel := range slices.Sorted(maps.Keys(m.Create)) {
		loc := m.Create[rel]
		if _, ok := view[rel]; ok {
			report.addf(rel, "created path already exists in source")
		}
		artifact := filepath.Join(output, filepath.FromSlash(loc))
		view[rel] = func() (digest.Digest, error) { return digest.File(v.fs, artifact) }
	}

	for _, rel := range m.Patch {
		if _, ok := view[rel]; !ok {
			report.addf(rel, "patched path does not exist in source")
			continue
		}
		oldPath := tree.Join(source, rel)
		patchPath := filepath.Join(output, filepath.FromSlash(manifest.PatchPath(rel)))
		view[rel] = func() (digest.Digest, error) { return v.applyPatch(oldPath, patchPath) }
	}

	for _, rel := range slices.Sorted(maps.Keys(view)) {
		if !dst.Paths.Contains(rel) {
			report.addf(rel, "present after replay but missing from target")
		}
	}

	for _, rel := range dst.Paths.Slice() {
		content, ok := view[rel]
		if !ok {
			report.addf(rel, "missing after replay")
			continue
		}

		got, err := content()
		if err != nil {
			report.addf(rel, "replay failed: %v", err)
			continue
		}
		want, err := digest.File(v.fs, tree.Join(target, rel))
		if err != nil {
			return nil, fmt.Errorf("failed to hash target file %s: %w", rel, err)
		}

		report.Checked++
		if got != want {
			report.addf(rel, "content digest %s, want %s", got, want)
		}
	}

	v.logger.Info("verification finished", "checked", report.Checked, "mismatches", len(report.Mismatches))
	return report, nil
}

func (v *Verifier) loadManifest(output string) (*manifest.Manifest, error) {
	data, err := afero.ReadFile(v.fs, filepath.Join(output, manifest.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := manifest.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return m, nil
}

func (v *Verifier) applyPatch(oldPath, patchPath string) (digest.Digest, error) {
	old, err := afero.ReadFile(v.fs, oldPath)
	if err != nil {
		return digest.Digest{}, err
	}
	patch, err := afero.ReadFile(v.fs, patchPath)
	if err != nil {
		return digest.Digest{}, err
	}
	out, err := v.patcher.Patch(old, patch)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("failed to apply patch: %w", err)
	}
	return digest.Bytes(out), nil
}
