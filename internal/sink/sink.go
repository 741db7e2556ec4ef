// Package sink materializes a patch bundle on a filesystem.
//
// The Sink is the only place where dry-run is decided: with dryRun set every
// mutation is logged and skipped, while every read still happens so input
// problems surface exactly as in a real run.
package sink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/schaermu/patchset/internal/manifest"
)

// ErrOutputExists is returned by Prepare when the output root exists and
// removing it was not authorized.
var ErrOutputExists = errors.New("output root already exists")

// artifactMode is the mode of every written artifact unless metadata is preserved
const artifactMode os.FileMode = 0644

// Sink writes bundle artifacts below a single output root
type Sink struct {
	fs     afero.Fs
	root   string
	dryRun bool
	logger *slog.Logger
}

// New creates a sink rooted at root
func New(fs afero.Fs, root string, dryRun bool, logger *slog.Logger) *Sink {
	return &Sink{
		fs:     fs,
		root:   root,
		dryRun: dryRun,
		logger: logger,
	}
}

// Root returns the output root
func (s *Sink) Root() string {
	return s.root
}

// DryRun reports whether mutations are suppressed
func (s *Sink) DryRun() bool {
	return s.dryRun
}

// Exists reports whether the output root is already present
func (s *Sink) Exists() (bool, error) {
	ok, err := afero.Exists(s.fs, s.root)
	if err != nil {
		return false, fmt.Errorf("failed to stat output root: %w", err)
	}
	return ok, nil
}

// Prepare ensures a clean output root with its staging directories. An
// existing root is removed in its entirety, which requires authorized.
func (s *Sink) Prepare(authorized bool) error {
	exists, err := s.Exists()
	if err != nil {
		return err
	}

	if exists {
		switch {
		case !authorized && !s.dryRun:
			return fmt.Errorf("%w: %s", ErrOutputExists, s.root)
		case !authorized:
			s.logger.Warn("[dry-run] output root exists and removal was not authorized", "output", s.root)
		case s.dryRun:
			s.logger.Info("[dry-run] would remove output folder", "output", s.root)
		default:
			s.logger.Info("removing output folder", "output", s.root)
			if err := s.fs.RemoveAll(s.root); err != nil {
				return fmt.Errorf("failed to remove output root: %w", err)
			}
		}
	}

	for _, dir := range []string{s.root, s.path(manifest.PatchesDir), s.path(manifest.CreateDir)} {
		if s.dryRun {
			s.logger.Info("[dry-run] would create folder", "dir", dir)
			continue
		}
		s.logger.Info("creating folder", "dir", dir)
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// WriteFile atomically writes data at the bundle-relative path rel
func (s *Sink) WriteFile(rel string, data []byte) error {
	dst := s.path(rel)
	if s.dryRun {
		s.logger.Debug("[dry-run] would write file", "dest", dst, "bytes", len(data))
		return nil
	}

	return s.atomicWrite(dst, func(tmp afero.File) error {
		_, err := tmp.Write(data)
		return err
	})
}

// CopyFile copies srcPath from src verbatim to the bundle-relative path rel.
// With preserve set the mode and modification time are carried over.
func (s *Sink) CopyFile(src afero.Fs, srcPath, rel string, preserve bool) (int64, error) {
	in, err := src.Open(srcPath)
	if err != nil {
		return 0, &ReadError{Path: srcPath, Err: err}
	}
	defer func() {
		_ = in.Close()
	}()

	info, err := in.Stat()
	if err != nil {
		return 0, &ReadError{Path: srcPath, Err: err}
	}

	dst := s.path(rel)
	if s.dryRun {
		s.logger.Debug("[dry-run] would copy file", "source", srcPath, "dest", dst, "bytes", info.Size())
		return info.Size(), nil
	}

	var n int64
	err = s.atomicWrite(dst, func(tmp afero.File) error {
		var copyErr error
		n, copyErr = io.Copy(tmp, sourceReader{r: in, path: srcPath})
		return copyErr
	})
	if err != nil {
		return 0, err
	}

	if preserve {
		if err := s.fs.Chmod(dst, info.Mode().Perm()); err != nil {
			return 0, fmt.Errorf("failed to preserve mode on %s: %w", dst, err)
		}
		if err := s.fs.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
			return 0, fmt.Errorf("failed to preserve times on %s: %w", dst, err)
		}
	}
	return n, nil
}

// Discard removes the output root after a failed run so that no partial
// bundle is left behind.
func (s *Sink) Discard() error {
	if s.dryRun {
		return nil
	}
	s.logger.Warn("discarding incomplete output", "output", s.root)
	if err := s.fs.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to discard output root: %w", err)
	}
	return nil
}

// atomicWrite fills a temp file next to dst and renames it into place
func (s *Sink) atomicWrite(dst string, fill func(tmp afero.File) error) error {
	// Ensure parent directory exists; concurrent callers may race here
	dir := filepath.Dir(dst)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmpFile, err := afero.TempFile(s.fs, dir, ".patchset-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}() // cleanup on error

	if err := fill(tmpFile); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}

	// TempFile creates files with mode 0600
	if err := s.fs.Chmod(tmpPath, artifactMode); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", dst, err)
	}

	if err := s.fs.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return nil
}

func (s *Sink) path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(path.Clean(rel)))
}

// ReadError reports a failure to read an input file while staging it
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// sourceReader tags read failures on an input file as ReadError
type sourceReader struct {
	r    io.Reader
	path string
}

func (sr sourceReader) Read(p []byte) (int, error) {
	n, err := sr.r.Read(p)
	if err != nil && err != io.EOF {
		err = &ReadError{Path: sr.path, Err: err}
	}
	return n, err
}

// IsReadError reports whether err was caused by an unreadable input
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}
