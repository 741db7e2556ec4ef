package tree

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// Snapshot is the set of regular files found under Root at scan time
type Snapshot struct {
	Root  string
	Paths PathSet
}

// Scanner discovers the regular files below a directory root.
//
// Symbolic links are never followed: the walk uses Lstat where the filesystem
// supports it, and links, devices, sockets and pipes are skipped. Directories
// are implicit, so empty directories do not appear in a Snapshot.
type Scanner struct {
	fs      afero.Fs
	exclude []string
	logger  *slog.Logger
}

// NewScanner creates a scanner over fs. Paths matching any of the exclude
// globs are left out of every snapshot.
func NewScanner(fs afero.Fs, exclude []string, logger *slog.Logger) *Scanner {
	return &Scanner{
		fs:      fs,
		exclude: exclude,
		logger:  logger,
	}
}

// Scan walks root and returns the snapshot of every regular file below it.
// Any unreadable entry aborts the scan.
func (s *Scanner) Scan(root string) (*Snapshot, error) {
	for _, pattern := range s.exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	info, err := s.fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	var files []string
	err = afero.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if path == root {
			return nil
		}

		rel, err := RelativePath(root, path)
		if err != nil {
			return err
		}

		excluded, err := s.excluded(rel)
		if err != nil {
			return err
		}
		if excluded {
			s.logger.Debug("excluding path", "root", root, "path", rel)
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			s.logger.Debug("skipping non-regular file", "root", root, "path", rel, "mode", info.Mode().String())
			return nil
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Snapshot{Root: root, Paths: NewPathSet(files...)}, nil
}

func (s *Scanner) excluded(rel string) (bool, error) {
	for _, pattern := range s.exclude {
		ok, err := doublestar.Match(pattern, rel)
		if err != nil {
			return false, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// RelativePath returns target relative to baseDir in canonical form
func RelativePath(baseDir, target string) (string, error) {
	rel, err := filepath.Rel(baseDir, target)
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	return Normalize(rel), nil
}

// Join resolves a canonical relative path below root
func Join(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}
