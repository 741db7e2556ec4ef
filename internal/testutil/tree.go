package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// WriteTree materializes files (slash-separated relative path -> content)
// below root on fs.
func WriteTree(t testing.TB, fs afero.Fs, root string, files map[string]string) {
	t.Helper()

	if err := fs.MkdirAll(root, 0755); err != nil {
		t.Fatalf("failed to create %s: %v", root, err)
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create parent of %s: %v", path, err)
		}
		if err := afero.WriteFile(fs, path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}
}

// ReadTree returns every regular file below root keyed by its
// slash-separated relative path. A missing root yields an empty map.
func ReadTree(t testing.TB, fs afero.Fs, root string) map[string]string {
	t.Helper()

	files := make(map[string]string)
	if ok, err := afero.DirExists(fs, root); err != nil || !ok {
		return files
	}

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to read tree %s: %v", root, err)
	}
	return files
}

// Snapshot records every path below root with its modification time.
// Comparing two snapshots detects any mutation below root.
func Snapshot(t testing.TB, fs afero.Fs, root string) map[string]time.Time {
	t.Helper()

	entries := make(map[string]time.Time)
	if ok, err := afero.Exists(fs, root); err != nil || !ok {
		return entries
	}

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		entries[path] = info.ModTime()
		return nil
	})
	if err != nil {
		t.Fatalf("failed to snapshot %s: %v", root, err)
	}
	return entries
}
