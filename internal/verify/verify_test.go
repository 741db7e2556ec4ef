package verify

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/schaermu/patchset/internal/config"
	"github.com/schaermu/patchset/internal/delta"
	"github.com/schaermu/patchset/internal/patchset"
	"github.com/schaermu/patchset/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// generate builds a bundle for the given trees into /out
func generate(t *testing.T, source, target map[string]string) afero.Fs {
	t.Helper()

	fs := afero.NewMemMapFs()
	testutil.WriteTree(t, fs, "/src", source)
	testutil.WriteTree(t, fs, "/dst", target)

	cfg := &config.Config{
		Paths:    config.PathsConfig{Source: "/src", Target: "/dst", Output: "/out"},
		Generate: config.GenerateConfig{Workers: 2, Metadata: config.MetadataNone},
	}
	engine := patchset.NewEngine(cfg, fs, delta.BSDiff{}, nil, testLogger(), false)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	return fs
}

func TestVerify_OK(t *testing.T) {
	fs := generate(t,
		map[string]string{"a.txt": "hello", "b.txt": "x", "lib/core.dll": strings.Repeat("c", 900) + "1"},
		map[string]string{"a.txt": "hello", "c.txt": "y", "lib/core.dll": strings.Repeat("c", 900) + "0"},
	)

	report, err := New(fs, delta.BSDiff{}, nil, testLogger()).Verify("/src", "/dst", "/out")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK() {
		t.Errorf("expected clean report, got %+v", report.Mismatches)
	}
	if report.Checked != 3 {
		t.Errorf("Checked = %d, want 3", report.Checked)
	}
}

func TestVerify_DetectsTamperedArtifacts(t *testing.T) {
	source := map[string]string{"a": "one", "b": "two-old"}
	target := map[string]string{"a": "one", "b": "two-new", "c": "three"}

	tests := []struct {
		name     string
		tamper   func(t *testing.T, fs afero.Fs)
		wantPath string
	}{
		{
			name: "creation artifact changed",
			tamper: func(t *testing.T, fs afero.Fs) {
				testutil.WriteTree(t, fs, "/out", map[string]string{"create/c": "tampered"})
			},
			wantPath: "c",
		},
		{
			name: "delta artifact corrupted",
			tamper: func(t *testing.T, fs afero.Fs) {
				testutil.WriteTree(t, fs, "/out", map[string]string{"patches/b.patch": "garbage"})
			},
			wantPath: "b",
		},
		{
			name: "target changed after generation",
			tamper: func(t *testing.T, fs afero.Fs) {
				testutil.WriteTree(t, fs, "/dst", map[string]string{"a": "drifted"})
			},
			wantPath: "a",
		},
		{
			name: "target gained a file",
			tamper: func(t *testing.T, fs afero.Fs) {
				testutil.WriteTree(t, fs, "/dst", map[string]string{"d": "late"})
			},
			wantPath: "d",
		},
		{
			name: "source lost a patched file",
			tamper: func(t *testing.T, fs afero.Fs) {
				if err := fs.Remove("/src/b"); err != nil {
					t.Fatal(err)
				}
			},
			wantPath: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := generate(t, source, target)
			tt.tamper(t, fs)

			report, err := New(fs, delta.BSDiff{}, nil, testLogger()).Verify("/src", "/dst", "/out")
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if report.OK() {
				t.Fatal("expected mismatches")
			}
			found := false
			for _, m := range report.Mismatches {
				if m.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("no mismatch reported for %s: %+v", tt.wantPath, report.Mismatches)
			}
		})
	}
}

func TestVerify_IsReadOnly(t *testing.T) {
	fs := generate(t, map[string]string{"a": "1", "b": "gone"}, map[string]string{"a": "2", "c": "new"})

	before := map[string]map[string]string{}
	for _, root := range []string{"/src", "/dst", "/out"} {
		before[root] = testutil.ReadTree(t, fs, root)
	}

	if _, err := New(fs, delta.BSDiff{}, nil, testLogger()).Verify("/src", "/dst", "/out"); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	for root, files := range before {
		after := testutil.ReadTree(t, fs, root)
		if len(after) != len(files) {
			t.Errorf("%s changed: %v -> %v", root, files, after)
			continue
		}
		for k, v := range files {
			if after[k] != v {
				t.Errorf("%s/%s changed", root, k)
			}
		}
	}
}

func TestVerify_InvalidManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	testutil.WriteTree(t, fs, "/src", map[string]string{"a": "1"})
	testutil.WriteTree(t, fs, "/dst", map[string]string{"a": "1"})

	v := New(fs, delta.BSDiff{}, nil, testLogger())

	if _, err := v.Verify("/src", "/dst", "/out"); err == nil {
		t.Error("expected error for missing manifest")
	}

	testutil.WriteTree(t, fs, "/out", map[string]string{"manifest.json": `{"delete":["b","a"],"create":{},"patch":[]}`})
	if _, err := v.Verify("/src", "/dst", "/out"); err == nil {
		t.Error("expected error for unsorted manifest")
	}

	testutil.WriteTree(t, fs, "/out", map[string]string{"manifest.json": `not json`})
	if _, err := v.Verify("/src", "/dst", "/out"); err == nil {
		t.Error("expected error for malformed manifest")
	}
}
