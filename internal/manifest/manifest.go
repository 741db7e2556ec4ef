// Package manifest defines the patch bundle manifest and the layout of the
// artifacts it references.
//
// A bundle root looks like:
//
//	manifest.json
//	patches/<escaped-relative-path>.patch
//	create/<relative-path>
//
// An applier deletes every path in Delete, copies every Create value to its
// key, and applies patches/<ArtifactName(p)> to every p in Patch.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"unicode/utf8"
)

const (
	// FileName is the manifest's name at the bundle root
	FileName = "manifest.json"
	// PatchesDir holds one delta artifact per patched file
	PatchesDir = "patches"
	// CreateDir mirrors the target tree for created files
	CreateDir = "create"
	// PatchExt is appended to every delta artifact name
	PatchExt = ".patch"
	// Separator replaces "/" when flattening a path into an artifact name
	Separator = "__"
)

// Manifest is the declarative list of operations turning source into target.
// Field order is significant: it is the serialization order.
type Manifest struct {
	Delete []string          `json:"delete"`
	Create map[string]string `json:"create"`
	Patch  []string          `json:"patch"`
}

// New builds a manifest from the given operations. Inputs are copied and
// sorted, and empty collections are never nil.
func New(deleted []string, created map[string]string, patched []string) *Manifest {
	m := &Manifest{
		Delete: sortedCopy(deleted),
		Create: make(map[string]string, len(created)),
		Patch:  sortedCopy(patched),
	}
	for k, v := range created {
		m.Create[k] = v
	}
	return m
}

// ArtifactName flattens a relative path into the file name of its delta artifact
func ArtifactName(rel string) string {
	return strings.ReplaceAll(rel, "/", Separator) + PatchExt
}

// PatchPath returns the bundle-relative location of rel's delta artifact
func PatchPath(rel string) string {
	return path.Join(PatchesDir, ArtifactName(rel))
}

// CreatePath returns the bundle-relative location of rel's creation artifact
func CreatePath(rel string) string {
	return path.Join(CreateDir, rel)
}

// Marshal encodes the manifest as indented JSON. Map keys are emitted in
// sorted order, so equal manifests encode to identical bytes.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a manifest and normalizes missing fields to empty collections
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Delete == nil {
		m.Delete = []string{}
	}
	if m.Create == nil {
		m.Create = map[string]string{}
	}
	if m.Patch == nil {
		m.Patch = []string{}
	}
	return &m, nil
}

// Validate checks the structural invariants of the manifest
func (m *Manifest) Validate() error {
	if err := checkSorted("delete", m.Delete); err != nil {
		return err
	}
	if err := checkSorted("patch", m.Patch); err != nil {
		return err
	}

	seen := make(map[string]string, len(m.Delete)+len(m.Create)+len(m.Patch))
	claim := func(field, p string) error {
		if p == "" || path.IsAbs(p) || path.Clean(p) != p || strings.HasPrefix(p, "../") || p == ".." {
			return fmt.Errorf("%s: %q is not a canonical relative path", field, p)
		}
		if !utf8.ValidString(p) {
			return fmt.Errorf("%s: %q is not valid UTF-8 and cannot be stored in JSON", field, p)
		}
		if other, ok := seen[p]; ok {
			return fmt.Errorf("%q appears in both %s and %s", p, other, field)
		}
		seen[p] = field
		return nil
	}

	for _, p := range m.Delete {
		if err := claim("delete", p); err != nil {
			return err
		}
	}
	for _, p := range slices.Sorted(maps.Keys(m.Create)) {
		if err := claim("create", p); err != nil {
			return err
		}
		if loc := m.Create[p]; loc != CreatePath(p) {
			return fmt.Errorf("create: %q maps to %q, want %q", p, loc, CreatePath(p))
		}
	}
	for _, p := range m.Patch {
		if err := claim("patch", p); err != nil {
			return err
		}
	}

	collisions := m.PatchCollisions()
	if names := slices.Sorted(maps.Keys(collisions)); len(names) > 0 {
		return fmt.Errorf("patch: %v share artifact name %s", collisions[names[0]], names[0])
	}
	return nil
}

// PatchCollisions returns the artifact names claimed by more than one patched path
func (m *Manifest) PatchCollisions() map[string][]string {
	return Collisions(m.Patch)
}

// Collisions groups paths whose artifact names are identical
func Collisions(paths []string) map[string][]string {
	byName := make(map[string][]string, len(paths))
	for _, p := range paths {
		name := ArtifactName(p)
		byName[name] = append(byName[name], p)
	}

	out := make(map[string][]string)
	for name, ps := range byName {
		if len(ps) > 1 {
			slices.Sort(ps)
			out[name] = ps
		}
	}
	return out
}

func checkSorted(field string, paths []string) error {
	for i := 1; i < len(paths); i++ {
		if paths[i-1] >= paths[i] {
			return fmt.Errorf("%s: entries must be sorted and unique (%q before %q)", field, paths[i-1], paths[i])
		}
	}
	return nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	slices.Sort(out)
	return out
}
