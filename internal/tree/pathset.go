package tree

import (
	"path/filepath"
	"slices"
)

// Normalize converts a relative path into its canonical slash-separated form
func Normalize(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

// PathSet is an immutable, sorted set of relative paths.
// All set operations are linear merges over the sorted backing slices.
type PathSet struct {
	paths []string
}

// NewPathSet builds a set from paths in any order; duplicates collapse.
func NewPathSet(paths ...string) PathSet {
	s := slices.Clone(paths)
	slices.Sort(s)
	return PathSet{paths: slices.Compact(s)}
}

// Len returns the number of paths in the set
func (s PathSet) Len() int {
	return len(s.paths)
}

// Contains reports whether p is a member of the set
func (s PathSet) Contains(p string) bool {
	_, found := slices.BinarySearch(s.paths, p)
	return found
}

// Slice returns the members in lexicographic order. The result is a copy and
// is never nil.
func (s PathSet) Slice() []string {
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// Union returns s ∪ o
func (s PathSet) Union(o PathSet) PathSet {
	out := make([]string, 0, len(s.paths)+len(o.paths))
	i, j := 0, 0
	for i < len(s.paths) && j < len(o.paths) {
		switch a, b := s.paths[i], o.paths[j]; {
		case a < b:
			out = append(out, a)
			i++
		case a > b:
			out = append(out, b)
			j++
		default:
			out = append(out, a)
			i++
			j++
		}
	}
	out = append(out, s.paths[i:]...)
	out = append(out, o.paths[j:]...)
	return PathSet{paths: out}
}

// Intersect returns s ∩ o
func (s PathSet) Intersect(o PathSet) PathSet {
	var out []string
	i, j := 0, 0
	for i < len(s.paths) && j < len(o.paths) {
		switch a, b := s.paths[i], o.paths[j]; {
		case a < b:
			i++
		case a > b:
			j++
		default:
			out = append(out, a)
			i++
			j++
		}
	}
	return PathSet{paths: out}
}

// Difference returns s − o
func (s PathSet) Difference(o PathSet) PathSet {
	var out []string
	i, j := 0, 0
	for i < len(s.paths) {
		if j >= len(o.paths) {
			out = append(out, s.paths[i:]...)
			break
		}
		switch a, b := s.paths[i], o.paths[j]; {
		case a < b:
			out = append(out, a)
			i++
		case a > b:
			j++
		default:
			i++
			j++
		}
	}
	return PathSet{paths: out}
}

// Disjoint reports whether s and o share no member
func (s PathSet) Disjoint(o PathSet) bool {
	return s.Intersect(o).Len() == 0
}

// Equal reports whether s and o hold exactly the same members
func (s PathSet) Equal(o PathSet) bool {
	return slices.Equal(s.paths, o.paths)
}
