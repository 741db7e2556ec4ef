// Package reconcile partitions two tree snapshots into deleted, created and
// common paths.
package reconcile

import "github.com/schaermu/patchset/internal/tree"

// Class is the classification of a path across the source and target trees
type Class int

const (
	// Deleted paths exist only in the source tree
	Deleted Class = iota + 1
	// Created paths exist only in the target tree
	Created
	// Common paths exist in both trees
	Common
)

func (c Class) String() string {
	switch c {
	case Deleted:
		return "deleted"
	case Created:
		return "created"
	case Common:
		return "common"
	}
	return "unknown"
}

// Result holds the three disjoint partitions of source ∪ target
type Result struct {
	Deleted tree.PathSet
	Created tree.PathSet
	Common  tree.PathSet
}

// Entry is a single classified path
type Entry struct {
	Path  string
	Class Class
}

// Reconcile computes deleted = source − target, created = target − source and
// common = source ∩ target.
func Reconcile(source, target tree.PathSet) Result {
	return Result{
		Deleted: source.Difference(target),
		Created: target.Difference(source),
		Common:  source.Intersect(target),
	}
}

// Entries returns every path of source ∪ target exactly once, in
// lexicographic order, with its classification.
func (r Result) Entries() []Entry {
	all := r.Deleted.Union(r.Created).Union(r.Common).Slice()

	entries := make([]Entry, 0, len(all))
	for _, p := range all {
		class, _ := r.Classify(p)
		entries = append(entries, Entry{Path: p, Class: class})
	}
	return entries
}

// Classify returns the class of p, or false if p is in neither tree
func (r Result) Classify(p string) (Class, bool) {
	switch {
	case r.Common.Contains(p):
		return Common, true
	case r.Deleted.Contains(p):
		return Deleted, true
	case r.Created.Contains(p):
		return Created, true
	}
	return 0, false
}
