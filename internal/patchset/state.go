package patchset

import "github.com/schaermu/patchset/internal/manifest"

// Plan represents the operations decided from the two input trees
type Plan struct {
	Delete    []string // source-only paths
	Create    []string // target-only paths
	Patch     []string // common paths whose contents differ
	Unchanged int      // common paths with identical contents
}

// Stats summarizes a generation run
type Stats struct {
	Deleted     int
	Created     int
	Patched     int
	Unchanged   int
	PatchBytes  int64 // total size of delta artifacts
	CreateBytes int64 // total size of creation artifacts
}

// Result is the outcome of a successful run
type Result struct {
	Manifest *manifest.Manifest
	Stats    Stats
}

// manifest returns the manifest describing the plan
func (p *Plan) manifest() *manifest.Manifest {
	created := make(map[string]string, len(p.Create))
	for _, rel := range p.Create {
		created[rel] = manifest.CreatePath(rel)
	}
	return manifest.New(p.Delete, created, p.Patch)
}
