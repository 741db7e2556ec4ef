// Package patchset generates a patch bundle that turns a source tree into a
// target tree.
package patchset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/patchset/internal/config"
	"github.com/schaermu/patchset/internal/delta"
	"github.com/schaermu/patchset/internal/digest"
	"github.com/schaermu/patchset/internal/manifest"
	"github.com/schaermu/patchset/internal/reconcile"
	"github.com/schaermu/patchset/internal/sink"
	"github.com/schaermu/patchset/internal/tree"
)

// Authorizer decides whether an existing output root may be removed
type Authorizer interface {
	AuthorizeOverwrite(path string) (bool, error)
}

// AuthorizeFunc adapts a function to the Authorizer interface
type AuthorizeFunc func(path string) (bool, error)

// AuthorizeOverwrite calls f(path)
func (f AuthorizeFunc) AuthorizeOverwrite(path string) (bool, error) {
	return f(path)
}

var (
	// AlwaysAuthorize allows removing any existing output root
	AlwaysAuthorize = AuthorizeFunc(func(string) (bool, error) { return true, nil })
	// NeverAuthorize refuses to remove an existing output root
	NeverAuthorize = AuthorizeFunc(func(string) (bool, error) { return false, nil })
)

// Engine orchestrates patchset generation
type Engine struct {
	cfg    *config.Config
	fs     afero.Fs
	differ delta.Differ
	auth   Authorizer
	logger *slog.Logger
	dryRun bool
}

// NewEngine creates a new generation engine. A nil Authorizer never
// authorizes removing an existing output root.
func NewEngine(cfg *config.Config, fs afero.Fs, differ delta.Differ, auth Authorizer, logger *slog.Logger, dryRun bool) *Engine {
	if auth == nil {
		auth = NeverAuthorize
	}
	return &Engine{
		cfg:    cfg,
		fs:     fs,
		differ: differ,
		auth:   auth,
		logger: logger,
		dryRun: dryRun,
	}
}

// Run executes the complete generation process. Either the whole bundle is
// written, or the run fails and no output root is left behind.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.logger.Info("starting patchset generation",
		"source", e.cfg.Paths.Source,
		"target", e.cfg.Paths.Target,
		"output", e.cfg.Paths.Output,
		"workers", e.cfg.Generate.Workers,
		"dry_run", e.dryRun)

	// Decide everything that only depends on the inputs before touching the output
	plan, err := e.buildPlan(ctx)
	if err != nil {
		return nil, err
	}

	e.logger.Info("patchset plan",
		"delete", len(plan.Delete),
		"create", len(plan.Create),
		"patch", len(plan.Patch),
		"unchanged", plan.Unchanged)

	if e.dryRun {
		e.logPlanDetails(plan)
	}

	out := sink.New(e.fs, e.cfg.Paths.Output, e.dryRun, e.logger)
	if err := e.prepareOutput(out); err != nil {
		return nil, err
	}

	result, err := e.applyPlan(ctx, out, plan)
	if err != nil {
		if derr := out.Discard(); derr != nil {
			e.logger.Error("failed to discard incomplete output", "output", out.Root(), "error", derr)
		}
		return nil, err
	}

	if e.dryRun {
		e.logger.Info("dry-run complete, no changes written", "output", out.Root())
	} else {
		e.logger.Info("patch created",
			"output", out.Root(),
			"patch_bytes", humanize.Bytes(uint64(result.Stats.PatchBytes)),
			"create_bytes", humanize.Bytes(uint64(result.Stats.CreateBytes)))
	}
	return result, nil
}

// buildPlan scans both trees, reconciles them and decides which common
// files need a delta.
func (e *Engine) buildPlan(ctx context.Context) (*Plan, error) {
	scanner := tree.NewScanner(e.fs, e.cfg.Generate.Exclude, e.logger)

	source, err := scanner.Scan(e.cfg.Paths.Source)
	if err != nil {
		return nil, newError(KindScan, e.cfg.Paths.Source, err)
	}
	target, err := scanner.Scan(e.cfg.Paths.Target)
	if err != nil {
		return nil, newError(KindScan, e.cfg.Paths.Target, err)
	}

	e.logger.Info("scanned trees", "source_files", source.Paths.Len(), "target_files", target.Paths.Len())

	plan := &Plan{
		Delete: make([]string, 0),
		Create: make([]string, 0),
		Patch:  make([]string, 0),
	}

	var common []string
	for _, entry := range reconcile.Reconcile(source.Paths, target.Paths).Entries() {
		switch entry.Class {
		case reconcile.Deleted:
			plan.Delete = append(plan.Delete, entry.Path)
		case reconcile.Created:
			plan.Create = append(plan.Create, entry.Path)
		case reconcile.Common:
			common = append(common, entry.Path)
		}
	}

	changed, err := e.changedFiles(ctx, common)
	if err != nil {
		return nil, err
	}
	plan.Patch = changed
	plan.Unchanged = len(common) - len(changed)

	collisions := manifest.Collisions(plan.Patch)
	if names := slices.Sorted(maps.Keys(collisions)); len(names) > 0 {
		return nil, newError(KindOutputConflict, collisions[names[0]][0],
			fmt.Errorf("patched files %v would share artifact %s", collisions[names[0]], names[0]))
	}

	// Reject plans the manifest cannot represent before the output is touched
	if err := plan.manifest().Validate(); err != nil {
		return nil, newError(KindSerialization, manifest.FileName, err)
	}

	return plan, nil
}

// changedFiles hashes every common pair on the worker pool and returns the
// paths whose contents differ, in input order.
func (e *Engine) changedFiles(ctx context.Context, common []string) ([]string, error) {
	differs := make([]bool, len(common))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Generate.Workers)
	for i, rel := range common {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			same, err := e.sameContent(rel)
			if err != nil {
				return err
			}
			differs[i] = !same
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changed := make([]string, 0)
	for i, rel := range common {
		if differs[i] {
			changed = append(changed, rel)
		}
	}
	return changed, nil
}

// sameContent compares the digests of rel in the source and target trees
func (e *Engine) sameContent(rel string) (bool, error) {
	srcPath := tree.Join(e.cfg.Paths.Source, rel)
	dstPath := tree.Join(e.cfg.Paths.Target, rel)

	a, err := digest.File(e.fs, srcPath)
	if err != nil {
		return false, newError(KindRead, srcPath, err)
	}
	b, err := digest.File(e.fs, dstPath)
	if err != nil {
		return false, newError(KindRead, dstPath, err)
	}

	if a == b {
		e.logger.Debug("file unchanged", "file", rel, "sha256", a.String())
		return true, nil
	}
	return false, nil
}

// prepareOutput obtains authorization for an existing output root and
// readies the staging layout.
func (e *Engine) prepareOutput(out *sink.Sink) error {
	exists, err := out.Exists()
	if err != nil {
		return newError(KindWrite, out.Root(), err)
	}

	authorized := false
	if exists && !e.dryRun {
		authorized, err = e.auth.AuthorizeOverwrite(out.Root())
		if err != nil {
			return newError(KindOutputConflict, out.Root(), fmt.Errorf("failed to authorize removal: %w", err))
		}
	}

	if err := out.Prepare(authorized); err != nil {
		if errors.Is(err, sink.ErrOutputExists) {
			return newError(KindOutputConflict, out.Root(), err)
		}
		return newError(KindWrite, out.Root(), err)
	}
	return nil
}

// applyPlan stages every artifact and writes the manifest last
func (e *Engine) applyPlan(ctx context.Context, out *sink.Sink, plan *Plan) (*Result, error) {
	patchSizes := make([]int64, len(plan.Patch))
	createSizes := make([]int64, len(plan.Create))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Generate.Workers)
	for i, rel := range plan.Patch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := e.generatePatch(out, rel)
			patchSizes[i] = n
			return err
		})
	}
	for i, rel := range plan.Create {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := e.packageCreation(out, rel)
			createSizes[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := plan.manifest()

	e.logger.Info("generating manifest file")
	if err := m.Validate(); err != nil {
		return nil, newError(KindSerialization, manifest.FileName, err)
	}
	data, err := m.Marshal()
	if err != nil {
		return nil, newError(KindSerialization, manifest.FileName, err)
	}
	if err := out.WriteFile(manifest.FileName, data); err != nil {
		return nil, newError(KindSerialization, manifest.FileName, err)
	}

	stats := Stats{
		Deleted:   len(plan.Delete),
		Created:   len(plan.Create),
		Patched:   len(plan.Patch),
		Unchanged: plan.Unchanged,
	}
	for _, n := range patchSizes {
		stats.PatchBytes += n
	}
	for _, n := range createSizes {
		stats.CreateBytes += n
	}

	return &Result{Manifest: m, Stats: stats}, nil
}

// generatePatch computes and stages the delta artifact for one changed file
func (e *Engine) generatePatch(out *sink.Sink, rel string) (int64, error) {
	e.logger.Info("generating bsdiff patch", "file", rel)

	srcPath := tree.Join(e.cfg.Paths.Source, rel)
	dstPath := tree.Join(e.cfg.Paths.Target, rel)

	oldData, err := afero.ReadFile(e.fs, srcPath)
	if err != nil {
		return 0, newError(KindRead, srcPath, err)
	}
	newData, err := afero.ReadFile(e.fs, dstPath)
	if err != nil {
		return 0, newError(KindRead, dstPath, err)
	}

	patch, err := e.differ.Diff(oldData, newData)
	if err != nil {
		return 0, newError(KindDelta, rel, err)
	}

	if err := out.WriteFile(manifest.PatchPath(rel), patch); err != nil {
		return 0, newError(KindWrite, manifest.PatchPath(rel), err)
	}

	e.logger.Debug("patch generated",
		"file", rel,
		"artifact", manifest.PatchPath(rel),
		"old_size", humanize.Bytes(uint64(len(oldData))),
		"new_size", humanize.Bytes(uint64(len(newData))),
		"patch_size", humanize.Bytes(uint64(len(patch))))

	return int64(len(patch)), nil
}

// packageCreation stages a verbatim copy of a target-only file
func (e *Engine) packageCreation(out *sink.Sink, rel string) (int64, error) {
	e.logger.Info("generating creation patch", "file", rel)

	srcPath := tree.Join(e.cfg.Paths.Target, rel)
	n, err := out.CopyFile(e.fs, srcPath, manifest.CreatePath(rel), e.cfg.PreserveMetadata())
	if err != nil {
		if sink.IsReadError(err) {
			return 0, newError(KindRead, srcPath, err)
		}
		return 0, newError(KindWrite, manifest.CreatePath(rel), err)
	}
	return n, nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, rel := range plan.Delete {
		e.logger.Info("[dry-run] would delete", "file", rel)
	}
	for _, rel := range plan.Create {
		e.logger.Info("[dry-run] would create", "file", rel, "artifact", manifest.CreatePath(rel))
	}
	for _, rel := range plan.Patch {
		e.logger.Info("[dry-run] would patch", "file", rel, "artifact", manifest.PatchPath(rel))
	}
}
