// Package workspace exposes the two top-level operations of patchroot:
// applying a patch below the write root and keeping the embedded snapshot of
// that root current. Both run under the root's exclusive lock.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/asynkron/patchroot/internal/config"
	"github.com/asynkron/patchroot/internal/diag"
	"github.com/asynkron/patchroot/internal/rootlock"
	"github.com/asynkron/patchroot/pkg/patch"
	"github.com/asynkron/patchroot/pkg/sandbox"
	"github.com/asynkron/patchroot/pkg/snapshot"
)

// digestPrefixLen is how much of a digest is logged.
const digestPrefixLen = 12

// Options carries the collaborators of a Service. Nil fields get no-op or
// fresh defaults.
type Options struct {
	Logger  diag.Logger
	Metrics diag.Metrics
	// Locks may be shared between services that touch the same roots.
	Locks *rootlock.Registry
}

func (o *Options) setDefaults(cfg config.Config) {
	if o.Logger == nil {
		o.Logger = &diag.NoOpLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = &diag.NoOpMetrics{}
	}
	if o.Locks == nil {
		o.Locks = rootlock.NewRegistry(cfg.StateDir)
	}
}

// Service applies patches and maintains snapshots for one configured root.
type Service struct {
	cfg     config.Config
	logger  diag.Logger
	metrics diag.Metrics
	locks   *rootlock.Registry
}

// New validates cfg and returns a Service bound to it.
func New(cfg config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts.setDefaults(cfg)
	return &Service{
		cfg:     cfg,
		logger:  opts.Logger.WithFields(diag.Field("write_root", cfg.WriteRoot)),
		metrics: opts.Metrics,
		locks:   opts.Locks,
	}, nil
}

// Config returns the configuration the service was built with.
func (s *Service) Config() config.Config { return s.cfg }

// Request is one apply_patch call.
type Request struct {
	// Patch is the unified diff text.
	Patch string
	// Root narrows the target directory. It is resolved inside the write
	// root; empty means the write root itself.
	Root   string
	DryRun bool
}

// ApplyPatch parses req.Patch and applies it below the request root. The
// patch is fully parsed before the lock is taken, so a ParseError never
// touches the tree. On failure the returned Result names the offending path
// and the tree is as it was before the call.
func (s *Service) ApplyPatch(ctx context.Context, req Request) (*patch.Result, error) {
	ctx = diag.EnsureTraceID(ctx)
	start := time.Now()
	reject := func(path string, err error) (*patch.Result, error) {
		s.metrics.RecordApply(time.Since(start), false, diag.FileChanges{})
		return &patch.Result{
			Applied: []string{},
			Created: []string{},
			Deleted: []string{},
			Errors:  []patch.FileError{{Path: path, Reason: err.Error()}},
			DryRun:  req.DryRun,
		}, err
	}

	root, err := s.requestRoot(req.Root)
	if err != nil {
		s.logger.Warn(ctx, "patch root rejected", diag.Field("root", req.Root), diag.Field("error", err))
		return reject(req.Root, err)
	}
	logger := s.logger.WithFields(diag.Field("root", root), diag.Field("dry_run", req.DryRun))

	parsed, err := patch.Parse(req.Patch)
	if err != nil {
		logger.Warn(ctx, "patch rejected", diag.Field("error", err))
		return reject("", err)
	}
	logger.Debug(ctx, "applying patch", diag.Field("files", len(parsed.Files)))

	// The write root is locked even when the request narrows the root, so
	// applies never overlap a snapshot of the enclosing tree. Dry runs only
	// read, so they share the lock with other readers.
	acquire := s.locks.Lock
	if req.DryRun {
		acquire = s.locks.RLock
	}
	unlock, err := acquire(s.cfg.WriteRoot)
	if err != nil {
		logger.Error(ctx, "failed to lock root", err)
		return reject("", fmt.Errorf("lock %s: %w", s.cfg.WriteRoot, err))
	}
	defer unlock()

	result, err := patch.ApplyFilesystem(ctx, parsed, patch.FilesystemOptions{
		Options: s.cfg.PatchOptions(),
		Root:    root,
		DryRun:  req.DryRun,
	})
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.RecordApply(elapsed, false, diag.FileChanges{})
		if !req.DryRun && rolledBack(err) {
			s.metrics.RecordRollback()
			logger.Warn(ctx, "patch rolled back", diag.Field("error", err))
		}
		logger.Error(ctx, "patch failed", err, diag.Field("duration", elapsed))
		return result, err
	}

	s.metrics.RecordApply(elapsed, true, diag.FileChanges{
		Created:  len(result.Created),
		Modified: len(result.Applied),
		Deleted:  len(result.Deleted),
	})
	logger.Info(ctx, "patch applied",
		diag.Field("created", len(result.Created)),
		diag.Field("modified", len(result.Applied)),
		diag.Field("deleted", len(result.Deleted)),
		diag.Field("duration", elapsed),
	)
	return result, nil
}

// requestRoot maps a request root onto a directory inside the write root.
func (s *Service) requestRoot(requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return sandbox.Canonical(s.cfg.WriteRoot)
	}
	return sandbox.Resolve(s.cfg.WriteRoot, requested)
}

// rolledBack reports whether err came from the commit phase, after which the
// already written files were restored.
func rolledBack(err error) bool {
	var ioErr *patch.IOError
	if !errors.As(err, &ioErr) {
		return false
	}
	switch ioErr.Op {
	case "write", "remove", "mkdir":
		return true
	}
	return false
}

// EnsureEmbeddedSnapshot rebuilds the snapshot of the write root and persists
// it when the tree changed since the last one. On error the returned Meta
// describes the snapshot still in place, if any.
func (s *Service) EnsureEmbeddedSnapshot(ctx context.Context) (bool, snapshot.Meta, error) {
	ctx = diag.EnsureTraceID(ctx)
	start := time.Now()

	store, err := snapshot.NewStore(s.cfg.WriteRoot, s.cfg.StoreOptions())
	if err != nil {
		s.metrics.RecordEnsure(time.Since(start), diag.EnsureFailed)
		return false, snapshot.Meta{}, err
	}

	unlock, err := s.locks.Lock(store.Root())
	if err != nil {
		s.metrics.RecordEnsure(time.Since(start), diag.EnsureFailed)
		return false, snapshot.Meta{}, fmt.Errorf("lock %s: %w", store.Root(), err)
	}
	defer unlock()

	changed, snap, err := store.Ensure(ctx)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.RecordEnsure(elapsed, diag.EnsureFailed)
		return false, snap.Meta(), err
	}

	meta := snap.Meta()
	outcome := diag.EnsureUnchanged
	if changed {
		outcome = diag.EnsureChanged
	}
	s.metrics.RecordEnsure(elapsed, outcome)
	s.logger.Debug(ctx, "snapshot ensured",
		diag.Field("changed", changed),
		diag.Field("files", meta.FileCount),
		diag.Field("sha256", meta.ShortDigest(digestPrefixLen)),
		diag.Field("duration", elapsed),
	)
	return changed, meta, nil
}

// Build snapshots the write root without persisting it. It holds the shared
// side of the root lock, so it never observes a tree mid-patch.
func (s *Service) Build(ctx context.Context) (*snapshot.Snapshot, error) {
	store, err := snapshot.NewStore(s.cfg.WriteRoot, s.cfg.StoreOptions())
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.RLock(store.Root())
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", store.Root(), err)
	}
	defer unlock()
	return store.Build(ctx)
}

// Startup runs the startup hook: when AutoSnapshot is set it ensures the
// embedded snapshot and logs the outcome. Failures are logged as warnings and
// never returned.
func (s *Service) Startup(ctx context.Context) {
	ctx = diag.EnsureTraceID(ctx)
	if !s.cfg.AutoSnapshot {
		s.logger.Debug(ctx, "auto snapshot disabled")
		return
	}
	changed, meta, err := s.EnsureEmbeddedSnapshot(ctx)
	switch {
	case err != nil:
		s.logger.Warn(ctx, "embedded snapshot not updated", diag.Field("error", err))
	case changed:
		s.logger.Info(ctx, "embedded snapshot updated",
			diag.Field("sha256", meta.ShortDigest(digestPrefixLen)),
			diag.Field("files", meta.FileCount),
		)
	default:
		s.logger.Info(ctx, "embedded snapshot unchanged", diag.Field("sha256", meta.ShortDigest(digestPrefixLen)))
	}
}
