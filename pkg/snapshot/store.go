package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/asynkron/patchroot/pkg/atomicfile"
	"github.com/asynkron/patchroot/pkg/sandbox"
)

// Persisted layout below the state directory.
const (
	DefaultStateDir = ".embedded"
	ManifestFile    = "snapshot.json"
	ArchiveFile     = "snapshot.zip"
)

// StoreOptions configure a Store.
type StoreOptions struct {
	// StateDir is where snapshot.json (and snapshot.zip) live, relative to
	// the root. It must stay inside the root and is always excluded from the
	// snapshot itself.
	StateDir string
	Build    BuildOptions
	// SkipArchive disables the snapshot.zip artifact.
	SkipArchive bool
}

// Store persists the snapshot of one root.
type Store struct {
	root        string
	dir         string
	build       BuildOptions
	skipArchive bool
}

// NewStore binds a store to root. The state directory is created lazily on
// the first write.
func NewStore(root string, opts StoreOptions) (*Store, error) {
	sb, err := sandbox.New(root)
	if err != nil {
		return nil, &SnapshotError{Op: "open", Path: root, Err: err}
	}
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	dir, err := sb.Resolve(stateDir)
	if err != nil {
		return nil, &SnapshotError{Op: "open", Path: stateDir, Err: err}
	}
	if dir == sb.Root() {
		return nil, &SnapshotError{Op: "open", Path: stateDir, Err: errors.New("state directory must not be the root itself")}
	}

	build := opts.Build
	excludes := build.Excludes
	if excludes == nil {
		excludes = DefaultExcludes
	}
	// Writing the snapshot must not change the digest it records.
	build.Excludes = append(append([]string{}, excludes...), sb.Rel(dir)+"/**")

	return &Store{root: sb.Root(), dir: dir, build: build, skipArchive: opts.SkipArchive}, nil
}

// Root returns the canonical root.
func (s *Store) Root() string { return s.root }

// Dir returns the absolute state directory.
func (s *Store) Dir() string { return s.dir }

// Build snapshots the root with the store's options, without persisting.
func (s *Store) Build(ctx context.Context) (*Snapshot, error) {
	return Build(ctx, s.root, s.build)
}

// Load reads the persisted snapshot. It returns (nil, nil) when none exists
// and an error wrapping ErrCorrupt when the file fails validation.
func (s *Store) Load() (*Snapshot, error) {
	path := filepath.Join(s.dir, ManifestFile)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &SnapshotError{Op: "load", Path: path, Err: err}
	}
	if err := validateDocument(raw); err != nil {
		return nil, &SnapshotError{Op: "load", Path: path, Err: err}
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, &SnapshotError{Op: "load", Path: path, Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	if snap.FileCount != len(snap.Manifest) || snap.Manifest.Digest() != snap.SHA256 {
		return nil, &SnapshotError{Op: "load", Path: path, Err: fmt.Errorf("%w: digest does not match manifest", ErrCorrupt)}
	}
	return &snap, nil
}

// Ensure rebuilds the snapshot and persists it when its digest differs from
// the stored one. An unchanged tree causes no write and returns the stored
// snapshot. A corrupt stored snapshot is replaced. On any error the stored
// snapshot is left as it was.
func (s *Store) Ensure(ctx context.Context) (bool, *Snapshot, error) {
	prev, err := s.Load()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return false, nil, err
	}

	fresh, err := s.Build(ctx)
	if err != nil {
		return false, prev, err
	}
	if prev != nil && prev.SHA256 == fresh.SHA256 {
		return false, prev, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return false, prev, &SnapshotError{Op: "persist", Path: s.dir, Err: err}
	}
	// The archive goes first: snapshot.json is the commit point, so a failure
	// before it is written leaves the previous snapshot authoritative.
	if !s.skipArchive {
		archivePath := filepath.Join(s.dir, ArchiveFile)
		err := atomicfile.Write(archivePath, 0o644, func(w io.Writer) error {
			return WriteArchive(ctx, w, s.root, fresh)
		})
		if err != nil {
			return false, prev, wrapPersist(archivePath, err)
		}
	}

	raw, err := json.MarshalIndent(fresh, "", "  ")
	if err != nil {
		return false, prev, &SnapshotError{Op: "persist", Path: ManifestFile, Err: err}
	}
	manifestPath := filepath.Join(s.dir, ManifestFile)
	if err := atomicfile.WriteFile(manifestPath, append(raw, '\n'), 0o644); err != nil {
		return false, prev, wrapPersist(manifestPath, err)
	}
	return true, fresh, nil
}

func wrapPersist(path string, err error) error {
	var se *SnapshotError
	if errors.As(err, &se) {
		return err
	}
	return &SnapshotError{Op: "persist", Path: path, Err: err}
}
