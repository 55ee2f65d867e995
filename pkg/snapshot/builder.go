// Package snapshot derives a content-addressed identity for a directory tree
// and persists it so that re-embedding an unchanged tree is a no-op.
//
// A Snapshot holds a manifest (path to SHA-256, sorted by path) and an
// aggregate digest over that manifest. Identical tree contents produce the
// same digest on every platform.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asynkron/patchroot/pkg/sandbox"
)

// FormatVersion is bumped whenever the persisted layout changes.
const FormatVersion = 1

// DefaultExcludes skips version control metadata, caches and build output.
var DefaultExcludes = []string{
	".git",
	".hg",
	".svn",
	"__pycache__",
	"node_modules",
	".cache",
	"dist",
	"build",
	"*.pyc",
}

// Entry is one file of the manifest.
type Entry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest lists entries in ascending path order.
type Manifest []Entry

// Digest hashes the concatenation of path and content hash of every entry,
// in order.
func (m Manifest) Digest() string {
	h := sha256.New()
	for _, e := range m {
		io.WriteString(h, e.Path)
		io.WriteString(h, e.SHA256)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Snapshot summarizes a tree at a point in time.
type Snapshot struct {
	FormatVersion int       `json:"format_version"`
	FileCount     int       `json:"file_count"`
	SHA256        string    `json:"sha256"`
	CreatedAt     time.Time `json:"created_at"`
	Manifest      Manifest  `json:"manifest"`
}

// Meta is the externally visible part of a Snapshot.
type Meta struct {
	FileCount int       `json:"file_count"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// Meta returns the snapshot's summary fields.
func (s *Snapshot) Meta() Meta {
	if s == nil {
		return Meta{}
	}
	return Meta{FileCount: s.FileCount, SHA256: s.SHA256, CreatedAt: s.CreatedAt}
}

// ShortDigest returns the first n hex characters of the digest.
func (m Meta) ShortDigest(n int) string {
	if n <= 0 || n >= len(m.SHA256) {
		return m.SHA256
	}
	return m.SHA256[:n]
}

// SnapshotError reports a walk, hash or persistence failure. The previously
// persisted snapshot is never modified when one is returned.
type SnapshotError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *SnapshotError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path != "" {
		return fmt.Sprintf("snapshot %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("snapshot %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SnapshotError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// BuildOptions tune Build.
type BuildOptions struct {
	// Excludes are glob patterns (path.Match syntax) matched against both the
	// base name and the root-relative path of every entry. A trailing "/**"
	// excludes everything below a directory. Nil selects DefaultExcludes.
	Excludes []string
	// Concurrency bounds parallel hashing. Zero selects GOMAXPROCS.
	Concurrency int
	// Now stamps CreatedAt. Defaults to time.Now.
	Now func() time.Time
}

type pending struct {
	rel string
	abs string
}

// Build walks root depth-first in sorted order and hashes every regular file
// that is not excluded. Symlinks to files inside root are hashed under the
// link's path; links that leave root are skipped. Symlinked directories are
// skipped even when they stay inside root: their contents are already hashed
// under the real path, and not descending into them rules out link cycles.
// Build never writes.
func Build(ctx context.Context, root string, opts BuildOptions) (*Snapshot, error) {
	canonical, err := sandbox.Canonical(root)
	if err != nil {
		return nil, &SnapshotError{Op: "walk", Path: root, Err: err}
	}
	excludes := opts.Excludes
	if excludes == nil {
		excludes = DefaultExcludes
	}
	for _, pattern := range excludes {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, &SnapshotError{Op: "exclude", Path: pattern, Err: err}
		}
	}

	var files []pending
	err = filepath.WalkDir(canonical, func(abs string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if abs == canonical {
			return nil
		}
		rel, err := filepath.Rel(canonical, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excluded(excludes, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			target, ok := followLink(canonical, abs)
			if ok {
				files = append(files, pending{rel: rel, abs: target})
			}
			return nil
		case d.Type().IsRegular():
			files = append(files, pending{rel: rel, abs: abs})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &SnapshotError{Op: "walk", Path: canonical, Err: err}
	}

	manifest, err := hashAll(ctx, files, opts.Concurrency)
	if err != nil {
		return nil, err
	}
	sort.Slice(manifest, func(i, j int) bool { return manifest[i].Path < manifest[j].Path })

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	return &Snapshot{
		FormatVersion: FormatVersion,
		FileCount:     len(manifest),
		SHA256:        manifest.Digest(),
		CreatedAt:     now().UTC(),
		Manifest:      manifest,
	}, nil
}

func hashAll(ctx context.Context, files []pending, concurrency int) (Manifest, error) {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	manifest := make(Manifest, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, size, err := HashFile(f.abs)
			if err != nil {
				return &SnapshotError{Op: "hash", Path: f.rel, Err: err}
			}
			manifest[i] = Entry{Path: f.rel, SHA256: sum, Size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// HashFile returns the hex SHA-256 of a file's content and its size.
func HashFile(abs string) (string, int64, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// followLink resolves a symlink and reports whether it names a regular file
// inside root.
func followLink(root, abs string) (string, bool) {
	target, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return target, true
}

func excluded(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, pattern := range patterns {
		if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
			if rel == dir || strings.HasPrefix(rel, dir+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
