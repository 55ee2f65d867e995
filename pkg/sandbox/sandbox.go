// Package sandbox confines file paths to a root directory.
//
// Requested paths are treated as root-relative, cleaned, and resolved through
// any symbolic links before the containment check, so a link that points
// outside the root is rejected just like a literal "../" traversal.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxLinkHops bounds symlink resolution for dangling or looping links.
const maxLinkHops = 40

// PathEscapeError reports a requested path that resolves outside the root.
type PathEscapeError struct {
	Root      string
	Requested string
	Resolved  string
}

// Error implements the error interface.
func (e *PathEscapeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Resolved != "" {
		return fmt.Sprintf("path %q escapes root %s (resolves to %s)", e.Requested, e.Root, e.Resolved)
	}
	return fmt.Sprintf("path %q escapes root %s", e.Requested, e.Root)
}

// ErrEmptyPath is returned when the requested path is blank.
var ErrEmptyPath = errors.New("sandbox: empty path")

// Sandbox resolves paths against a canonical root directory.
type Sandbox struct {
	root string
}

// New canonicalizes root (absolute, symlinks resolved) and returns a Sandbox
// bound to it. The root must exist.
func New(root string) (*Sandbox, error) {
	canonical, err := Canonical(root)
	if err != nil {
		return nil, err
	}
	return &Sandbox{root: canonical}, nil
}

// Canonical returns the absolute, symlink-free form of an existing directory.
func Canonical(root string) (string, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return "", errors.New("sandbox: empty root")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve root %q: %w", trimmed, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve root %q: %w", trimmed, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("sandbox: stat root %q: %w", trimmed, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("sandbox: root %q is not a directory", trimmed)
	}
	return resolved, nil
}

// Root returns the canonical root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps requested onto an absolute path inside the root.
//
// A single leading separator is stripped so "/src/a.go" means "<root>/src/a.go".
// An absolute path that already lies inside the root is accepted as-is; any
// other absolute path is checked verbatim and therefore rejected unless it
// resolves inside the root. Symlinks along the path, including a final
// dangling link, are followed before the containment check.
func (s *Sandbox) Resolve(requested string) (string, error) {
	trimmed := strings.TrimSpace(requested)
	if trimmed == "" {
		return "", ErrEmptyPath
	}

	var candidate string
	native := filepath.FromSlash(trimmed)
	switch {
	case filepath.IsAbs(native) && within(s.root, filepath.Clean(native)):
		candidate = filepath.Clean(native)
	default:
		rel := strings.TrimPrefix(native, string(filepath.Separator))
		if filepath.Separator != '/' {
			rel = strings.TrimPrefix(rel, "/")
		}
		if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
			candidate = filepath.Clean(rel)
		} else {
			candidate = filepath.Join(s.root, rel)
		}
	}

	if !within(s.root, candidate) {
		return "", &PathEscapeError{Root: s.root, Requested: requested, Resolved: candidate}
	}

	resolved, err := resolveLinks(candidate, 0)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve %q: %w", requested, err)
	}
	if !within(s.root, resolved) {
		return "", &PathEscapeError{Root: s.root, Requested: requested, Resolved: resolved}
	}
	return resolved, nil
}

// Rel returns abs relative to the root using forward slashes.
func (s *Sandbox) Rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// Resolve is a convenience wrapper around New(root).Resolve(requested).
func Resolve(root, requested string) (string, error) {
	sb, err := New(root)
	if err != nil {
		return "", err
	}
	return sb.Resolve(requested)
}

// resolveLinks evaluates symlinks on the longest existing prefix of path and
// re-appends the components that do not exist yet.
func resolveLinks(path string, hops int) (string, error) {
	if hops > maxLinkHops {
		return "", errors.New("too many levels of symbolic links")
	}

	var missing []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return joinMissing(resolved, missing), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		// A dangling link still has to be followed: its target decides where
		// a write would land.
		if info, lerr := os.Lstat(current); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			target, rerr := os.Readlink(current)
			if rerr != nil {
				return "", rerr
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(current), target)
			}
			resolved, rerr := resolveLinks(filepath.Clean(target), hops+1)
			if rerr != nil {
				return "", rerr
			}
			return joinMissing(resolved, missing), nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return joinMissing(current, missing), nil
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}

func joinMissing(base string, missing []string) string {
	parts := make([]string, 0, len(missing)+1)
	parts = append(parts, base)
	for i := len(missing) - 1; i >= 0; i-- {
		parts = append(parts, missing[i])
	}
	return filepath.Join(parts...)
}

// within reports whether path equals root or is one of its descendants.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
