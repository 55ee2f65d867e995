// Package rootlock serializes writers per root directory.
//
// Every root (after symlink resolution) gets one in-process RWMutex. Writers
// additionally hold an advisory file lock on <root>/<state dir>/.lock so that
// separate processes sharing a root are serialized too. Readers take the
// shared side of both.
package rootlock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/asynkron/patchroot/pkg/sandbox"
	"github.com/asynkron/patchroot/pkg/snapshot"
)

// LockFile is the advisory lock file inside the state directory.
const LockFile = ".lock"

// Unlock releases a lock. Calling it more than once is harmless.
type Unlock func()

// Registry hands out per-root locks. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	stateDir string

	mu    sync.Mutex
	roots map[string]*sync.RWMutex
}

// NewRegistry returns a registry that keeps its lock file in stateDir,
// relative to each root. An empty stateDir selects snapshot.DefaultStateDir.
func NewRegistry(stateDir string) *Registry {
	if strings.TrimSpace(stateDir) == "" {
		stateDir = snapshot.DefaultStateDir
	}
	return &Registry{stateDir: stateDir, roots: make(map[string]*sync.RWMutex)}
}

// Lock takes exclusive ownership of root, blocking until every other reader
// and writer has released it.
func (r *Registry) Lock(root string) (Unlock, error) {
	canonical, mu, err := r.mutex(root)
	if err != nil {
		return nil, err
	}
	mu.Lock()

	f, err := r.openLockFile(canonical, true)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if err := lockFile(f, true); err != nil {
		_ = f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("rootlock: lock %s: %w", f.Name(), err)
	}
	return release(func() {
		_ = unlockFile(f)
		_ = f.Close()
		mu.Unlock()
	}), nil
}

// RLock takes shared ownership of root. Readers run concurrently with each
// other but never alongside a writer.
func (r *Registry) RLock(root string) (Unlock, error) {
	canonical, mu, err := r.mutex(root)
	if err != nil {
		return nil, err
	}
	mu.RLock()

	// No lock file means no writer has ever run against this root; readers
	// never create it so read-only trees stay untouched.
	f, err := r.openLockFile(canonical, false)
	if err != nil {
		mu.RUnlock()
		return nil, err
	}
	if f == nil {
		return release(mu.RUnlock), nil
	}
	if err := lockFile(f, false); err != nil {
		_ = f.Close()
		mu.RUnlock()
		return nil, fmt.Errorf("rootlock: rlock %s: %w", f.Name(), err)
	}
	return release(func() {
		_ = unlockFile(f)
		_ = f.Close()
		mu.RUnlock()
	}), nil
}

func (r *Registry) mutex(root string) (string, *sync.RWMutex, error) {
	canonical, err := sandbox.Canonical(root)
	if err != nil {
		return "", nil, fmt.Errorf("rootlock: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.roots[canonical]
	if !ok {
		mu = &sync.RWMutex{}
		r.roots[canonical] = mu
	}
	return canonical, mu, nil
}

func (r *Registry) openLockFile(root string, create bool) (*os.File, error) {
	// The state dir is always root-relative, as it is for snapshot.Store.
	dir := filepath.Join(root, r.stateDir)
	path := filepath.Join(dir, LockFile)
	if !create {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("rootlock: open %s: %w", path, err)
		}
		return f, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rootlock: create %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rootlock: open %s: %w", path, err)
	}
	return f, nil
}

func release(fn func()) Unlock {
	var once sync.Once
	return func() { once.Do(fn) }
}
