package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/asynkron/patchroot/pkg/atomicfile"
	"github.com/asynkron/patchroot/pkg/sandbox"
)

// FilesystemOptions extend Options with the writable root.
type FilesystemOptions struct {
	Options
	// Root confines every path in the patch. Defaults to the working directory.
	Root string
	// DryRun stages and validates the patch without writing anything.
	DryRun bool
}

// ApplyFilesystem applies a parsed patch below opts.Root. Either every file
// diff lands or the tree is left exactly as it was; on failure the returned
// Result lists the offending file alongside the error.
func ApplyFilesystem(ctx context.Context, p *Patch, opts FilesystemOptions) (*Result, error) {
	ws, err := newFilesystemWorkspace(opts)
	if err != nil {
		return newResult(opts.DryRun).fail("", err)
	}
	return apply(ctx, p, ws, opts.Options, opts.DryRun)
}

// ApplyFilesystemPatch parses a raw patch payload and applies it to the filesystem.
func ApplyFilesystemPatch(ctx context.Context, patchBody string, opts FilesystemOptions) (*Result, error) {
	p, err := Parse(patchBody)
	if err != nil {
		return newResult(opts.DryRun).fail("", err)
	}
	return ApplyFilesystem(ctx, p, opts)
}

type filesystemWorkspace struct {
	sandbox *sandbox.Sandbox

	// Swappable for failure injection in tests.
	writeFile func(path string, data []byte, perm fs.FileMode) error
	remove    func(path string) error
}

func newFilesystemWorkspace(opts FilesystemOptions) (*filesystemWorkspace, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		root = wd
	}
	sb, err := sandbox.New(root)
	if err != nil {
		return nil, err
	}
	return &filesystemWorkspace{
		sandbox:   sb,
		writeFile: atomicfile.WriteFile,
		remove:    os.Remove,
	}, nil
}

func (ws *filesystemWorkspace) Resolve(path string) (string, error) {
	return ws.sandbox.Resolve(path)
}

func (ws *filesystemWorkspace) Read(key, display string) (*file, error) {
	info, err := os.Stat(key)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, &IOError{Op: "stat", Path: display, Err: err}
	case info.IsDir():
		return nil, &ApplyError{
			Message: fmt.Sprintf("cannot patch %s: is a directory", display),
			Code:    CodeNotAFile,
			Path:    display,
			Hunk:    -1,
		}
	}
	content, err := os.ReadFile(key)
	if err != nil {
		return nil, &IOError{Op: "read", Path: display, Err: err}
	}
	return &file{content: content, mode: info.Mode()}, nil
}

// Commit writes the staged changes in order, recording an undo step for each
// one. The first failure replays the undo steps in reverse.
func (ws *filesystemWorkspace) Commit(changes []*change) error {
	var undo []func() error
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			_ = undo[i]()
		}
	}

	for _, ch := range changes {
		var err error
		if ch.kind == changeDelete {
			err = ws.removeFile(ch, &undo)
		} else {
			err = ws.writeChange(ch, &undo)
			if err == nil && ch.from != nil && ch.from.key != ch.key {
				err = ws.removeFile(ch.from, &undo)
			}
		}
		if err != nil {
			rollback()
			return err
		}
	}
	return nil
}

func (ws *filesystemWorkspace) writeChange(ch *change, undo *[]func() error) error {
	created, err := mkdirs(filepath.Dir(ch.key))
	if len(created) > 0 {
		*undo = append(*undo, func() error {
			for _, dir := range created {
				_ = os.Remove(dir)
			}
			return nil
		})
	}
	if err != nil {
		return &IOError{Op: "mkdir", Path: ch.path, Err: err}
	}

	if err := ws.writeFile(ch.key, ch.content, keepMode(ch.mode)); err != nil {
		return &IOError{Op: "write", Path: ch.path, Err: err}
	}
	if ch.existed {
		original, mode := ch.original, ch.mode
		*undo = append(*undo, func() error {
			return atomicfile.WriteFile(ch.key, original, keepMode(mode))
		})
	} else {
		*undo = append(*undo, func() error {
			return os.Remove(ch.key)
		})
	}
	return nil
}

func (ws *filesystemWorkspace) removeFile(ch *change, undo *[]func() error) error {
	if err := ws.remove(ch.key); err != nil {
		return &IOError{Op: "remove", Path: ch.path, Err: err}
	}
	*undo = append(*undo, func() error {
		if err := os.MkdirAll(filepath.Dir(ch.key), 0o755); err != nil {
			return err
		}
		return atomicfile.WriteFile(ch.key, ch.original, keepMode(ch.mode))
	})
	return nil
}

// mkdirs creates dir and any missing parents. It returns the directories it
// created, deepest first, so they can be removed again in that order.
func mkdirs(dir string) ([]string, error) {
	var missing []string
	for current := dir; ; {
		if _, err := os.Stat(current); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		missing = append(missing, current)
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	if len(missing) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return missing, err
	}
	return missing, nil
}

// keepMode retains permission and special bits; zero means a new file.
func keepMode(mode fs.FileMode) fs.FileMode {
	kept := mode & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
	if kept == 0 {
		return atomicfile.DefaultPerm
	}
	return kept
}
