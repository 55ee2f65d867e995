package patch

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/asynkron/patchroot/pkg/sandbox"
)

// ApplyToMemory applies a patch to an in-memory document store keyed by
// forward-slash relative paths. The provided map is never mutated; the
// updated copy is returned on success. Keys are normalized the same way
// patch paths are, so "./a.txt" and "a.txt" name the same document.
func ApplyToMemory(ctx context.Context, p *Patch, files map[string]string, opts Options) (map[string]string, *Result, error) {
	snapshot := make(map[string]string, len(files))
	for k, v := range files {
		snapshot[memoryKey(k)] = v
	}
	ws := &memoryWorkspace{files: snapshot}
	result, err := apply(ctx, p, ws, opts, false)
	if err != nil {
		return nil, result, err
	}
	return ws.files, result, nil
}

// ApplyMemoryPatch parses a raw patch payload and applies it to an in-memory map of files.
func ApplyMemoryPatch(ctx context.Context, patchBody string, files map[string]string, opts Options) (map[string]string, *Result, error) {
	p, err := Parse(patchBody)
	if err != nil {
		result, err := newResult(false).fail("", err)
		return nil, result, err
	}
	return ApplyToMemory(ctx, p, files, opts)
}

type memoryWorkspace struct {
	files map[string]string
}

func memoryKey(p string) string {
	return path.Clean(strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(p)), "/"))
}

func (ws *memoryWorkspace) Resolve(requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return "", sandbox.ErrEmptyPath
	}
	key := memoryKey(requested)
	if key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return "", &sandbox.PathEscapeError{Root: ".", Requested: requested, Resolved: key}
	}
	return key, nil
}

func (ws *memoryWorkspace) Read(key, _ string) (*file, error) {
	content, ok := ws.files[key]
	if !ok {
		return nil, nil
	}
	return &file{content: []byte(content), mode: 0o644}, nil
}

func (ws *memoryWorkspace) Commit(changes []*change) error {
	for _, ch := range changes {
		if ch.from != nil {
			delete(ws.files, ch.from.key)
		}
		if ch.kind == changeDelete {
			delete(ws.files, ch.key)
			continue
		}
		ws.files[ch.key] = string(ch.content)
	}
	return nil
}
