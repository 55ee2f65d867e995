package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := New(t.TempDir())
	require.NoError(t, err)
	return sb
}

func TestResolveKeepsRelativePathsInsideRoot(t *testing.T) {
	t.Parallel()

	sb := newSandbox(t)
	got, err := sb.Resolve("src/new.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(sb.Root(), "src", "new.txt"), got)
	require.Equal(t, "src/new.txt", sb.Rel(got))
}

func TestResolveStripsSingleLeadingSeparator(t *testing.T) {
	t.Parallel()

	sb := newSandbox(t)
	got, err := sb.Resolve("/src/a.go")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(sb.Root(), "src", "a.go"), got)
}

func TestResolveAcceptsAbsolutePathInsideRoot(t *testing.T) {
	t.Parallel()

	sb := newSandbox(t)
	inside := filepath.Join(sb.Root(), "pkg", "file.go")
	got, err := sb.Resolve(inside)
	require.NoError(t, err)
	require.Equal(t, inside, got)
}

func TestResolveCollapsesDotSegmentsThatStayInside(t *testing.T) {
	t.Parallel()

	sb := newSandbox(t)
	got, err := sb.Resolve("a/./b/../c.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(sb.Root(), "a", "c.txt"), got)
}

func TestResolveRejectsTraversal(t *testing.T) {
	t.Parallel()

	sb := newSandbox(t)
	for _, requested := range []string{
		"../../etc/passwd",
		"..",
		"src/../../outside.txt",
		"./a/b/../../../x",
	} {
		_, err := sb.Resolve(requested)
		var escape *PathEscapeError
		require.Truef(t, errors.As(err, &escape), "expected PathEscapeError for %q, got %v", requested, err)
		require.Equal(t, requested, escape.Requested)
	}
}

func TestResolveRejectsAbsoluteOverride(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("POSIX absolute paths")
	}

	sb := newSandbox(t)
	_, err := sb.Resolve("//etc/passwd")
	var escape *PathEscapeError
	require.ErrorAs(t, err, &escape)
}

func TestResolveRejectsSymlinkEscapes(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	sb := newSandbox(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o644))

	require.NoError(t, os.Symlink(outside, filepath.Join(sb.Root(), "link")))
	_, err := sb.Resolve("link/secret.txt")
	var escape *PathEscapeError
	require.ErrorAs(t, err, &escape)

	// A not-yet-existing file below the escaping link is rejected as well.
	_, err = sb.Resolve("link/new/file.txt")
	require.ErrorAs(t, err, &escape)
}

func TestResolveRejectsDanglingSymlinkEscape(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	sb := newSandbox(t)
	target := filepath.Join(t.TempDir(), "does-not-exist.txt")
	require.NoError(t, os.Symlink(target, filepath.Join(sb.Root(), "dangling")))

	_, err := sb.Resolve("dangling")
	var escape *PathEscapeError
	require.ErrorAs(t, err, &escape)
}

func TestResolveFollowsSymlinksThatStayInside(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	sb := newSandbox(t)
	require.NoError(t, os.MkdirAll(filepath.Join(sb.Root(), "real"), 0o755))
	require.NoError(t, os.Symlink("real", filepath.Join(sb.Root(), "alias")))

	got, err := sb.Resolve("alias/file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(sb.Root(), "real", "file.txt"), got)
}

func TestResolveRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	sb := newSandbox(t)
	_, err := sb.Resolve("   ")
	require.ErrorIs(t, err, ErrEmptyPath)
}

func TestNewRequiresExistingDirectory(t *testing.T) {
	t.Parallel()

	_, err := New(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = New(file)
	require.Error(t, err)
}
