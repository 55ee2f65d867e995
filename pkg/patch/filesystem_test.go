package patch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asynkron/patchroot/pkg/atomicfile"
	"github.com/asynkron/patchroot/pkg/sandbox"
)

const createAndModify = `--- /dev/null
+++ b/src/new.txt
@@ -0,0 +1,2 @@
+hello
+world
--- a/src/existing.txt
+++ b/src/existing.txt
@@ -1,3 +1,3 @@
 alpha
-beta
+BETA
 gamma
`

func writeFixture(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFixture(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func requireMissing(t *testing.T, root, rel string) {
	t.Helper()
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	require.Truef(t, errors.Is(err, fs.ErrNotExist), "expected %s to be absent, got %v", rel, err)
}

func TestApplyFilesystemCreatesAndModifies(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "src/existing.txt", "alpha\nbeta\ngamma\n")

	result, err := ApplyFilesystemPatch(context.Background(), createAndModify, FilesystemOptions{Root: root})
	require.NoError(t, err)
	require.Equal(t, []string{"src/existing.txt"}, result.Applied)
	require.Equal(t, []string{"src/new.txt"}, result.Created)
	require.Empty(t, result.Deleted)
	require.Empty(t, result.Errors)
	require.False(t, result.DryRun)
	require.Nil(t, result.Previews)

	require.Equal(t, "hello\nworld\n", readFixture(t, root, "src/new.txt"))
	require.Equal(t, "alpha\nBETA\ngamma\n", readFixture(t, root, "src/existing.txt"))
}

func TestApplyFilesystemStaleHunkWritesNothing(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "src/existing.txt", "alpha\nchanged\ngamma\n")

	result, err := ApplyFilesystemPatch(context.Background(), createAndModify, FilesystemOptions{Root: root})
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "src/existing.txt", ae.Path)
	require.Equal(t, 0, ae.Hunk)
	require.Equal(t, CodeHunkNotFound, ae.Code)

	require.Len(t, result.Errors, 1)
	require.Equal(t, "src/existing.txt", result.Errors[0].Path)
	require.Empty(t, result.Created)

	requireMissing(t, root, "src/new.txt")
	require.Equal(t, "alpha\nchanged\ngamma\n", readFixture(t, root, "src/existing.txt"))
}

func TestApplyFilesystemRejectsEscapes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "src/existing.txt", "alpha\nbeta\ngamma\n")
	body := createAndModify + `--- /dev/null
+++ b/../../etc/passwd
@@ -0,0 +1 @@
+root::0:0::/:/bin/sh
`
	result, err := ApplyFilesystemPatch(context.Background(), body, FilesystemOptions{Root: root})
	var escape *sandbox.PathEscapeError
	require.ErrorAs(t, err, &escape)
	require.Equal(t, "../../etc/passwd", escape.Requested)
	require.Equal(t, "../../etc/passwd", result.Errors[0].Path)

	// Earlier, valid file diffs are not applied either.
	requireMissing(t, root, "src/new.txt")
	require.Equal(t, "alpha\nbeta\ngamma\n", readFixture(t, root, "src/existing.txt"))
}

func TestApplyFilesystemDryRunLeavesTreeUntouched(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "src/existing.txt", "alpha\nbeta\ngamma\n")

	result, err := ApplyFilesystemPatch(context.Background(), createAndModify, FilesystemOptions{Root: root, DryRun: true})
	require.NoError(t, err)
	require.True(t, result.DryRun)
	require.Equal(t, []string{"src/existing.txt"}, result.Applied)
	require.Equal(t, []string{"src/new.txt"}, result.Created)

	require.Contains(t, result.Previews["src/existing.txt"], "+BETA")
	require.Contains(t, result.Previews["src/new.txt"], "--- /dev/null")

	requireMissing(t, root, "src/new.txt")
	require.Equal(t, "alpha\nbeta\ngamma\n", readFixture(t, root, "src/existing.txt"))
}

func TestApplyFilesystemDryRunStillReportsConflicts(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "src/existing.txt", "unrelated\n")

	_, err := ApplyFilesystemPatch(context.Background(), createAndModify, FilesystemOptions{Root: root, DryRun: true})
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
}

func TestApplyFilesystemRollsBackOnWriteFailure(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "a.txt", "one\n")
	writeFixture(t, root, "b.txt", "two\n")
	writeFixture(t, root, "c.txt", "three\n")

	p, err := Parse(`--- a/a.txt
+++ b/a.txt
@@ -1 +1 @@
-one
+ONE
--- a/c.txt
+++ /dev/null
@@ -1 +0,0 @@
-three
--- /dev/null
+++ b/deep/nested/new.txt
@@ -0,0 +1 @@
+fresh
--- a/b.txt
+++ b/b.txt
@@ -1 +1 @@
-two
+TWO
`)
	require.NoError(t, err)

	ws, err := newFilesystemWorkspace(FilesystemOptions{Root: root})
	require.NoError(t, err)
	injected := errors.New("disk full")
	ws.writeFile = func(path string, data []byte, perm fs.FileMode) error {
		if filepath.Base(path) == "b.txt" {
			return injected
		}
		return atomicfile.WriteFile(path, data, perm)
	}

	result, err := apply(context.Background(), p, ws, Options{}, false)
	require.ErrorIs(t, err, injected)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, "b.txt", ioErr.Path)
	require.Equal(t, "b.txt", result.Errors[0].Path)

	require.Equal(t, "one\n", readFixture(t, root, "a.txt"))
	require.Equal(t, "two\n", readFixture(t, root, "b.txt"))
	require.Equal(t, "three\n", readFixture(t, root, "c.txt"))
	requireMissing(t, root, "deep")
}

func TestApplyFilesystemRollsBackOnRemoveFailure(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "keep.txt", "k\n")
	writeFixture(t, root, "gone.txt", "g\n")

	p, err := Parse("--- a/keep.txt\n+++ b/keep.txt\n@@ -1 +1 @@\n-k\n+K\n--- a/gone.txt\n+++ /dev/null\n@@ -1 +0,0 @@\n-g\n")
	require.NoError(t, err)

	ws, err := newFilesystemWorkspace(FilesystemOptions{Root: root})
	require.NoError(t, err)
	ws.remove = func(string) error { return fs.ErrPermission }

	_, err = apply(context.Background(), p, ws, Options{}, false)
	require.ErrorIs(t, err, fs.ErrPermission)
	require.Equal(t, "k\n", readFixture(t, root, "keep.txt"))
	require.Equal(t, "g\n", readFixture(t, root, "gone.txt"))
}

func TestApplyFilesystemDeletesFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "old.txt", "bye\n")

	result, err := ApplyFilesystemPatch(context.Background(), "--- a/old.txt\n+++ /dev/null\n@@ -1 +0,0 @@\n-bye\n", FilesystemOptions{Root: root})
	require.NoError(t, err)
	require.Equal(t, []string{"old.txt"}, result.Deleted)
	requireMissing(t, root, "old.txt")
}

func TestApplyFilesystemDeleteRequiresMatchingContent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "old.txt", "edited since\n")

	_, err := ApplyFilesystemPatch(context.Background(), "--- a/old.txt\n+++ /dev/null\n@@ -1 +0,0 @@\n-bye\n", FilesystemOptions{Root: root})
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "edited since\n", readFixture(t, root, "old.txt"))
}

func TestApplyFilesystemMissingFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	_, err := ApplyFilesystemPatch(context.Background(), "--- a/nope.txt\n+++ b/nope.txt\n@@ -1 +1 @@\n-a\n+b\n", FilesystemOptions{Root: root})
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, CodeFileNotFound, ae.Code)
	require.Equal(t, -1, ae.Hunk)
}

func TestApplyFilesystemCreateRefusesExistingFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "src/new.txt", "already here\n")
	writeFixture(t, root, "src/existing.txt", "alpha\nbeta\ngamma\n")

	_, err := ApplyFilesystemPatch(context.Background(), createAndModify, FilesystemOptions{Root: root})
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, CodeFileExists, ae.Code)
	require.Equal(t, "already here\n", readFixture(t, root, "src/new.txt"))

	result, err := ApplyFilesystemPatch(context.Background(), createAndModify, FilesystemOptions{
		Root:    root,
		Options: Options{AllowOverwrite: true},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"src/new.txt"}, result.Created)
	require.Equal(t, "hello\nworld\n", readFixture(t, root, "src/new.txt"))
}

func TestApplyFilesystemRejectsDirectoryTarget(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))

	_, err := ApplyFilesystemPatch(context.Background(), "--- a/dir\n+++ b/dir\n@@ -1 +1 @@\n-a\n+b\n", FilesystemOptions{Root: root})
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, CodeNotAFile, ae.Code)
}

func TestApplyFilesystemRenamesFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "old/name.txt", "hello\n")

	body := strings.Join([]string{
		"diff --git a/old/name.txt b/nested/moved.txt",
		"similarity index 50%",
		"rename from old/name.txt",
		"rename to nested/moved.txt",
		"--- a/old/name.txt",
		"+++ b/nested/moved.txt",
		"@@ -1 +1 @@",
		"-hello",
		"+world",
		"",
	}, "\n")
	result, err := ApplyFilesystemPatch(context.Background(), body, FilesystemOptions{Root: root})
	require.NoError(t, err)
	require.Equal(t, []string{"nested/moved.txt"}, result.Applied)
	require.Equal(t, []string{"old/name.txt"}, result.Deleted)
	require.Equal(t, "world\n", readFixture(t, root, "nested/moved.txt"))
	requireMissing(t, root, "old/name.txt")
}

func TestApplyFilesystemPreservesPermissions(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions")
	}

	root := t.TempDir()
	script := filepath.Join(root, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.Chmod(script, 0o755))

	_, err := ApplyFilesystemPatch(context.Background(), "--- a/run.sh\n+++ b/run.sh\n@@ -2 +2 @@\n-echo hi\n+echo bye\n", FilesystemOptions{Root: root})
	require.NoError(t, err)

	info, err := os.Stat(script)
	require.NoError(t, err)
	require.Equal(t, fs.FileMode(0o755), info.Mode().Perm())
	require.Equal(t, "#!/bin/sh\necho bye\n", readFixture(t, root, "run.sh"))
}

func TestApplyFilesystemHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "src/existing.txt", "alpha\nbeta\ngamma\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ApplyFilesystemPatch(ctx, createAndModify, FilesystemOptions{Root: root})
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, CodeCanceled, ae.Code)
	requireMissing(t, root, "src/new.txt")
}

func TestApplyFilesystemParseErrorReturnsResult(t *testing.T) {
	t.Parallel()

	result, err := ApplyFilesystemPatch(context.Background(), "--- a/x\n", FilesystemOptions{Root: t.TempDir()})
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Len(t, result.Errors, 1)
}

func TestApplyFilesystemEmptyPatchIsNoop(t *testing.T) {
	t.Parallel()

	result, err := ApplyFilesystemPatch(context.Background(), "just prose, no diff\n", FilesystemOptions{Root: t.TempDir()})
	require.NoError(t, err)
	require.Zero(t, result.Changed())
}

func TestApplyFilesystemRejectsTargetsThatResolveAlike(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFixture(t, root, "src/a.txt", "one\ntwo\nthree\n")

	first, err := Parse("--- a/src/a.txt\n+++ b/src/a.txt\n@@ -1,1 +1,1 @@\n-one\n+ONE\n")
	require.NoError(t, err)
	second, err := Parse("--- ./src/a.txt\n+++ ./src/a.txt\n@@ -3,1 +3,1 @@\n-three\n+THREE\n")
	require.NoError(t, err)
	combined := &Patch{Files: append(first.Files, second.Files...)}

	result, err := ApplyFilesystem(context.Background(), combined, FilesystemOptions{Root: root})
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, CodeDuplicate, ae.Code)
	require.Equal(t, "src/a.txt", ae.Path)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "one\ntwo\nthree\n", readFixture(t, root, "src/a.txt"))
}

func TestApplyFilesystemRejectsTargetsAliasedBySymlink(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	root := t.TempDir()
	writeFixture(t, root, "src/a.txt", "one\ntwo\nthree\n")
	require.NoError(t, os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "alias")))

	body := "--- a/src/a.txt\n+++ b/src/a.txt\n@@ -1,1 +1,1 @@\n-one\n+ONE\n" +
		"--- a/alias/a.txt\n+++ b/alias/a.txt\n@@ -3,1 +3,1 @@\n-three\n+THREE\n"
	_, err := ApplyFilesystemPatch(context.Background(), body, FilesystemOptions{Root: root})
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, CodeDuplicate, ae.Code)
	require.Equal(t, "one\ntwo\nthree\n", readFixture(t, root, "src/a.txt"))
}
