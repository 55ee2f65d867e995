package patch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asynkron/patchroot/pkg/sandbox"
)

func TestApplyMemoryPatchUpdatesCopy(t *testing.T) {
	t.Parallel()

	files := map[string]string{"src/existing.txt": "alpha\nbeta\ngamma\n"}
	updated, result, err := ApplyMemoryPatch(context.Background(), createAndModify, files, Options{})
	require.NoError(t, err)
	require.Equal(t, "alpha\nBETA\ngamma\n", updated["src/existing.txt"])
	require.Equal(t, "hello\nworld\n", updated["src/new.txt"])
	require.Equal(t, []string{"src/new.txt"}, result.Created)

	// The caller's map is untouched.
	require.Equal(t, map[string]string{"src/existing.txt": "alpha\nbeta\ngamma\n"}, files)
}

func TestApplyMemoryPatchNormalizesKeys(t *testing.T) {
	t.Parallel()

	files := map[string]string{"./notes.md": "a\n"}
	updated, _, err := ApplyMemoryPatch(context.Background(), "--- a/notes.md\n+++ b/notes.md\n@@ -1 +1 @@\n-a\n+b\n", files, Options{})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"notes.md": "b\n"}, updated)
}

func TestApplyMemoryPatchRenameAndDelete(t *testing.T) {
	t.Parallel()

	files := map[string]string{"a.txt": "x\n", "b.txt": "y\n"}
	body := "diff --git a/a.txt b/c.txt\nrename from a.txt\nrename to c.txt\n" +
		"diff --git a/b.txt b/b.txt\ndeleted file mode 100644\n" +
		"--- a/b.txt\n+++ /dev/null\n@@ -1 +0,0 @@\n-y\n"
	updated, result, err := ApplyMemoryPatch(context.Background(), body, files, Options{})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"c.txt": "x\n"}, updated)
	require.Equal(t, []string{"c.txt"}, result.Applied)
	require.Equal(t, []string{"a.txt", "b.txt"}, result.Deleted)
}

func TestApplyMemoryPatchRejectsEscape(t *testing.T) {
	t.Parallel()

	updated, result, err := ApplyMemoryPatch(context.Background(), "--- /dev/null\n+++ b/../x\n@@ -0,0 +1 @@\n+x\n", nil, Options{})
	var escape *sandbox.PathEscapeError
	require.ErrorAs(t, err, &escape)
	require.Nil(t, updated)
	require.Equal(t, "../x", result.Errors[0].Path)
}

func TestApplyMemoryPatchFailureLeavesNoPartialResult(t *testing.T) {
	t.Parallel()

	files := map[string]string{"src/existing.txt": "nothing in common\n"}
	updated, result, err := ApplyMemoryPatch(context.Background(), createAndModify, files, Options{})
	require.Error(t, err)
	require.Nil(t, updated)
	require.Empty(t, result.Created)
	require.Len(t, files, 1)
}

func TestApplyMemoryPatchParseError(t *testing.T) {
	t.Parallel()

	_, result, err := ApplyMemoryPatch(context.Background(), "@@ -1 +1 @@\n", nil, Options{})
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Len(t, result.Errors, 1)
}
