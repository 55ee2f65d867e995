package patch

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asynkron/patchroot/pkg/sandbox"
)

func TestFormatErrorNil(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Unknown error occurred.", FormatError(nil))
}

func TestFormatErrorHunkNotFound(t *testing.T) {
	t.Parallel()

	err := &ApplyError{
		Message:         "hunk 1 does not match src/a.go within 3 lines of line 7",
		Code:            CodeHunkNotFound,
		Path:            "src/a.go",
		Hunk:            1,
		OriginalContent: "package a\n",
		HunkStatuses:    []HunkStatus{{Index: 0, Status: "applied"}, {Index: 1, Status: "no-match"}},
		FailedHunk:      &FailedHunk{Index: 1, RawPatchLines: []string{"@@ -7 +7 @@", "-x", "+y"}},
	}
	got := FormatError(err)
	require.True(t, strings.HasPrefix(got, err.Message))
	require.Contains(t, got, "Hunks applied: 0.")
	require.Contains(t, got, "No match for hunk 1.")
	require.Contains(t, got, "Offending hunk:\n@@ -7 +7 @@\n-x\n+y")
	require.Contains(t, got, "Full content of file: ./src/a.go::::\npackage a\n")
}

func TestFormatErrorOtherCodesUseMessage(t *testing.T) {
	t.Parallel()

	err := &ApplyError{Message: "cannot patch x: file does not exist", Code: CodeFileNotFound, Hunk: -1}
	require.Equal(t, err.Message, FormatError(err))
}

func TestFormatErrorPathEscape(t *testing.T) {
	t.Parallel()

	err := &sandbox.PathEscapeError{Root: "/srv", Requested: "../etc/passwd"}
	require.Contains(t, FormatError(err), "../etc/passwd")
}

func TestFormatErrorPlainError(t *testing.T) {
	t.Parallel()

	require.Equal(t, "boom", FormatError(errors.New("boom")))
}
