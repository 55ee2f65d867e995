package patch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/asynkron/patchroot/pkg/sandbox"
)

// Error codes carried by ApplyError.
const (
	CodeHunkNotFound = "HUNK_NOT_FOUND"
	CodeFileNotFound = "FILE_NOT_FOUND"
	CodeFileExists   = "FILE_EXISTS"
	CodeNotAFile     = "NOT_A_FILE"
	CodeCanceled     = "CANCELED"
	CodeDuplicate    = "DUPLICATE_TARGET"
)

// ParseError reports malformed diff text. Parsing never touches the
// filesystem, so a ParseError guarantees nothing was written.
type ParseError struct {
	// Line is the 1-based line number in the patch text, or 0 when unknown.
	Line    int
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse patch: line %d: %s", e.Line, e.Message)
	}
	return "parse patch: " + e.Message
}

// HunkStatus tracks how a hunk was applied when processing a file diff.
type HunkStatus struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
}

// FailedHunk stores the raw lines of the hunk that could not be applied.
type FailedHunk struct {
	Index         int      `json:"index"`
	RawPatchLines []string `json:"rawPatchLines"`
}

// ApplyError represents a file diff that could not be applied to the current
// tree: a hunk whose context is not found inside the fuzz window, or a file
// that is missing or unexpectedly present.
type ApplyError struct {
	Message string
	Code    string
	Path    string
	// Hunk is the 0-based index of the failing hunk, or -1 when the failure
	// concerns the file as a whole.
	Hunk            int
	OriginalContent string
	HunkStatuses    []HunkStatus
	FailedHunk      *FailedHunk
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return "patch error"
}

// IOError wraps an underlying filesystem failure while reading, writing,
// renaming or removing a file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *IOError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes the underlying error.
func (e *IOError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// errorPath extracts the file path a failure refers to, if any.
func errorPath(err error) string {
	var (
		ae *ApplyError
		ie *IOError
		pe *sandbox.PathEscapeError
	)
	switch {
	case errors.As(err, &ae):
		return ae.Path
	case errors.As(err, &ie):
		return ie.Path
	case errors.As(err, &pe):
		return pe.Requested
	}
	return ""
}

func describeHunkStatuses(statuses []HunkStatus) string {
	if len(statuses) == 0 {
		return ""
	}
	var applied []string
	var failed string
	for _, status := range statuses {
		if status.Status == "applied" {
			applied = append(applied, fmt.Sprintf("%d", status.Index))
			continue
		}
		if failed == "" {
			failed = fmt.Sprintf("No match for hunk %d.", status.Index)
		}
	}

	parts := make([]string, 0, 2)
	if len(applied) > 0 {
		parts = append(parts, fmt.Sprintf("Hunks applied: %s.", strings.Join(applied, ", ")))
	}
	if failed != "" {
		parts = append(parts, failed)
	}
	return strings.Join(parts, "\n")
}

// FormatError renders patch failures into a human readable message suitable
// for surfacing to end users. Hunk mismatches include the offending hunk and
// the current file content so the author can regenerate the patch.
func FormatError(err error) string {
	if err == nil {
		return "Unknown error occurred."
	}

	var pe *ApplyError
	if !errors.As(err, &pe) {
		var escape *sandbox.PathEscapeError
		if errors.As(err, &escape) {
			return fmt.Sprintf("Refusing to touch %s: it resolves outside the writable root.", escape.Requested)
		}
		if msg := err.Error(); msg != "" {
			return msg
		}
		return "Unknown error occurred."
	}

	message := pe.Message
	if message == "" {
		message = "Unknown error occurred."
	}
	if pe.Code != CodeHunkNotFound {
		return message
	}

	displayPath := pe.Path
	if displayPath == "" {
		displayPath = "unknown file"
	}
	if !strings.HasPrefix(displayPath, "./") {
		displayPath = "./" + displayPath
	}
	var parts []string
	parts = append(parts, message)
	if summary := describeHunkStatuses(pe.HunkStatuses); summary != "" {
		parts = append(parts, "", summary)
	}
	if pe.FailedHunk != nil && len(pe.FailedHunk.RawPatchLines) > 0 {
		parts = append(parts, "", "Offending hunk:")
		parts = append(parts, strings.Join(pe.FailedHunk.RawPatchLines, "\n"))
	}
	if pe.OriginalContent != "" {
		parts = append(parts, "", fmt.Sprintf("Full content of file: %s::::", displayPath), pe.OriginalContent)
	}
	return strings.Join(parts, "\n")
}
