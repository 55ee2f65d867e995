package patch

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultContextLines is the number of unchanged lines Unified emits around
// each change.
const DefaultContextLines = 3

// Unified renders the difference between before and after as a unified diff
// that Parse accepts. Pass DevNull as a name to describe a creation or a
// deletion. A non-positive context selects DefaultContextLines.
//
// A final line without a newline is emitted as if it had one; the output is
// meant for previews and for generating patches from text files.
func Unified(oldName, newName string, before, after []byte, context int) (string, error) {
	if context <= 0 {
		context = DefaultContextLines
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        keepEnds(string(before)),
		B:        keepEnds(string(after)),
		FromFile: oldName,
		ToFile:   newName,
		Context:  context,
	})
}

// keepEnds splits text into newline-terminated lines. difflib.SplitLines
// appends a phantom empty line to newline-terminated input, which would show
// up as context in creations and break them.
func keepEnds(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if last := lines[len(lines)-1]; !strings.HasSuffix(last, "\n") {
		lines[len(lines)-1] = last + "\n"
	}
	return lines
}
