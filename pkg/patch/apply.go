package patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// DefaultFuzzLines is how far (in lines, either direction) a hunk may drift
// from its declared position and still be applied. Larger windows tolerate
// staler patches but raise the risk of applying a hunk to the wrong place.
const DefaultFuzzLines = 3

// Options configure how the patch application behaves for both filesystem and
// in-memory operations.
type Options struct {
	// FuzzLines bounds the search window around a hunk's declared offset.
	// Zero selects DefaultFuzzLines; a negative value requires exact offsets.
	FuzzLines int
	// IgnoreWhitespace retries a failed match ignoring all whitespace,
	// within the same window.
	IgnoreWhitespace bool
	// AllowOverwrite lets creations and renames replace an existing file.
	AllowOverwrite bool
}

func (o Options) fuzz() int {
	switch {
	case o.FuzzLines == 0:
		return DefaultFuzzLines
	case o.FuzzLines < 0:
		return 0
	}
	return o.FuzzLines
}

// FileError names the file a failure refers to.
type FileError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result describes the outcome of applying one patch. Paths are relative to
// the root and use forward slashes.
type Result struct {
	Applied []string    `json:"applied"`
	Created []string    `json:"created"`
	Deleted []string    `json:"deleted"`
	Errors  []FileError `json:"errors"`
	DryRun  bool        `json:"dry_run"`
	// Previews holds a unified diff per staged file; only set for dry runs.
	Previews map[string]string `json:"previews,omitempty"`
}

func newResult(dryRun bool) *Result {
	return &Result{
		Applied: []string{},
		Created: []string{},
		Deleted: []string{},
		Errors:  []FileError{},
		DryRun:  dryRun,
	}
}

// Changed reports the number of paths touched by the patch.
func (r *Result) Changed() int {
	if r == nil {
		return 0
	}
	return len(r.Applied) + len(r.Created) + len(r.Deleted)
}

func (r *Result) fail(path string, err error) (*Result, error) {
	if p := errorPath(err); p != "" {
		path = p
	}
	r.Errors = append(r.Errors, FileError{Path: path, Reason: err.Error()})
	return r, err
}

type changeKind int

const (
	changeCreate changeKind = iota
	changeModify
	changeDelete
)

// change is one staged file mutation. original/existed describe the
// destination before the change so a failed commit can restore it.
type change struct {
	kind     changeKind
	path     string
	key      string
	content  []byte
	mode     fs.FileMode
	original []byte
	existed  bool
	// from is the removal half of a rename.
	from *change
}

// file is the current on-disk (or in-memory) state of a path.
type file struct {
	content []byte
	mode    fs.FileMode
}

type workspace interface {
	// Resolve maps a patch path onto a workspace key, refusing escapes.
	Resolve(path string) (string, error)
	// Read returns the file at key, or nil when it does not exist.
	Read(key, display string) (*file, error)
	// Commit applies every change or none of them.
	Commit(changes []*change) error
}

type target struct {
	key     string
	fromKey string
}

type state struct {
	path            string
	lines           []string
	normalizedLines []string
	originalContent string
	endsWithNewline bool
	crlf            bool
	offset          int
	cursor          int
	hunkStatuses    []HunkStatus
	options         Options
}

func newState(display string, content []byte, opts Options) *state {
	text := string(content)
	st := &state{
		path:            display,
		originalContent: text,
		options:         opts,
		crlf:            strings.Contains(text, "\r\n"),
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.HasSuffix(text, "\n") {
		st.endsWithNewline = true
		text = strings.TrimSuffix(text, "\n")
	}
	if text != "" || st.endsWithNewline {
		st.lines = strings.Split(text, "\n")
	} else {
		st.lines = []string{}
	}
	return st
}

func (st *state) content() []byte {
	if len(st.lines) == 0 {
		return []byte{}
	}
	sep := "\n"
	if st.crlf {
		sep = "\r\n"
	}
	var buf bytes.Buffer
	buf.WriteString(strings.Join(st.lines, sep))
	if st.endsWithNewline {
		buf.WriteString(sep)
	}
	return buf.Bytes()
}

// apply runs the three phases of a patch: resolve every path, stage every
// file diff in memory, then commit. Nothing is written before the commit, and
// the workspace commit is all-or-nothing, so a failure in any phase leaves the
// workspace as it was. The context is only consulted before the commit.
func apply(ctx context.Context, p *Patch, ws workspace, opts Options, dryRun bool) (*Result, error) {
	result := newResult(dryRun)
	if ws == nil {
		return result.fail("", errors.New("nil workspace"))
	}
	if p == nil || len(p.Files) == 0 {
		return result, nil
	}

	targets := make([]target, len(p.Files))
	claimed := make(map[string]int, len(p.Files))
	claim := func(i int, key, requested string) error {
		if prev, dup := claimed[key]; dup {
			return &ApplyError{
				Message: fmt.Sprintf("%s is targeted by file diffs %d and %d", displayPath(requested), prev, i),
				Code:    CodeDuplicate,
				Path:    displayPath(requested),
				Hunk:    -1,
			}
		}
		claimed[key] = i
		return nil
	}
	for i, fd := range p.Files {
		key, err := ws.Resolve(fd.Target())
		if err != nil {
			return result.fail(fd.Target(), err)
		}
		if err := claim(i, key, fd.Target()); err != nil {
			return result.fail(fd.Target(), err)
		}
		targets[i].key = key
		if fd.IsRename() {
			fromKey, err := ws.Resolve(fd.OldPath)
			if err != nil {
				return result.fail(fd.OldPath, err)
			}
			if err := claim(i, fromKey, fd.OldPath); err != nil {
				return result.fail(fd.OldPath, err)
			}
			targets[i].fromKey = fromKey
		}
	}

	changes := make([]*change, 0, len(p.Files))
	for i, fd := range p.Files {
		if err := ctx.Err(); err != nil {
			return result.fail(fd.Target(), &ApplyError{Message: err.Error(), Code: CodeCanceled, Path: displayPath(fd.Target()), Hunk: -1})
		}
		ch, err := stage(ws, fd, targets[i], opts)
		if err != nil {
			return result.fail(displayPath(fd.Target()), err)
		}
		changes = append(changes, ch)
	}

	if !dryRun {
		if err := ws.Commit(changes); err != nil {
			return result.fail("", err)
		}
	}
	result.record(changes)
	return result, nil
}

func stage(ws workspace, fd FileDiff, t target, opts Options) (*change, error) {
	display := displayPath(fd.Target())

	switch {
	case fd.IsCreate():
		existing, err := ws.Read(t.key, display)
		if err != nil {
			return nil, err
		}
		if existing != nil && !opts.AllowOverwrite {
			return nil, &ApplyError{
				Message: fmt.Sprintf("cannot create %s: file already exists", display),
				Code:    CodeFileExists,
				Path:    display,
				Hunk:    -1,
			}
		}
		st := newState(display, nil, opts)
		if err := applyHunks(st, fd.Hunks); err != nil {
			return nil, err
		}
		ch := &change{kind: changeCreate, path: display, key: t.key, content: st.content()}
		if existing != nil {
			ch.existed, ch.original, ch.mode = true, existing.content, existing.mode
		}
		return ch, nil

	case fd.IsDelete():
		existing, err := ws.Read(t.key, display)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, missingFile(display)
		}
		// The hunks are verified so a stale patch cannot delete a file whose
		// content it did not expect.
		st := newState(display, existing.content, opts)
		if err := applyHunks(st, fd.Hunks); err != nil {
			return nil, err
		}
		return &change{
			kind:     changeDelete,
			path:     display,
			key:      t.key,
			mode:     existing.mode,
			original: existing.content,
			existed:  true,
		}, nil
	}

	srcKey, srcDisplay := t.key, display
	if fd.IsRename() {
		srcKey, srcDisplay = t.fromKey, displayPath(fd.OldPath)
	}
	existing, err := ws.Read(srcKey, srcDisplay)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, missingFile(srcDisplay)
	}
	st := newState(srcDisplay, existing.content, opts)
	if err := applyHunks(st, fd.Hunks); err != nil {
		return nil, err
	}
	ch := &change{
		kind:     changeModify,
		path:     display,
		key:      t.key,
		content:  st.content(),
		mode:     existing.mode,
		original: existing.content,
		existed:  true,
	}
	if !fd.IsRename() {
		return ch, nil
	}

	dest, err := ws.Read(t.key, display)
	if err != nil {
		return nil, err
	}
	if dest != nil && !opts.AllowOverwrite {
		return nil, &ApplyError{
			Message: fmt.Sprintf("cannot rename %s to %s: destination already exists", srcDisplay, display),
			Code:    CodeFileExists,
			Path:    display,
			Hunk:    -1,
		}
	}
	ch.existed = dest != nil
	ch.original = nil
	if dest != nil {
		ch.original = dest.content
	}
	ch.from = &change{
		kind:     changeDelete,
		path:     srcDisplay,
		key:      srcKey,
		mode:     existing.mode,
		original: existing.content,
		existed:  true,
	}
	return ch, nil
}

func missingFile(display string) *ApplyError {
	return &ApplyError{
		Message: fmt.Sprintf("cannot patch %s: file does not exist", display),
		Code:    CodeFileNotFound,
		Path:    display,
		Hunk:    -1,
	}
}

func applyHunks(st *state, hunks []Hunk) error {
	for index, hunk := range hunks {
		if err := applyHunk(st, hunk, index); err != nil {
			return enhanceHunkError(err, st, hunk, index)
		}
		st.hunkStatuses = append(st.hunkStatuses, HunkStatus{Index: index, Status: "applied"})
	}
	return nil
}

// applyHunk locates the hunk's old lines near their declared position and
// replaces them with the new lines. The running offset carries the net line
// drift of earlier hunks (plus any fuzz they needed) to later ones.
func applyHunk(st *state, hunk Hunk, index int) error {
	if st == nil {
		return errors.New("missing file state")
	}

	before := hunk.Before()
	after := hunk.After()

	base := hunk.OldStart - 1
	if hunk.OldLen == 0 {
		// "@@ -N,0" inserts after line N.
		base = hunk.OldStart
	}
	matchIndex := locate(st, before, base+st.offset)
	if matchIndex == -1 {
		return &ApplyError{
			Message: fmt.Sprintf("hunk %d does not match %s within %d lines of line %d",
				index, st.path, st.options.fuzz(), hunk.OldStart),
			Code:            CodeHunkNotFound,
			Path:            st.path,
			Hunk:            index,
			OriginalContent: st.originalContent,
		}
	}

	if matchIndex+len(before) == len(st.lines) {
		switch {
		case hunk.OldNoNewline || hunk.NewNoNewline:
			st.endsWithNewline = !hunk.NewNoNewline
		case len(st.lines) == 0:
			st.endsWithNewline = true
		}
	}

	st.lines = splice(st.lines, matchIndex, len(before), after)
	updateNormalizedLines(st, matchIndex, len(before), after)
	st.offset = matchIndex - base + len(after) - len(before)
	st.cursor = matchIndex + len(after)
	return nil
}

// locate searches expected, expected-1, expected+1, ... up to the fuzz
// window. Matches may not start before the end of the previous hunk.
func locate(st *state, before []string, expected int) int {
	if len(before) == 0 {
		return clamp(expected, st.cursor, len(st.lines))
	}
	fuzz := st.options.fuzz()
	if idx := searchWindow(st.lines, before, expected, fuzz, st.cursor); idx != -1 {
		return idx
	}
	if !st.options.IgnoreWhitespace {
		return -1
	}
	normalizedBefore := make([]string, len(before))
	for i, line := range before {
		normalizedBefore[i] = normalizeLine(line)
	}
	return searchWindow(ensureNormalizedLines(st), normalizedBefore, expected, fuzz, st.cursor)
}

func searchWindow(haystack, needle []string, expected, fuzz, floor int) int {
	for distance := 0; distance <= fuzz; distance++ {
		candidates := []int{expected - distance, expected + distance}
		if distance == 0 {
			candidates = candidates[:1]
		}
		for _, candidate := range candidates {
			if candidate < floor || candidate+len(needle) > len(haystack) {
				continue
			}
			if matchAt(haystack, needle, candidate) {
				return candidate
			}
		}
	}
	return -1
}

func matchAt(haystack, needle []string, start int) bool {
	for j := range needle {
		if haystack[start+j] != needle[j] {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func splice(target []string, index, deleteCount int, replacement []string) []string {
	if deleteCount == 0 && len(replacement) == 0 {
		return target
	}
	result := make([]string, 0, len(target)-deleteCount+len(replacement))
	result = append(result, target[:index]...)
	result = append(result, replacement...)
	result = append(result, target[index+deleteCount:]...)
	return result
}

func ensureNormalizedLines(st *state) []string {
	if st == nil {
		return nil
	}
	if !st.options.IgnoreWhitespace {
		return st.lines
	}
	if st.normalizedLines != nil {
		return st.normalizedLines
	}
	normalized := make([]string, len(st.lines))
	for i, line := range st.lines {
		normalized[i] = normalizeLine(line)
	}
	st.normalizedLines = normalized
	return normalized
}

func updateNormalizedLines(st *state, index, deleteCount int, replacement []string) {
	if st == nil || !st.options.IgnoreWhitespace || st.normalizedLines == nil {
		return
	}
	replacementNormalized := make([]string, len(replacement))
	for i, line := range replacement {
		replacementNormalized[i] = normalizeLine(line)
	}
	st.normalizedLines = splice(st.normalizedLines, index, deleteCount, replacementNormalized)
}

func normalizeLine(line string) string {
	if line == "" {
		return ""
	}
	var builder strings.Builder
	builder.Grow(len(line))
	for _, r := range line {
		if unicode.IsSpace(r) {
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

func enhanceHunkError(err error, st *state, hunk Hunk, index int) *ApplyError {
	var pe *ApplyError
	if !errors.As(err, &pe) {
		pe = &ApplyError{Message: err.Error(), Hunk: index}
	}

	statuses := append([]HunkStatus{}, st.hunkStatuses...)
	statuses = append(statuses, HunkStatus{Index: index, Status: "no-match"})
	pe.HunkStatuses = statuses

	if pe.Code == "" {
		pe.Code = CodeHunkNotFound
	}
	if pe.Path == "" {
		pe.Path = st.path
	}
	if pe.OriginalContent == "" {
		pe.OriginalContent = st.originalContent
	}
	if pe.FailedHunk == nil {
		pe.FailedHunk = &FailedHunk{Index: index, RawPatchLines: hunk.RawPatchLines()}
	}
	return pe
}

func (r *Result) record(changes []*change) {
	for _, ch := range changes {
		switch ch.kind {
		case changeCreate:
			r.Created = append(r.Created, ch.path)
		case changeModify:
			r.Applied = append(r.Applied, ch.path)
			if ch.from != nil {
				r.Deleted = append(r.Deleted, ch.from.path)
			}
		case changeDelete:
			r.Deleted = append(r.Deleted, ch.path)
		}
	}
	sort.Strings(r.Applied)
	sort.Strings(r.Created)
	sort.Strings(r.Deleted)

	if !r.DryRun {
		return
	}
	r.Previews = make(map[string]string, len(changes))
	for _, ch := range changes {
		oldName, newName := "a/"+ch.path, "b/"+ch.path
		before, after := ch.original, ch.content
		switch {
		case ch.kind == changeDelete:
			newName = DevNull
		case ch.from != nil:
			oldName, before = "a/"+ch.from.path, ch.from.original
		case !ch.existed:
			oldName = DevNull
		}
		if preview, err := Unified(oldName, newName, before, after, 0); err == nil {
			r.Previews[ch.path] = preview
		}
	}
}

// displayPath normalizes a patch path to a root-relative, forward-slash form.
func displayPath(p string) string {
	cleaned := path.Clean(strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(p)), "/"))
	if cleaned == "." {
		return p
	}
	return cleaned
}
