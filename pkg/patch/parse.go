package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DevNull marks the missing side of a file creation or deletion.
const DevNull = "/dev/null"

// LineKind tags a hunk line as context, added or removed.
type LineKind byte

const (
	LineContext LineKind = ' '
	LineAdded   LineKind = '+'
	LineRemoved LineKind = '-'
)

// Line is a single tagged line of a hunk body, without its prefix.
type Line struct {
	Kind LineKind
	Text string
}

// Hunk captures one "@@ -a,b +c,d @@" block of a unified diff.
type Hunk struct {
	OldStart int
	OldLen   int
	NewStart int
	NewLen   int
	// Section is the optional text after the closing "@@".
	Section string
	Header  string
	Lines   []Line
	// OldNoNewline and NewNoNewline record "\ No newline at end of file"
	// markers attached to the last old-side or new-side line.
	OldNoNewline bool
	NewNoNewline bool
}

// Before returns the context and removed lines, i.e. what the hunk expects to
// find in the current file.
func (h Hunk) Before() []string {
	out := make([]string, 0, h.OldLen)
	for _, l := range h.Lines {
		if l.Kind != LineAdded {
			out = append(out, l.Text)
		}
	}
	return out
}

// After returns the context and added lines, i.e. what replaces Before.
func (h Hunk) After() []string {
	out := make([]string, 0, h.NewLen)
	for _, l := range h.Lines {
		if l.Kind != LineRemoved {
			out = append(out, l.Text)
		}
	}
	return out
}

// RawPatchLines reconstructs the hunk as it appears in diff text.
func (h Hunk) RawPatchLines() []string {
	raw := make([]string, 0, len(h.Lines)+1)
	if h.Header != "" {
		raw = append(raw, h.Header)
	} else {
		raw = append(raw, formatHunkHeader(h))
	}
	for _, l := range h.Lines {
		raw = append(raw, string(l.Kind)+l.Text)
	}
	return raw
}

// FileDiff is the set of hunks that apply to one file.
type FileDiff struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
	// NoNewlineAtEOF reports that the new content ends without a newline.
	NoNewlineAtEOF bool
}

// IsCreate reports whether the diff creates a new file.
func (fd FileDiff) IsCreate() bool { return fd.OldPath == DevNull }

// IsDelete reports whether the diff deletes a file.
func (fd FileDiff) IsDelete() bool { return fd.NewPath == DevNull }

// IsRename reports whether the diff moves a file to a new path.
func (fd FileDiff) IsRename() bool {
	return !fd.IsCreate() && !fd.IsDelete() && fd.OldPath != fd.NewPath
}

// Target is the path the diff writes to, or removes for deletions.
func (fd FileDiff) Target() string {
	if fd.IsDelete() {
		return fd.OldPath
	}
	return fd.NewPath
}

// Patch is an ordered list of file diffs with distinct target paths.
type Patch struct {
	Files []FileDiff
}

var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\S+) \+(\S+) @@ ?(.*)$`)

// Parse converts unified-diff text into a Patch. It is pure: no filesystem
// access happens, so a patch is fully validated before anything is applied.
//
// Text outside file diffs (prose, "diff --git" and "index" lines) is
// tolerated. Every hunk body must match the line counts declared by its
// header.
func Parse(input string) (*Patch, error) {
	p := &parser{lines: splitLines(input)}
	return p.parse()
}

type parser struct {
	lines   []string
	pos     int
	files   []FileDiff
	current *FileDiff
	git     *gitHeader
	seen    map[string]int
}

// gitHeader collects "diff --git" extended headers until the file diff they
// describe is complete.
type gitHeader struct {
	oldPath    string
	newPath    string
	renameFrom string
	renameTo   string
	newFile    bool
	deleted    bool
	hasPaths   bool
}

func (p *parser) parse() (*Patch, error) {
	for p.pos < len(p.lines) {
		line := p.lines[p.pos]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			if err := p.flush(); err != nil {
				return nil, err
			}
			p.git = parseGitHeader(line)
			p.pos++
		case strings.HasPrefix(line, "--- "):
			if err := p.startFile(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "+++ "):
			return nil, &ParseError{Line: p.pos + 1, Message: fmt.Sprintf("file header %q lacks a preceding --- line", line)}
		case strings.HasPrefix(line, "@@"):
			if p.current == nil {
				return nil, &ParseError{Line: p.pos + 1, Message: "hunk appeared before a file header"}
			}
			hunk, err := p.parseHunk()
			if err != nil {
				return nil, err
			}
			p.current.Hunks = append(p.current.Hunks, hunk)
		case p.git != nil && p.current == nil:
			p.gitExtendedHeader(line)
			p.pos++
		default:
			p.pos++
		}
	}
	if err := p.flush(); err != nil {
		return nil, err
	}
	return &Patch{Files: p.files}, nil
}

func (p *parser) startFile() error {
	if p.current != nil {
		if err := p.flush(); err != nil {
			return err
		}
	}
	headerLine := p.pos + 1
	if p.pos+1 >= len(p.lines) || !strings.HasPrefix(p.lines[p.pos+1], "+++ ") {
		return &ParseError{Line: headerLine, Message: fmt.Sprintf("file header %q lacks a matching +++ line", p.lines[p.pos])}
	}
	oldPath, newPath := stripPrefixes(
		parseHeaderPath(p.lines[p.pos][4:]),
		parseHeaderPath(p.lines[p.pos+1][4:]),
	)
	if oldPath == "" || newPath == "" {
		return &ParseError{Line: headerLine, Message: "file header is missing a path"}
	}
	if oldPath == DevNull && newPath == DevNull {
		return &ParseError{Line: headerLine, Message: "file header names /dev/null on both sides"}
	}
	if p.current == nil && p.git != nil && !p.git.describes(oldPath, newPath) {
		// A header-only git diff (pure rename, empty file) precedes a plain one.
		if err := p.flush(); err != nil {
			return err
		}
	}
	p.current = &FileDiff{OldPath: oldPath, NewPath: newPath}
	p.git = nil
	p.pos += 2
	return nil
}

func (p *parser) gitExtendedHeader(line string) {
	switch {
	case strings.HasPrefix(line, "new file mode"):
		p.git.newFile = true
	case strings.HasPrefix(line, "deleted file mode"):
		p.git.deleted = true
	case strings.HasPrefix(line, "rename from "):
		p.git.renameFrom = unquotePath(strings.TrimPrefix(line, "rename from "))
	case strings.HasPrefix(line, "rename to "):
		p.git.renameTo = unquotePath(strings.TrimPrefix(line, "rename to "))
	}
}

// flush finishes the current file diff, or a header-only git diff such as a
// pure rename or an empty new file.
func (p *parser) flush() error {
	if p.current == nil && p.git != nil {
		g := p.git
		p.git = nil
		switch {
		case g.renameFrom != "" && g.renameTo != "":
			p.current = &FileDiff{OldPath: g.renameFrom, NewPath: g.renameTo}
		case g.newFile && g.hasPaths:
			p.current = &FileDiff{OldPath: DevNull, NewPath: g.newPath}
		case g.deleted && g.hasPaths:
			p.current = &FileDiff{OldPath: g.oldPath, NewPath: DevNull}
		default:
			// Mode-only changes carry nothing to apply.
			return nil
		}
	}
	if p.current == nil {
		return nil
	}
	fd := *p.current
	p.current = nil

	if len(fd.Hunks) == 0 && !fd.IsCreate() && !fd.IsDelete() && !fd.IsRename() {
		return &ParseError{Message: fmt.Sprintf("no hunks provided for %s", fd.Target())}
	}
	for i, h := range fd.Hunks {
		if fd.IsCreate() && h.OldLen != 0 {
			return &ParseError{Message: fmt.Sprintf("hunk %d of new file %s removes existing lines", i, fd.NewPath)}
		}
		if fd.IsDelete() && h.NewLen != 0 {
			return &ParseError{Message: fmt.Sprintf("hunk %d of deleted file %s adds lines", i, fd.OldPath)}
		}
	}
	if n := len(fd.Hunks); n > 0 {
		fd.NoNewlineAtEOF = fd.Hunks[n-1].NewNoNewline
	}

	if p.seen == nil {
		p.seen = make(map[string]int)
	}
	touched := []string{displayPath(fd.Target())}
	if fd.IsRename() {
		touched = append(touched, displayPath(fd.OldPath))
	}
	for _, path := range touched {
		if prev, dup := p.seen[path]; dup {
			return &ParseError{Message: fmt.Sprintf("file %s appears in file diffs %d and %d", path, prev, len(p.files))}
		}
		p.seen[path] = len(p.files)
	}
	p.files = append(p.files, fd)
	return nil
}

func (p *parser) parseHunk() (Hunk, error) {
	headerLine := p.pos + 1
	header := p.lines[p.pos]
	match := hunkHeaderPattern.FindStringSubmatch(header)
	if match == nil {
		return Hunk{}, &ParseError{Line: headerLine, Message: fmt.Sprintf("malformed hunk header %q", header)}
	}
	oldStart, oldLen, err := parseRange(match[1])
	if err != nil {
		return Hunk{}, &ParseError{Line: headerLine, Message: fmt.Sprintf("malformed old range in %q: %v", header, err)}
	}
	newStart, newLen, err := parseRange(match[2])
	if err != nil {
		return Hunk{}, &ParseError{Line: headerLine, Message: fmt.Sprintf("malformed new range in %q: %v", header, err)}
	}
	h := Hunk{
		OldStart: oldStart,
		OldLen:   oldLen,
		NewStart: newStart,
		NewLen:   newLen,
		Section:  match[3],
		Header:   header,
	}

	mismatch := func(reason string) error {
		return &ParseError{Line: headerLine, Message: fmt.Sprintf(
			"hunk %q does not match its declared ranges: %s", header, reason)}
	}

	oldLeft, newLeft := oldLen, newLen
	p.pos++
	for oldLeft > 0 || newLeft > 0 {
		if p.pos >= len(p.lines) {
			return Hunk{}, mismatch(fmt.Sprintf("text ended with %d old and %d new lines missing", oldLeft, newLeft))
		}
		raw := p.lines[p.pos]
		if strings.HasPrefix(raw, "\\") {
			p.markNoNewline(&h)
			p.pos++
			continue
		}
		kind, text := LineContext, ""
		if raw != "" {
			// Generated patches often drop the single space of blank context
			// lines; an empty line is read as blank context.
			kind, text = LineKind(raw[0]), raw[1:]
		}
		switch kind {
		case LineContext:
			if oldLeft == 0 || newLeft == 0 {
				return Hunk{}, mismatch("more context lines than declared")
			}
			oldLeft--
			newLeft--
		case LineRemoved:
			if oldLeft == 0 {
				return Hunk{}, mismatch("more removed lines than declared")
			}
			oldLeft--
		case LineAdded:
			if newLeft == 0 {
				return Hunk{}, mismatch("more added lines than declared")
			}
			newLeft--
		default:
			return Hunk{}, mismatch(fmt.Sprintf("%d old and %d new lines missing before %q", oldLeft, newLeft, raw))
		}
		h.Lines = append(h.Lines, Line{Kind: kind, Text: text})
		p.pos++
	}

	for p.pos < len(p.lines) && strings.HasPrefix(p.lines[p.pos], "\\") {
		p.markNoNewline(&h)
		p.pos++
	}

	if p.pos < len(p.lines) {
		next := p.lines[p.pos]
		if isHunkBodyLine(next) && !p.startsFileHeader() {
			return Hunk{}, mismatch(fmt.Sprintf("unexpected extra line %q", next))
		}
	}
	return h, nil
}

// markNoNewline attaches a "\ No newline at end of file" marker to the side(s)
// of the preceding line.
func (p *parser) markNoNewline(h *Hunk) {
	if len(h.Lines) == 0 {
		return
	}
	switch h.Lines[len(h.Lines)-1].Kind {
	case LineRemoved:
		h.OldNoNewline = true
	case LineAdded:
		h.NewNoNewline = true
	default:
		h.OldNoNewline = true
		h.NewNoNewline = true
	}
}

func (p *parser) startsFileHeader() bool {
	return strings.HasPrefix(p.lines[p.pos], "--- ") &&
		p.pos+1 < len(p.lines) && strings.HasPrefix(p.lines[p.pos+1], "+++ ")
}

func isHunkBodyLine(line string) bool {
	if line == "" {
		return false
	}
	switch line[0] {
	case ' ', '+', '-':
		return true
	}
	return false
}

// parseRange parses "start[,len]"; a missing length means one line.
func parseRange(s string) (int, int, error) {
	startText, lenText, hasLen := strings.Cut(s, ",")
	start, err := strconv.Atoi(startText)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid start %q", startText)
	}
	length := 1
	if hasLen {
		length, err = strconv.Atoi(lenText)
		if err != nil || length < 0 {
			return 0, 0, fmt.Errorf("invalid length %q", lenText)
		}
	}
	return start, length, nil
}

func formatHunkHeader(h Hunk) string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLen, h.NewStart, h.NewLen)
}

// describes reports whether a ---/+++ pair belongs to this git header.
// Headers whose paths could not be read are assumed to match.
func (g *gitHeader) describes(oldPath, newPath string) bool {
	if !g.hasPaths {
		return true
	}
	return oldPath == g.oldPath || newPath == g.newPath ||
		(g.renameFrom != "" && oldPath == g.renameFrom) ||
		(g.renameTo != "" && newPath == g.renameTo)
}

func parseGitHeader(line string) *gitHeader {
	g := &gitHeader{}
	rest := strings.TrimPrefix(line, "diff --git ")
	// Unquoted "a/x b/x" only; quoted names are picked up from ---/+++ lines.
	if idx := strings.Index(rest, " b/"); strings.HasPrefix(rest, "a/") && idx > 0 {
		g.oldPath = rest[2:idx]
		g.newPath = rest[idx+3:]
		g.hasPaths = true
	}
	return g
}

// parseHeaderPath extracts the path from the text after "--- " or "+++ ",
// dropping a tab-separated timestamp.
func parseHeaderPath(s string) string {
	if idx := strings.IndexByte(s, '\t'); idx >= 0 {
		s = s[:idx]
	}
	return unquotePath(strings.TrimSpace(s))
}

func unquotePath(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if unq, err := strconv.Unquote(s); err == nil {
			return unq
		}
	}
	return s
}

// stripPrefixes removes git's "a/" and "b/" prefixes when the header uses
// them, leaving genuine top-level "a" or "b" directories alone otherwise.
func stripPrefixes(oldPath, newPath string) (string, string) {
	oldOK := oldPath == DevNull || strings.HasPrefix(oldPath, "a/")
	newOK := newPath == DevNull || strings.HasPrefix(newPath, "b/")
	if !oldOK || !newOK {
		return oldPath, newPath
	}
	if oldPath != DevNull {
		oldPath = oldPath[2:]
	}
	if newPath != DevNull {
		newPath = newPath[2:]
	}
	return oldPath, newPath
}

func splitLines(input string) []string {
	normalized := strings.ReplaceAll(input, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	// The terminating newline does not start another line; keeping the empty
	// tail would read it as a blank context line.
	normalized = strings.TrimSuffix(normalized, "\n")
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}
