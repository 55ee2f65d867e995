package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asynkron/patchroot/pkg/patch"
	"github.com/asynkron/patchroot/pkg/snapshot"
)

// printer renders command output; colors follow the --color flag and the
// capabilities of each stream.
type printer struct {
	out, err io.Writer

	created  lipgloss.Style
	modified lipgloss.Style
	deleted  lipgloss.Style
	added    lipgloss.Style
	removed  lipgloss.Style
	hunk     lipgloss.Style
	dim      lipgloss.Style
	digest   lipgloss.Style
	errStyle lipgloss.Style
}

func colorProfile(w io.Writer, mode string) (termenv.Profile, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
		return termenv.NewOutput(w).EnvColorProfile(), nil
	case "always":
		return termenv.ANSI256, nil
	case "never":
		return termenv.Ascii, nil
	}
	return termenv.Ascii, fmt.Errorf("invalid --color %q (want auto, always or never)", mode)
}

func newPrinter(stdout, stderr io.Writer, mode string) (*printer, error) {
	outProfile, err := colorProfile(stdout, mode)
	if err != nil {
		return nil, err
	}
	errProfile, _ := colorProfile(stderr, mode)

	out := lipgloss.NewRenderer(stdout, termenv.WithProfile(outProfile))
	errs := lipgloss.NewRenderer(stderr, termenv.WithProfile(errProfile))
	return &printer{
		out:      stdout,
		err:      stderr,
		created:  out.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		modified: out.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		deleted:  out.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		added:    out.NewStyle().Foreground(lipgloss.Color("10")),
		removed:  out.NewStyle().Foreground(lipgloss.Color("9")),
		hunk:     out.NewStyle().Foreground(lipgloss.Color("63")),
		dim:      out.NewStyle().Foreground(lipgloss.Color("244")),
		digest:   out.NewStyle().Foreground(lipgloss.Color("129")),
		errStyle: errs.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}, nil
}

// result prints one status line per touched path, git-style.
func (p *printer) result(r *patch.Result) {
	if r == nil {
		return
	}
	for _, path := range r.Created {
		fmt.Fprintf(p.out, "%s %s\n", p.created.Render("A"), path)
	}
	for _, path := range r.Applied {
		fmt.Fprintf(p.out, "%s %s\n", p.modified.Render("M"), path)
	}
	for _, path := range r.Deleted {
		fmt.Fprintf(p.out, "%s %s\n", p.deleted.Render("D"), path)
	}
	if r.Changed() == 0 {
		fmt.Fprintln(p.out, p.dim.Render("nothing to apply"))
	}
	if !r.DryRun {
		return
	}
	fmt.Fprintln(p.out, p.dim.Render("dry run: no files were written"))
	paths := make([]string, 0, len(r.Previews))
	for path := range r.Previews {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		p.diff(r.Previews[path])
	}
}

// diff prints unified diff text with per-line coloring.
func (p *printer) diff(text string) {
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		body := strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(body, "+++"), strings.HasPrefix(body, "---"):
			body = p.dim.Render(body)
		case strings.HasPrefix(body, "@@"):
			body = p.hunk.Render(body)
		case strings.HasPrefix(body, "+"):
			body = p.added.Render(body)
		case strings.HasPrefix(body, "-"):
			body = p.removed.Render(body)
		}
		fmt.Fprintln(p.out, body)
	}
}

func (p *printer) snapshot(changed bool, meta snapshot.Meta) {
	state := "unchanged"
	if changed {
		state = "updated"
	}
	fmt.Fprintf(p.out, "snapshot %s %s %s\n",
		state,
		p.digest.Render(meta.ShortDigest(12)),
		p.dim.Render(fmt.Sprintf("(%d files)", meta.FileCount)),
	)
}

func (p *printer) manifest(snap *snapshot.Snapshot) {
	for _, e := range snap.Manifest {
		fmt.Fprintf(p.out, "%s %s\n", p.digest.Render(e.SHA256[:12]), e.Path)
	}
	fmt.Fprintf(p.out, "%s %s\n", p.digest.Render(snap.SHA256), p.dim.Render(fmt.Sprintf("(%d files)", snap.FileCount)))
}

// failure prints err to stderr, with hunk detail for apply errors.
func (p *printer) failure(err error) {
	fmt.Fprintln(p.err, p.errStyle.Render("error:")+" "+patch.FormatError(err))
}
