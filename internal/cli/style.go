package cli

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorPass  = lipgloss.Color("#00CC66")
	colorFail  = lipgloss.Color("#FF0000")
	colorMuted = lipgloss.Color("#666666")
)

// styles renders text output for one writer. Colors are dropped when the
// writer is not a terminal.
type styles struct {
	pass  lipgloss.Style
	fail  lipgloss.Style
	muted lipgloss.Style
	title lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		pass:  r.NewStyle().Foreground(colorPass).Bold(true),
		fail:  r.NewStyle().Foreground(colorFail).Bold(true),
		muted: r.NewStyle().Foreground(colorMuted),
		title: r.NewStyle().Bold(true),
	}
}

// mark returns a check or a cross.
func (s styles) mark(ok bool) string {
	if ok {
		return s.pass.Render("✓")
	}
	return s.fail.Render("✗")
}
