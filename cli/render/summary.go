package render

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Summary statuses.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
)

// Row is one label/value line of a Summary.
type Row struct {
	Label string
	Value string
}

// Summary is a boxed human-readable result, e.g. a finished pack.
type Summary struct {
	Title  string
	Status string
	Rows   []Row
	// Notes are listed under the rows, one per line (e.g. failed assets).
	Notes []string
}

// Color palette.
var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
)

type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	value lipgloss.Style
	note  lipgloss.Style
	box   lipgloss.Style
	state map[string]lipgloss.Style
}

// newStyles binds styles to out so color is dropped for non-terminals.
// noColor strips foreground colors but keeps the layout.
func newStyles(out io.Writer, noColor bool) styles {
	lr := lipgloss.NewRenderer(out)
	base := func() lipgloss.Style { return lr.NewStyle() }
	color := func(s lipgloss.Style, c lipgloss.Color) lipgloss.Style {
		if noColor {
			return s
		}
		return s.Foreground(c)
	}

	box := base().Border(lipgloss.RoundedBorder()).Padding(0, 2)
	if !noColor {
		box = box.BorderForeground(mutedColor)
	}
	return styles{
		title: color(base().Bold(true), primaryColor),
		label: color(base().Width(14), mutedColor),
		value: base(),
		note:  color(base(), errorColor),
		box:   box,
		state: map[string]lipgloss.Style{
			StatusComplete: color(base().Bold(true), successColor),
			StatusPartial:  color(base().Bold(true), warningColor),
			StatusFailed:   color(base().Bold(true), errorColor),
		},
	}
}

func (s styles) summary(sum Summary) string {
	var b strings.Builder
	b.WriteString(s.title.Render(sum.Title))
	if sum.Status != "" {
		st, ok := s.state[sum.Status]
		if !ok {
			st = s.value
		}
		b.WriteString("  ")
		b.WriteString(st.Render(sum.Status))
	}
	b.WriteString("\n")
	for _, row := range sum.Rows {
		b.WriteString("\n")
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, s.label.Render(row.Label), s.value.Render(row.Value)))
	}
	if len(sum.Notes) > 0 {
		b.WriteString("\n")
		for _, n := range sum.Notes {
			b.WriteString("\n")
			b.WriteString(s.note.Render("- " + n))
		}
	}
	return s.box.Render(b.String())
}
