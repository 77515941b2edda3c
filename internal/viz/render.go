package viz

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the colors of the terminal views.
type Theme struct {
	Primary lipgloss.Color
	Stored  lipgloss.Color
	New     lipgloss.Color
	Match   lipgloss.Color
	Miss    lipgloss.Color
	Dim     lipgloss.Color
}

var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Stored:  lipgloss.Color("#4bc0c0"),
	New:     lipgloss.Color("#ff6384"),
	Match:   lipgloss.Color("#00ff9f"),
	Miss:    lipgloss.Color("#ff5f5f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Help    lipgloss.Style
	Stored  lipgloss.Style
	New     lipgloss.Style
	Match   lipgloss.Style
	Miss    lipgloss.Style
	Verdict lipgloss.Style
}

func NewStyles(t Theme) Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Label:   lipgloss.NewStyle().Foreground(t.Dim),
		Help:    lipgloss.NewStyle().Foreground(t.Dim),
		Stored:  lipgloss.NewStyle().Foreground(t.Stored),
		New:     lipgloss.NewStyle().Foreground(t.New),
		Match:   lipgloss.NewStyle().Bold(true).Foreground(t.Match),
		Miss:    lipgloss.NewStyle().Bold(true).Foreground(t.Miss),
		Verdict: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

// RenderChart draws each dimension as one bar per series, scaled to the
// largest magnitude in the dataset. Negative values are drawn with a
// different glyph.
func RenderChart(ds Dataset, s Styles, barWidth int) string {
	if barWidth < 4 {
		barWidth = 4
	}
	if len(ds.Series) == 0 {
		return s.Help.Render("No embeddings to display")
	}

	maxAbs := 0.0
	for _, series := range ds.Series {
		for _, v := range series.Data {
			maxAbs = math.Max(maxAbs, math.Abs(v))
		}
	}

	labelWidth := 0
	for _, l := range ds.Labels {
		labelWidth = max(labelWidth, len(l))
	}

	var b strings.Builder
	b.WriteString(s.Title.Render("Voice Embedding Comparison"))
	b.WriteString("\n")

	for i, label := range ds.Labels {
		for j, series := range ds.Series {
			name := ""
			if j == 0 {
				name = label
			}
			b.WriteString(s.Label.Render(fmt.Sprintf("%-*s", labelWidth, name)))
			b.WriteString(" ")

			style := s.Stored
			if series.Label == NewLabel {
				style = s.New
			}

			if i >= len(series.Data) {
				b.WriteString(s.Help.Render("-"))
				b.WriteString("\n")
				continue
			}
			v := series.Data[i]
			b.WriteString(style.Render(bar(v, maxAbs, barWidth)))
			b.WriteString(fmt.Sprintf(" %+.4f", v))
			b.WriteString("\n")
		}
	}

	var legend []string
	for _, series := range ds.Series {
		style := s.Stored
		if series.Label == NewLabel {
			style = s.New
		}
		legend = append(legend, style.Render("■ "+series.Label))
	}
	b.WriteString(strings.Join(legend, "  "))

	return b.String()
}

func bar(v, maxAbs float64, width int) string {
	n := 0
	if maxAbs > 0 {
		n = int(math.Round(math.Abs(v) / maxAbs * float64(width)))
	}
	glyph := "█"
	if v < 0 {
		glyph = "▒"
	}
	return strings.Repeat(glyph, n) + strings.Repeat(" ", width-n)
}

// Verdict is what RenderVerdict needs from a comparison result.
type Verdict interface {
	Summary() string
	Message() string
}

// RenderVerdict draws the verdict box.
func RenderVerdict(v Verdict, match bool, s Styles) string {
	style := s.Miss
	if match {
		style = s.Match
	}
	body := style.Render(v.Summary()) + "\n" + v.Message()
	return s.Verdict.BorderForeground(style.GetForeground()).Render(body)
}

// RenderProgress draws a progress line such as a recording timer or a
// playback position.
func RenderProgress(label string, elapsed, total time.Duration, s Styles, width int) string {
	if width < 4 {
		width = 4
	}
	filled := 0
	if total > 0 {
		filled = int(float64(width) * float64(min(elapsed, total)) / float64(total))
	}
	return fmt.Sprintf("%s %s%s %s / %s",
		s.Title.Render(label),
		s.Stored.Render(strings.Repeat("█", filled)),
		s.Help.Render(strings.Repeat("░", width-filled)),
		FormatDuration(elapsed),
		FormatDuration(total),
	)
}

// FormatDuration formats a duration as m:ss.t
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	tenths := int(d / (100 * time.Millisecond))
	return fmt.Sprintf("%d:%02d.%d", tenths/600, (tenths/10)%60, tenths%10)
}
