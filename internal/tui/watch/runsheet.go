package watch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conductor/internal/model"
)

func newRunsheetTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Ph", Width: 3},
			{Title: "#", Width: 3},
			{Title: "Time", Width: 8},
			{Title: "Dur", Width: 5},
			{Title: "Role", Width: 12},
			{Title: "Description", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// runsheetRows flattens phases into table rows in phase then row order.
// Rows of inactive phases are marked with a dimmed phase number.
func runsheetRows(phases []model.Phase, theme Theme) []table.Row {
	var rows []table.Row
	for _, p := range phases {
		phase := strconv.Itoa(p.PhaseNumber)
		if !p.IsActive {
			phase = theme.Dim.Render(phase)
		}
		for _, r := range p.Rows {
			rows = append(rows, table.Row{
				statusSymbol(r.Status, theme),
				phase,
				strconv.Itoa(r.Position),
				r.Time,
				r.Duration,
				r.Role,
				r.Description,
			})
		}
	}
	return rows
}

func statusSymbol(s model.RowStatus, theme Theme) string {
	switch s {
	case model.StatusPassed:
		return theme.StatusOK.Render("●")
	case model.StatusFailed:
		return theme.StatusFailed.Render("∅")
	default:
		return theme.StatusIdle.Render("○")
	}
}

// statusSummary counts rows per status across all phases.
func statusSummary(phases []model.Phase, theme Theme) string {
	counts := map[model.RowStatus]int{}
	total := 0
	for _, p := range phases {
		for _, r := range p.Rows {
			counts[r.Status]++
			total++
		}
	}
	parts := []string{fmt.Sprintf("%d phases, %d rows", len(phases), total)}
	for _, s := range []model.RowStatus{model.StatusPassed, model.StatusFailed, model.StatusNA} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", theme.rowStatus(string(s)), counts[s]))
		}
	}
	return strings.Join(parts, "  ")
}

func renderRunsheet(t table.Model, phases []model.Phase, theme Theme, width int) string {
	innerWidth := width - 4
	if len(phases) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("RUN-SHEET"),
			theme.Dim.Render("  No phases yet"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("RUN-SHEET")+" "+statusSummary(phases, theme),
		t.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
