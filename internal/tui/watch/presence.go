package watch

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/conductor/internal/model"
)

// renderPresence lists every project role and who holds it.
func renderPresence(roles []string, sessions []model.Session, theme Theme, now time.Time, width int) string {
	innerWidth := width - 4

	held := make(map[string]model.Session, len(sessions))
	for _, s := range sessions {
		held[s.Role] = s
	}
	all := append([]string(nil), roles...)
	for role := range held {
		if !slices.Contains(all, role) {
			all = append(all, role)
		}
	}
	sort.Strings(all)

	if len(all) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("PRESENCE"),
			theme.Dim.Render("  No roles"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for _, role := range all {
		s, ok := held[role]
		if !ok {
			lines = append(lines, fmt.Sprintf("%s %-14s %s", theme.StatusIdle.Render("○"), role, theme.Dim.Render("vacant")))
			continue
		}
		seen := humanize.RelTime(s.LastHeartbeatAt, now, "ago", "from now")
		lines = append(lines, fmt.Sprintf("%s %-14s %-16s %s",
			theme.StatusOK.Render("●"), role, s.Name, theme.Dim.Render("seen "+seen)))
	}

	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("PRESENCE"),
		body,
	)
	return theme.Border.Width(innerWidth).Render(content)
}
