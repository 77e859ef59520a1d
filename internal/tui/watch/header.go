package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/clock"
	"github.com/mattjoyce/conductor/internal/model"
)

// HealthState tracks server health from /healthz polling.
type HealthState struct {
	api.HealthzResponse
	Connected bool
	LastCheck time.Time
}

func renderHeader(project model.Project, health HealthState, replica *clock.Replica, ticker Ticker, activity Activity, theme Theme, now time.Time, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("LIVE")
	statusIcon := "✅"
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
		statusIcon = "⚠️"
	}

	name := project.Name
	if name == "" {
		name = fmt.Sprintf("project %d", project.ID)
	}
	titleText := fmt.Sprintf(" CONDUCTOR WATCH %s  %s", theme.Highlight.Render(ticker.Current()), theme.Header.Render(name))
	if project.Version != "" {
		titleText += theme.Dim.Render(" " + project.Version)
	}
	wall := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(wall)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + wall + " "

	clockLine := " " + renderClock(replica, theme, now)

	uptime := time.Duration(health.UptimeSeconds) * time.Second
	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Push clients: %d",
		statusIcon, statusText,
		formatDuration(uptime),
		health.PushSubscribers,
	)

	lastEvent := "never"
	if at := activity.LastEvent(); !at.IsZero() {
		lastEvent = humanize.RelTime(at, now, "ago", "from now")
	}
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		clockLine,
		statsLine,
		activityLine,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

// renderClock shows the elapsed show time, recomputed from the snapshot on
// every frame.
func renderClock(replica *clock.Replica, theme Theme, now time.Time) string {
	st, ok := replica.State()
	if !ok {
		return theme.Dim.Render("clock: waiting for state")
	}
	elapsed := theme.Clock.Render(clock.Format(replica.Elapsed(now)))

	var mode string
	switch st.Mode() {
	case model.ClockRunning:
		mode = theme.StatusOK.Render("RUNNING")
	case model.ClockTargetTracking:
		mode = theme.Highlight.Render("TARGET")
		if st.TargetDateTime != nil {
			mode += theme.Dim.Render(" " + st.TargetDateTime.Local().Format("15:04:05"))
		}
	default:
		mode = theme.StatusIdle.Render("STOPPED")
	}
	return fmt.Sprintf("⏲ %s  %s  %s", elapsed, mode, theme.Dim.Render(fmt.Sprintf("v%d", st.Version)))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
