package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conductor/internal/clock"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/protocol"
)

const maxEventLog = 50

func renderEventStream(eventLog []notify.Notification, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, n := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(n, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(n notify.Notification, theme Theme) string {
	ts := theme.Dim.Render(n.CreatedAt.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch protocol.Command(n.Command) {
	case protocol.CmdClockStateUpdate:
		typeStyle = theme.StatusRunning
	case protocol.CmdPendingChangesNotification, protocol.CmdPendingChangesUpdated:
		typeStyle = theme.Highlight
	case protocol.CmdUserDeactivated:
		typeStyle = theme.StatusFailed
	case protocol.CmdPresenceChanged:
		typeStyle = theme.StatusOK
	default:
		typeStyle = theme.Dim
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-28s", n.Command))

	return fmt.Sprintf("%s %s %s %s", ts, typeName, theme.Dim.Render(audienceLabel(n.Audience)), describeEvent(n))
}

func audienceLabel(a notify.Audience) string {
	switch {
	case a.IsAll():
		return "[all]"
	case a.Name == "":
		return "[" + a.Role + "]"
	default:
		return "[" + a.Role + "/" + a.Name + "]"
	}
}

// describeEvent gives a one-line summary of a notification payload.
func describeEvent(n notify.Notification) string {
	ev, err := protocol.DecodeNotification(n)
	if err != nil {
		raw := string(n.Payload)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	switch ev := ev.(type) {
	case protocol.ClockStateUpdate:
		return fmt.Sprintf("%s offset %s v%d", ev.Mode(), clock.Format(ev.InitialOffset), ev.Version)
	case protocol.PhasesUpdated:
		if ev.PhaseNumber > 0 {
			return fmt.Sprintf("%s phase %d", ev.Reason, ev.PhaseNumber)
		}
		return ev.Reason
	case protocol.DataUpdated:
		return ev.Kind
	case protocol.PendingChangesNotification:
		return fmt.Sprintf("%d change(s) from %s (%s)", ev.Count, ev.SubmittedBy, ev.Role)
	case protocol.PendingChangesUpdated:
		s := fmt.Sprintf("%s %s", shortID(ev.RecordID), ev.Status)
		if ev.Error != "" {
			s += ": " + ev.Error
		}
		return s
	case protocol.UserNotification:
		return ev.Level + ": " + ev.Message
	case protocol.ShowModal:
		return ev.Message
	case protocol.UserDeactivated:
		return fmt.Sprintf("%s/%s %s", ev.Role, ev.Name, ev.Reason)
	case protocol.PresenceChanged:
		return fmt.Sprintf("%d session(s)", len(ev.Sessions))
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
