// Package inspect builds an offline report of one project straight from the
// database: clock, sessions, run-sheet, pending changes and recent actions.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/clock"
	"github.com/mattjoyce/conductor/internal/model"
)

// Source reads the project state a report is built from.
type Source interface {
	Project(ctx context.Context, projectID int64) (*model.Project, error)
	Phases(ctx context.Context, projectID int64) ([]model.Phase, error)
	Actions(ctx context.Context, projectID int64, limit int) ([]model.ActionEntry, error)
	ClockState(ctx context.Context, projectID int64) (model.ClockState, error)
	Sessions(ctx context.Context, projectID int64) ([]model.Session, error)
	Pending(ctx context.Context, projectID int64) ([]model.ChangeRecord, error)
}

// Report is the structured JSON form of a project report.
type Report struct {
	Project  model.Project        `json:"project"`
	Clock    ClockSummary         `json:"clock"`
	Sessions []model.Session      `json:"sessions"`
	Phases   []PhaseSummary       `json:"phases"`
	Pending  []model.ChangeRecord `json:"pending_changes"`
	Actions  []model.ActionEntry  `json:"recent_actions"`
}

type ClockSummary struct {
	Mode    model.ClockMode `json:"mode"`
	Elapsed string          `json:"elapsed"`
	Version int64           `json:"version"`
}

type PhaseSummary struct {
	PhaseNumber int            `json:"phase"`
	IsActive    bool           `json:"is_active"`
	Rows        int            `json:"rows"`
	Statuses    map[string]int `json:"statuses"`
}

// Gather reads everything a report shows. Actions are limited to the most
// recent actionLimit entries.
func Gather(ctx context.Context, src Source, projectID int64, actionLimit int, now time.Time) (*Report, error) {
	p, err := src.Project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	st, err := src.ClockState(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load clock: %w", err)
	}
	sessions, err := src.Sessions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	phases, err := src.Phases(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load phases: %w", err)
	}
	pending, err := src.Pending(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load pending changes: %w", err)
	}
	actions, err := src.Actions(ctx, projectID, actionLimit)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}

	r := &Report{
		Project:  *p,
		Clock:    ClockSummary{Mode: st.Mode(), Elapsed: clock.Format(st.Elapsed(now)), Version: st.Version},
		Sessions: sessions,
		Pending:  pending,
		Actions:  actions,
		Phases:   make([]PhaseSummary, 0, len(phases)),
	}
	for _, ph := range phases {
		sum := PhaseSummary{PhaseNumber: ph.PhaseNumber, IsActive: ph.IsActive, Rows: len(ph.Rows), Statuses: map[string]int{}}
		for _, row := range ph.Rows {
			sum.Statuses[string(row.Status)]++
		}
		r.Phases = append(r.Phases, sum)
	}
	return r, nil
}

// Human renders a terminal-friendly report.
func Human(r *Report) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Project Report\n")
	fmt.Fprintf(&out, "Project     : %s (id %d)\n", r.Project.Name, r.Project.ID)
	fmt.Fprintf(&out, "Version     : %s\n", renderUnset(r.Project.Version, "<none>"))
	fmt.Fprintf(&out, "Roles       : %s\n", renderUnset(strings.Join(r.Project.Roles, ", "), "<none>"))
	fmt.Fprintf(&out, "Clock       : %s %s (v%d)\n", r.Clock.Mode, r.Clock.Elapsed, r.Clock.Version)
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Sessions (%d)\n", len(r.Sessions))
	for _, s := range r.Sessions {
		fmt.Fprintf(&out, "  %-14s %-16s last heartbeat %s\n", s.Role, s.Name, s.LastHeartbeatAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Phases (%d)\n", len(r.Phases))
	for _, p := range r.Phases {
		active := ""
		if p.IsActive {
			active = " active"
		}
		fmt.Fprintf(&out, "  [%d]%s rows=%d %s\n", p.PhaseNumber, active, p.Rows, formatCounts(p.Statuses))
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Pending changes (%d)\n", len(r.Pending))
	for _, c := range r.Pending {
		fmt.Fprintf(&out, "  %s %-14s submission %s\n", shortID(c.ID), c.Type, shortID(c.SubmissionID))
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Recent actions (%d)\n", len(r.Actions))
	for _, a := range r.Actions {
		fmt.Fprintf(&out, "  %s %-20s %s/%s\n", a.At.Format(time.RFC3339), a.ActionType, renderUnset(a.UserRole, "-"), renderUnset(a.UserName, "-"))
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

// JSON returns the machine-readable report.
func JSON(r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func formatCounts(counts map[string]int) string {
	var parts []string
	for _, s := range []model.RowStatus{model.StatusPassed, model.StatusFailed, model.StatusNA} {
		if n := counts[string(s)]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	return strings.Join(parts, " ")
}

func renderUnset(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
