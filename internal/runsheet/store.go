// Package runsheet is the canonical store of projects, phases, rows,
// periodic scripts and the action log. Writes go through an Editor under
// the project lock; every committed change is announced to the project.
package runsheet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/lock"
	clog "github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/storage"
)

type Options struct {
	Locks  *lock.ProjectLocks
	Logger *slog.Logger
	Now    func() time.Time
}

type Store struct {
	db       *sql.DB
	notifier protocol.Publisher
	locks    *lock.ProjectLocks
	logger   *slog.Logger
	now      func() time.Time
}

func New(db *sql.DB, notifier protocol.Publisher, opts Options) *Store {
	s := &Store{
		db:       db,
		notifier: notifier,
		locks:    opts.Locks,
		logger:   clog.ForComponent(opts.Logger, "runsheet"),
		now:      opts.Now,
	}
	if s.locks == nil {
		s.locks = lock.NewProjectLocks()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Edit runs fn in a transaction under the project lock and, once committed,
// publishes the events fn returned to the whole project.
func (s *Store) Edit(ctx context.Context, projectID int64, fn func(e *Editor) ([]protocol.Event, error)) error {
	unlock := s.locks.Lock(projectID)
	defer unlock()

	var events []protocol.Event
	err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := queryProject(ctx, tx, projectID); err != nil {
			return err
		}
		var err error
		events, err = fn(NewEditor(tx, projectID, s.now()))
		return err
	})
	if err != nil {
		return err
	}
	s.Announce(ctx, projectID, events...)
	return nil
}

// Announce publishes run-sheet events to every session of the project.
func (s *Store) Announce(ctx context.Context, projectID int64, events ...protocol.Event) {
	for _, ev := range events {
		if err := protocol.Send(ctx, s.notifier, projectID, notify.All(), ev); err != nil {
			s.logger.Warn("run-sheet event not delivered", "project_id", projectID, "command", ev.Command(), "error", err)
		}
	}
}

// CreateProject creates a project with its initial roles.
func (s *Store) CreateProject(ctx context.Context, name string, roles []string) (*model.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", model.ErrInvalidInput)
	}
	now := storage.FormatTime(s.now())
	var id int64
	err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO projects(name, created_at, updated_at) VALUES(?, ?, ?);`, name, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: project %q exists", model.ErrConflict, name)
			}
			return fmt.Errorf("insert project: %w", err)
		}
		id, _ = res.LastInsertId()
		e := NewEditor(tx, id, s.now())
		seen := map[string]bool{}
		for _, r := range roles {
			r = strings.TrimSpace(r)
			if seen[r] {
				continue
			}
			seen[r] = true
			if err := e.AddRole(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	clog.WithProject(s.logger, id).Info("project created", "name", name)
	return queryProject(ctx, s.db, id)
}

func (s *Store) Project(ctx context.Context, projectID int64) (*model.Project, error) {
	return queryProject(ctx, s.db, projectID)
}

func (s *Store) Projects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM projects ORDER BY name COLLATE NOCASE ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan project: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Project, 0, len(ids))
	for _, id := range ids {
		p, err := queryProject(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *Store) SetVersion(ctx context.Context, projectID int64, version string) error {
	return s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		if err := e.SetVersion(ctx, version); err != nil {
			return nil, err
		}
		if err := e.LogAction(ctx, model.ActionRunsheetEdit, map[string]string{"version": version}); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.DataUpdated{Kind: protocol.DataVersion}}, nil
	})
}

func (s *Store) Roles(ctx context.Context, projectID int64) ([]string, error) {
	if _, err := queryProject(ctx, s.db, projectID); err != nil {
		return nil, err
	}
	return queryRoles(ctx, s.db, projectID)
}

func (s *Store) AddRole(ctx context.Context, projectID int64, role string) error {
	return s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		if err := e.AddRole(ctx, role); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.DataUpdated{Kind: protocol.DataRoles}}, nil
	})
}

func (s *Store) DeleteRole(ctx context.Context, projectID int64, role string) error {
	return s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		if err := e.DeleteRole(ctx, role); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.DataUpdated{Kind: protocol.DataRoles}}, nil
	})
}

// Phases returns the project's phases with rows in order.
func (s *Store) Phases(ctx context.Context, projectID int64) ([]model.Phase, error) {
	if _, err := queryProject(ctx, s.db, projectID); err != nil {
		return nil, err
	}
	return queryPhases(ctx, s.db, projectID)
}

func (s *Store) CreatePhase(ctx context.Context, projectID int64, active bool) (*model.Phase, error) {
	var out *model.Phase
	err := s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		p, err := e.CreatePhase(ctx, active)
		if err != nil {
			return nil, err
		}
		out = p
		return []protocol.Event{protocol.PhasesUpdated{Reason: "phase_created", PhaseNumber: p.PhaseNumber}}, nil
	})
	return out, err
}

func (s *Store) SetPhaseActive(ctx context.Context, projectID int64, number int, active bool) (*model.Phase, error) {
	var out *model.Phase
	err := s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		p, err := e.SetPhaseActive(ctx, number, active)
		if err != nil {
			return nil, err
		}
		if err := e.LogAction(ctx, model.ActionPhaseActivation, map[string]any{"phase": number, "active": active}); err != nil {
			return nil, err
		}
		out = p
		return []protocol.Event{protocol.PhasesUpdated{Reason: "phase_activation", PhaseNumber: number}}, nil
	})
	return out, err
}

func (s *Store) DeletePhase(ctx context.Context, projectID int64, number int) error {
	return s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		if err := e.DeletePhase(ctx, number); err != nil {
			return nil, err
		}
		if err := e.LogAction(ctx, model.ActionRunsheetEdit, map[string]any{"op": "phase_delete", "phase": number}); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.PhasesUpdated{Reason: "phase_deleted", PhaseNumber: number}}, nil
	})
}

// InsertRow adds a row at position (nil appends) in a phase.
func (s *Store) InsertRow(ctx context.Context, projectID int64, phaseNumber int, position *int, fields model.RowFields) (model.Row, error) {
	if err := fields.Validate(); err != nil {
		return model.Row{}, err
	}
	var out model.Row
	err := s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		row := model.NewRow()
		fields.Apply(&row)
		pos := -1
		if position != nil {
			pos = *position
		}
		r, err := e.InsertRow(ctx, phaseNumber, pos, row)
		if err != nil {
			return nil, err
		}
		out = r
		return []protocol.Event{protocol.PhasesUpdated{Reason: "row_added", PhaseNumber: phaseNumber}}, nil
	})
	return out, err
}

// UpdateRow edits row columns. Status changes are recorded in the action log.
func (s *Store) UpdateRow(ctx context.Context, projectID, rowID int64, fields model.RowFields) (model.Row, error) {
	var out model.Row
	err := s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		before, phase, err := e.Row(ctx, rowID)
		if err != nil {
			return nil, err
		}
		r, err := e.UpdateRow(ctx, rowID, fields)
		if err != nil {
			return nil, err
		}
		if r.Status != before.Status {
			if err := e.LogAction(ctx, model.ActionRowStatusChange, map[string]any{
				"row_id": rowID, "phase": phase, "from": before.Status, "to": r.Status,
			}); err != nil {
				return nil, err
			}
		}
		out = r
		return []protocol.Event{protocol.PhasesUpdated{Reason: "row_updated", PhaseNumber: phase}}, nil
	})
	return out, err
}

func (s *Store) DeleteRow(ctx context.Context, projectID, rowID int64) error {
	return s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		_, phase, err := e.Row(ctx, rowID)
		if err != nil {
			return nil, err
		}
		if _, err := e.DeleteRow(ctx, rowID); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.PhasesUpdated{Reason: "row_deleted", PhaseNumber: phase}}, nil
	})
}

func (s *Store) MoveRow(ctx context.Context, projectID, rowID int64, targetPhase, targetPosition int) (model.Row, error) {
	var out model.Row
	err := s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		r, err := e.MoveRow(ctx, rowID, targetPhase, targetPosition)
		if err != nil {
			return nil, err
		}
		out = r
		return []protocol.Event{protocol.PhasesUpdated{Reason: "row_moved", PhaseNumber: targetPhase}}, nil
	})
	return out, err
}

func (s *Store) DuplicateRow(ctx context.Context, projectID, rowID int64, targetPhase, targetPosition int) (model.Row, error) {
	var out model.Row
	err := s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		r, err := e.DuplicateRow(ctx, rowID, targetPhase, targetPosition)
		if err != nil {
			return nil, err
		}
		out = r
		return []protocol.Event{protocol.PhasesUpdated{Reason: "row_duplicated", PhaseNumber: targetPhase}}, nil
	})
	return out, err
}

func (s *Store) ResetStatuses(ctx context.Context, projectID int64) (int64, error) {
	var n int64
	err := s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		var err error
		if n, err = e.ResetStatuses(ctx); err != nil {
			return nil, err
		}
		if err := e.LogAction(ctx, model.ActionResetStatuses, map[string]int64{"rows": n}); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.PhasesUpdated{Reason: "statuses_reset"}}, nil
	})
	return n, err
}

// ReplaceTable swaps the whole run-sheet for phases in one transaction.
func (s *Store) ReplaceTable(ctx context.Context, projectID int64, phases []model.Phase) error {
	return s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		if err := e.ReplaceTable(ctx, phases); err != nil {
			return nil, err
		}
		if err := e.LogAction(ctx, model.ActionRunsheetEdit, map[string]int{"phases": len(phases)}); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.PhasesUpdated{Reason: "table_replaced"}}, nil
	})
}

func (s *Store) Scripts(ctx context.Context, projectID int64) ([]model.PeriodicScript, error) {
	if _, err := queryProject(ctx, s.db, projectID); err != nil {
		return nil, err
	}
	return queryScripts(ctx, s.db, projectID)
}

func (s *Store) AddScript(ctx context.Context, projectID int64, script model.PeriodicScript) (model.PeriodicScript, error) {
	var out model.PeriodicScript
	err := s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		var err error
		if out, err = e.AddScript(ctx, script); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.DataUpdated{Kind: protocol.DataScripts}}, nil
	})
	return out, err
}

func (s *Store) UpdateScript(ctx context.Context, projectID, scriptID int64, fields model.ScriptFields) (model.PeriodicScript, error) {
	var out model.PeriodicScript
	err := s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		var err error
		if out, err = e.UpdateScript(ctx, scriptID, fields); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.DataUpdated{Kind: protocol.DataScripts}}, nil
	})
	return out, err
}

func (s *Store) RecordScriptRun(ctx context.Context, projectID, scriptID int64, status bool) (model.PeriodicScript, error) {
	var out model.PeriodicScript
	err := s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		var err error
		if out, err = e.RecordScriptRun(ctx, scriptID, status); err != nil {
			return nil, err
		}
		if err := e.LogAction(ctx, model.ActionScriptRun, map[string]any{"script_id": scriptID, "status": status}); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.DataUpdated{Kind: protocol.DataScripts}}, nil
	})
	return out, err
}

func (s *Store) DeleteScript(ctx context.Context, projectID, scriptID int64) error {
	return s.Edit(ctx, projectID, func(e *Editor) ([]protocol.Event, error) {
		if err := e.DeleteScript(ctx, scriptID); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.DataUpdated{Kind: protocol.DataScripts}}, nil
	})
}

// Actions returns up to limit audit entries, newest first.
func (s *Store) Actions(ctx context.Context, projectID int64, limit int) ([]model.ActionEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, user_name, user_role, action_type, details, at
FROM action_log WHERE project_id = ?
ORDER BY id DESC LIMIT ?;
`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()
	out := []model.ActionEntry{}
	for rows.Next() {
		var (
			a       model.ActionEntry
			details string
			at      string
		)
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.UserName, &a.UserRole, &a.ActionType, &details, &at); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Details = json.RawMessage(details)
		a.At = storage.ParseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
