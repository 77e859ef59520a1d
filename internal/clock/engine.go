// Package clock owns the per-project show clock. The server holds the
// authoritative snapshot; clients keep a Replica and derive elapsed time
// from it locally.
package clock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/lock"
	clog "github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/storage"
)

// Clock commands, as recorded in the action log and metrics.
const (
	CmdSetTime     = "set_time"
	CmdStart       = "start"
	CmdStop        = "stop"
	CmdSetTarget   = "set_target"
	CmdClearTarget = "clear_target"
)

type Options struct {
	// StopSkewTolerance bounds how far a manager-proposed stop offset may
	// differ from the server's own computation and still be used.
	StopSkewTolerance time.Duration
	// ClearTargetPolicy is config.ClearTargetZero or config.ClearTargetRestore.
	ClearTargetPolicy string
	Locks             *lock.ProjectLocks
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

type Engine struct {
	db        *sql.DB
	notifier  protocol.Publisher
	locks     *lock.ProjectLocks
	tolerance time.Duration
	policy    string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(db *sql.DB, notifier protocol.Publisher, opts Options) *Engine {
	e := &Engine{
		db:        db,
		notifier:  notifier,
		locks:     opts.Locks,
		tolerance: opts.StopSkewTolerance,
		policy:    opts.ClearTargetPolicy,
		logger:    clog.ForComponent(opts.Logger, "clock"),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if e.locks == nil {
		e.locks = lock.NewProjectLocks()
	}
	if e.policy == "" {
		e.policy = config.ClearTargetZero
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// State returns the current snapshot. A project whose clock was never
// touched is Stopped(0) at version 0.
func (e *Engine) State(ctx context.Context, projectID int64) (model.ClockState, error) {
	return load(ctx, e.db, projectID, e.now().UTC())
}

// SetTime moves the clock to Stopped(seconds) from any mode.
func (e *Engine) SetTime(ctx context.Context, projectID int64, seconds int64) (model.ClockState, error) {
	return e.transition(ctx, projectID, CmdSetTime, func(s *model.ClockState, _ time.Time) (bool, error) {
		s.InitialOffset = seconds
		s.IsRunning = false
		s.LastStartTime = nil
		s.IsUsingTargetTime = false
		s.TargetDateTime = nil
		return true, nil
	})
}

// Start runs a stopped clock from its current offset. Starting a running
// clock changes nothing.
func (e *Engine) Start(ctx context.Context, projectID int64) (model.ClockState, error) {
	return e.transition(ctx, projectID, CmdStart, func(s *model.ClockState, now time.Time) (bool, error) {
		switch s.Mode() {
		case model.ClockTargetTracking:
			return false, fmt.Errorf("%w: start while tracking a target", model.ErrInvalidTransition)
		case model.ClockRunning:
			return false, nil
		}
		started := now
		s.IsRunning = true
		s.LastStartTime = &started
		return true, nil
	})
}

// Stop folds the running time into the offset. When proposedOffset is within
// the skew tolerance of the server value it is used verbatim, so the manager
// sees the clock freeze on the value it displayed.
func (e *Engine) Stop(ctx context.Context, projectID int64, proposedOffset *int64) (model.ClockState, error) {
	return e.transition(ctx, projectID, CmdStop, func(s *model.ClockState, now time.Time) (bool, error) {
		switch s.Mode() {
		case model.ClockTargetTracking:
			return false, fmt.Errorf("%w: stop while tracking a target", model.ErrInvalidTransition)
		case model.ClockStopped:
			return false, nil
		}
		offset := s.Elapsed(now)
		if proposedOffset != nil && withinTolerance(*proposedOffset, offset, e.tolerance) {
			offset = *proposedOffset
		}
		s.InitialOffset = offset
		s.IsRunning = false
		s.LastStartTime = nil
		return true, nil
	})
}

// SetTarget switches to counting against targetAt. A running clock is
// stopped first so its offset survives for the restore policy.
func (e *Engine) SetTarget(ctx context.Context, projectID int64, targetAt time.Time) (model.ClockState, error) {
	if targetAt.IsZero() {
		return model.ClockState{}, fmt.Errorf("%w: target time is required", model.ErrInvalidInput)
	}
	return e.transition(ctx, projectID, CmdSetTarget, func(s *model.ClockState, now time.Time) (bool, error) {
		if s.Mode() == model.ClockRunning {
			s.InitialOffset = s.Elapsed(now)
			s.IsRunning = false
			s.LastStartTime = nil
		}
		target := targetAt.UTC()
		s.TargetDateTime = &target
		s.IsUsingTargetTime = true
		return true, nil
	})
}

// ClearTarget leaves target mode into Stopped(0), or Stopped(prior offset)
// under the restore policy.
func (e *Engine) ClearTarget(ctx context.Context, projectID int64) (model.ClockState, error) {
	return e.transition(ctx, projectID, CmdClearTarget, func(s *model.ClockState, _ time.Time) (bool, error) {
		if s.Mode() != model.ClockTargetTracking {
			return false, fmt.Errorf("%w: no target set", model.ErrInvalidTransition)
		}
		if e.policy != config.ClearTargetRestore {
			s.InitialOffset = 0
		}
		s.IsUsingTargetTime = false
		s.TargetDateTime = nil
		s.IsRunning = false
		s.LastStartTime = nil
		return true, nil
	})
}

type mutation func(s *model.ClockState, now time.Time) (changed bool, err error)

func (e *Engine) transition(ctx context.Context, projectID int64, command string, fn mutation) (model.ClockState, error) {
	if projectID <= 0 {
		return model.ClockState{}, fmt.Errorf("%w: project id is required", model.ErrInvalidInput)
	}
	unlock := e.locks.Lock(projectID)
	defer unlock()

	now := e.now().UTC()
	var (
		out     model.ClockState
		changed bool
	)
	err := storage.InTx(ctx, e.db, func(tx *sql.Tx) error {
		s, err := load(ctx, tx, projectID, now)
		if err != nil {
			return err
		}
		changed, err = fn(&s, now)
		if err != nil {
			return err
		}
		if !changed {
			out = s
			return nil
		}
		s.Version++
		s.Timestamp = now
		if err := save(ctx, tx, s); err != nil {
			return err
		}
		if err := storage.AppendAction(ctx, tx, projectID, now, model.ActionClockCommand, map[string]any{
			"command":        command,
			"offset_seconds": s.InitialOffset,
			"mode":           s.Mode(),
			"version":        s.Version,
		}); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, model.ErrInvalidTransition) {
			outcome = "rejected"
		}
		e.metrics.ClockCommand(command, outcome)
		return model.ClockState{}, err
	}
	if !changed {
		e.metrics.ClockCommand(command, "noop")
		return out, nil
	}
	e.metrics.ClockCommand(command, "ok")

	clog.WithProject(e.logger, projectID).Info("clock transition",
		"command", command,
		"mode", out.Mode(),
		"offset_seconds", out.InitialOffset,
		"version", out.Version,
	)
	if err := protocol.Send(ctx, e.notifier, projectID, notify.All(), protocol.ClockStateUpdate{ClockState: out}); err != nil {
		e.logger.Warn("clock_state_update not delivered", "project_id", projectID, "error", err)
	}
	return out, nil
}

func withinTolerance(proposed, server int64, tolerance time.Duration) bool {
	diff := proposed - server
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff)*time.Second <= tolerance
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, q queryRower, projectID int64, now time.Time) (model.ClockState, error) {
	s := model.ClockState{ProjectID: projectID}
	var (
		running, usingTarget int
		started, target      sql.NullString
		updatedAt            string
	)
	err := q.QueryRowContext(ctx, `
SELECT initial_offset, is_running, last_start_time, target_date_time, is_using_target_time, version, updated_at
FROM clock_state WHERE project_id = ?;
`, projectID).Scan(&s.InitialOffset, &running, &started, &target, &usingTarget, &s.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.Timestamp = now
		return s, nil
	}
	if err != nil {
		return model.ClockState{}, fmt.Errorf("load clock: %w", err)
	}
	s.IsRunning = running != 0
	s.IsUsingTargetTime = usingTarget != 0
	s.LastStartTime = storage.ParseNullTime(started)
	s.TargetDateTime = storage.ParseNullTime(target)
	s.Timestamp = storage.ParseTime(updatedAt)
	return s, nil
}

func save(ctx context.Context, ex storage.Execer, s model.ClockState) error {
	if _, err := ex.ExecContext(ctx, `
INSERT INTO clock_state(project_id, initial_offset, is_running, last_start_time, target_date_time, is_using_target_time, version, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET
  initial_offset       = excluded.initial_offset,
  is_running           = excluded.is_running,
  last_start_time      = excluded.last_start_time,
  target_date_time     = excluded.target_date_time,
  is_using_target_time = excluded.is_using_target_time,
  version              = excluded.version,
  updated_at           = excluded.updated_at;
`, s.ProjectID, s.InitialOffset, boolInt(s.IsRunning), storage.NullTime(s.LastStartTime), storage.NullTime(s.TargetDateTime),
		boolInt(s.IsUsingTargetTime), s.Version, storage.FormatTime(s.Timestamp)); err != nil {
		return fmt.Errorf("save clock: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
