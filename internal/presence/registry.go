// Package presence tracks which participant holds each role of a project.
// A role has at most one live session; sessions die when heartbeats stop.
package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/lock"
	clog "github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/storage"
)

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks github.com/mattjoyce/conductor/internal/presence Notifier

// Notifier publishes presence signals and clears stale ones.
type Notifier interface {
	Publish(ctx context.Context, msg notify.Message) (notify.Notification, error)
	Clear(ctx context.Context, projectID int64, role, name, command string) error
}

// ReasonHeartbeatTimeout is the user_deactivated reason for evictions.
const ReasonHeartbeatTimeout = "heartbeat timeout"

type Options struct {
	TTL     time.Duration
	Locks   *lock.ProjectLocks
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Registry struct {
	db       *sql.DB
	notifier Notifier
	locks    *lock.ProjectLocks
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(db *sql.DB, notifier Notifier, opts Options) *Registry {
	r := &Registry{
		db:       db,
		notifier: notifier,
		locks:    opts.Locks,
		ttl:      opts.TTL,
		logger:   clog.ForComponent(opts.Logger, "presence"),
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
	if r.locks == nil {
		r.locks = lock.NewProjectLocks()
	}
	if r.ttl <= 0 {
		r.ttl = 90 * time.Second
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// TTL is the heartbeat silence after which a session is evicted.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Claim binds name to (projectID, role). Re-claiming under the same name
// refreshes the session; an unexpired session under another name wins.
func (r *Registry) Claim(ctx context.Context, projectID int64, role, name string) (*model.Session, error) {
	if err := validateIdentity(projectID, role, name); err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(projectID)
	defer unlock()

	now := r.now().UTC()
	existing, err := r.get(ctx, projectID, role)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Name == name {
			if err := r.touch(ctx, projectID, role, now); err != nil {
				return nil, err
			}
			existing.LastHeartbeatAt = now
			return existing, nil
		}
		if !existing.Expired(now, r.ttl) {
			return nil, fmt.Errorf("%w: %s is held by %s", model.ErrRoleTaken, role, existing.Name)
		}
		if err := r.evict(ctx, *existing, ReasonHeartbeatTimeout); err != nil {
			return nil, err
		}
	}

	s := &model.Session{ProjectID: projectID, Role: role, Name: name, ClaimedAt: now, LastHeartbeatAt: now}
	if _, err := r.db.ExecContext(ctx, `
INSERT INTO sessions(project_id, role, name, claimed_at, last_heartbeat_at)
VALUES(?, ?, ?, ?, ?);
`, projectID, role, name, storage.FormatTime(now), storage.FormatTime(now)); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	// A user_deactivated left from an earlier eviction would log the new
	// session straight out again.
	if err := r.notifier.Clear(ctx, projectID, role, name, string(protocol.CmdUserDeactivated)); err != nil {
		r.logger.Warn("clear user_deactivated", "project_id", projectID, "role", role, "name", name, "error", err)
	}

	clog.WithProject(r.logger, projectID).Info("role claimed", "role", role, "name", name)
	r.presenceChanged(ctx, projectID)
	return s, nil
}

// Heartbeat refreshes a live session. A session past its TTL is evicted here
// rather than waiting for the sweeper.
func (r *Registry) Heartbeat(ctx context.Context, projectID int64, role, name string) (*model.Session, error) {
	if err := validateIdentity(projectID, role, name); err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(projectID)
	defer unlock()

	now := r.now().UTC()
	s, err := r.get(ctx, projectID, role)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Name != name {
		return nil, model.ErrSessionNotFound
	}
	if s.Expired(now, r.ttl) {
		if err := r.evict(ctx, *s, ReasonHeartbeatTimeout); err != nil {
			return nil, err
		}
		r.presenceChanged(ctx, projectID)
		return nil, model.ErrSessionNotFound
	}
	if err := r.touch(ctx, projectID, role, now); err != nil {
		return nil, err
	}
	s.LastHeartbeatAt = now
	return s, nil
}

// Release ends the session if name still holds role. Releasing a slot held
// by someone else, or nothing, is a no-op.
func (r *Registry) Release(ctx context.Context, projectID int64, role, name string) error {
	if err := validateIdentity(projectID, role, name); err != nil {
		return err
	}
	unlock := r.locks.Lock(projectID)
	defer unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE project_id = ? AND role = ? AND name = ?;`, projectID, role, name)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	clog.WithProject(r.logger, projectID).Info("role released", "role", role, "name", name)
	r.presenceChanged(ctx, projectID)
	return nil
}

// List returns the live sessions of a project sorted by role.
func (r *Registry) List(ctx context.Context, projectID int64) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT project_id, role, name, claimed_at, last_heartbeat_at
FROM sessions
WHERE project_id = ? AND last_heartbeat_at >= ?
ORDER BY role ASC;
`, projectID, storage.FormatTime(r.now().Add(-r.ttl)))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return scanSessions(rows)
}

// Lookup returns the live session of (role, name) or ErrSessionNotFound.
func (r *Registry) Lookup(ctx context.Context, projectID int64, role, name string) (*model.Session, error) {
	s, err := r.get(ctx, projectID, role)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Name != name || s.Expired(r.now(), r.ttl) {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

// Recipients implements notify.AudienceResolver.
func (r *Registry) Recipients(ctx context.Context, projectID int64) ([]notify.Audience, error) {
	sessions, err := r.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]notify.Audience, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, notify.Session(s.Role, s.Name))
	}
	return out, nil
}

// EvictStale removes every session whose heartbeat is older than the TTL and
// returns what was removed.
func (r *Registry) EvictStale(ctx context.Context) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT project_id, role, name, claimed_at, last_heartbeat_at
FROM sessions
WHERE last_heartbeat_at < ?
ORDER BY project_id, role;
`, storage.FormatTime(r.now().Add(-r.ttl)))
	if err != nil {
		return nil, fmt.Errorf("find stale sessions: %w", err)
	}
	candidates, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}

	var evicted []model.Session
	byProject := map[int64][]model.Session{}
	var order []int64
	for _, s := range candidates {
		if _, ok := byProject[s.ProjectID]; !ok {
			order = append(order, s.ProjectID)
		}
		byProject[s.ProjectID] = append(byProject[s.ProjectID], s)
	}
	for _, projectID := range order {
		done, err := r.evictProject(ctx, projectID, byProject[projectID])
		evicted = append(evicted, done...)
		if err != nil {
			return evicted, err
		}
	}
	r.metrics.SessionsEvicted(len(evicted))
	return evicted, nil
}

func (r *Registry) evictProject(ctx context.Context, projectID int64, candidates []model.Session) ([]model.Session, error) {
	unlock := r.locks.Lock(projectID)
	defer unlock()

	now := r.now()
	var evicted []model.Session
	for _, c := range candidates {
		// A heartbeat or new claim may have landed since the scan.
		current, err := r.get(ctx, projectID, c.Role)
		if err != nil {
			return evicted, err
		}
		if current == nil || current.Name != c.Name || !current.Expired(now, r.ttl) {
			continue
		}
		if err := r.evict(ctx, *current, ReasonHeartbeatTimeout); err != nil {
			return evicted, err
		}
		evicted = append(evicted, *current)
	}
	if len(evicted) > 0 {
		r.presenceChanged(ctx, projectID)
	}
	return evicted, nil
}

// evict signals the holder and then deletes the session. Callers hold the
// project lock.
func (r *Registry) evict(ctx context.Context, s model.Session, reason string) error {
	if err := protocol.Send(ctx, r.notifier, s.ProjectID, notify.Session(s.Role, s.Name),
		protocol.UserDeactivated{Role: s.Role, Name: s.Name, Reason: reason}); err != nil {
		r.logger.Warn("user_deactivated not delivered", "project_id", s.ProjectID, "role", s.Role, "name", s.Name, "error", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE project_id = ? AND role = ? AND name = ?;`,
		s.ProjectID, s.Role, s.Name); err != nil {
		return fmt.Errorf("evict session: %w", err)
	}
	clog.WithProject(r.logger, s.ProjectID).Info("session evicted", "role", s.Role, "name", s.Name, "reason", reason)
	return nil
}

func (r *Registry) presenceChanged(ctx context.Context, projectID int64) {
	sessions, err := r.List(ctx, projectID)
	if err != nil {
		r.logger.Warn("list sessions for presence_changed", "project_id", projectID, "error", err)
		return
	}
	r.metrics.SetLiveSessions(strconv.FormatInt(projectID, 10), len(sessions))
	if sessions == nil {
		sessions = []model.Session{}
	}
	if err := protocol.Send(ctx, r.notifier, projectID, notify.All(), protocol.PresenceChanged{Sessions: sessions}); err != nil {
		r.logger.Warn("presence_changed not delivered", "project_id", projectID, "error", err)
	}
}

func (r *Registry) get(ctx context.Context, projectID int64, role string) (*model.Session, error) {
	var (
		s          model.Session
		claimedAt  string
		lastBeatAt string
	)
	err := r.db.QueryRowContext(ctx, `
SELECT project_id, role, name, claimed_at, last_heartbeat_at
FROM sessions WHERE project_id = ? AND role = ?;
`, projectID, role).Scan(&s.ProjectID, &s.Role, &s.Name, &claimedAt, &lastBeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.ClaimedAt = storage.ParseTime(claimedAt)
	s.LastHeartbeatAt = storage.ParseTime(lastBeatAt)
	return &s, nil
}

func (r *Registry) touch(ctx context.Context, projectID int64, role string, now time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE sessions SET last_heartbeat_at = ? WHERE project_id = ? AND role = ?;`,
		storage.FormatTime(now), projectID, role); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func scanSessions(rows *sql.Rows) ([]model.Session, error) {
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		var (
			s          model.Session
			claimedAt  string
			lastBeatAt string
		)
		if err := rows.Scan(&s.ProjectID, &s.Role, &s.Name, &claimedAt, &lastBeatAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.ClaimedAt = storage.ParseTime(claimedAt)
		s.LastHeartbeatAt = storage.ParseTime(lastBeatAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func validateIdentity(projectID int64, role, name string) error {
	if projectID <= 0 {
		return fmt.Errorf("%w: project id is required", model.ErrInvalidInput)
	}
	if strings.TrimSpace(role) == "" || role == notify.AllRoles {
		return fmt.Errorf("%w: role is required", model.ErrInvalidInput)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", model.ErrInvalidInput)
	}
	return nil
}
