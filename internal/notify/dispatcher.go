// Package notify implements the notification dispatcher: single-slot
// mailboxes per (session, command stream) with poll/ack delivery and a
// best-effort push side channel. It does not interpret commands.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clog "github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/storage"
)

// Message is a publish request.
type Message struct {
	ProjectID int64
	Audience  Audience
	Command   string
	Payload   json.RawMessage
	// Key overrides the content-derived message ID.
	Key string
}

// Notification is a stored or pushed message.
type Notification struct {
	ID        string          `json:"id"`
	ProjectID int64           `json:"project_id"`
	Audience  Audience        `json:"audience"`
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Delivered bool            `json:"delivered"`
}

// Pusher receives every published notification for live subscribers.
type Pusher interface {
	Push(n Notification)
}

// AudienceResolver expands the project-wide audience into live sessions.
type AudienceResolver interface {
	Recipients(ctx context.Context, projectID int64) ([]Audience, error)
}

type Options struct {
	Pusher  Pusher
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Dispatcher struct {
	db      *sql.DB
	pusher  Pusher
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	resolver AudienceResolver
}

func New(db *sql.DB, opts Options) *Dispatcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		db:      db,
		pusher:  opts.Pusher,
		logger:  clog.ForComponent(opts.Logger, "notify"),
		metrics: opts.Metrics,
		now:     now,
	}
}

// SetResolver installs the resolver used for audience-all fan-out. Until one
// is set, audience-all messages are pushed but not stored.
func (d *Dispatcher) SetResolver(r AudienceResolver) {
	d.mu.Lock()
	d.resolver = r
	d.mu.Unlock()
}

// Publish stores msg in every addressed mailbox, replacing any previous entry
// on the same command stream, then pushes it.
func (d *Dispatcher) Publish(ctx context.Context, msg Message) (Notification, error) {
	if msg.ProjectID <= 0 {
		return Notification{}, fmt.Errorf("%w: project id is required", model.ErrInvalidInput)
	}
	if msg.Command == "" {
		return Notification{}, fmt.Errorf("%w: command is required", model.ErrInvalidInput)
	}
	if err := msg.Audience.validate(); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	id := msg.Key
	if id == "" {
		id = MessageID(msg.Command, payload)
	}

	n := Notification{
		ID:        id,
		ProjectID: msg.ProjectID,
		Audience:  msg.Audience,
		Command:   msg.Command,
		Payload:   payload,
		CreatedAt: d.now().UTC(),
	}

	targets := []Audience{msg.Audience}
	if msg.Audience.IsAll() {
		var err error
		targets, err = d.recipients(ctx, msg.ProjectID)
		if err != nil {
			return Notification{}, err
		}
	}

	audience, err := json.Marshal(msg.Audience)
	if err != nil {
		return Notification{}, fmt.Errorf("encode audience: %w", err)
	}
	err = storage.InTx(ctx, d.db, func(tx *sql.Tx) error {
		for _, t := range targets {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO mailbox(project_id, role, name, stream, message_id, audience, payload, delivered, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?)
ON CONFLICT(project_id, role, name, stream) DO UPDATE SET
  message_id = excluded.message_id,
  audience   = excluded.audience,
  payload    = excluded.payload,
  delivered  = 0,
  created_at = excluded.created_at;
`, n.ProjectID, t.Role, t.Name, n.Command, n.ID, string(audience), string(payload), storage.FormatTime(n.CreatedAt)); err != nil {
				return fmt.Errorf("write mailbox %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		return Notification{}, err
	}

	d.metrics.NotificationPublished(n.Command)
	if d.pusher != nil {
		d.pusher.Push(n)
	}
	d.logger.Debug("notification published",
		"project_id", n.ProjectID,
		"command", n.Command,
		"audience", n.Audience.String(),
		"id", n.ID,
		"mailboxes", len(targets),
	)
	return n, nil
}

func (d *Dispatcher) recipients(ctx context.Context, projectID int64) ([]Audience, error) {
	d.mu.RLock()
	r := d.resolver
	d.mu.RUnlock()
	if r == nil {
		return nil, nil
	}
	out, err := r.Recipients(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	return out, nil
}

// Poll returns the oldest undeleted entry addressed to the session or its
// role and marks it delivered. It returns nil when the mailbox is empty.
func (d *Dispatcher) Poll(ctx context.Context, projectID int64, role, name string) (*Notification, error) {
	if role == "" {
		return nil, fmt.Errorf("%w: role is required", model.ErrInvalidInput)
	}

	var out *Notification
	err := storage.InTx(ctx, d.db, func(tx *sql.Tx) error {
		var (
			rowName   string
			stream    string
			id        string
			audience  string
			payload   string
			createdAt string
		)
		row := tx.QueryRowContext(ctx, `
SELECT name, stream, message_id, audience, payload, created_at
FROM mailbox
WHERE project_id = ? AND role = ? AND (name = ? OR name = '')
ORDER BY created_at ASC, stream ASC
LIMIT 1;
`, projectID, role, name)
		if err := row.Scan(&rowName, &stream, &id, &audience, &payload, &createdAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("poll mailbox: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE mailbox SET delivered = 1
WHERE project_id = ? AND role = ? AND name = ? AND stream = ?;
`, projectID, role, rowName, stream); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}

		n := &Notification{
			ID:        id,
			ProjectID: projectID,
			Command:   stream,
			Payload:   json.RawMessage(payload),
			CreatedAt: storage.ParseTime(createdAt),
			Delivered: true,
		}
		if err := json.Unmarshal([]byte(audience), &n.Audience); err != nil {
			return fmt.Errorf("decode audience: %w", err)
		}
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ack removes delivered entries for the session. With an id only the entry
// still carrying that id is removed, so a newer overwrite survives. Acking
// twice is a no-op.
func (d *Dispatcher) Ack(ctx context.Context, projectID int64, role, name, id string) error {
	if role == "" {
		return fmt.Errorf("%w: role is required", model.ErrInvalidInput)
	}
	var err error
	if id != "" {
		_, err = d.db.ExecContext(ctx, `
DELETE FROM mailbox
WHERE project_id = ? AND role = ? AND (name = ? OR name = '') AND message_id = ?;
`, projectID, role, name, id)
	} else {
		_, err = d.db.ExecContext(ctx, `
DELETE FROM mailbox
WHERE project_id = ? AND role = ? AND (name = ? OR name = '') AND delivered = 1;
`, projectID, role, name)
	}
	if err != nil {
		return fmt.Errorf("ack mailbox: %w", err)
	}
	return nil
}

// DropSession deletes every entry addressed to one named session.
func (d *Dispatcher) DropSession(ctx context.Context, projectID int64, role, name string) error {
	if _, err := d.db.ExecContext(ctx, `
DELETE FROM mailbox WHERE project_id = ? AND role = ? AND name = ?;
`, projectID, role, name); err != nil {
		return fmt.Errorf("drop session mailbox: %w", err)
	}
	return nil
}

// Clear deletes one command stream of a named session, delivered or not.
func (d *Dispatcher) Clear(ctx context.Context, projectID int64, role, name, command string) error {
	if _, err := d.db.ExecContext(ctx, `
DELETE FROM mailbox WHERE project_id = ? AND role = ? AND name = ? AND stream = ?;
`, projectID, role, name, command); err != nil {
		return fmt.Errorf("clear mailbox stream: %w", err)
	}
	return nil
}

// Prune deletes entries created before now-olderThan.
func (d *Dispatcher) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := storage.FormatTime(d.now().Add(-olderThan))
	res, err := d.db.ExecContext(ctx, `DELETE FROM mailbox WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune mailbox: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		d.logger.Info("pruned mailbox entries", "count", n)
	}
	return n, nil
}
