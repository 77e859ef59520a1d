// Package proposal holds run-sheet edits from non-manager participants for
// review. A record touches canonical state only when a manager accepts it,
// and records apply in decision order rather than submission order.
package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/conductor/internal/lock"
	clog "github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/runsheet"
	"github.com/mattjoyce/conductor/internal/storage"
)

type Options struct {
	// ManagerRole reviews submissions and may not submit them.
	ManagerRole string
	Locks       *lock.ProjectLocks
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

type Engine struct {
	db          *sql.DB
	notifier    protocol.Publisher
	managerRole string
	locks       *lock.ProjectLocks
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func New(db *sql.DB, notifier protocol.Publisher, opts Options) *Engine {
	e := &Engine{
		db:          db,
		notifier:    notifier,
		managerRole: opts.ManagerRole,
		locks:       opts.Locks,
		logger:      clog.ForComponent(opts.Logger, "proposal"),
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if e.managerRole == "" {
		e.managerRole = "Manager"
	}
	if e.locks == nil {
		e.locks = lock.NewProjectLocks()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

type RecordInput struct {
	Type    model.ChangeType `json:"change_type"`
	Payload json.RawMessage  `json:"payload"`
}

type SubmitRequest struct {
	SubmittedBy string        `json:"submitted_by"`
	Role        string        `json:"role"`
	Records     []RecordInput `json:"records"`
}

// Decision is the outcome of accepting or declining one record. Err is set
// when an accepted record could not be applied and was declined instead.
type Decision struct {
	Record       model.ChangeRecord `json:"record"`
	AllProcessed bool               `json:"all_processed"`
	TableData    *model.TableData   `json:"table_data,omitempty"`
	Err          error              `json:"-"`
}

// Submit stores a batch of proposed changes as pending and tells the
// manager role about it.
func (e *Engine) Submit(ctx context.Context, projectID int64, req SubmitRequest) (*model.Submission, error) {
	req.SubmittedBy = strings.TrimSpace(req.SubmittedBy)
	req.Role = strings.TrimSpace(req.Role)
	switch {
	case req.SubmittedBy == "" || req.Role == "":
		return nil, invalid("submitted_by and role are required")
	case req.Role == e.managerRole:
		return nil, fmt.Errorf("%w: %s edits the run-sheet directly", model.ErrForbidden, e.managerRole)
	case len(req.Records) == 0:
		return nil, invalid("submission has no records")
	}

	decidable, snapshots := 0, 0
	for i, in := range req.Records {
		if _, err := Decode(in.Type, in.Payload); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if in.Type.Decidable() {
			decidable++
		} else {
			snapshots++
		}
	}
	if decidable == 0 {
		return nil, invalid("submission has no reviewable records")
	}
	if snapshots > 1 {
		return nil, invalid("submission has more than one table_data record")
	}

	now := e.now().UTC()
	sub := &model.Submission{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		SubmittedBy:     req.SubmittedBy,
		SubmittedByRole: req.Role,
		CreatedAt:       now,
		Records:         make([]model.ChangeRecord, 0, len(req.Records)),
	}

	unlock := e.locks.Lock(projectID)
	err := storage.InTx(ctx, e.db, func(tx *sql.Tx) error {
		if err := projectExists(ctx, tx, projectID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO submissions(id, project_id, submitted_by, submitted_by_role, created_at)
VALUES(?, ?, ?, ?, ?);
`, sub.ID, projectID, sub.SubmittedBy, sub.SubmittedByRole, storage.FormatTime(now)); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		for i, in := range req.Records {
			rec := model.ChangeRecord{
				ID:           uuid.NewString(),
				SubmissionID: sub.ID,
				ProjectID:    projectID,
				Seq:          i,
				Type:         in.Type,
				Payload:      in.Payload,
				Status:       model.ChangePending,
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO change_records(id, submission_id, project_id, seq, change_type, payload, status)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.SubmissionID, projectID, rec.Seq, string(rec.Type), string(rec.Payload), string(rec.Status)); err != nil {
				return fmt.Errorf("insert change record: %w", err)
			}
			sub.Records = append(sub.Records, rec)
		}
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}

	clog.WithProject(e.logger, projectID).Info("changes submitted",
		"submission_id", sub.ID, "submitted_by", sub.SubmittedBy, "role", sub.SubmittedByRole, "records", decidable)
	e.send(ctx, projectID, notify.Role(e.managerRole), protocol.PendingChangesNotification{
		SubmissionID: sub.ID,
		SubmittedBy:  sub.SubmittedBy,
		Role:         sub.SubmittedByRole,
		Count:        decidable,
		At:           now,
	})
	return sub, nil
}

// Pending returns the records awaiting a decision, oldest submission first.
func (e *Engine) Pending(ctx context.Context, projectID int64) ([]model.ChangeRecord, error) {
	return e.List(ctx, projectID, model.ChangePending)
}

// List returns reviewable records with the given status, or all of them
// when status is empty. table_data records are only returned with their
// submission.
func (e *Engine) List(ctx context.Context, projectID int64, status model.ChangeStatus) ([]model.ChangeRecord, error) {
	if err := projectExists(ctx, e.db, projectID); err != nil {
		return nil, err
	}
	tail := `JOIN submissions s ON s.id = r.submission_id WHERE r.project_id = ? AND r.change_type != ?`
	args := []any{projectID, string(model.ChangeTableData)}
	switch status {
	case "":
	case model.ChangePending, model.ChangeAccepted, model.ChangeDeclined:
		tail += ` AND r.status = ?`
		args = append(args, string(status))
	default:
		return nil, invalid(fmt.Sprintf("unknown status %q", status))
	}
	tail += ` ORDER BY s.created_at ASC, s.rowid ASC, r.seq ASC`
	return queryRecords(ctx, e.db, tail, args...)
}

// Submission returns a submission with all of its records, table_data included.
func (e *Engine) Submission(ctx context.Context, projectID int64, id string) (*model.Submission, error) {
	return querySubmission(ctx, e.db, projectID, id)
}

// Accept applies one pending record to the run-sheet.
func (e *Engine) Accept(ctx context.Context, projectID int64, recordID, decidedBy string) (*Decision, error) {
	return e.decide(ctx, projectID, recordID, decidedBy, true)
}

// Decline resolves one pending record without touching the run-sheet.
func (e *Engine) Decline(ctx context.Context, projectID int64, recordID, decidedBy string) (*Decision, error) {
	return e.decide(ctx, projectID, recordID, decidedBy, false)
}

// AcceptAll accepts every pending record of a submission in submission
// order. A record that fails is reported in its Decision and does not stop
// or undo the others.
func (e *Engine) AcceptAll(ctx context.Context, projectID int64, submissionID, decidedBy string) ([]Decision, error) {
	return e.decideAll(ctx, projectID, submissionID, decidedBy, true)
}

func (e *Engine) DeclineAll(ctx context.Context, projectID int64, submissionID, decidedBy string) ([]Decision, error) {
	return e.decideAll(ctx, projectID, submissionID, decidedBy, false)
}

func (e *Engine) decideAll(ctx context.Context, projectID int64, submissionID, decidedBy string, accept bool) ([]Decision, error) {
	sub, err := e.Submission(ctx, projectID, submissionID)
	if err != nil {
		return nil, err
	}
	out := []Decision{}
	for _, r := range sub.Records {
		if !r.Type.Decidable() || r.Status != model.ChangePending {
			continue
		}
		d, err := e.decide(ctx, projectID, r.ID, decidedBy, accept)
		if err != nil {
			// Decided concurrently by someone else.
			if errors.Is(err, model.ErrStaleRecord) {
				out = append(out, Decision{Record: r, Err: err})
				continue
			}
			return out, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func (e *Engine) decide(ctx context.Context, projectID int64, recordID, decidedBy string, accept bool) (*Decision, error) {
	decidedBy = strings.TrimSpace(decidedBy)
	if decidedBy == "" {
		return nil, invalid("decided_by is required")
	}

	unlock := e.locks.Lock(projectID)
	defer unlock()

	var (
		dec     *Decision
		sub     *model.Submission
		applied protocol.Event
	)
	err := storage.InTx(ctx, e.db, func(tx *sql.Tx) error {
		rec, err := queryRecord(ctx, tx, projectID, recordID)
		if err != nil {
			return err
		}
		if !rec.Type.Decidable() {
			return invalid("table_data records are not decided")
		}
		if rec.Status != model.ChangePending {
			return fmt.Errorf("%w: record %s is already %s", model.ErrStaleRecord, rec.ID, rec.Status)
		}
		if sub, err = querySubmission(ctx, tx, projectID, rec.SubmissionID); err != nil {
			return err
		}
		seq, err := nextDecisionSeq(ctx, tx, projectID)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		status := model.ChangeDeclined
		var applyErr error
		if accept {
			var rowID *int64
			applied, rowID, applyErr = e.apply(ctx, tx, projectID, now, rec, sub)
			switch {
			case applyErr == nil:
				status = model.ChangeAccepted
				rec.AppliedRowID = rowID
			case !recoverable(applyErr):
				return applyErr
			}
		}

		rec.Status = status
		rec.DecisionSeq = &seq
		rec.DecidedBy = decidedBy
		rec.DecidedAt = &now
		if applyErr != nil {
			rec.Error = applyErr.Error()
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE change_records
SET status = ?, decision_seq = ?, decided_by = ?, decided_at = ?, error = ?, applied_row_id = ?
WHERE id = ?;
`, string(rec.Status), seq, rec.DecidedBy, storage.FormatTime(now), nullString(rec.Error), nullInt(rec.AppliedRowID), rec.ID); err != nil {
			return fmt.Errorf("update change record: %w", err)
		}

		for i := range sub.Records {
			if sub.Records[i].ID == rec.ID {
				sub.Records[i] = *rec
			}
		}
		all := sub.FullyProcessed()
		if all {
			if _, err := tx.ExecContext(ctx, `UPDATE submissions SET closed_at = ? WHERE id = ?;`,
				storage.FormatTime(now), sub.ID); err != nil {
				return fmt.Errorf("close submission: %w", err)
			}
			sub.ClosedAt = &now
		}

		if err := storage.AppendAction(ctx, tx, projectID, now, model.ActionChangeDecision, map[string]any{
			"record_id":     rec.ID,
			"submission_id": rec.SubmissionID,
			"change_type":   rec.Type,
			"status":        rec.Status,
			"decision_seq":  seq,
			"decided_by":    rec.DecidedBy,
			"error":         rec.Error,
		}); err != nil {
			return err
		}

		dec = &Decision{Record: *rec, AllProcessed: all}
		if all {
			dec.TableData = snapshotOf(sub)
		}
		if applyErr != nil {
			dec.Err = staleError(applyErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec := dec.Record
	e.metrics.Decision(string(rec.Status))
	logger := clog.WithProject(e.logger, projectID)
	if dec.Err != nil {
		logger.Warn("accepted change could not be applied", "record_id", rec.ID, "change_type", rec.Type, "error", rec.Error)
	} else {
		logger.Info("change decided", "record_id", rec.ID, "change_type", rec.Type, "status", rec.Status, "decision_seq", *rec.DecisionSeq)
	}

	if applied != nil {
		e.send(ctx, projectID, notify.All(), applied)
	}
	upd := protocol.PendingChangesUpdated{
		SubmissionID: rec.SubmissionID,
		RecordID:     rec.ID,
		Status:       rec.Status,
		DecisionSeq:  *rec.DecisionSeq,
		AllProcessed: dec.AllProcessed,
		Error:        rec.Error,
	}
	e.send(ctx, projectID, notify.Role(e.managerRole), upd)
	e.send(ctx, projectID, notify.Session(sub.SubmittedByRole, sub.SubmittedBy), upd)
	return dec, nil
}

// apply runs one accepted record inside a savepoint so that a failed record
// leaves no partial writes behind.
func (e *Engine) apply(ctx context.Context, tx *sql.Tx, projectID int64, now time.Time, rec *model.ChangeRecord, sub *model.Submission) (protocol.Event, *int64, error) {
	c, err := Decode(rec.Type, rec.Payload)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, `SAVEPOINT apply_change;`); err != nil {
		return nil, nil, fmt.Errorf("savepoint: %w", err)
	}
	ev, rowID, err := applyChange(ctx, runsheet.NewEditor(tx, projectID, now), c, sub)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO apply_change;`); rbErr != nil {
			return nil, nil, fmt.Errorf("rollback change: %w", rbErr)
		}
	}
	if _, relErr := tx.ExecContext(ctx, `RELEASE apply_change;`); relErr != nil {
		return nil, nil, fmt.Errorf("release savepoint: %w", relErr)
	}
	return ev, rowID, err
}

func applyChange(ctx context.Context, ed *runsheet.Editor, c Change, sub *model.Submission) (protocol.Event, *int64, error) {
	rowsChanged := func(phase int) protocol.Event {
		return protocol.PhasesUpdated{Reason: "change_accepted", PhaseNumber: phase}
	}

	switch c := c.(type) {
	case RowAddPayload:
		pos, err := rowAddPosition(ctx, ed, c, sub)
		if err != nil {
			return nil, nil, err
		}
		row := model.NewRow()
		c.RowFields.Apply(&row)
		r, err := ed.InsertRow(ctx, c.PhaseNumber, pos, row)
		if err != nil {
			return nil, nil, err
		}
		return rowsChanged(c.PhaseNumber), &r.ID, nil

	case RowUpdatePayload:
		_, phase, err := ed.Row(ctx, c.RowID)
		if err != nil {
			return nil, nil, err
		}
		if _, err := ed.UpdateRow(ctx, c.RowID, c.RowFields); err != nil {
			return nil, nil, err
		}
		return rowsChanged(phase), nil, nil

	case RowDeletePayload:
		_, phase, err := ed.Row(ctx, c.RowID)
		if err != nil {
			return nil, nil, err
		}
		if _, err := ed.DeleteRow(ctx, c.RowID); err != nil {
			return nil, nil, err
		}
		return rowsChanged(phase), nil, nil

	case RowMovePayload:
		if _, err := ed.MoveRow(ctx, c.RowID, c.TargetPhaseNumber, c.TargetPosition); err != nil {
			return nil, nil, err
		}
		return rowsChanged(c.TargetPhaseNumber), nil, nil

	case RowDuplicatePayload:
		r, err := ed.DuplicateRow(ctx, c.RowID, c.TargetPhaseNumber, c.TargetPosition)
		if err != nil {
			return nil, nil, err
		}
		return rowsChanged(c.TargetPhaseNumber), &r.ID, nil

	case VersionPayload:
		if err := ed.SetVersion(ctx, c.Version); err != nil {
			return nil, nil, err
		}
		return protocol.DataUpdated{Kind: protocol.DataVersion}, nil, nil

	case RolePayload:
		if err := ed.AddRole(ctx, c.Role); err != nil {
			return nil, nil, err
		}
		return protocol.DataUpdated{Kind: protocol.DataRoles}, nil, nil

	case roleDelete:
		if err := ed.DeleteRole(ctx, c.Role); err != nil {
			return nil, nil, err
		}
		return protocol.DataUpdated{Kind: protocol.DataRoles}, nil, nil

	case ScriptAddPayload:
		if _, err := ed.AddScript(ctx, model.PeriodicScript{Name: c.Name, Path: c.Path, Status: c.Status}); err != nil {
			return nil, nil, err
		}
		return protocol.DataUpdated{Kind: protocol.DataScripts}, nil, nil

	case ScriptUpdatePayload:
		if _, err := ed.UpdateScript(ctx, c.ScriptID, c.ScriptFields); err != nil {
			return nil, nil, err
		}
		return protocol.DataUpdated{Kind: protocol.DataScripts}, nil, nil

	case ScriptDeletePayload:
		if err := ed.DeleteScript(ctx, c.ScriptID); err != nil {
			return nil, nil, err
		}
		return protocol.DataUpdated{Kind: protocol.DataScripts}, nil, nil

	default:
		return nil, nil, invalid(fmt.Sprintf("%s cannot be applied", c.Type()))
	}
}

// PruneClosed deletes submissions closed longer than olderThan ago, with
// their records.
func (e *Engine) PruneClosed(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := storage.FormatTime(e.now().Add(-olderThan))
	res, err := e.db.ExecContext(ctx, `DELETE FROM submissions WHERE closed_at IS NOT NULL AND closed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune submissions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		e.logger.Info("pruned closed submissions", "count", n)
	}
	return n, nil
}

func (e *Engine) send(ctx context.Context, projectID int64, aud notify.Audience, ev protocol.Event) {
	if err := protocol.Send(ctx, e.notifier, projectID, aud, ev); err != nil {
		clog.WithProject(e.logger, projectID).Warn("proposal event not delivered",
			"command", ev.Command(), "audience", aud.String(), "error", err)
	}
}

// recoverable errors decline the record instead of failing the decision.
func recoverable(err error) bool {
	return errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrConflict) ||
		errors.Is(err, model.ErrInvalidInput)
}

func staleError(err error) error {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrConflict) {
		return fmt.Errorf("%w: %v", model.ErrStaleRecord, err)
	}
	return err
}

func nextDecisionSeq(ctx context.Context, tx *sql.Tx, projectID int64) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET decision_seq = decision_seq + 1 WHERE id = ?;`, projectID); err != nil {
		return 0, fmt.Errorf("bump decision seq: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT decision_seq FROM projects WHERE id = ?;`, projectID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read decision seq: %w", err)
	}
	return seq, nil
}
