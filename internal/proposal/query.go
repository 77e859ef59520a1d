package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/runsheet"
	"github.com/mattjoyce/conductor/internal/storage"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `r.id, r.submission_id, r.project_id, r.seq, r.change_type, r.payload, r.status,
r.decision_seq, r.decided_by, r.decided_at, r.error, r.applied_row_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*model.ChangeRecord, error) {
	var (
		rec                     model.ChangeRecord
		typ, payload, status    string
		decisionSeq, appliedRow sql.NullInt64
		decidedBy, decidedAt    sql.NullString
		errText                 sql.NullString
	)
	if err := sc.Scan(&rec.ID, &rec.SubmissionID, &rec.ProjectID, &rec.Seq, &typ, &payload, &status,
		&decisionSeq, &decidedBy, &decidedAt, &errText, &appliedRow); err != nil {
		return nil, err
	}
	rec.Type = model.ChangeType(typ)
	rec.Payload = json.RawMessage(payload)
	rec.Status = model.ChangeStatus(status)
	if decisionSeq.Valid {
		v := decisionSeq.Int64
		rec.DecisionSeq = &v
	}
	if appliedRow.Valid {
		v := appliedRow.Int64
		rec.AppliedRowID = &v
	}
	rec.DecidedBy = decidedBy.String
	rec.DecidedAt = storage.ParseNullTime(decidedAt)
	rec.Error = errText.String
	return &rec, nil
}

func queryRecord(ctx context.Context, q queryer, projectID int64, id string) (*model.ChangeRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM change_records r WHERE r.id = ? AND r.project_id = ?;`, id, projectID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: change record %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get change record: %w", err)
	}
	return rec, nil
}

// queryRecords selects records from change_records aliased r; tail holds
// any joins, the WHERE clause and ordering.
func queryRecords(ctx context.Context, q queryer, tail string, args ...any) ([]model.ChangeRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+recordColumns+` FROM change_records r `+tail+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list change records: %w", err)
	}
	defer rows.Close()
	out := []model.ChangeRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func querySubmission(ctx context.Context, q queryer, projectID int64, id string) (*model.Submission, error) {
	var (
		s         model.Submission
		createdAt string
		closedAt  sql.NullString
	)
	err := q.QueryRowContext(ctx, `
SELECT id, project_id, submitted_by, submitted_by_role, created_at, closed_at
FROM submissions WHERE id = ? AND project_id = ?;
`, id, projectID).Scan(&s.ID, &s.ProjectID, &s.SubmittedBy, &s.SubmittedByRole, &createdAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: submission %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	s.CreatedAt = storage.ParseTime(createdAt)
	s.ClosedAt = storage.ParseNullTime(closedAt)
	if s.Records, err = queryRecords(ctx, q, `WHERE r.submission_id = ? ORDER BY r.seq ASC`, s.ID); err != nil {
		return nil, err
	}
	return &s, nil
}

func projectExists(ctx context.Context, q queryer, projectID int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?;`, projectID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: project %d", model.ErrNotFound, projectID)
	}
	if err != nil {
		return fmt.Errorf("get project: %w", err)
	}
	return nil
}

// snapshotOf returns the submission's table_data, if it carries one.
func snapshotOf(sub *model.Submission) *model.TableData {
	for _, r := range sub.Records {
		if r.Type != model.ChangeTableData {
			continue
		}
		var p TableDataPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil
		}
		return &p.TableData
	}
	return nil
}

// appliedClientRows maps the client ids of already accepted row_add records
// to the rows they created.
func appliedClientRows(sub *model.Submission) map[string]int64 {
	out := map[string]int64{}
	for _, r := range sub.Records {
		if r.Type != model.ChangeRowAdd || r.Status != model.ChangeAccepted || r.AppliedRowID == nil {
			continue
		}
		var p RowAddPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil || p.ClientID == "" {
			continue
		}
		out[p.ClientID] = *r.AppliedRowID
	}
	return out
}

// rowAddPosition places a new row against the phase as it stands now,
// using the submission's snapshot when the row appears in it. A negative
// result appends.
func rowAddPosition(ctx context.Context, ed *runsheet.Editor, p RowAddPayload, sub *model.Submission) (int, error) {
	fallback := -1
	if p.Position != nil {
		fallback = *p.Position
	}
	snap := snapshotOf(sub)
	if snap == nil || p.ClientID == "" {
		return fallback, nil
	}
	phase, index, ok := snap.Locate(0, p.ClientID)
	if !ok || phase != p.PhaseNumber {
		return fallback, nil
	}
	canonical, err := ed.PhaseRowIDs(ctx, phase)
	if err != nil {
		return 0, err
	}
	return insertPosition(snap.PhaseRows(phase), index, canonical, appliedClientRows(sub)), nil
}

// insertPosition resolves snapshot slot index to a canonical position: just
// after the nearest predecessor that still exists, else just before the
// nearest surviving successor, else the snapshot index itself.
func insertPosition(snapshot []model.TableRow, index int, canonical []int64, clientRows map[string]int64) int {
	at := make(map[int64]int, len(canonical))
	for i, id := range canonical {
		at[id] = i
	}
	locate := func(r model.TableRow) (int, bool) {
		id := r.ID
		if id == 0 {
			id = clientRows[r.ClientID]
		}
		pos, ok := at[id]
		return pos, ok && id != 0
	}
	for i := index - 1; i >= 0; i-- {
		if pos, ok := locate(snapshot[i]); ok {
			return pos + 1
		}
	}
	for i := index + 1; i < len(snapshot); i++ {
		if pos, ok := locate(snapshot[i]); ok {
			return pos
		}
	}
	return index
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
