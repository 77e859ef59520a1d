package runsheet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/storage"
)

// Editor applies run-sheet writes of one project inside a caller-owned
// transaction. Callers hold the project lock. Row positions stay dense
// (0..n-1 per phase) after every operation.
type Editor struct {
	tx        *sql.Tx
	projectID int64
	now       time.Time
}

func NewEditor(tx *sql.Tx, projectID int64, now time.Time) *Editor {
	return &Editor{tx: tx, projectID: projectID, now: now.UTC()}
}

func (e *Editor) ProjectID() int64 { return e.projectID }

const rowColumns = `r.id, r.phase_id, r.position, r.role, r.time, r.duration, r.description, r.script, r.status, r.script_result`

// Phase returns a phase header (no rows) by number.
func (e *Editor) Phase(ctx context.Context, number int) (*model.Phase, error) {
	return queryPhase(ctx, e.tx, e.projectID, number)
}

// Phases returns every phase of the project with ordered rows.
func (e *Editor) Phases(ctx context.Context) ([]model.Phase, error) {
	return queryPhases(ctx, e.tx, e.projectID)
}

// Row returns a row of this project and the number of its phase.
func (e *Editor) Row(ctx context.Context, rowID int64) (*model.Row, int, error) {
	var (
		r           model.Row
		phaseNumber int
		status      string
		result      sql.NullInt64
	)
	err := e.tx.QueryRowContext(ctx, `
SELECT `+rowColumns+`, p.phase_number
FROM runsheet_rows r JOIN phases p ON p.id = r.phase_id
WHERE r.id = ? AND p.project_id = ?;
`, rowID, e.projectID).Scan(&r.ID, &r.PhaseID, &r.Position, &r.Role, &r.Time, &r.Duration, &r.Description, &r.Script, &status, &result, &phaseNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: row %d", model.ErrNotFound, rowID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get row: %w", err)
	}
	r.Status = model.RowStatus(status)
	r.ScriptResult = nullBool(result)
	return &r, phaseNumber, nil
}

// PhaseRowIDs returns the row ids of one phase in order.
func (e *Editor) PhaseRowIDs(ctx context.Context, phaseNumber int) ([]int64, error) {
	p, err := e.Phase(ctx, phaseNumber)
	if err != nil {
		return nil, err
	}
	rows, err := e.tx.QueryContext(ctx, `SELECT id FROM runsheet_rows WHERE phase_id = ? ORDER BY position ASC, id ASC;`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list row ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreatePhase appends a phase after the highest existing number.
func (e *Editor) CreatePhase(ctx context.Context, active bool) (*model.Phase, error) {
	var maxNumber sql.NullInt64
	if err := e.tx.QueryRowContext(ctx, `SELECT MAX(phase_number) FROM phases WHERE project_id = ?;`, e.projectID).Scan(&maxNumber); err != nil {
		return nil, fmt.Errorf("next phase number: %w", err)
	}
	number := int(maxNumber.Int64) + 1
	return e.insertPhase(ctx, number, active)
}

func (e *Editor) insertPhase(ctx context.Context, number int, active bool) (*model.Phase, error) {
	res, err := e.tx.ExecContext(ctx, `INSERT INTO phases(project_id, phase_number, is_active) VALUES(?, ?, ?);`,
		e.projectID, number, boolInt(active))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: phase %d exists", model.ErrConflict, number)
		}
		return nil, fmt.Errorf("insert phase: %w", err)
	}
	id, _ := res.LastInsertId()
	return &model.Phase{ID: id, ProjectID: e.projectID, PhaseNumber: number, IsActive: active, Rows: []model.Row{}}, nil
}

func (e *Editor) SetPhaseActive(ctx context.Context, number int, active bool) (*model.Phase, error) {
	p, err := e.Phase(ctx, number)
	if err != nil {
		return nil, err
	}
	if _, err := e.tx.ExecContext(ctx, `UPDATE phases SET is_active = ? WHERE id = ?;`, boolInt(active), p.ID); err != nil {
		return nil, fmt.Errorf("set phase active: %w", err)
	}
	p.IsActive = active
	return p, nil
}

// DeletePhase removes a phase and its rows. Other phases keep their numbers.
func (e *Editor) DeletePhase(ctx context.Context, number int) error {
	p, err := e.Phase(ctx, number)
	if err != nil {
		return err
	}
	if _, err := e.tx.ExecContext(ctx, `DELETE FROM phases WHERE id = ?;`, p.ID); err != nil {
		return fmt.Errorf("delete phase: %w", err)
	}
	return nil
}

// InsertRow places row at position in the phase, clamped to [0, len]. A
// negative position appends.
func (e *Editor) InsertRow(ctx context.Context, phaseNumber, position int, row model.Row) (model.Row, error) {
	p, err := e.Phase(ctx, phaseNumber)
	if err != nil {
		return model.Row{}, err
	}
	return e.insertAt(ctx, p.ID, position, row)
}

func (e *Editor) insertAt(ctx context.Context, phaseID int64, position int, row model.Row) (model.Row, error) {
	n, err := e.countRows(ctx, phaseID)
	if err != nil {
		return model.Row{}, err
	}
	if position < 0 || position > n {
		position = n
	}
	if !row.Status.Valid() {
		row.Status = model.StatusNA
	}
	if _, err := e.tx.ExecContext(ctx, `UPDATE runsheet_rows SET position = position + 1 WHERE phase_id = ? AND position >= ?;`,
		phaseID, position); err != nil {
		return model.Row{}, fmt.Errorf("shift rows: %w", err)
	}
	res, err := e.tx.ExecContext(ctx, `
INSERT INTO runsheet_rows(phase_id, position, role, time, duration, description, script, status, script_result, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, phaseID, position, row.Role, row.Time, row.Duration, row.Description, row.Script, string(row.Status),
		nullBoolValue(row.ScriptResult), storage.FormatTime(e.now))
	if err != nil {
		return model.Row{}, fmt.Errorf("insert row: %w", err)
	}
	row.ID, _ = res.LastInsertId()
	row.PhaseID = phaseID
	row.Position = position
	return row, nil
}

func (e *Editor) UpdateRow(ctx context.Context, rowID int64, fields model.RowFields) (model.Row, error) {
	if err := fields.Validate(); err != nil {
		return model.Row{}, err
	}
	r, _, err := e.Row(ctx, rowID)
	if err != nil {
		return model.Row{}, err
	}
	fields.Apply(r)
	if _, err := e.tx.ExecContext(ctx, `
UPDATE runsheet_rows
SET role = ?, time = ?, duration = ?, description = ?, script = ?, status = ?, script_result = ?, updated_at = ?
WHERE id = ?;
`, r.Role, r.Time, r.Duration, r.Description, r.Script, string(r.Status), nullBoolValue(r.ScriptResult),
		storage.FormatTime(e.now), r.ID); err != nil {
		return model.Row{}, fmt.Errorf("update row: %w", err)
	}
	return *r, nil
}

func (e *Editor) DeleteRow(ctx context.Context, rowID int64) (model.Row, error) {
	r, _, err := e.Row(ctx, rowID)
	if err != nil {
		return model.Row{}, err
	}
	if err := e.detach(ctx, *r); err != nil {
		return model.Row{}, err
	}
	if _, err := e.tx.ExecContext(ctx, `DELETE FROM runsheet_rows WHERE id = ?;`, r.ID); err != nil {
		return model.Row{}, fmt.Errorf("delete row: %w", err)
	}
	return *r, nil
}

// MoveRow moves a row to targetPosition of targetPhase, where the position
// is counted after the row has left its source.
func (e *Editor) MoveRow(ctx context.Context, rowID int64, targetPhase, targetPosition int) (model.Row, error) {
	r, _, err := e.Row(ctx, rowID)
	if err != nil {
		return model.Row{}, err
	}
	target, err := e.Phase(ctx, targetPhase)
	if err != nil {
		return model.Row{}, err
	}
	if err := e.detach(ctx, *r); err != nil {
		return model.Row{}, err
	}
	// Park the row outside the dense range while positions shift.
	if _, err := e.tx.ExecContext(ctx, `UPDATE runsheet_rows SET phase_id = ?, position = -1 WHERE id = ?;`, target.ID, r.ID); err != nil {
		return model.Row{}, fmt.Errorf("park row: %w", err)
	}
	n, err := e.countRows(ctx, target.ID)
	if err != nil {
		return model.Row{}, err
	}
	n-- // the parked row
	if targetPosition < 0 || targetPosition > n {
		targetPosition = n
	}
	if _, err := e.tx.ExecContext(ctx, `UPDATE runsheet_rows SET position = position + 1 WHERE phase_id = ? AND position >= ?;`,
		target.ID, targetPosition); err != nil {
		return model.Row{}, fmt.Errorf("shift rows: %w", err)
	}
	if _, err := e.tx.ExecContext(ctx, `UPDATE runsheet_rows SET position = ?, updated_at = ? WHERE id = ?;`,
		targetPosition, storage.FormatTime(e.now), r.ID); err != nil {
		return model.Row{}, fmt.Errorf("place row: %w", err)
	}
	r.PhaseID = target.ID
	r.Position = targetPosition
	return *r, nil
}

// DuplicateRow copies a row into targetPhase at targetPosition.
func (e *Editor) DuplicateRow(ctx context.Context, rowID int64, targetPhase, targetPosition int) (model.Row, error) {
	r, _, err := e.Row(ctx, rowID)
	if err != nil {
		return model.Row{}, err
	}
	target, err := e.Phase(ctx, targetPhase)
	if err != nil {
		return model.Row{}, err
	}
	cp := *r
	cp.ID = 0
	return e.insertAt(ctx, target.ID, targetPosition, cp)
}

// ResetStatuses sets every row of the project back to N/A.
func (e *Editor) ResetStatuses(ctx context.Context) (int64, error) {
	res, err := e.tx.ExecContext(ctx, `
UPDATE runsheet_rows SET status = ?, script_result = NULL, updated_at = ?
WHERE phase_id IN (SELECT id FROM phases WHERE project_id = ?);
`, string(model.StatusNA), storage.FormatTime(e.now), e.projectID)
	if err != nil {
		return 0, fmt.Errorf("reset statuses: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReplaceTable drops every phase and row and recreates them from phases.
// Row order follows slice order; row ids are reassigned.
func (e *Editor) ReplaceTable(ctx context.Context, phases []model.Phase) error {
	seen := map[int]bool{}
	for _, p := range phases {
		if p.PhaseNumber <= 0 {
			return fmt.Errorf("%w: phase number must be positive", model.ErrInvalidInput)
		}
		if seen[p.PhaseNumber] {
			return fmt.Errorf("%w: duplicate phase %d", model.ErrInvalidInput, p.PhaseNumber)
		}
		seen[p.PhaseNumber] = true
		for _, r := range p.Rows {
			if r.Status != "" && !r.Status.Valid() {
				return fmt.Errorf("%w: unknown row status %q", model.ErrInvalidInput, r.Status)
			}
		}
	}
	if _, err := e.tx.ExecContext(ctx, `DELETE FROM phases WHERE project_id = ?;`, e.projectID); err != nil {
		return fmt.Errorf("clear phases: %w", err)
	}
	for _, p := range phases {
		created, err := e.insertPhase(ctx, p.PhaseNumber, p.IsActive)
		if err != nil {
			return err
		}
		for i, r := range p.Rows {
			row := withRowDefaults(r)
			if _, err := e.insertAt(ctx, created.ID, i, row); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Editor) SetVersion(ctx context.Context, version string) error {
	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("%w: version is required", model.ErrInvalidInput)
	}
	res, err := e.tx.ExecContext(ctx, `UPDATE projects SET version = ?, updated_at = ? WHERE id = ?;`,
		version, storage.FormatTime(e.now), e.projectID)
	if err != nil {
		return fmt.Errorf("set version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %d", model.ErrNotFound, e.projectID)
	}
	return nil
}

func (e *Editor) AddRole(ctx context.Context, role string) error {
	role = strings.TrimSpace(role)
	if role == "" || role == "*" {
		return fmt.Errorf("%w: role name is required", model.ErrInvalidInput)
	}
	if _, err := e.tx.ExecContext(ctx, `INSERT INTO project_roles(project_id, role_name) VALUES(?, ?);`, e.projectID, role); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: role %q exists", model.ErrConflict, role)
		}
		return fmt.Errorf("add role: %w", err)
	}
	return nil
}

func (e *Editor) DeleteRole(ctx context.Context, role string) error {
	res, err := e.tx.ExecContext(ctx, `DELETE FROM project_roles WHERE project_id = ? AND role_name = ?;`, e.projectID, role)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: role %q", model.ErrNotFound, role)
	}
	return nil
}

func (e *Editor) Script(ctx context.Context, scriptID int64) (*model.PeriodicScript, error) {
	var (
		s        model.PeriodicScript
		status   int
		executed sql.NullString
	)
	err := e.tx.QueryRowContext(ctx, `
SELECT id, project_id, name, path, status, last_executed
FROM periodic_scripts WHERE id = ? AND project_id = ?;
`, scriptID, e.projectID).Scan(&s.ID, &s.ProjectID, &s.Name, &s.Path, &status, &executed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: script %d", model.ErrNotFound, scriptID)
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	s.Status = status != 0
	s.LastExecuted = storage.ParseNullTime(executed)
	return &s, nil
}

func (e *Editor) AddScript(ctx context.Context, s model.PeriodicScript) (model.PeriodicScript, error) {
	if strings.TrimSpace(s.Name) == "" {
		return model.PeriodicScript{}, fmt.Errorf("%w: script name is required", model.ErrInvalidInput)
	}
	res, err := e.tx.ExecContext(ctx, `INSERT INTO periodic_scripts(project_id, name, path, status) VALUES(?, ?, ?, ?);`,
		e.projectID, s.Name, s.Path, boolInt(s.Status))
	if err != nil {
		return model.PeriodicScript{}, fmt.Errorf("add script: %w", err)
	}
	s.ID, _ = res.LastInsertId()
	s.ProjectID = e.projectID
	return s, nil
}

func (e *Editor) UpdateScript(ctx context.Context, scriptID int64, fields model.ScriptFields) (model.PeriodicScript, error) {
	s, err := e.Script(ctx, scriptID)
	if err != nil {
		return model.PeriodicScript{}, err
	}
	fields.Apply(s)
	if _, err := e.tx.ExecContext(ctx, `UPDATE periodic_scripts SET name = ?, path = ?, status = ? WHERE id = ?;`,
		s.Name, s.Path, boolInt(s.Status), s.ID); err != nil {
		return model.PeriodicScript{}, fmt.Errorf("update script: %w", err)
	}
	return *s, nil
}

// RecordScriptRun stores the outcome of an externally executed run.
func (e *Editor) RecordScriptRun(ctx context.Context, scriptID int64, status bool) (model.PeriodicScript, error) {
	s, err := e.Script(ctx, scriptID)
	if err != nil {
		return model.PeriodicScript{}, err
	}
	executed := e.now
	if _, err := e.tx.ExecContext(ctx, `UPDATE periodic_scripts SET status = ?, last_executed = ? WHERE id = ?;`,
		boolInt(status), storage.FormatTime(executed), s.ID); err != nil {
		return model.PeriodicScript{}, fmt.Errorf("record script run: %w", err)
	}
	s.Status = status
	s.LastExecuted = &executed
	return *s, nil
}

func (e *Editor) DeleteScript(ctx context.Context, scriptID int64) error {
	res, err := e.tx.ExecContext(ctx, `DELETE FROM periodic_scripts WHERE id = ? AND project_id = ?;`, scriptID, e.projectID)
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: script %d", model.ErrNotFound, scriptID)
	}
	return nil
}

// LogAction appends an audit entry for the actor in ctx.
func (e *Editor) LogAction(ctx context.Context, actionType string, details any) error {
	return storage.AppendAction(ctx, e.tx, e.projectID, e.now, actionType, details)
}

// detach closes the gap a row leaves in its phase.
func (e *Editor) detach(ctx context.Context, r model.Row) error {
	if _, err := e.tx.ExecContext(ctx, `UPDATE runsheet_rows SET position = position - 1 WHERE phase_id = ? AND position > ?;`,
		r.PhaseID, r.Position); err != nil {
		return fmt.Errorf("compact rows: %w", err)
	}
	return nil
}

func (e *Editor) countRows(ctx context.Context, phaseID int64) (int, error) {
	var n int
	if err := e.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runsheet_rows WHERE phase_id = ?;`, phaseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

func withRowDefaults(r model.Row) model.Row {
	d := model.NewRow()
	if r.Time == "" {
		r.Time = d.Time
	}
	if r.Duration == "" {
		r.Duration = d.Duration
	}
	if r.Status == "" {
		r.Status = d.Status
	}
	return r
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullBool(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

func nullBoolValue(b *bool) any {
	if b == nil {
		return nil
	}
	return boolInt(*b)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
