package runsheet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/storage"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryPhase(ctx context.Context, q queryer, projectID int64, number int) (*model.Phase, error) {
	var (
		p      model.Phase
		active int
	)
	err := q.QueryRowContext(ctx, `
SELECT id, project_id, phase_number, is_active FROM phases
WHERE project_id = ? AND phase_number = ?;
`, projectID, number).Scan(&p.ID, &p.ProjectID, &p.PhaseNumber, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: phase %d", model.ErrNotFound, number)
	}
	if err != nil {
		return nil, fmt.Errorf("get phase: %w", err)
	}
	p.IsActive = active != 0
	return &p, nil
}

func queryPhases(ctx context.Context, q queryer, projectID int64) ([]model.Phase, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, project_id, phase_number, is_active FROM phases
WHERE project_id = ? ORDER BY phase_number ASC;
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	var (
		phases []model.Phase
		index  = map[int64]int{}
	)
	for rows.Next() {
		var (
			p      model.Phase
			active int
		)
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.PhaseNumber, &active); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		p.IsActive = active != 0
		p.Rows = []model.Row{}
		index[p.ID] = len(phases)
		phases = append(phases, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rs, err := q.QueryContext(ctx, `
SELECT `+rowColumns+`
FROM runsheet_rows r JOIN phases p ON p.id = r.phase_id
WHERE p.project_id = ?
ORDER BY p.phase_number ASC, r.position ASC, r.id ASC;
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rs.Close()
	for rs.Next() {
		var (
			r      model.Row
			status string
			result sql.NullInt64
		)
		if err := rs.Scan(&r.ID, &r.PhaseID, &r.Position, &r.Role, &r.Time, &r.Duration, &r.Description, &r.Script, &status, &result); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Status = model.RowStatus(status)
		r.ScriptResult = nullBool(result)
		if i, ok := index[r.PhaseID]; ok {
			phases[i].Rows = append(phases[i].Rows, r)
		}
	}
	return phases, rs.Err()
}

func queryProject(ctx context.Context, q queryer, projectID int64) (*model.Project, error) {
	var (
		p                    model.Project
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `SELECT id, name, version, created_at, updated_at FROM projects WHERE id = ?;`, projectID).
		Scan(&p.ID, &p.Name, &p.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %d", model.ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.CreatedAt = storage.ParseTime(createdAt)
	p.UpdatedAt = storage.ParseTime(updatedAt)
	if p.Roles, err = queryRoles(ctx, q, p.ID); err != nil {
		return nil, err
	}
	return &p, nil
}

func queryRoles(ctx context.Context, q queryer, projectID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT role_name FROM project_roles WHERE project_id = ? ORDER BY role_name ASC;`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()
	roles := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func queryScripts(ctx context.Context, q queryer, projectID int64) ([]model.PeriodicScript, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, project_id, name, path, status, last_executed
FROM periodic_scripts WHERE project_id = ? ORDER BY id ASC;
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()
	out := []model.PeriodicScript{}
	for rows.Next() {
		var (
			s        model.PeriodicScript
			status   int
			executed sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Path, &status, &executed); err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		s.Status = status != 0
		s.LastExecuted = storage.ParseNullTime(executed)
		out = append(out, s)
	}
	return out, rows.Err()
}
