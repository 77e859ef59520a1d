package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/conductor/internal/model"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendAction writes one audit entry for the actor in ctx. details is
// marshalled to JSON.
func AppendAction(ctx context.Context, ex Execer, projectID int64, at time.Time, actionType string, details any) error {
	actor := model.ActorFromContext(ctx)
	raw := []byte("{}")
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode action details: %w", err)
		}
		raw = b
	}
	if _, err := ex.ExecContext(ctx, `
INSERT INTO action_log(project_id, user_name, user_role, action_type, details, at)
VALUES(?, ?, ?, ?, ?, ?);
`, projectID, actor.Name, actor.Role, actionType, string(raw), FormatTime(at)); err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}
