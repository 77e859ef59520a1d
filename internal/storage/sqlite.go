package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the layout of every timestamp column. Fixed width so that
// columns sort and compare lexically in SQL.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the run-sheet, presence, clock, proposal and mailbox tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := checkLocalFilesystem(path, detectFilesystemType); err != nil {
		return nil, err
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer. Callers never touch db while holding a transaction.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  name       TEXT NOT NULL UNIQUE COLLATE NOCASE,
  version    TEXT NOT NULL DEFAULT 'v1.0.0',
  decision_seq INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS project_roles (
  project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  role_name  TEXT NOT NULL,
  PRIMARY KEY (project_id, role_name)
);`,
		`CREATE TABLE IF NOT EXISTS phases (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id   INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  phase_number INTEGER NOT NULL,
  is_active    INTEGER NOT NULL DEFAULT 0,
  UNIQUE (project_id, phase_number)
);`,
		`CREATE TABLE IF NOT EXISTS runsheet_rows (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  phase_id      INTEGER NOT NULL REFERENCES phases(id) ON DELETE CASCADE,
  position      INTEGER NOT NULL,
  role          TEXT NOT NULL DEFAULT '',
  time          TEXT NOT NULL DEFAULT '00:00:00',
  duration      TEXT NOT NULL DEFAULT '00:00',
  description   TEXT NOT NULL DEFAULT '',
  script        TEXT NOT NULL DEFAULT '',
  status        TEXT NOT NULL DEFAULT 'N/A',
  script_result INTEGER,
  updated_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS periodic_scripts (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id    INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  name          TEXT NOT NULL,
  path          TEXT NOT NULL DEFAULT '',
  status        INTEGER NOT NULL DEFAULT 0,
  last_executed TEXT
);`,
		`CREATE TABLE IF NOT EXISTS action_log (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id  INTEGER NOT NULL,
  user_name   TEXT NOT NULL,
  user_role   TEXT NOT NULL,
  action_type TEXT NOT NULL,
  details     JSON NOT NULL DEFAULT '{}',
  at          TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS clock_state (
  project_id           INTEGER PRIMARY KEY,
  initial_offset       INTEGER NOT NULL DEFAULT 0,
  is_running           INTEGER NOT NULL DEFAULT 0,
  last_start_time      TEXT,
  target_date_time     TEXT,
  is_using_target_time INTEGER NOT NULL DEFAULT 0,
  version              INTEGER NOT NULL DEFAULT 0,
  updated_at           TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS sessions (
  project_id        INTEGER NOT NULL,
  role              TEXT NOT NULL,
  name              TEXT NOT NULL,
  claimed_at        TEXT NOT NULL,
  last_heartbeat_at TEXT NOT NULL,
  PRIMARY KEY (project_id, role)
);`,
		`CREATE TABLE IF NOT EXISTS submissions (
  id                TEXT PRIMARY KEY,
  project_id        INTEGER NOT NULL,
  submitted_by      TEXT NOT NULL,
  submitted_by_role TEXT NOT NULL,
  created_at        TEXT NOT NULL,
  closed_at         TEXT
);`,
		`CREATE TABLE IF NOT EXISTS change_records (
  id            TEXT PRIMARY KEY,
  submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
  project_id    INTEGER NOT NULL,
  seq           INTEGER NOT NULL,
  change_type   TEXT NOT NULL,
  payload       JSON NOT NULL,
  status        TEXT NOT NULL DEFAULT 'pending',
  decision_seq  INTEGER,
  decided_by    TEXT,
  decided_at    TEXT,
  error         TEXT,
  applied_row_id INTEGER
);`,
		`CREATE TABLE IF NOT EXISTS mailbox (
  project_id INTEGER NOT NULL,
  role       TEXT NOT NULL,
  name       TEXT NOT NULL DEFAULT '',
  stream     TEXT NOT NULL,
  message_id TEXT NOT NULL,
  audience   TEXT NOT NULL,
  payload    JSON NOT NULL,
  delivered  INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  PRIMARY KEY (project_id, role, name, stream)
);`,
		`CREATE INDEX IF NOT EXISTS rows_phase_position_idx ON runsheet_rows(phase_id, position);`,
		`CREATE INDEX IF NOT EXISTS change_records_project_status_idx ON change_records(project_id, status);`,
		`CREATE INDEX IF NOT EXISTS change_records_submission_idx ON change_records(submission_id, seq);`,
		`CREATE INDEX IF NOT EXISTS action_log_project_idx ON action_log(project_id, id);`,
		`CREATE INDEX IF NOT EXISTS mailbox_created_at_idx ON mailbox(project_id, role, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// InTx runs fn inside a transaction, committing only when fn returns nil.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// FormatTime renders t in the column layout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a column timestamp; malformed values yield the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseNullTime parses a nullable timestamp column.
func ParseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// NullTime converts an optional time to a nullable column value.
func NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}
