package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// RowStatus is the execution outcome recorded against a row.
type RowStatus string

const (
	StatusNA     RowStatus = "N/A"
	StatusPassed RowStatus = "Passed"
	StatusFailed RowStatus = "Failed"
)

// Valid reports whether s is one of the known row statuses.
func (s RowStatus) Valid() bool {
	switch s {
	case StatusNA, StatusPassed, StatusFailed:
		return true
	}
	return false
}

type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Phase is an ordered block of rows. Row order is significant.
type Phase struct {
	ID          int64 `json:"id"`
	ProjectID   int64 `json:"project_id"`
	PhaseNumber int   `json:"phase"`
	IsActive    bool  `json:"is_active"`
	Rows        []Row `json:"rows"`
}

type Row struct {
	ID           int64     `json:"id"`
	PhaseID      int64     `json:"phase_id,omitempty"`
	Position     int       `json:"position"`
	Role         string    `json:"role"`
	Time         string    `json:"time"`
	Duration     string    `json:"duration"`
	Description  string    `json:"description"`
	Script       string    `json:"script"`
	Status       RowStatus `json:"status"`
	ScriptResult *bool     `json:"scriptResult"`
}

// RowFields carries the editable row columns; nil fields are left unchanged.
type RowFields struct {
	Role         *string    `json:"role,omitempty"`
	Time         *string    `json:"time,omitempty"`
	Duration     *string    `json:"duration,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Script       *string    `json:"script,omitempty"`
	Status       *RowStatus `json:"status,omitempty"`
	ScriptResult *bool      `json:"scriptResult,omitempty"`
}

// Apply copies the set fields onto r.
func (f RowFields) Apply(r *Row) {
	if f.Role != nil {
		r.Role = *f.Role
	}
	if f.Time != nil {
		r.Time = *f.Time
	}
	if f.Duration != nil {
		r.Duration = *f.Duration
	}
	if f.Description != nil {
		r.Description = *f.Description
	}
	if f.Script != nil {
		r.Script = *f.Script
	}
	if f.Status != nil {
		r.Status = *f.Status
	}
	if f.ScriptResult != nil {
		v := *f.ScriptResult
		r.ScriptResult = &v
	}
}

// NewRow returns a row with the column defaults of an empty run-sheet line.
func NewRow() Row {
	return Row{
		Time:     "00:00:00",
		Duration: "00:00",
		Status:   StatusNA,
	}
}

type PeriodicScript struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"project_id"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	Status       bool       `json:"status"`
	LastExecuted *time.Time `json:"last_executed,omitempty"`
}

// ActionEntry is one row of the per-project audit trail.
type ActionEntry struct {
	ID         int64           `json:"id"`
	ProjectID  int64           `json:"project_id"`
	UserName   string          `json:"user_name"`
	UserRole   string          `json:"user_role"`
	ActionType string          `json:"action_type"`
	Details    json.RawMessage `json:"details"`
	At         time.Time       `json:"at"`
}

const (
	ActionRowStatusChange = "row_status_change"
	ActionPhaseActivation = "phase_activation"
	ActionResetStatuses   = "reset_statuses"
	ActionClockCommand    = "clock_command"
	ActionChangeDecision  = "change_decision"
	ActionRunsheetEdit    = "runsheet_edit"
	ActionScriptRun       = "script_run"
)

// ScriptFields carries editable periodic-script columns; nil fields are left unchanged.
type ScriptFields struct {
	Name   *string `json:"name,omitempty"`
	Path   *string `json:"path,omitempty"`
	Status *bool   `json:"status,omitempty"`
}

func (f ScriptFields) Apply(s *PeriodicScript) {
	if f.Name != nil {
		s.Name = *f.Name
	}
	if f.Path != nil {
		s.Path = *f.Path
	}
	if f.Status != nil {
		s.Status = *f.Status
	}
}

// Validate rejects unknown row statuses.
func (f RowFields) Validate() error {
	if f.Status != nil && !f.Status.Valid() {
		return fmt.Errorf("%w: unknown row status %q", ErrInvalidInput, *f.Status)
	}
	return nil
}
