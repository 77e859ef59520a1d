package model

import (
	"encoding/json"
	"time"
)

type ChangeType string

const (
	ChangeRowAdd       ChangeType = "row_add"
	ChangeRowUpdate    ChangeType = "row_update"
	ChangeRowDelete    ChangeType = "row_delete"
	ChangeRowMove      ChangeType = "row_move"
	ChangeRowDuplicate ChangeType = "row_duplicate"
	ChangeVersion      ChangeType = "version"
	ChangeRoleAdd      ChangeType = "role_add"
	ChangeRoleDelete   ChangeType = "role_delete"
	ChangeScriptAdd    ChangeType = "script_add"
	ChangeScriptUpdate ChangeType = "script_update"
	ChangeScriptDelete ChangeType = "script_delete"
	ChangeTableData    ChangeType = "table_data"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeRowAdd, ChangeRowUpdate, ChangeRowDelete, ChangeRowMove, ChangeRowDuplicate,
		ChangeVersion, ChangeRoleAdd, ChangeRoleDelete,
		ChangeScriptAdd, ChangeScriptUpdate, ChangeScriptDelete, ChangeTableData:
		return true
	}
	return false
}

// Decidable is false for table_data snapshots, which only inform row positions.
func (t ChangeType) Decidable() bool {
	return t != ChangeTableData
}

type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeAccepted ChangeStatus = "accepted"
	ChangeDeclined ChangeStatus = "declined"
)

type ChangeRecord struct {
	ID           string          `json:"id"`
	SubmissionID string          `json:"submission_id"`
	ProjectID    int64           `json:"project_id"`
	Seq          int             `json:"seq"`
	Type         ChangeType      `json:"change_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       ChangeStatus    `json:"status"`
	DecisionSeq  *int64          `json:"decision_seq,omitempty"`
	DecidedBy    string          `json:"decided_by,omitempty"`
	DecidedAt    *time.Time      `json:"decided_at,omitempty"`
	Error        string          `json:"error,omitempty"`
	// AppliedRowID is the row created by an accepted row_add or row_duplicate.
	AppliedRowID *int64          `json:"applied_row_id,omitempty"`
}

type Submission struct {
	ID              string         `json:"submission_id"`
	ProjectID       int64          `json:"project_id"`
	SubmittedBy     string         `json:"submitted_by"`
	SubmittedByRole string         `json:"submitted_by_role"`
	CreatedAt       time.Time      `json:"created_at"`
	ClosedAt        *time.Time     `json:"closed_at,omitempty"`
	Records         []ChangeRecord `json:"records"`
}

// FullyProcessed reports whether every decidable record has left pending.
func (s Submission) FullyProcessed() bool {
	for _, r := range s.Records {
		if r.Type.Decidable() && r.Status == ChangePending {
			return false
		}
	}
	return true
}

// TableData is the proposer's final row-order snapshot. Existing rows are
// referenced by ID, rows added in the same submission by ClientID.
type TableData struct {
	Phases []TablePhase `json:"phases"`
}

type TablePhase struct {
	PhaseNumber int        `json:"phase"`
	Rows        []TableRow `json:"rows"`
}

type TableRow struct {
	ID       int64  `json:"id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Locate returns the phase and index of the row matching id or clientID.
func (t TableData) Locate(id int64, clientID string) (phase int, index int, ok bool) {
	for _, p := range t.Phases {
		for i, r := range p.Rows {
			if (id != 0 && r.ID == id) || (clientID != "" && r.ClientID == clientID) {
				return p.PhaseNumber, i, true
			}
		}
	}
	return 0, 0, false
}

// PhaseRows returns the snapshot rows of one phase.
func (t TableData) PhaseRows(phase int) []TableRow {
	for _, p := range t.Phases {
		if p.PhaseNumber == phase {
			return p.Rows
		}
	}
	return nil
}
