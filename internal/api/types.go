package api

import (
	"time"

	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/proposal"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	PushSubscribers int    `json:"push_subscribers"`
}

type CreateProjectRequest struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// SessionRequest names a session for login, heartbeat and logout.
type SessionRequest struct {
	Role string `json:"role"`
	Name string `json:"name"`
}

// ClockCommandRequest carries the arguments of every clock command; each
// command reads only its own fields.
type ClockCommandRequest struct {
	Seconds        *int64     `json:"seconds,omitempty"`
	ProposedOffset *int64     `json:"proposed_offset,omitempty"`
	Target         *time.Time `json:"target,omitempty"`
}

type CreatePhaseRequest struct {
	Active bool `json:"is_active"`
}

type PhaseActiveRequest struct {
	Active bool `json:"is_active"`
}

// ScriptRunRequest reports the outcome of a periodic script run.
type ScriptRunRequest struct {
	Status bool `json:"status"`
}

type InsertRowRequest struct {
	Position *int `json:"position,omitempty"`
	model.RowFields
}

// MoveRowRequest is the target of a move or duplicate.
type MoveRowRequest struct {
	PhaseNumber int `json:"phase"`
	Position    int `json:"position"`
}

type ResetStatusesResponse struct {
	Reset int64 `json:"reset"`
}

type ReplaceTableRequest struct {
	Phases []model.Phase `json:"phases"`
}

type VersionRequest struct {
	Version string `json:"version"`
}

type RoleRequest struct {
	Role string `json:"role"`
}

type SubmitChangesResponse struct {
	SubmissionID string               `json:"submission_id"`
	Records      []model.ChangeRecord `json:"records"`
}

// DecisionResponse reports one accept or decline. Error is set when an
// accepted record could not be applied and was declined instead.
type DecisionResponse struct {
	Record       model.ChangeRecord `json:"record"`
	AllProcessed bool               `json:"all_processed"`
	TableData    *model.TableData   `json:"table_data,omitempty"`
	Error        string             `json:"error,omitempty"`
}

type SubmissionDecisionResponse struct {
	SubmissionID string             `json:"submission_id"`
	Decisions    []DecisionResponse `json:"decisions"`
}

type AckRequest struct {
	Role string `json:"role"`
	Name string `json:"name"`
	ID   string `json:"id"`
}

func decisionResponse(d proposal.Decision) DecisionResponse {
	resp := DecisionResponse{
		Record:       d.Record,
		AllProcessed: d.AllProcessed,
		TableData:    d.TableData,
	}
	if d.Err != nil {
		resp.Error = d.Err.Error()
	}
	return resp
}
