// Package protocol defines the commands carried by notifications. Each
// command has exactly one payload type; Decode is the single place that maps
// a command name back to its payload.
package protocol

import (
	"time"

	"github.com/mattjoyce/conductor/internal/model"
)

type Command string

const (
	CmdClockStateUpdate           Command = "clock_state_update"
	CmdPhasesUpdated              Command = "phases_updated"
	CmdDataUpdated                Command = "data_updated"
	CmdPendingChangesNotification Command = "pending_changes_notification"
	CmdPendingChangesUpdated      Command = "pending_changes_updated"
	CmdUserNotification           Command = "user_notification"
	CmdShowModal                  Command = "show_modal"
	CmdUserDeactivated            Command = "user_deactivated"
	CmdPresenceChanged            Command = "presence_changed"
)

// Commands lists every known command.
func Commands() []Command {
	return []Command{
		CmdClockStateUpdate,
		CmdPhasesUpdated,
		CmdDataUpdated,
		CmdPendingChangesNotification,
		CmdPendingChangesUpdated,
		CmdUserNotification,
		CmdShowModal,
		CmdUserDeactivated,
		CmdPresenceChanged,
	}
}

// Event is the payload of one command.
type Event interface {
	Command() Command
	isEvent()
}

// ClockStateUpdate carries the full clock snapshot, never a delta.
type ClockStateUpdate struct {
	model.ClockState
}

// PhasesUpdated tells clients to refetch phases and rows.
type PhasesUpdated struct {
	Reason      string `json:"reason,omitempty"`
	PhaseNumber int    `json:"phase,omitempty"`
}

// DataUpdated covers project metadata: version, roles and scripts.
type DataUpdated struct {
	Kind string `json:"kind"`
}

// Data kinds.
const (
	DataVersion = "version"
	DataRoles   = "roles"
	DataScripts = "scripts"
)

type PendingChangesNotification struct {
	SubmissionID string    `json:"submission_id"`
	SubmittedBy  string    `json:"submitted_by"`
	Role         string    `json:"role"`
	Count        int       `json:"count"`
	At           time.Time `json:"at"`
}

type PendingChangesUpdated struct {
	SubmissionID string             `json:"submission_id"`
	RecordID     string             `json:"record_id"`
	Status       model.ChangeStatus `json:"status"`
	DecisionSeq  int64              `json:"decision_seq"`
	AllProcessed bool               `json:"all_processed"`
	Error        string             `json:"error,omitempty"`
}

type UserNotification struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type ShowModal struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

type UserDeactivated struct {
	Role   string `json:"role"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type PresenceChanged struct {
	Sessions []model.Session `json:"sessions"`
}

func (ClockStateUpdate) Command() Command           { return CmdClockStateUpdate }
func (PhasesUpdated) Command() Command              { return CmdPhasesUpdated }
func (DataUpdated) Command() Command                { return CmdDataUpdated }
func (PendingChangesNotification) Command() Command { return CmdPendingChangesNotification }
func (PendingChangesUpdated) Command() Command      { return CmdPendingChangesUpdated }
func (UserNotification) Command() Command           { return CmdUserNotification }
func (ShowModal) Command() Command                  { return CmdShowModal }
func (UserDeactivated) Command() Command            { return CmdUserDeactivated }
func (PresenceChanged) Command() Command            { return CmdPresenceChanged }

func (ClockStateUpdate) isEvent()           {}
func (PhasesUpdated) isEvent()              {}
func (DataUpdated) isEvent()                {}
func (PendingChangesNotification) isEvent() {}
func (PendingChangesUpdated) isEvent()      {}
func (UserNotification) isEvent()           {}
func (ShowModal) isEvent()                  {}
func (UserDeactivated) isEvent()            {}
func (PresenceChanged) isEvent()            {}
