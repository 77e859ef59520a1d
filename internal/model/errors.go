package model

import "errors"

var (
	// ErrRoleTaken is returned when a live session already holds a role under another name.
	ErrRoleTaken = errors.New("role taken")
	// ErrSessionNotFound means the session was evicted, released, or never claimed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStaleRecord marks a decision on an already-resolved record or a vanished target.
	ErrStaleRecord = errors.New("stale record")
	// ErrInvalidTransition rejects a clock command that does not apply to the current mode.
	ErrInvalidTransition = errors.New("invalid clock transition")

	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)
