package webhook

import (
	"context"
	"time"

	"github.com/mattjoyce/conductor/internal/model"
)

// Clock is the part of the clock engine a cue can drive.
type Clock interface {
	SetTime(ctx context.Context, projectID int64, seconds int64) (model.ClockState, error)
	Start(ctx context.Context, projectID int64) (model.ClockState, error)
	Stop(ctx context.Context, projectID int64, proposedOffset *int64) (model.ClockState, error)
	SetTarget(ctx context.Context, projectID int64, targetAt time.Time) (model.ClockState, error)
	ClearTarget(ctx context.Context, projectID int64) (model.ClockState, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig is one signed cue endpoint.
type EndpointConfig struct {
	Path            string
	ProjectID       int64
	Secret          string
	SignatureHeader string
	// Commands lists the clock commands this endpoint may run. Empty allows all.
	Commands    []string
	MaxBodySize int64
}

// CueRequest is the body of a cue.
type CueRequest struct {
	Command string `json:"command"`
	// Seconds is the offset for set_time, and the proposed offset for stop.
	Seconds  *int64     `json:"seconds,omitempty"`
	TargetAt *time.Time `json:"target_at,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize     = 16 << 10
	DefaultSignatureHeader = "X-Cue-Signature"
)
