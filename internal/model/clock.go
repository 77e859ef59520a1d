package model

import "time"

// ClockMode is the derived state of a project clock.
type ClockMode string

const (
	ClockStopped        ClockMode = "stopped"
	ClockRunning        ClockMode = "running"
	ClockTargetTracking ClockMode = "target_tracking"
)

// ClockState is the authoritative clock snapshot of one project.
// Version increases on every effective transition; replicas compare it before applying.
type ClockState struct {
	ProjectID         int64      `json:"project_id"`
	InitialOffset     int64      `json:"initial_offset_seconds"`
	IsRunning         bool       `json:"is_running"`
	LastStartTime     *time.Time `json:"last_start_time"`
	TargetDateTime    *time.Time `json:"target_date_time"`
	IsUsingTargetTime bool       `json:"is_using_target_time"`
	Version           int64      `json:"version"`
	Timestamp         time.Time  `json:"timestamp"`
}

func (s ClockState) Mode() ClockMode {
	switch {
	case s.IsUsingTargetTime:
		return ClockTargetTracking
	case s.IsRunning:
		return ClockRunning
	default:
		return ClockStopped
	}
}

// ElapsedDuration returns the signed elapsed time at now. In target mode a
// negative value is the remaining countdown to the target.
func (s ClockState) ElapsedDuration(now time.Time) time.Duration {
	if s.IsUsingTargetTime && s.TargetDateTime != nil {
		return now.Sub(*s.TargetDateTime)
	}
	d := time.Duration(s.InitialOffset) * time.Second
	if s.IsRunning && s.LastStartTime != nil {
		d += now.Sub(*s.LastStartTime)
	}
	return d
}

// Elapsed returns ElapsedDuration truncated to whole seconds.
func (s ClockState) Elapsed(now time.Time) int64 {
	return int64(s.ElapsedDuration(now) / time.Second)
}
