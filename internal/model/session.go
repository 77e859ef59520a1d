package model

import "time"

// Session binds one participant name to a (project, role) slot.
type Session struct {
	ProjectID       int64     `json:"project_id"`
	Role            string    `json:"role"`
	Name            string    `json:"name"`
	ClaimedAt       time.Time `json:"claimed_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Expired reports whether the last heartbeat is older than ttl at now.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastHeartbeatAt) > ttl
}
