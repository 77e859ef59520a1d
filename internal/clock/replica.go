package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/conductor/internal/model"
)

// Replica is a client's copy of a project clock. It only moves forward in
// version and derives elapsed time from the snapshot on every read.
type Replica struct {
	mu    sync.RWMutex
	state model.ClockState
	has   bool
}

func NewReplica() *Replica {
	return &Replica{}
}

// Apply installs s if it is strictly newer than the held snapshot.
func (r *Replica) Apply(s model.ClockState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.has && s.Version <= r.state.Version {
		return false
	}
	r.state = s
	r.has = true
	return true
}

// State returns the held snapshot and whether one was applied yet.
func (r *Replica) State() (model.ClockState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state, r.has
}

func (r *Replica) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Version
}

// Elapsed returns whole elapsed seconds at now; zero before the first Apply.
func (r *Replica) Elapsed(now time.Time) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Elapsed(now)
}

// Format renders seconds as [-]HH:MM:SS.
func Format(seconds int64) string {
	sign := ""
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, seconds/3600, (seconds/60)%60, seconds%60)
}
