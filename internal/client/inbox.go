package client

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type deliveryState uint8

const (
	stateApplied deliveryState = iota + 1
	stateAcking
	stateAcked
)

// DefaultInboxSize bounds how many notification IDs are remembered.
const DefaultInboxSize = 512

// Inbox deduplicates notifications that arrive over both push and poll.
// Each ID is applied once and acked once; a failed ack may be retried by a
// later delivery of the same ID.
type Inbox struct {
	mu    sync.Mutex
	state *lru.Cache[string, deliveryState]
}

func NewInbox(size int) (*Inbox, error) {
	if size <= 0 {
		size = DefaultInboxSize
	}
	c, err := lru.New[string, deliveryState](size)
	if err != nil {
		return nil, err
	}
	return &Inbox{state: c}, nil
}

// Begin records a delivery of id. apply is true on the first delivery;
// ack is true when the caller should ack now. A caller told to ack must
// report the outcome with AckDone.
func (b *Inbox) Begin(id string) (apply, ack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state.Get(id)
	switch {
	case !ok:
		b.state.Add(id, stateAcking)
		return true, true
	case st == stateApplied:
		b.state.Add(id, stateAcking)
		return false, true
	default:
		return false, false
	}
}

// AckDone settles an ack started by Begin.
func (b *Inbox) AckDone(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.state.Add(id, stateApplied)
		return
	}
	b.state.Add(id, stateAcked)
}

// Acked reports whether id has been acked.
func (b *Inbox) Acked(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state.Peek(id)
	return ok && st == stateAcked
}

func (b *Inbox) Len() int { return b.state.Len() }
