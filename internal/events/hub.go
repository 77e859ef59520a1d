package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/notify"
)

// Event is one pushed notification. ID is the hub sequence used for
// Last-Event-ID replay; NotificationID is the dispatcher's idempotence key.
type Event struct {
	ID             int64           `json:"id"`
	ProjectID      int64           `json:"project_id"`
	Audience       notify.Audience `json:"audience"`
	Type           string          `json:"type"`
	NotificationID string          `json:"notification_id"`
	At             time.Time       `json:"at"`
	Data           json.RawMessage `json:"data"`
}

// Filter selects the events of one project addressed to one session. An
// empty Role observes every event of the project.
type Filter struct {
	ProjectID int64
	Role      string
	Name      string
}

func (f Filter) Match(ev Event) bool {
	if ev.ProjectID != f.ProjectID {
		return false
	}
	if f.Role == "" {
		return true
	}
	return ev.Audience.Matches(f.Role, f.Name)
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID  atomic.Int64
	metrics *metrics.Metrics

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

func NewHub(capacity int, m *metrics.Metrics) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		metrics: m,
		ring:    make([]Event, capacity),
		subs:    make(map[int]subscriber),
	}
}

// Push implements notify.Pusher.
func (h *Hub) Push(n notify.Notification) {
	h.Publish(Event{
		ProjectID:      n.ProjectID,
		Audience:       n.Audience,
		Type:           n.Command,
		NotificationID: n.ID,
		At:             n.CreatedAt,
		Data:           n.Payload,
	})
}

// Publish stamps ev with the next sequence id, buffers it and fans it out to
// matching subscribers without blocking.
func (h *Hub) Publish(ev Event) Event {
	ev.ID = h.nextID.Add(1)
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if len(ev.Data) == 0 {
		ev.Data = json.RawMessage("{}")
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, s := range h.subs {
		if !s.filter.Match(ev) {
			continue
		}
		// Don't let slow clients block producers.
		select {
		case s.ch <- ev:
		default:
			h.metrics.PushDropped()
		}
	}
	h.mu.Unlock()
	return ev
}

func (h *Hub) Subscribe(f Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{filter: f, ch: ch}
	h.metrics.SubscriberAdded()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if s, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
			h.mu.Unlock()
			h.metrics.SubscriberRemoved()
		})
	}

	return ch, cancel
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns buffered events matching f with ID > lastID,
// oldest-first. If lastID is 0, every buffered match is returned.
func (h *Hub) SnapshotSince(lastID int64, f Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID && f.Match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
