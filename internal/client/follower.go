package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/conductor/internal/clock"
	clog "github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/protocol"
)

const (
	DefaultIdlePoll   = 30 * time.Second
	DefaultActivePoll = 2 * time.Second
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second

	// maxDrain caps how many notifications one poll tick takes.
	maxDrain = 50
)

// Handler receives every notification applied by a Follower, once per ID.
type Handler func(ctx context.Context, ev protocol.Event, n notify.Notification)

type FollowerOptions struct {
	// IdlePoll and ActivePoll are the fallback poll intervals; ActivePoll
	// applies while SetActiveEditing(true).
	IdlePoll   time.Duration
	ActivePoll time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Heartbeat keeps the session alive when positive.
	Heartbeat time.Duration
	InboxSize int
	Handler   Handler
	// OnSessionLost is called when a heartbeat finds the session gone.
	OnSessionLost func()
	Logger        *slog.Logger
}

// Follower keeps one participant in sync: a push stream when it is up, and
// a poll loop that keeps working when it is not. Transport failures are
// logged and retried, never returned.
type Follower struct {
	client  *Client
	opts    FollowerOptions
	inbox   *Inbox
	replica *clock.Replica
	logger  *slog.Logger

	active      atomic.Bool
	wake        chan struct{}
	lastEventID atomic.Int64
	connected   atomic.Bool
}

// NewFollower follows the participant c is bound to via As.
func NewFollower(c *Client, opts FollowerOptions) (*Follower, error) {
	if c.actor.Role == "" || c.actor.Name == "" {
		return nil, fmt.Errorf("%w: follower needs a participant identity", model.ErrInvalidInput)
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = DefaultIdlePoll
	}
	if opts.ActivePoll <= 0 {
		opts.ActivePoll = DefaultActivePoll
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(DefaultMaxBackoff, opts.MinBackoff)
	}
	inbox, err := NewInbox(opts.InboxSize)
	if err != nil {
		return nil, err
	}
	return &Follower{
		client:  c,
		opts:    opts,
		inbox:   inbox,
		replica: clock.NewReplica(),
		logger:  clog.ForComponent(opts.Logger, "follower").With("role", c.actor.Role, "name", c.actor.Name),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Replica is the clock copy fed by every clock_state_update.
func (f *Follower) Replica() *clock.Replica { return f.replica }

func (f *Follower) Inbox() *Inbox { return f.inbox }

// Connected reports whether the push stream is currently up.
func (f *Follower) Connected() bool { return f.connected.Load() }

// SetActiveEditing switches the fallback poll to its fast interval while the
// participant is editing.
func (f *Follower) SetActiveEditing(active bool) {
	if f.active.Swap(active) == active {
		return
	}
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Follower) pollInterval() time.Duration {
	if f.active.Load() {
		return f.opts.ActivePoll
	}
	return f.opts.IdlePoll
}

// Run follows until ctx is cancelled and returns ctx.Err().
func (f *Follower) Run(ctx context.Context) error {
	f.resync(ctx)

	var wg sync.WaitGroup
	loops := []func(context.Context){f.streamLoop, f.pollLoop}
	if f.opts.Heartbeat > 0 {
		loops = append(loops, f.heartbeatLoop)
	}
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// resync fetches the authoritative clock; used at start and after every
// stream reconnect, since pushes may have been missed in between.
func (f *Follower) resync(ctx context.Context) {
	st, err := f.client.Clock(ctx)
	if err != nil {
		f.logger.Debug("clock resync failed", "error", err)
		return
	}
	f.replica.Apply(st)
}

func (f *Follower) pollLoop(ctx context.Context) {
	timer := time.NewTimer(f.pollInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			f.Poll(ctx)
		}
		timer.Reset(f.pollInterval())
	}
}

// Poll drains the mailbox once.
func (f *Follower) Poll(ctx context.Context) {
	for range maxDrain {
		n, err := f.client.Poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Debug("poll failed", "error", err)
			}
			return
		}
		if n == nil {
			return
		}
		if !f.deliver(ctx, *n) {
			// The push path is acking this entry right now.
			return
		}
	}
}

func (f *Follower) streamLoop(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		err := f.consumeStream(ctx)
		f.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errStreamOpened) {
			attempt = 0
		}
		delay := backoff(f.opts.MinBackoff, f.opts.MaxBackoff, attempt)
		attempt++
		f.logger.Debug("push stream down, retrying", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (f *Follower) consumeStream(ctx context.Context) error {
	onOpen := func() {
		f.connected.Store(true)
		f.resync(ctx)
	}
	return f.client.Stream(ctx, f.lastEventID.Load(), onOpen, func(id int64, n notify.Notification) {
		if id > 0 {
			f.lastEventID.Store(id)
		}
		f.deliver(ctx, n)
	})
}

// deliver applies n once and acks it once, whichever path brought it. It
// reports whether this call did either.
func (f *Follower) deliver(ctx context.Context, n notify.Notification) bool {
	key := deliveryKey(n)
	apply, ack := f.inbox.Begin(key)
	if apply {
		f.apply(ctx, n)
	}
	if ack {
		f.inbox.AckDone(key, f.client.Ack(ctx, n.ID))
	}
	return apply || ack
}

// deliveryKey identifies one publish. The message id alone is derived from
// content, so a later publish of identical content gets a new key through
// its creation time.
func deliveryKey(n notify.Notification) string {
	return n.ID + "@" + strconv.FormatInt(n.CreatedAt.UnixNano(), 10)
}

func (f *Follower) apply(ctx context.Context, n notify.Notification) {
	ev, err := protocol.DecodeNotification(n)
	if err != nil {
		f.logger.Warn("skipping notification", "command", n.Command, "error", err)
		return
	}
	if upd, ok := ev.(protocol.ClockStateUpdate); ok {
		f.replica.Apply(upd.ClockState)
	}
	if f.opts.Handler != nil {
		f.opts.Handler(ctx, ev, n)
	}
}

func (f *Follower) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := f.client.Heartbeat(ctx)
			switch {
			case err == nil:
			case errors.Is(err, model.ErrSessionNotFound):
				f.logger.Warn("session lost")
				if f.opts.OnSessionLost != nil {
					f.opts.OnSessionLost()
				}
				return
			case ctx.Err() == nil:
				f.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

// backoff doubles minDelay per attempt up to maxDelay, then picks uniformly
// from the upper half of that delay.
func backoff(minDelay, maxDelay time.Duration, attempt int) time.Duration {
	d := minDelay
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	d = min(d, maxDelay)
	if half := int64(d / 2); half > 0 {
		d = d/2 + time.Duration(rand.Int63n(half+1))
	}
	return d
}
