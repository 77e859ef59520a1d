package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/client"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
)

const requestTimeout = 5 * time.Second

// --- Message types ---

// pushed is one notification read off the event stream, or the news that
// the stream has opened.
type pushed struct {
	open bool
	id   int64
	n    notify.Notification
}

type eventMsg pushed

type healthMsg api.HealthzResponse

type snapshotMsg struct {
	project  model.Project
	clock    model.ClockState
	phases   []model.Phase
	sessions []model.Session
}

type phasesMsg []model.Phase

type tickMsg time.Time

type errMsg error

type streamDownMsg struct{ err error }
type reconnectMsg struct{}

// --- Commands ---

// subscribe streams the whole project into ch from lastID on. It returns
// streamDownMsg when the stream drops.
func subscribe(ctx context.Context, c *client.Client, lastID int64, ch chan<- pushed) tea.Cmd {
	return func() tea.Msg {
		send := func(p pushed) {
			select {
			case ch <- p:
			case <-ctx.Done():
			}
		}
		err := c.Stream(ctx, lastID, func() { send(pushed{open: true}) }, func(id int64, n notify.Notification) {
			send(pushed{id: id, n: n})
		})
		return streamDownMsg{err: err}
	}
}

// receiveNextEvent waits for the next pushed notification.
func receiveNextEvent(ch <-chan pushed) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		h, err := c.Health(ctx)
		if err != nil {
			return errMsg(err)
		}
		return healthMsg(*h)
	}
}

// fetchSnapshot loads everything the panels show. It runs at start and
// after every reconnect, since pushes may have been missed in between.
func fetchSnapshot(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		var snap snapshotMsg
		p, err := c.Project(ctx)
		if err != nil {
			return errMsg(err)
		}
		snap.project = *p
		if snap.clock, err = c.Clock(ctx); err != nil {
			return errMsg(err)
		}
		if snap.phases, err = c.Phases(ctx); err != nil {
			return errMsg(err)
		}
		if snap.sessions, err = c.Sessions(ctx); err != nil {
			return errMsg(err)
		}
		return snap
	}
}

func fetchPhases(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		phases, err := c.Phases(ctx)
		if err != nil {
			return errMsg(err)
		}
		return phasesMsg(phases)
	}
}
