package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/client"
	"github.com/mattjoyce/conductor/internal/clock"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/protocol"
)

// Model is the BubbleTea model of the watcher.
type Model struct {
	client *client.Client
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int
	now    func() time.Time

	// State
	health   HealthState
	project  model.Project
	replica  *clock.Replica
	phases   []model.Phase
	sessions []model.Session
	eventLog []notify.Notification
	lastID   int64

	// Live indicators
	ticker   Ticker
	activity Activity

	theme    Theme
	runsheet table.Model

	pushes chan pushed

	lastError string
}

// New watches the project c is bound to. c should not carry a participant
// identity so that the stream carries every event of the project.
func New(c *client.Client) *Model {
	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		client:   c,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		project:  model.Project{ID: c.ProjectID()},
		replica:  clock.NewReplica(),
		pushes:   make(chan pushed, 100),
		ticker:   NewTicker(),
		theme:    NewDefaultTheme(),
		runsheet: newRunsheetTable(),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.ctx, m.client, 0, m.pushes),
		receiveNextEvent(m.pushes),
		fetchSnapshot(m.client),
		fetchHealth(m.client),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.client)
		}
		var cmd tea.Cmd
		m.runsheet, cmd = m.runsheet.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(time.Time(msg))
		return m, tick()

	case eventMsg:
		if msg.open {
			m.health.Connected = true
			return m, receiveNextEvent(m.pushes)
		}
		cmd := m.applyEvent(msg.id, msg.n)
		m.health.Connected = true
		m.lastError = ""
		return m, tea.Batch(cmd, receiveNextEvent(m.pushes))

	case snapshotMsg:
		m.project = msg.project
		m.replica.Apply(msg.clock)
		m.sessions = msg.sessions
		m.setPhases(msg.phases)
		m.lastError = ""

	case phasesMsg:
		m.setPhases(msg)

	case healthMsg:
		m.health.HealthzResponse = api.HealthzResponse(msg)
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.client)()
		})

	case streamDownMsg:
		m.health.Connected = false
		if m.ctx.Err() != nil {
			return m, nil
		}
		m.lastError = "event stream disconnected, reconnecting..."
		var apiErr *client.APIError
		if errors.As(msg.err, &apiErr) {
			m.lastError = apiErr.Error()
		}
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		// Resume after the last seen event and refetch what the gap may hide.
		return m, tea.Batch(subscribe(m.ctx, m.client, m.lastID, m.pushes), fetchSnapshot(m.client))

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.client)()
		})
	}

	return m, nil
}

// applyEvent folds one pushed notification into the panels and returns
// any refetch it calls for.
func (m *Model) applyEvent(id int64, n notify.Notification) tea.Cmd {
	if id > m.lastID {
		m.lastID = id
	}
	m.eventLog = append([]notify.Notification{n}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.activity.OnEvent(m.now())

	ev, err := protocol.DecodeNotification(n)
	if err != nil {
		return nil
	}
	switch ev := ev.(type) {
	case protocol.ClockStateUpdate:
		m.replica.Apply(ev.ClockState)
	case protocol.PresenceChanged:
		m.sessions = ev.Sessions
	case protocol.PhasesUpdated:
		return fetchPhases(m.client)
	case protocol.DataUpdated:
		return fetchSnapshot(m.client)
	}
	return nil
}

func (m *Model) setPhases(phases []model.Phase) {
	m.phases = phases
	m.runsheet.SetRows(runsheetRows(phases, m.theme))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}
	now := m.now()
	m.runsheet.SetWidth(max(20, m.width-8))

	header := renderHeader(m.project, m.health, m.replica, m.ticker, m.activity, m.theme, now, m.width)
	presence := renderPresence(m.project.Roles, m.sessions, m.theme, now, m.width)
	runsheet := renderRunsheet(m.runsheet, m.phases, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll run-sheet")

	parts := []string{header, presence, runsheet, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
