package watch

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/client"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/protocol"
)

var showTime = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

func newTestModel() *Model {
	m := New(client.New(client.Options{BaseURL: "http://localhost:1", ProjectID: 7}))
	m.now = func() time.Time { return showTime }
	return m
}

func notification(t *testing.T, ev protocol.Event) notify.Notification {
	t.Helper()
	msg, err := protocol.Encode(7, notify.All(), ev)
	require.NoError(t, err)
	return notify.Notification{
		ID:        notify.MessageID(msg.Command, msg.Payload),
		ProjectID: 7,
		Audience:  msg.Audience,
		Command:   msg.Command,
		Payload:   msg.Payload,
		CreatedAt: showTime,
	}
}

func TestApplyEventUpdatesPanels(t *testing.T) {
	m := newTestModel()
	started := showTime.Add(-90 * time.Second)
	clockEv := protocol.ClockStateUpdate{ClockState: model.ClockState{
		ProjectID: 7, IsRunning: true, LastStartTime: &started, Version: 3,
	}}

	assert.Nil(t, m.applyEvent(4, notification(t, clockEv)))
	st, ok := m.replica.State()
	require.True(t, ok)
	assert.Equal(t, int64(3), st.Version)
	assert.Contains(t, renderClock(m.replica, m.theme, showTime), "00:01:30")

	sessions := []model.Session{{ProjectID: 7, Role: "Sound", Name: "alice", LastHeartbeatAt: showTime}}
	assert.Nil(t, m.applyEvent(5, notification(t, protocol.PresenceChanged{Sessions: sessions})))
	assert.Equal(t, sessions, m.sessions)

	assert.NotNil(t, m.applyEvent(2, notification(t, protocol.PhasesUpdated{Reason: "row_added", PhaseNumber: 1})),
		"phase changes trigger a refetch")

	assert.Equal(t, int64(5), m.lastID, "last id never moves backwards")
	require.Len(t, m.eventLog, 3)
	assert.Equal(t, string(protocol.CmdPhasesUpdated), m.eventLog[0].Command, "newest first")
	assert.Equal(t, showTime, m.activity.LastEvent())
}

func TestEventLogIsCapped(t *testing.T) {
	m := newTestModel()
	n := notification(t, protocol.UserNotification{Level: "info", Message: "house open"})
	for i := range maxEventLog + 10 {
		m.applyEvent(int64(i+1), n)
	}
	assert.Len(t, m.eventLog, maxEventLog)
}

func TestDescribeEvent(t *testing.T) {
	tests := []struct {
		ev   protocol.Event
		want string
	}{
		{protocol.ClockStateUpdate{ClockState: model.ClockState{InitialOffset: 90, Version: 2}}, "stopped offset 00:01:30 v2"},
		{protocol.PendingChangesNotification{Count: 2, SubmittedBy: "alice", Role: "Sound"}, "2 change(s) from alice (Sound)"},
		{protocol.PendingChangesUpdated{RecordID: "0123456789abcdef", Status: model.ChangeDeclined, Error: "row gone"}, "01234567 declined: row gone"},
		{protocol.UserDeactivated{Role: "Sound", Name: "alice", Reason: "expired"}, "Sound/alice expired"},
		{protocol.DataUpdated{Kind: protocol.DataVersion}, "version"},
	}
	for _, tt := range tests {
		t.Run(string(tt.ev.Command()), func(t *testing.T) {
			assert.Equal(t, tt.want, describeEvent(notification(t, tt.ev)))
		})
	}

	raw := notify.Notification{Command: "mystery", Payload: []byte(`{"x":1}`)}
	assert.Equal(t, `{"x":1}`, describeEvent(raw))
}

func TestSnapshotFillsRunsheet(t *testing.T) {
	m := newTestModel()
	phases := []model.Phase{
		{PhaseNumber: 1, IsActive: true, Rows: []model.Row{
			{Position: 1, Time: "19:00:00", Description: "Doors open", Status: model.StatusPassed},
			{Position: 2, Time: "19:30:00", Description: "Welcome", Status: model.StatusNA},
		}},
		{PhaseNumber: 2, Rows: []model.Row{
			{Position: 1, Time: "20:00:00", Description: "Awards", Status: model.StatusFailed},
		}},
	}

	updated, cmd := m.Update(snapshotMsg{
		project: model.Project{ID: 7, Name: "Gala Night", Roles: []string{"Manager", "Sound"}},
		clock:   model.ClockState{ProjectID: 7, InitialOffset: 5, Version: 1},
		phases:  phases,
	})
	assert.Nil(t, cmd)
	got := updated.(Model)
	assert.Len(t, got.runsheet.Rows(), 3)
	assert.Equal(t, "Gala Night", got.project.Name)
	assert.Contains(t, statusSummary(phases, got.theme), "2 phases, 3 rows")

	updated, _ = got.Update(tea.WindowSizeMsg{Width: 120, Height: 60})
	view := updated.(Model).View()
	for _, want := range []string{"Gala Night", "Doors open", "Awards", "vacant", "00:00:05"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected %q in view", want)
		}
	}
}

func TestStreamDownSchedulesReconnect(t *testing.T) {
	m := newTestModel()
	m.health.Connected = true
	updated, cmd := m.Update(streamDownMsg{})
	got := updated.(Model)
	assert.False(t, got.health.Connected)
	assert.NotEmpty(t, got.lastError)
	assert.NotNil(t, cmd)

	m.cancel()
	_, cmd = m.Update(streamDownMsg{})
	assert.Nil(t, cmd, "no reconnect after quit")
}
