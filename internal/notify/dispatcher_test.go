package notify

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/storage"
)

type recordingPusher struct {
	mu  sync.Mutex
	got []Notification
}

func (p *recordingPusher) Push(n Notification) {
	p.mu.Lock()
	p.got = append(p.got, n)
	p.mu.Unlock()
}

type staticResolver []Audience

func (r staticResolver) Recipients(context.Context, int64) ([]Audience, error) {
	return r, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordingPusher, *fakeClock) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p := &recordingPusher{}
	clk := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(db, Options{Pusher: p, Now: clk.now}), p, clk
}

func TestPublishPollAck(t *testing.T) {
	d, pusher, _ := newTestDispatcher(t)
	ctx := context.Background()

	n, err := d.Publish(ctx, Message{
		ProjectID: 1,
		Audience:  Session("Sound", "bob"),
		Command:   "show_modal",
		Payload:   json.RawMessage(`{"message":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, MessageID("show_modal", []byte(`{"message":"hi"}`)), n.ID)
	require.Len(t, pusher.got, 1)

	got, err := d.Poll(ctx, 1, "Sound", "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, "show_modal", got.Command)
	assert.True(t, got.Delivered)
	assert.JSONEq(t, `{"message":"hi"}`, string(got.Payload))

	other, err := d.Poll(ctx, 1, "Sound", "carol")
	require.NoError(t, err)
	assert.Nil(t, other, "another name must not see a session-addressed entry")

	require.NoError(t, d.Ack(ctx, 1, "Sound", "bob", n.ID))
	require.NoError(t, d.Ack(ctx, 1, "Sound", "bob", n.ID))

	empty, err := d.Poll(ctx, 1, "Sound", "bob")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestPublishOverwritesStream(t *testing.T) {
	d, _, clk := newTestDispatcher(t)
	ctx := context.Background()

	first, err := d.Publish(ctx, Message{ProjectID: 1, Audience: Role("Manager"), Command: "pending_changes_notification", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	_, err = d.Poll(ctx, 1, "Manager", "alice")
	require.NoError(t, err)

	clk.t = clk.t.Add(time.Second)
	second, err := d.Publish(ctx, Message{ProjectID: 1, Audience: Role("Manager"), Command: "pending_changes_notification", Payload: json.RawMessage(`{"n":2}`)})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// A late ack of the superseded id leaves the newer entry alone.
	require.NoError(t, d.Ack(ctx, 1, "Manager", "alice", first.ID))

	got, err := d.Poll(ctx, 1, "Manager", "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
	assert.JSONEq(t, `{"n":2}`, string(got.Payload))
}

func TestAckWithoutIDDropsOnlyDelivered(t *testing.T) {
	d, _, clk := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Publish(ctx, Message{ProjectID: 1, Audience: Session("Sound", "bob"), Command: "data_updated"})
	require.NoError(t, err)
	_, err = d.Poll(ctx, 1, "Sound", "bob")
	require.NoError(t, err)

	clk.t = clk.t.Add(time.Second)
	pending, err := d.Publish(ctx, Message{ProjectID: 1, Audience: Session("Sound", "bob"), Command: "phases_updated"})
	require.NoError(t, err)

	require.NoError(t, d.Ack(ctx, 1, "Sound", "bob", ""))

	got, err := d.Poll(ctx, 1, "Sound", "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pending.ID, got.ID)
}

func TestClearDropsOneStream(t *testing.T) {
	d, _, clk := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Publish(ctx, Message{ProjectID: 1, Audience: Session("Sound", "bob"), Command: "user_deactivated"})
	require.NoError(t, err)
	clk.t = clk.t.Add(time.Second)
	kept, err := d.Publish(ctx, Message{ProjectID: 1, Audience: Session("Sound", "bob"), Command: "phases_updated"})
	require.NoError(t, err)

	require.NoError(t, d.Clear(ctx, 1, "Sound", "bob", "user_deactivated"))

	got, err := d.Poll(ctx, 1, "Sound", "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, kept.ID, got.ID)
}

func TestPublishAllFansOutToLiveSessions(t *testing.T) {
	d, pusher, _ := newTestDispatcher(t)
	ctx := context.Background()
	d.SetResolver(staticResolver{Session("Manager", "alice"), Session("Sound", "bob")})

	n, err := d.Publish(ctx, Message{ProjectID: 7, Audience: All(), Command: "clock_state_update", Payload: json.RawMessage(`{"version":3}`)})
	require.NoError(t, err)
	require.Len(t, pusher.got, 1)
	assert.True(t, pusher.got[0].Audience.IsAll())

	for _, s := range []Audience{Session("Manager", "alice"), Session("Sound", "bob")} {
		got, err := d.Poll(ctx, 7, s.Role, s.Name)
		require.NoError(t, err)
		require.NotNil(t, got, "mailbox for %s", s)
		assert.Equal(t, n.ID, got.ID)
		assert.True(t, got.Audience.IsAll())
	}

	none, err := d.Poll(ctx, 7, "Lighting", "dave")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPublishAllWithoutResolverStillPushes(t *testing.T) {
	d, pusher, _ := newTestDispatcher(t)
	_, err := d.Publish(context.Background(), Message{ProjectID: 1, Audience: All(), Command: "phases_updated"})
	require.NoError(t, err)
	assert.Len(t, pusher.got, 1)
}

func TestExplicitKeyOverridesContentID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	n, err := d.Publish(context.Background(), Message{ProjectID: 1, Audience: Role("Manager"), Command: "user_notification", Key: "decision-12"})
	require.NoError(t, err)
	assert.Equal(t, "decision-12", n.ID)
}

func TestPublishValidation(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	cases := []Message{
		{Audience: All(), Command: "x"},
		{ProjectID: 1, Audience: All()},
		{ProjectID: 1, Command: "x"},
		{ProjectID: 1, Audience: Audience{Role: AllRoles, Name: "bob"}, Command: "x"},
	}
	for i, msg := range cases {
		_, err := d.Publish(ctx, msg)
		if !errors.Is(err, model.ErrInvalidInput) {
			t.Errorf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestPrune(t *testing.T) {
	d, _, clk := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Publish(ctx, Message{ProjectID: 1, Audience: Role("Sound"), Command: "old"})
	require.NoError(t, err)
	clk.t = clk.t.Add(2 * time.Hour)
	_, err = d.Publish(ctx, Message{ProjectID: 1, Audience: Role("Sound"), Command: "fresh"})
	require.NoError(t, err)

	n, err := d.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := d.Poll(ctx, 1, "Sound", "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fresh", got.Command)
}

func TestAudienceMatches(t *testing.T) {
	assert.True(t, All().Matches("Sound", "bob"))
	assert.True(t, Role("Sound").Matches("Sound", "bob"))
	assert.False(t, Role("Sound").Matches("Lighting", "bob"))
	assert.True(t, Session("Sound", "bob").Matches("Sound", "bob"))
	assert.False(t, Session("Sound", "bob").Matches("Sound", "carol"))
	assert.Equal(t, "all", All().String())
	assert.Equal(t, "session:Sound/bob", Session("Sound", "bob").String())
}

func TestMessageIDStable(t *testing.T) {
	a := MessageID("clock_state_update", []byte(`{"v":1}`))
	assert.Equal(t, a, MessageID("clock_state_update", []byte(`{"v":1}`)))
	assert.NotEqual(t, a, MessageID("clock_state_update", []byte(`{"v":2}`)))
	assert.NotEqual(t, a, MessageID("phases_updated", []byte(`{"v":1}`)))
	assert.Len(t, a, 32)
}
