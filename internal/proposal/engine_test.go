package proposal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/lock"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/runsheet"
	"github.com/mattjoyce/conductor/internal/storage"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (c *capturePublisher) Publish(_ context.Context, msg notify.Message) (notify.Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return notify.Notification{}, nil
}

func (c *capturePublisher) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

func (c *capturePublisher) sent(command protocol.Command, aud notify.Audience) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.msgs {
		if m.Command == string(command) && m.Audience == aud {
			return true
		}
	}
	return false
}

type fixture struct {
	eng     *Engine
	store   *runsheet.Store
	pub     *capturePublisher
	project int64
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "proposal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{pub: &capturePublisher{}, now: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	locks := lock.NewProjectLocks()
	f.store = runsheet.New(db, f.pub, runsheet.Options{Locks: locks, Now: clock})
	f.eng = New(db, f.pub, Options{ManagerRole: "Manager", Locks: locks, Now: clock})

	p, err := f.store.CreateProject(ctx, "Gala Night", []string{"Manager", "Sound", "Lighting"})
	require.NoError(t, err)
	f.project = p.ID
	return f
}

// phase creates the next phase holding rows with the given descriptions.
func (f *fixture) phase(t *testing.T, descriptions ...string) (int, []model.Row) {
	t.Helper()
	ctx := context.Background()
	p, err := f.store.CreatePhase(ctx, f.project, false)
	require.NoError(t, err)
	var rows []model.Row
	for _, d := range descriptions {
		desc := d
		r, err := f.store.InsertRow(ctx, f.project, p.PhaseNumber, nil, model.RowFields{Description: &desc})
		require.NoError(t, err)
		rows = append(rows, r)
	}
	return p.PhaseNumber, rows
}

func (f *fixture) descriptions(t *testing.T, phase int) []string {
	t.Helper()
	phases, err := f.store.Phases(context.Background(), f.project)
	require.NoError(t, err)
	for _, p := range phases {
		if p.PhaseNumber != phase {
			continue
		}
		out := make([]string, 0, len(p.Rows))
		for i, r := range p.Rows {
			require.Equal(t, i, r.Position, "positions must stay dense")
			out = append(out, r.Description)
		}
		return out
	}
	t.Fatalf("phase %d not found", phase)
	return nil
}

func (f *fixture) submit(t *testing.T, records ...RecordInput) *model.Submission {
	t.Helper()
	sub, err := f.eng.Submit(context.Background(), f.project, SubmitRequest{
		SubmittedBy: "bob",
		Role:        "Sound",
		Records:     records,
	})
	require.NoError(t, err)
	return sub
}

func record(t *testing.T, c Change) RecordInput {
	t.Helper()
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	typ := c.Type()
	return RecordInput{Type: typ, Payload: raw}
}

func text(s string) *string { return &s }

func TestAcceptRowAddLandsAtSnapshotIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.phase(t)
	phase, rows := f.phase(t, "A", "B", "C", "D")
	require.Equal(t, 2, phase)

	sub := f.submit(t,
		record(t, RowAddPayload{ClientID: "n1", PhaseNumber: 2, RowFields: model.RowFields{Description: text("New")}}),
		record(t, TableDataPayload{model.TableData{Phases: []model.TablePhase{{
			PhaseNumber: 2,
			Rows: []model.TableRow{
				{ID: rows[0].ID}, {ID: rows[1].ID}, {ClientID: "n1"}, {ID: rows[2].ID}, {ID: rows[3].ID},
			},
		}}}}),
	)

	d, err := f.eng.Accept(ctx, f.project, sub.Records[0].ID, "alice")
	require.NoError(t, err)
	require.NoError(t, d.Err)
	assert.Equal(t, model.ChangeAccepted, d.Record.Status)
	assert.True(t, d.AllProcessed)
	require.NotNil(t, d.TableData)
	require.NotNil(t, d.Record.AppliedRowID)

	assert.Equal(t, []string{"A", "B", "New", "C", "D"}, f.descriptions(t, 2))

	closed, err := f.eng.Submission(ctx, f.project, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, closed.ClosedAt)
}

func TestRowAddResolvesAgainstCurrentState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, rows := f.phase(t, "A", "B", "C", "D")

	sub := f.submit(t,
		record(t, RowAddPayload{ClientID: "n1", PhaseNumber: 1, RowFields: model.RowFields{Description: text("New")}}),
		record(t, TableDataPayload{model.TableData{Phases: []model.TablePhase{{
			PhaseNumber: 1,
			Rows:        []model.TableRow{{ID: rows[0].ID}, {ID: rows[1].ID}, {ClientID: "n1"}, {ID: rows[2].ID}, {ID: rows[3].ID}},
		}}}}),
	)

	// The manager edits the table before reviewing.
	require.NoError(t, f.store.DeleteRow(ctx, f.project, rows[1].ID))
	front := 0
	_, err := f.store.InsertRow(ctx, f.project, 1, &front, model.RowFields{Description: text("X")})
	require.NoError(t, err)

	_, err = f.eng.Accept(ctx, f.project, sub.Records[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "A", "New", "C", "D"}, f.descriptions(t, 1))
}

func TestRowMoveHonoursTargetPositionAcrossInterleavedUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, rows := f.phase(t, "A", "B", "C", "D", "E")

	first := f.submit(t,
		record(t, RowMovePayload{RowID: rows[4].ID, SourcePhaseNumber: 1, TargetPhaseNumber: 1, TargetPosition: 1}),
		record(t, RowUpdatePayload{RowID: rows[0].ID, RowFields: model.RowFields{Description: text("A2")}}),
	)
	second, err := f.eng.Submit(ctx, f.project, SubmitRequest{
		SubmittedBy: "carol",
		Role:        "Lighting",
		Records:     []RecordInput{record(t, RowUpdatePayload{RowID: rows[2].ID, RowFields: model.RowFields{Description: text("C2")}})},
	})
	require.NoError(t, err)

	_, err = f.eng.Accept(ctx, f.project, first.Records[1].ID, "alice")
	require.NoError(t, err)
	_, err = f.eng.Accept(ctx, f.project, second.Records[0].ID, "alice")
	require.NoError(t, err)
	d, err := f.eng.Accept(ctx, f.project, first.Records[0].ID, "alice")
	require.NoError(t, err)
	require.NoError(t, d.Err)

	assert.Equal(t, []string{"A2", "E", "B", "C2", "D"}, f.descriptions(t, 1))
	assert.Equal(t, int64(3), *d.Record.DecisionSeq)
}

func TestRowDuplicateIntoOtherPhase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, rows := f.phase(t, "A", "B")
	f.phase(t, "X", "Y")

	sub := f.submit(t, record(t, RowDuplicatePayload{RowID: rows[1].ID, SourcePhaseNumber: 1, TargetPhaseNumber: 2, TargetPosition: 1}))
	d, err := f.eng.Accept(ctx, f.project, sub.Records[0].ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, d.Record.AppliedRowID)

	assert.Equal(t, []string{"A", "B"}, f.descriptions(t, 1))
	assert.Equal(t, []string{"X", "B", "Y"}, f.descriptions(t, 2))
}

func TestDeclineAllLeavesCanonicalStateAndCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, rows := f.phase(t, "A", "B")

	sub := f.submit(t,
		record(t, RowDeletePayload{RowID: rows[0].ID}),
		record(t, VersionPayload{Version: "v2"}),
		record(t, TableDataPayload{}),
	)

	decisions, err := f.eng.DeclineAll(ctx, f.project, sub.ID, "alice")
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.False(t, decisions[0].AllProcessed)
	assert.True(t, decisions[1].AllProcessed)
	for _, d := range decisions {
		assert.Equal(t, model.ChangeDeclined, d.Record.Status)
	}

	assert.Equal(t, []string{"A", "B"}, f.descriptions(t, 1))
	p, err := f.store.Project(ctx, f.project)
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", p.Version)

	pending, err := f.eng.Pending(ctx, f.project)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAcceptAllMakesAllProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.phase(t, "A")

	sub := f.submit(t,
		record(t, RowAddPayload{PhaseNumber: 1, RowFields: model.RowFields{Description: text("B")}}),
		record(t, RolePayload{Role: "Video"}),
		record(t, ScriptAddPayload{Name: "health", Path: "/opt/health.sh"}),
	)
	decisions, err := f.eng.AcceptAll(ctx, f.project, sub.ID, "alice")
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	assert.True(t, decisions[2].AllProcessed)

	assert.Equal(t, []string{"A", "B"}, f.descriptions(t, 1))
	roles, err := f.store.Roles(ctx, f.project)
	require.NoError(t, err)
	assert.Contains(t, roles, "Video")
	scripts, err := f.store.Scripts(ctx, f.project)
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, "health", scripts[0].Name)
}

func TestVanishedTargetFailsOnlyItsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, rows := f.phase(t, "A", "B", "C")

	sub := f.submit(t,
		record(t, RowUpdatePayload{RowID: rows[1].ID, RowFields: model.RowFields{Description: text("B2")}}),
		record(t, RowUpdatePayload{RowID: rows[2].ID, RowFields: model.RowFields{Description: text("C2")}}),
	)
	require.NoError(t, f.store.DeleteRow(ctx, f.project, rows[1].ID))

	decisions, err := f.eng.AcceptAll(ctx, f.project, sub.ID, "alice")
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	assert.ErrorIs(t, decisions[0].Err, model.ErrStaleRecord)
	assert.Equal(t, model.ChangeDeclined, decisions[0].Record.Status)
	assert.NotEmpty(t, decisions[0].Record.Error)

	assert.NoError(t, decisions[1].Err)
	assert.Equal(t, model.ChangeAccepted, decisions[1].Record.Status)
	assert.True(t, decisions[1].AllProcessed)

	assert.Equal(t, []string{"A", "C2"}, f.descriptions(t, 1))
}

func TestDecidingTwiceIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.phase(t, "A")

	sub := f.submit(t, record(t, VersionPayload{Version: "v2"}))
	_, err := f.eng.Accept(ctx, f.project, sub.Records[0].ID, "alice")
	require.NoError(t, err)

	_, err = f.eng.Decline(ctx, f.project, sub.Records[0].ID, "alice")
	assert.ErrorIs(t, err, model.ErrStaleRecord)
	_, err = f.eng.Accept(ctx, f.project, "missing", "alice")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.eng.Accept(ctx, f.project, sub.Records[0].ID, " ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestTableDataIsNeverDecided(t *testing.T) {
	f := newFixture(t)
	f.phase(t, "A")
	sub := f.submit(t, record(t, VersionPayload{Version: "v2"}), record(t, TableDataPayload{}))

	_, err := f.eng.Accept(context.Background(), f.project, sub.Records[1].ID, "alice")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok := record(t, VersionPayload{Version: "v2"})

	tests := []struct {
		name    string
		project int64
		req     SubmitRequest
		wantErr error
	}{
		{"manager", f.project, SubmitRequest{SubmittedBy: "alice", Role: "Manager", Records: []RecordInput{ok}}, model.ErrForbidden},
		{"no submitter", f.project, SubmitRequest{Role: "Sound", Records: []RecordInput{ok}}, model.ErrInvalidInput},
		{"no records", f.project, SubmitRequest{SubmittedBy: "bob", Role: "Sound"}, model.ErrInvalidInput},
		{"unknown type", f.project, SubmitRequest{SubmittedBy: "bob", Role: "Sound", Records: []RecordInput{{Type: "row_teleport", Payload: json.RawMessage(`{}`)}}}, model.ErrInvalidInput},
		{"bad payload", f.project, SubmitRequest{SubmittedBy: "bob", Role: "Sound", Records: []RecordInput{{Type: model.ChangeRowDelete, Payload: json.RawMessage(`{}`)}}}, model.ErrInvalidInput},
		{"only table_data", f.project, SubmitRequest{SubmittedBy: "bob", Role: "Sound", Records: []RecordInput{record(t, TableDataPayload{})}}, model.ErrInvalidInput},
		{"two snapshots", f.project, SubmitRequest{SubmittedBy: "bob", Role: "Sound", Records: []RecordInput{ok, record(t, TableDataPayload{}), record(t, TableDataPayload{})}}, model.ErrInvalidInput},
		{"unknown project", 999, SubmitRequest{SubmittedBy: "bob", Role: "Sound", Records: []RecordInput{ok}}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.Submit(ctx, tt.project, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, rows := f.phase(t, "A")

	f.pub.reset()
	sub := f.submit(t, record(t, RowUpdatePayload{RowID: rows[0].ID, RowFields: model.RowFields{Description: text("A2")}}))
	assert.True(t, f.pub.sent(protocol.CmdPendingChangesNotification, notify.Role("Manager")))

	f.pub.reset()
	_, err := f.eng.Accept(ctx, f.project, sub.Records[0].ID, "alice")
	require.NoError(t, err)
	assert.True(t, f.pub.sent(protocol.CmdPhasesUpdated, notify.All()))
	assert.True(t, f.pub.sent(protocol.CmdPendingChangesUpdated, notify.Role("Manager")))
	assert.True(t, f.pub.sent(protocol.CmdPendingChangesUpdated, notify.Session("Sound", "bob")))

	f.pub.reset()
	sub = f.submit(t, record(t, VersionPayload{Version: "v3"}))
	_, err = f.eng.Decline(ctx, f.project, sub.Records[0].ID, "alice")
	require.NoError(t, err)
	assert.False(t, f.pub.sent(protocol.CmdDataUpdated, notify.All()))
	assert.True(t, f.pub.sent(protocol.CmdPendingChangesUpdated, notify.Session("Sound", "bob")))
}

func TestDecisionIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := model.WithActor(context.Background(), model.Actor{Role: "Manager", Name: "alice"})
	f.phase(t, "A")

	sub := f.submit(t, record(t, VersionPayload{Version: "v2"}))
	_, err := f.eng.Accept(ctx, f.project, sub.Records[0].ID, "alice")
	require.NoError(t, err)

	actions, err := f.store.Actions(ctx, f.project, 10)
	require.NoError(t, err)
	require.NotEmpty(t, actions)
	assert.Equal(t, model.ActionChangeDecision, actions[0].ActionType)
	assert.Equal(t, "alice", actions[0].UserName)
}

func TestListByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.phase(t, "A")

	sub := f.submit(t, record(t, VersionPayload{Version: "v2"}), record(t, RolePayload{Role: "Video"}), record(t, TableDataPayload{}))
	_, err := f.eng.Accept(ctx, f.project, sub.Records[0].ID, "alice")
	require.NoError(t, err)

	pending, err := f.eng.List(ctx, f.project, model.ChangePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.ChangeRoleAdd, pending[0].Type)

	all, err := f.eng.List(ctx, f.project, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.eng.List(ctx, f.project, "maybe")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestPruneClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.phase(t, "A")

	done := f.submit(t, record(t, VersionPayload{Version: "v2"}))
	open := f.submit(t, record(t, VersionPayload{Version: "v3"}))
	_, err := f.eng.Decline(ctx, f.project, done.Records[0].ID, "alice")
	require.NoError(t, err)

	f.now = f.now.Add(48 * time.Hour)
	n, err := f.eng.PruneClosed(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.eng.Submission(ctx, f.project, done.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.eng.Submission(ctx, f.project, open.ID)
	assert.NoError(t, err)
}

func TestInsertPosition(t *testing.T) {
	snap := []model.TableRow{{ID: 1}, {ID: 2}, {ClientID: "n1"}, {ID: 3}, {ClientID: "n2"}}

	tests := []struct {
		name       string
		index      int
		canonical  []int64
		clientRows map[string]int64
		want       int
	}{
		{"predecessor present", 2, []int64{1, 2, 3}, nil, 2},
		{"nearest predecessor gone", 2, []int64{1, 3}, nil, 1},
		{"all predecessors gone", 2, []int64{9, 3}, nil, 1},
		{"nothing survives", 2, []int64{9}, nil, 2},
		{"after accepted sibling", 4, []int64{1, 2, 30}, map[string]int64{"n1": 30}, 3},
		{"sibling not yet accepted", 4, []int64{1, 2}, nil, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, insertPosition(snap, tt.index, tt.canonical, tt.clientRows))
		})
	}
}
