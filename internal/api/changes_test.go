package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/proposal"
	"github.com/mattjoyce/conductor/internal/protocol"
)

// seedRow creates a phase with one row through the store and returns the row.
func (h *harness) seedRow(t *testing.T, description string) model.Row {
	t.Helper()
	ctx := context.Background()
	p, err := h.store.CreatePhase(ctx, h.project, true)
	require.NoError(t, err)
	row, err := h.store.InsertRow(ctx, h.project, p.PhaseNumber, nil, model.RowFields{Description: &description})
	require.NoError(t, err)
	return row
}

func rowUpdate(t *testing.T, rowID int64, description string) proposal.RecordInput {
	t.Helper()
	raw, err := json.Marshal(proposal.RowUpdatePayload{RowID: rowID, RowFields: model.RowFields{Description: &description}})
	require.NoError(t, err)
	return proposal.RecordInput{Type: model.ChangeRowUpdate, Payload: raw}
}

func TestChangeSubmissionAndDecision(t *testing.T) {
	h := newHarness(t, Config{APIKey: testAPIKey})
	row := h.seedRow(t, "Doors open")
	sound := h.login(t, "Sound", "alice")
	manager := h.login(t, "Manager", "carol")

	rr := h.do(t, call{method: http.MethodPost, path: "~/changes", as: sound,
		body: proposal.SubmitRequest{Records: []proposal.RecordInput{rowUpdate(t, row.ID, "Doors open at 7")}}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	submitted := decode[SubmitChangesResponse](t, rr)
	require.Len(t, submitted.Records, 1)
	assert.Equal(t, model.ChangePending, submitted.Records[0].Status)

	rr = h.do(t, call{method: http.MethodGet, path: "~/changes", as: manager})
	require.Equal(t, http.StatusOK, rr.Code)
	pending := decode[[]model.ChangeRecord](t, rr)
	require.Len(t, pending, 1)
	recordID := pending[0].ID

	rr = h.do(t, call{method: http.MethodPost, path: fmt.Sprintf("~/changes/%s/accept", recordID), as: sound})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-manager accept: expected 403, got %d", rr.Code)
	}

	rr = h.do(t, call{method: http.MethodPost, path: fmt.Sprintf("~/changes/%s/accept", recordID), as: manager})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	decision := decode[DecisionResponse](t, rr)
	assert.True(t, decision.AllProcessed)
	assert.Equal(t, model.ChangeAccepted, decision.Record.Status)
	assert.Empty(t, decision.Error)

	rr = h.do(t, call{method: http.MethodPost, path: fmt.Sprintf("~/changes/%s/decline", recordID), as: manager})
	if rr.Code != http.StatusConflict {
		t.Fatalf("deciding twice: expected 409, got %d", rr.Code)
	}

	rr = h.do(t, call{method: http.MethodGet, path: "~/phases"})
	phases := decode[[]model.Phase](t, rr)
	require.Len(t, phases, 1)
	assert.Equal(t, "Doors open at 7", phases[0].Rows[0].Description)

	rr = h.do(t, call{method: http.MethodGet, path: "~/submissions/" + submitted.SubmissionID})
	require.Equal(t, http.StatusOK, rr.Code)
	sub := decode[model.Submission](t, rr)
	assert.Equal(t, "alice", sub.SubmittedBy)
	assert.NotNil(t, sub.ClosedAt)

	rr = h.do(t, call{method: http.MethodGet, path: "~/changes?status=bogus"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmissionDecidedAsAWhole(t *testing.T) {
	h := newHarness(t, Config{APIKey: testAPIKey})
	row := h.seedRow(t, "Walk-in music")
	sound := h.login(t, "Sound", "alice")
	manager := h.login(t, "Manager", "carol")

	rr := h.do(t, call{method: http.MethodPost, path: "~/changes", as: sound,
		body: proposal.SubmitRequest{Records: []proposal.RecordInput{
			rowUpdate(t, row.ID, "Walk-in music fades"),
			rowUpdate(t, row.ID, "Walk-in music stops"),
		}}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id := decode[SubmitChangesResponse](t, rr).SubmissionID

	rr = h.do(t, call{method: http.MethodPost, path: "~/submissions/" + id + "/decline", as: manager})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[SubmissionDecisionResponse](t, rr)
	require.Len(t, resp.Decisions, 2)
	assert.False(t, resp.Decisions[0].AllProcessed)
	assert.True(t, resp.Decisions[1].AllProcessed)
	for _, d := range resp.Decisions {
		assert.Equal(t, model.ChangeDeclined, d.Record.Status)
	}
}

func TestSubmitRequiresMatchingLiveSession(t *testing.T) {
	h := newHarness(t, Config{APIKey: testAPIKey})
	row := h.seedRow(t, "Doors open")
	sound := h.login(t, "Sound", "alice")
	body := proposal.SubmitRequest{Records: []proposal.RecordInput{rowUpdate(t, row.ID, "x")}}

	rr := h.do(t, call{method: http.MethodPost, path: "~/changes", body: body})
	assert.Equal(t, http.StatusForbidden, rr.Code, "no participant headers")

	ghost := &model.Actor{Role: "Lighting", Name: "dave"}
	rr = h.do(t, call{method: http.MethodPost, path: "~/changes", as: ghost, body: body})
	assert.Equal(t, http.StatusForbidden, rr.Code, "no live session")

	spoofed := body
	spoofed.SubmittedBy = "mallory"
	rr = h.do(t, call{method: http.MethodPost, path: "~/changes", as: sound, body: spoofed})
	assert.Equal(t, http.StatusForbidden, rr.Code, "submitter mismatch")

	rr = h.do(t, call{method: http.MethodPost, path: "~/changes", as: sound, body: proposal.SubmitRequest{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "empty submission")
}

func TestNotificationPollAndAck(t *testing.T) {
	h := newHarness(t, Config{APIKey: testAPIKey})
	row := h.seedRow(t, "Doors open")
	sound := h.login(t, "Sound", "alice")
	h.login(t, "Manager", "carol")

	rr := h.do(t, call{method: http.MethodPost, path: "~/changes", as: sound,
		body: proposal.SubmitRequest{Records: []proposal.RecordInput{rowUpdate(t, row.ID, "x")}}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var commands []string
	for i := 0; i < 20; i++ {
		rr = h.do(t, call{method: http.MethodGet, path: "~/notifications?role=Manager&name=carol"})
		if rr.Code == http.StatusNoContent {
			break
		}
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		n := decode[notify.Notification](t, rr)
		commands = append(commands, n.Command)

		rr = h.do(t, call{method: http.MethodPost, path: "~/notifications/ack", body: AckRequest{Role: "Manager", Name: "carol", ID: n.ID}})
		require.Equal(t, http.StatusNoContent, rr.Code)
	}
	assert.Contains(t, commands, string(protocol.CmdPendingChangesNotification))

	rr = h.do(t, call{method: http.MethodGet, path: "~/notifications?role=Manager&name=carol"})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = h.do(t, call{method: http.MethodGet, path: "~/notifications"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "role is required")
}
