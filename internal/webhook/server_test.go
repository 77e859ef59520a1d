package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clog "github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/model"
)

// fakeClock records the last command it was asked to run.
type fakeClock struct {
	project int64
	command string
	seconds *int64
	target  time.Time
	err     error
}

func (f *fakeClock) state() (model.ClockState, error) {
	return model.ClockState{ProjectID: f.project, Version: 7}, f.err
}

func (f *fakeClock) SetTime(_ context.Context, projectID int64, seconds int64) (model.ClockState, error) {
	f.project, f.command, f.seconds = projectID, "set_time", &seconds
	return f.state()
}

func (f *fakeClock) Start(_ context.Context, projectID int64) (model.ClockState, error) {
	f.project, f.command = projectID, "start"
	return f.state()
}

func (f *fakeClock) Stop(_ context.Context, projectID int64, proposedOffset *int64) (model.ClockState, error) {
	f.project, f.command, f.seconds = projectID, "stop", proposedOffset
	return f.state()
}

func (f *fakeClock) SetTarget(_ context.Context, projectID int64, targetAt time.Time) (model.ClockState, error) {
	f.project, f.command, f.target = projectID, "set_target", targetAt
	return f.state()
}

func (f *fakeClock) ClearTarget(_ context.Context, projectID int64) (model.ClockState, error) {
	f.project, f.command = projectID, "clear_target"
	return f.state()
}

const testSecret = "cue-secret"

func newTestServer(commands ...string) (*Server, *fakeClock) {
	fc := &fakeClock{}
	s := New(Config{
		Listen: "127.0.0.1:0",
		Endpoints: []EndpointConfig{{
			Path:        "/cue/gala",
			ProjectID:   3,
			Secret:      testSecret,
			Commands:    commands,
			MaxBodySize: 256,
		}},
	}, fc, clog.Discard())
	return s, fc
}

func post(t *testing.T, s *Server, path string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(DefaultSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestCueRunsClockCommand(t *testing.T) {
	s, fc := newTestServer()
	body := []byte(`{"command":"set_time","seconds":90}`)

	rec := post(t, s, "/cue/gala", body, Sign(body, testSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(3), fc.project)
	assert.Equal(t, "set_time", fc.command)
	require.NotNil(t, fc.seconds)
	assert.Equal(t, int64(90), *fc.seconds)

	var st model.ClockState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(7), st.Version)
}

func TestCueSetTarget(t *testing.T) {
	s, fc := newTestServer()
	at := time.Date(2026, 10, 19, 20, 0, 0, 0, time.UTC)
	body := []byte(fmt.Sprintf(`{"command":"set_target","target_at":%q}`, at.Format(time.RFC3339)))

	rec := post(t, s, "/cue/gala", body, Sign(body, testSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, fc.target.Equal(at))
}

func TestCueRejections(t *testing.T) {
	body := []byte(`{"command":"stop"}`)

	cases := []struct {
		name     string
		commands []string
		body     []byte
		sig      string
		want     int
	}{
		{"missing signature", nil, body, "", http.StatusForbidden},
		{"bad signature", nil, body, Sign(body, "wrong"), http.StatusForbidden},
		{"command not allowed", []string{"start"}, body, Sign(body, testSecret), http.StatusForbidden},
		{"unknown command", nil, []byte(`{"command":"rewind"}`), Sign([]byte(`{"command":"rewind"}`), testSecret), http.StatusBadRequest},
		{"set_time without seconds", nil, []byte(`{"command":"set_time"}`), Sign([]byte(`{"command":"set_time"}`), testSecret), http.StatusBadRequest},
		{"not json", nil, []byte(`nope`), Sign([]byte(`nope`), testSecret), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, fc := newTestServer(tc.commands...)
			rec := post(t, s, "/cue/gala", tc.body, tc.sig)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
			if tc.want == http.StatusForbidden {
				assert.Empty(t, fc.command, "clock must not be touched")
			}
		})
	}
}

func TestCuePayloadTooLarge(t *testing.T) {
	s, _ := newTestServer()
	body := bytes.Repeat([]byte("x"), 300)
	rec := post(t, s, "/cue/gala", body, Sign(body, testSecret))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCueInvalidTransitionIsConflict(t *testing.T) {
	s, fc := newTestServer()
	fc.err = fmt.Errorf("%w: stop while tracking a target", model.ErrInvalidTransition)
	body := []byte(`{"command":"stop"}`)
	rec := post(t, s, "/cue/gala", body, Sign(body, testSecret))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownPathNotRouted(t *testing.T) {
	s, _ := newTestServer()
	body := []byte(`{"command":"start"}`)
	rec := post(t, s, "/cue/other", body, Sign(body, testSecret))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
