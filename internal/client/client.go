// Package client talks to a conductor server: a REST client plus a
// Follower that keeps a participant in sync over push with a poll fallback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/proposal"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("conductor: %d %s", e.StatusCode, e.Message)
}

// Unwrap maps the status onto the closest domain error.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusConflict:
		return model.ErrConflict
	case http.StatusBadRequest:
		return model.ErrInvalidInput
	case http.StatusForbidden, http.StatusUnauthorized:
		return model.ErrForbidden
	}
	return nil
}

type Options struct {
	BaseURL   string
	Token     string
	ProjectID int64
	// HTTPClient defaults to a client with a 10s timeout. Push streams use
	// their own client without a timeout.
	HTTPClient *http.Client
}

// Client is safe for concurrent use. As returns a copy bound to a
// participant identity.
type Client struct {
	baseURL   string
	token     string
	projectID int64
	http      *http.Client
	stream    *http.Client
	actor     model.Actor
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	stream := *hc
	stream.Timeout = 0
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.Token,
		projectID: opts.ProjectID,
		http:      hc,
		stream:    &stream,
	}
}

// As returns a client that sends the participant headers of role/name.
func (c *Client) As(role, name string) *Client {
	cp := *c
	cp.actor = model.Actor{Role: role, Name: name}
	return &cp
}

// Actor is the participant identity of c, if any.
func (c *Client) Actor() model.Actor { return c.actor }

func (c *Client) ProjectID() int64 { return c.projectID }

func (c *Client) projectPath(format string, args ...any) string {
	return fmt.Sprintf("/projects/%d", c.projectID) + fmt.Sprintf(format, args...)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor.Name != "" {
		req.Header.Set("X-Participant-Name", c.actor.Name)
		req.Header.Set("X-Participant-Role", c.actor.Role)
	}
	return req, nil
}

// do sends a request and decodes a JSON response into out. It reports
// whether the server answered 204.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (noContent bool, err error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return false, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if resp.StatusCode == http.StatusNoContent {
		return true, nil
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return false, nil
}

func (c *Client) Health(ctx context.Context) (*api.HealthzResponse, error) {
	var out api.HealthzResponse
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return &out, err
}

func (c *Client) Projects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	_, err := c.do(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

func (c *Client) CreateProject(ctx context.Context, name string, roles []string) (*model.Project, error) {
	var out model.Project
	if _, err := c.do(ctx, http.MethodPost, "/projects", api.CreateProjectRequest{Name: name, Roles: roles}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Project(ctx context.Context) (*model.Project, error) {
	var out model.Project
	if _, err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login claims the client's role. A held role is reported as model.ErrRoleTaken.
func (c *Client) Login(ctx context.Context) (*model.Session, error) {
	var out model.Session
	_, err := c.do(ctx, http.MethodPost, c.projectPath("/logins"), c.sessionRequest(), &out)
	if err != nil {
		if statusOf(err) == http.StatusConflict {
			return nil, fmt.Errorf("%w: %v", model.ErrRoleTaken, err)
		}
		return nil, err
	}
	return &out, nil
}

// Heartbeat keeps the session alive. A lost session is reported as
// model.ErrSessionNotFound.
func (c *Client) Heartbeat(ctx context.Context) (*model.Session, error) {
	var out model.Session
	_, err := c.do(ctx, http.MethodPost, c.projectPath("/logins/heartbeat"), c.sessionRequest(), &out)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %v", model.ErrSessionNotFound, err)
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, c.projectPath("/logout"), c.sessionRequest(), nil)
	return err
}

func (c *Client) Sessions(ctx context.Context) ([]model.Session, error) {
	var out []model.Session
	_, err := c.do(ctx, http.MethodGet, c.projectPath("/logins"), nil, &out)
	return out, err
}

func (c *Client) Clock(ctx context.Context) (model.ClockState, error) {
	var out model.ClockState
	_, err := c.do(ctx, http.MethodGet, c.projectPath("/clock"), nil, &out)
	return out, err
}

// ClockCommand runs a manager clock command such as "start" or "set_time".
func (c *Client) ClockCommand(ctx context.Context, command string, req api.ClockCommandRequest) (model.ClockState, error) {
	var out model.ClockState
	_, err := c.do(ctx, http.MethodPost, c.projectPath("/clock/%s", url.PathEscape(command)), req, &out)
	return out, err
}

func (c *Client) Phases(ctx context.Context) ([]model.Phase, error) {
	var out []model.Phase
	_, err := c.do(ctx, http.MethodGet, c.projectPath("/phases"), nil, &out)
	return out, err
}

func (c *Client) Actions(ctx context.Context, limit int) ([]model.ActionEntry, error) {
	var out []model.ActionEntry
	_, err := c.do(ctx, http.MethodGet, c.projectPath("/actions?limit=%d", limit), nil, &out)
	return out, err
}

// Submit proposes records as the client's participant.
func (c *Client) Submit(ctx context.Context, records []proposal.RecordInput) (*api.SubmitChangesResponse, error) {
	var out api.SubmitChangesResponse
	req := proposal.SubmitRequest{SubmittedBy: c.actor.Name, Role: c.actor.Role, Records: records}
	if _, err := c.do(ctx, http.MethodPost, c.projectPath("/changes"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Changes(ctx context.Context, status model.ChangeStatus) ([]model.ChangeRecord, error) {
	var out []model.ChangeRecord
	_, err := c.do(ctx, http.MethodGet, c.projectPath("/changes?status=%s", url.QueryEscape(string(status))), nil, &out)
	return out, err
}

func (c *Client) Accept(ctx context.Context, recordID string) (*api.DecisionResponse, error) {
	return c.decide(ctx, recordID, "accept")
}

func (c *Client) Decline(ctx context.Context, recordID string) (*api.DecisionResponse, error) {
	return c.decide(ctx, recordID, "decline")
}

func (c *Client) decide(ctx context.Context, recordID, verb string) (*api.DecisionResponse, error) {
	var out api.DecisionResponse
	if _, err := c.do(ctx, http.MethodPost, c.projectPath("/changes/%s/%s", url.PathEscape(recordID), verb), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll fetches the oldest pending notification, or nil when the mailbox is empty.
func (c *Client) Poll(ctx context.Context) (*notify.Notification, error) {
	var out notify.Notification
	q := url.Values{"role": {c.actor.Role}, "name": {c.actor.Name}}
	empty, err := c.do(ctx, http.MethodGet, c.projectPath("/notifications?%s", q.Encode()), nil, &out)
	if err != nil || empty {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Ack(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, c.projectPath("/notifications/ack"),
		api.AckRequest{Role: c.actor.Role, Name: c.actor.Name, ID: id}, nil)
	return err
}

func (c *Client) sessionRequest() api.SessionRequest {
	return api.SessionRequest{Role: c.actor.Role, Name: c.actor.Name}
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
