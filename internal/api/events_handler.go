package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/notify"
)

const (
	wsWriteWait  = 10 * time.Second
	wsMaxMessage = 4096
)

// pushFilter selects the events of the requesting session. Without a role
// the stream carries every event of the project.
func pushFilter(r *http.Request) events.Filter {
	role, name := mailboxOwner(r)
	return events.Filter{ProjectID: projectID(r), Role: role, Name: name}
}

// wireNotification is the pushed form of an event. It matches what a poll
// returns so clients can dedupe on ID across both paths.
func wireNotification(ev events.Event) notify.Notification {
	return notify.Notification{
		ID:        ev.NotificationID,
		ProjectID: ev.ProjectID,
		Audience:  ev.Audience,
		Command:   ev.Type,
		Payload:   ev.Data,
		CreatedAt: ev.At,
	}
}

// handleEvents handles GET /events as a Server-Sent Events stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	filter := pushFilter(r)
	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.hub.Subscribe(filter)
	defer cancel()

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.hub.SnapshotSince(lastID, filter) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastID = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(wireNotification(ev))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Data must be on "data:" lines; the payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

// wsFrame is a client-to-server WebSocket message.
type wsFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(s.config.AllowedOrigins, "*") {
				return true
			}
			return slices.Contains(s.config.AllowedOrigins, origin)
		},
	}
}

// handleWebSocket handles GET /ws. Events go out as JSON notifications; the
// client may send {"type":"ack","id":...} frames to ack its mailbox.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter := pushFilter(r)
	lastID := parseLastEventID(r.URL.Query().Get("last_event_id"))

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.hub.Subscribe(filter)
	defer cancel()

	done := make(chan struct{})
	go s.readWebSocket(context.WithoutCancel(r.Context()), conn, filter, done)

	send := func(ev events.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(wireNotification(ev))
	}

	for _, ev := range s.hub.SnapshotSince(lastID, filter) {
		if err := send(ev); err != nil {
			return
		}
		lastID = ev.ID
	}

	ping := time.NewTicker(s.config.KeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			if err := send(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readWebSocket(ctx context.Context, conn *websocket.Conn, filter events.Filter, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsMaxMessage)
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "ack" || filter.Role == "" {
			continue
		}
		if err := s.mailbox.Ack(ctx, filter.ProjectID, filter.Role, filter.Name, frame.ID); err != nil {
			s.logger.Warn("websocket ack failed", "project_id", filter.ProjectID, "role", filter.Role, "error", err)
		}
	}
}
