package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mattjoyce/conductor/internal/notify"
)

// errStreamOpened marks a stream that connected before it dropped, so a
// reconnect loop can start its backoff over.
var errStreamOpened = errors.New("push stream closed")

// StreamHandler receives one pushed notification and its event id.
type StreamHandler func(id int64, n notify.Notification)

// Stream reads the project's Server-Sent Events stream until it ends or ctx
// is cancelled. onOpen, if set, runs once the server has accepted the
// stream. A client bound to a participant sees that participant's events;
// otherwise every event of the project.
func (c *Client) Stream(ctx context.Context, lastEventID int64, onOpen func(), fn StreamHandler) error {
	path := c.projectPath("/events")
	if c.actor.Role != "" {
		q := url.Values{"role": {c.actor.Role}, "name": {c.actor.Name}}
		path += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "event stream refused"}
	}
	if onOpen != nil {
		onOpen()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	var (
		id   int64
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var n notify.Notification
				if json.Unmarshal([]byte(data.String()), &n) == nil {
					fn(id, n)
				}
			}
			id = 0
			data.Reset()
		case strings.HasPrefix(line, "id:"):
			if v, err := strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64); err == nil {
				id = v
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line[5:], " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", errStreamOpened, err)
	}
	return errStreamOpened
}
