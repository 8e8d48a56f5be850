package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lightningloop/invene/pkg/types"
)

// EventHandler receives relay events in event-ID order. Returning an
// error stops the stream.
type EventHandler func(ev types.ExecutionEvent) error

// streamFrame distinguishes sentinel frames (heartbeat, stream_end) from
// real events, which carry an event_type instead of a type field.
type streamFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// StreamEvents subscribes to a graph's event stream and invokes handler
// for every event with an ID greater than sinceEventID. Heartbeats and
// malformed frames are skipped. It returns nil when the relay closes the
// stream with stream_end, and an error if the connection drops first.
func (c *Client) StreamEvents(ctx context.Context, graphID string, sinceEventID int64, handler EventHandler) error {
	endpoint := c.baseURL + "/events/stream/" + url.PathEscape(graphID)
	if sinceEventID > 0 {
		endpoint += "?since_event_id=" + strconv.FormatInt(sinceEventID, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open event stream: relay returned %s", resp.Status)
	}

	lastID := sinceEventID
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var sentinel streamFrame
		if err := json.Unmarshal([]byte(payload), &sentinel); err == nil && sentinel.Type != "" {
			switch sentinel.Type {
			case types.FrameTypeHeartbeat:
				continue
			case types.FrameTypeStreamEnd:
				return nil
			}
			continue
		}

		var ev types.ExecutionEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.EventID == 0 {
			// Malformed frames are skipped so one bad payload cannot
			// wedge the subscriber.
			c.logger.Warn("skipping malformed stream frame", slog.String("graph_id", graphID))
			continue
		}
		if ev.EventID <= lastID {
			continue
		}
		lastID = ev.EventID

		if err := handler(ev); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return fmt.Errorf("event stream for graph %s closed without stream_end", graphID)
}

// Watch keeps a graph subscription alive across connection drops,
// resuming from the last delivered event ID. It returns nil once the
// relay ends the stream and ctx.Err() on cancellation.
func (c *Client) Watch(ctx context.Context, graphID string, sinceEventID int64, handler EventHandler) error {
	lastID := sinceEventID
	var handlerErr error
	tracking := func(ev types.ExecutionEvent) error {
		if err := handler(ev); err != nil {
			handlerErr = err
			return err
		}
		lastID = ev.EventID
		return nil
	}

	for {
		err := c.StreamEvents(ctx, graphID, lastID, tracking)
		if err == nil {
			return nil
		}
		if handlerErr != nil {
			return handlerErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("event stream interrupted, reconnecting",
			slog.String("graph_id", graphID),
			slog.Int64("last_event_id", lastID),
			slog.Any("error", err))

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
