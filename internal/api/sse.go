package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/lightningloop/invene/internal/metrics"
	"github.com/lightningloop/invene/pkg/types"
)

const heartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/graphs/{id}/events
//
// It streams the locally mirrored execution events for a graph as
// Server-Sent Events. A client can resume from a known position via the
// Last-Event-ID header or the since_event_id query parameter; retained
// history past that position is replayed before live events. The stream
// closes with a stream_end frame once a job-terminal event goes by.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	graphID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	metrics.SSEClientsActive.Inc()
	defer metrics.SSEClientsActive.Dec()

	h.logger.Info("event stream opened",
		slog.String("graph_id", graphID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	since := parseSince(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	flusher.Flush()

	// Subscribe before replaying history so no event can fall between
	// the two; duplicates are filtered by ID below.
	live, cleanup, err := h.log.Subscribe(ctx, graphID)
	if err != nil {
		h.logger.Error("failed to subscribe to events", "error", err, "graph_id", graphID)
		return
	}
	defer cleanup()

	lastSent := since
	history, err := h.log.Since(ctx, graphID, since)
	if err != nil {
		h.logger.Error("failed to read event history", "error", err, "graph_id", graphID)
		return
	}
	for _, ev := range history {
		if !h.writeSSE(w, flusher, ev) {
			return
		}
		lastSent = ev.EventID
		if ev.Type.JobLevel() && ev.Type != types.EventTypeJobStarted {
			h.endStream(w, flusher, ev.Type)
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("event stream closed",
				slog.String("graph_id", graphID),
				slog.String("request_id", requestID),
				slog.Duration("duration", time.Since(startTime)),
				slog.String("reason", "client_disconnect"),
			)
			return

		case ev, ok := <-live:
			if !ok {
				// Log shut down underneath us.
				return
			}
			if ev.EventID <= lastSent {
				continue
			}
			if !h.writeSSE(w, flusher, ev) {
				return
			}
			lastSent = ev.EventID
			if ev.Type.JobLevel() && ev.Type != types.EventTypeJobStarted {
				h.endStream(w, flusher, ev.Type)
				h.logger.Info("event stream closed",
					slog.String("graph_id", graphID),
					slog.String("request_id", requestID),
					slog.Duration("duration", time.Since(startTime)),
					slog.String("reason", "job_finished"),
				)
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// parseSince reads the resume position from the Last-Event-ID header or
// the since_event_id query parameter. Zero means from the beginning.
func parseSince(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("since_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// writeSSE writes one event in SSE format and flushes. Returns false if
// the connection is gone.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev types.ExecutionEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.EventID, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
}

// endStream sends the closing frame carrying the job's final status.
func (h *Handlers) endStream(w http.ResponseWriter, flusher http.Flusher, final types.EventType) {
	status := "completed"
	if final == types.EventTypeJobFailed {
		status = "failed"
	}
	payload, _ := json.Marshal(map[string]string{
		"type":   types.FrameTypeStreamEnd,
		"status": status,
	})
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return
	}
	flusher.Flush()
}
