package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lightningloop/invene/pkg/types"
)

func streamServer(t *testing.T, frames func(r *http.Request) []string) (*Client, *httptest.Server) {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames(r) {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	})
	return newTestClient(t, handler)
}

func TestStreamEvents_DeliversInOrder(t *testing.T) {
	client, _ := streamServer(t, func(r *http.Request) []string {
		if r.URL.Path != "/relay/events/stream/g1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		return []string{
			`{"event_id":1,"graph_id":"g1","node_id":"n1","event_type":"queued","timestamp":"2025-06-01T12:00:00Z"}`,
			`{"type":"heartbeat"}`,
			`{"event_id":2,"graph_id":"g1","node_id":"n1","event_type":"running","timestamp":"2025-06-01T12:00:01Z"}`,
			`not json at all`,
			`{"event_id":3,"graph_id":"g1","node_id":"n1","event_type":"done","timestamp":"2025-06-01T12:00:02Z"}`,
			`{"type":"stream_end","status":"completed"}`,
		}
	})

	var got []int64
	err := client.StreamEvents(context.Background(), "g1", 0, func(ev types.ExecutionEvent) error {
		got = append(got, ev.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("delivered IDs = %v", got)
	}
}

func TestStreamEvents_ResumeSkipsOldEvents(t *testing.T) {
	client, _ := streamServer(t, func(r *http.Request) []string {
		if r.URL.Query().Get("since_event_id") != "2" {
			t.Errorf("since_event_id = %q", r.URL.Query().Get("since_event_id"))
		}
		// A sloppy relay may replay from the start; the subscriber
		// still filters.
		return []string{
			`{"event_id":1,"graph_id":"g1","event_type":"job_started","timestamp":"2025-06-01T12:00:00Z"}`,
			`{"event_id":2,"graph_id":"g1","node_id":"n1","event_type":"queued","timestamp":"2025-06-01T12:00:00Z"}`,
			`{"event_id":3,"graph_id":"g1","node_id":"n1","event_type":"running","timestamp":"2025-06-01T12:00:01Z"}`,
			`{"type":"stream_end","status":"completed"}`,
		}
	})

	var got []int64
	err := client.StreamEvents(context.Background(), "g1", 2, func(ev types.ExecutionEvent) error {
		got = append(got, ev.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("expected only event 3, got %v", got)
	}
}

func TestStreamEvents_DropWithoutEndIsError(t *testing.T) {
	client, _ := streamServer(t, func(*http.Request) []string {
		return []string{
			`{"event_id":1,"graph_id":"g1","node_id":"n1","event_type":"queued","timestamp":"2025-06-01T12:00:00Z"}`,
		}
	})

	err := client.StreamEvents(context.Background(), "g1", 0, func(types.ExecutionEvent) error { return nil })
	if err == nil {
		t.Fatal("a dropped connection must surface as an error")
	}
}

func TestWatch_ReconnectsWithResume(t *testing.T) {
	var attempts atomic.Int32
	client, _ := streamServer(t, func(r *http.Request) []string {
		switch attempts.Add(1) {
		case 1:
			if r.URL.Query().Get("since_event_id") != "" {
				t.Errorf("first connect must not resume, got %q", r.URL.Query().Get("since_event_id"))
			}
			// Connection drops after one event.
			return []string{
				`{"event_id":1,"graph_id":"g1","node_id":"n1","event_type":"queued","timestamp":"2025-06-01T12:00:00Z"}`,
			}
		default:
			if r.URL.Query().Get("since_event_id") != "1" {
				t.Errorf("reconnect must resume from 1, got %q", r.URL.Query().Get("since_event_id"))
			}
			return []string{
				`{"event_id":2,"graph_id":"g1","node_id":"n1","event_type":"done","timestamp":"2025-06-01T12:00:01Z"}`,
				`{"type":"stream_end","status":"completed"}`,
			}
		}
	})

	var got []int64
	err := client.Watch(context.Background(), "g1", 0, func(ev types.ExecutionEvent) error {
		got = append(got, ev.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("delivered IDs = %v", got)
	}
	if attempts.Load() < 2 {
		t.Errorf("expected a reconnect, got %d attempts", attempts.Load())
	}
}
