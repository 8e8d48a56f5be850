package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lightningloop/invene/pkg/types"
)

func sseHandler(t *testing.T, frames []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/start") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode loop request: %v", err)
		}
		if req["objective"] == "" {
			t.Error("loop request must carry an objective")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			_, _ = w.Write([]byte("data: " + frame + "\n\n"))
			flusher.Flush()
		}
	}
}

func TestStream_SuccessfulLoop(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"type":"loop_start","loop_id":"l1"}`,
		`{"type":"heartbeat"}`,
		`{"type":"iteration_start","iteration":1}`,
		`{"type":"action_result","action":"run tests","outcome":"success"}`,
		`{"type":"iteration_end","iteration":1,"decision_reasoning":"tests pass"}`,
		`{"type":"loop_complete","loop_id":"l1","iterations":1,"stop_reason":"objective_complete"}`,
		`{"type":"done"}`,
	}))
	defer srv.Close()

	sink := &collectSink{}
	exec := NewStreamExecutor(sink, StreamConfig{BaseURL: srv.URL + "/ralph"}, nil)

	res, err := exec.Execute(context.Background(), "g1", testNode())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if res.Metrics == nil || res.Metrics.IterationsUsed != 1 {
		t.Errorf("expected 1 iteration, got %+v", res.Metrics)
	}

	var progress int
	for _, ev := range sink.all() {
		if ev.Type == types.EventTypeProgress {
			progress++
			if ev.Message != "tests pass" {
				t.Errorf("progress message = %q", ev.Message)
			}
		}
	}
	if progress != 1 {
		t.Errorf("expected exactly one progress event, got %d", progress)
	}
}

func TestStream_ErrorFrameFailsNode(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"type":"loop_start","loop_id":"l1"}`,
		`{"type":"error","message":"actuator unavailable"}`,
		`{"type":"done"}`,
	}))
	defer srv.Close()

	exec := NewStreamExecutor(&collectSink{}, StreamConfig{BaseURL: srv.URL + "/ralph"}, nil)

	res, err := exec.Execute(context.Background(), "g1", testNode())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("error frame must fail the node")
	}
	if res.Error != "actuator unavailable" {
		t.Errorf("unexpected error %q", res.Error)
	}
}

func TestStream_MalformedFramesSkipped(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{not json`,
		`{"type":"iteration_end","iteration":1}`,
		`{"type":"loop_complete","iterations":1,"stop_reason":"max_iterations"}`,
	}))
	defer srv.Close()

	sink := &collectSink{}
	exec := NewStreamExecutor(sink, StreamConfig{BaseURL: srv.URL + "/ralph"}, nil)

	res, err := exec.Execute(context.Background(), "g1", testNode())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("malformed frames must not fail the loop: %q", res.Error)
	}
}

func TestStream_TruncatedStreamFails(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"type":"loop_start","loop_id":"l1"}`,
		`{"type":"iteration_end","iteration":1}`,
	}))
	defer srv.Close()

	exec := NewStreamExecutor(&collectSink{}, StreamConfig{BaseURL: srv.URL + "/ralph"}, nil)

	res, err := exec.Execute(context.Background(), "g1", testNode())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("a stream that ends without loop_complete must fail the node")
	}
	if !strings.Contains(res.Error, "ended before completion") {
		t.Errorf("unexpected error %q", res.Error)
	}
}

func TestStream_Non200Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exec := NewStreamExecutor(&collectSink{}, StreamConfig{BaseURL: srv.URL + "/ralph"}, nil)

	if _, err := exec.Execute(context.Background(), "g1", testNode()); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
