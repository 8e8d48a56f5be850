package reducer

import (
	"reflect"
	"testing"
	"time"

	"github.com/lightningloop/invene/pkg/types"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ev(id int64, nodeID string, t types.EventType, msg string) types.ExecutionEvent {
	return types.ExecutionEvent{
		EventID:   id,
		GraphID:   "g1",
		NodeID:    nodeID,
		Type:      t,
		Timestamp: t0.Add(time.Duration(id) * time.Second),
		Message:   msg,
	}
}

func TestReduce_HappyPath(t *testing.T) {
	events := []types.ExecutionEvent{
		ev(1, "", types.EventTypeJobStarted, "started"),
		ev(2, "n1", types.EventTypeQueued, ""),
		ev(3, "n1", types.EventTypeRunning, ""),
		ev(4, "n1", types.EventTypeProgress, "iteration 1"),
		ev(5, "n1", types.EventTypeDone, "all checks passed"),
		ev(6, "", types.EventTypeJobCompleted, "done"),
	}

	st := Reduce(events)

	n1, ok := st.Nodes["n1"]
	if !ok {
		t.Fatal("n1 missing from state")
	}
	if n1.Status != types.EventTypeDone {
		t.Errorf("expected done, got %s", n1.Status)
	}
	if n1.Message != "all checks passed" {
		t.Errorf("unexpected message %q", n1.Message)
	}
	if st.Job.Status != types.EventTypeJobCompleted {
		t.Errorf("expected job_completed, got %s", st.Job.Status)
	}
}

func TestReduce_JobEventsAreNotNodeEvents(t *testing.T) {
	st := Reduce([]types.ExecutionEvent{
		ev(1, "", types.EventTypeJobStarted, ""),
		ev(2, "", types.EventTypeJobFailed, "boom"),
	})

	if len(st.Nodes) != 0 {
		t.Errorf("job-level events must not create node states, got %v", st.Nodes)
	}
	if st.Job.Status != types.EventTypeJobFailed {
		t.Errorf("expected job_failed, got %s", st.Job.Status)
	}
}

func TestReduce_ImplicitQueued(t *testing.T) {
	t.Run("first event is running", func(t *testing.T) {
		st := Reduce([]types.ExecutionEvent{ev(1, "n1", types.EventTypeRunning, "")})
		if st.Nodes["n1"].Status != types.EventTypeRunning {
			t.Errorf("expected running, got %s", st.Nodes["n1"].Status)
		}
	})

	t.Run("first event is terminal", func(t *testing.T) {
		st := Reduce([]types.ExecutionEvent{ev(1, "n1", types.EventTypeFailed, "crashed")})
		if st.Nodes["n1"].Status != types.EventTypeFailed {
			t.Errorf("expected failed, got %s", st.Nodes["n1"].Status)
		}
	})

	t.Run("first event is a log line", func(t *testing.T) {
		st := Reduce([]types.ExecutionEvent{ev(1, "n1", types.EventTypeLog, "hello")})
		n := st.Nodes["n1"]
		if n.Status != types.EventTypeQueued {
			t.Errorf("log must not advance status, got %s", n.Status)
		}
		if n.Message != "hello" {
			t.Errorf("log message must be kept, got %q", n.Message)
		}
	})
}

func TestReduce_TerminalSticky(t *testing.T) {
	st := Reduce([]types.ExecutionEvent{
		ev(1, "n1", types.EventTypeRunning, ""),
		ev(2, "n1", types.EventTypeDone, ""),
		ev(3, "n1", types.EventTypeRunning, "stray"),
		ev(4, "n1", types.EventTypeFailed, "stray"),
	})

	if st.Nodes["n1"].Status != types.EventTypeDone {
		t.Errorf("terminal status must be sticky, got %s", st.Nodes["n1"].Status)
	}
}

func TestReduce_BackwardTransitionIgnored(t *testing.T) {
	st := Reduce([]types.ExecutionEvent{
		ev(1, "n1", types.EventTypeRunning, ""),
		ev(2, "n1", types.EventTypeQueued, "late queue event"),
	})

	n := st.Nodes["n1"]
	if n.Status != types.EventTypeRunning {
		t.Errorf("backward transition must be ignored, got %s", n.Status)
	}
	if n.Message != "late queue event" {
		t.Errorf("non-status fields still update, got %q", n.Message)
	}
}

func TestReduce_LastEventWinsPerField(t *testing.T) {
	metrics := &types.Metrics{DurationMs: 1200, IterationsUsed: 3}
	events := []types.ExecutionEvent{
		ev(1, "n1", types.EventTypeRunning, "working"),
		{EventID: 2, GraphID: "g1", NodeID: "n1", Type: types.EventTypeProgress, Timestamp: t0, Metrics: metrics},
	}

	st := Reduce(events)
	n := st.Nodes["n1"]
	if n.Message != "working" {
		t.Errorf("message without replacement must persist, got %q", n.Message)
	}
	if n.Metrics == nil || n.Metrics.IterationsUsed != 3 {
		t.Errorf("metrics must update, got %+v", n.Metrics)
	}
}

func TestReduce_Idempotent(t *testing.T) {
	events := []types.ExecutionEvent{
		ev(1, "", types.EventTypeJobStarted, ""),
		ev(2, "a", types.EventTypeQueued, ""),
		ev(3, "a", types.EventTypeRunning, ""),
		ev(4, "b", types.EventTypeQueued, ""),
		ev(5, "a", types.EventTypeDone, ""),
		ev(6, "b", types.EventTypeRunning, ""),
		ev(7, "b", types.EventTypeFailed, "exit 1"),
	}

	first := Reduce(events)
	second := Reduce(events)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("folding the same list twice diverged:\n%+v\n%+v", first, second)
	}
}

func TestReduce_PrefixSuffixComposition(t *testing.T) {
	events := []types.ExecutionEvent{
		ev(1, "", types.EventTypeJobStarted, ""),
		ev(2, "a", types.EventTypeQueued, ""),
		ev(3, "a", types.EventTypeRunning, ""),
		ev(4, "a", types.EventTypeProgress, "halfway"),
		ev(5, "a", types.EventTypeDone, ""),
		ev(6, "", types.EventTypeJobCompleted, ""),
	}

	for split := 0; split <= len(events); split++ {
		st := Reduce(events[:split])
		for _, e := range events[split:] {
			st.Apply(e)
		}
		whole := Reduce(events)
		if !reflect.DeepEqual(st, whole) {
			t.Errorf("split at %d diverged:\n%+v\n%+v", split, st, whole)
		}
	}
}
