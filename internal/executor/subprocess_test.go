package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightningloop/invene/internal/artifacts"
	"github.com/lightningloop/invene/pkg/types"
)

// collectSink records emitted events in arrival order.
type collectSink struct {
	mu     sync.Mutex
	events []types.EventInput
}

func (c *collectSink) Emit(_ context.Context, in types.EventInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, in)
	return nil
}

func (c *collectSink) all() []types.EventInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.EventInput, len(c.events))
	copy(out, c.events)
	return out
}

func shellExecutor(t *testing.T, sink EventSink, store artifacts.Store, script string) *SubprocessExecutor {
	t.Helper()
	resolve := func(types.TaskNode) []string {
		return []string{"/bin/sh", "-c", script}
	}
	return NewSubprocessExecutor(sink, resolve, store, &SubprocessConfig{MaxIterations: 5}, nil)
}

func testNode() types.TaskNode {
	return types.TaskNode{ID: "n1", Title: "demo", Kind: types.NodeKindExecution}
}

func TestSubprocess_SuccessWithProgressAndLogs(t *testing.T) {
	sink := &collectSink{}
	script := `
echo '{"type":"iteration","iteration":1,"message":"first pass"}'
echo 'plain output line'
echo '{"type":"iteration","iteration":2}'
`
	exec := shellExecutor(t, sink, nil, script)

	res, err := exec.Execute(context.Background(), "g1", testNode())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Metrics == nil || res.Metrics.IterationsUsed != 2 {
		t.Errorf("expected 2 iterations, got %+v", res.Metrics)
	}
	if res.Metrics.DurationMs < 0 {
		t.Errorf("negative duration %d", res.Metrics.DurationMs)
	}

	events := sink.all()
	var progress, logs int
	for _, ev := range events {
		switch ev.Type {
		case types.EventTypeProgress:
			progress++
		case types.EventTypeLog:
			logs++
			if ev.Message != "plain output line" {
				t.Errorf("unexpected log message %q", ev.Message)
			}
		default:
			t.Errorf("unexpected event type %s", ev.Type)
		}
		if ev.GraphID != "g1" || ev.NodeID != "n1" {
			t.Errorf("event missing identifiers: %+v", ev)
		}
	}
	if progress != 2 || logs != 1 {
		t.Errorf("expected 2 progress and 1 log event, got %d/%d", progress, logs)
	}
}

func TestSubprocess_NonZeroExitFailsNode(t *testing.T) {
	sink := &collectSink{}
	script := `
echo '{"type":"progress","iteration":1}'
echo 'partial work'
exit 1
`
	exec := shellExecutor(t, sink, nil, script)

	res, err := exec.Execute(context.Background(), "g1", testNode())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure on exit 1")
	}
	if !strings.Contains(res.Error, "code 1") {
		t.Errorf("error must carry the exit code, got %q", res.Error)
	}
	// Output emitted before the failure is still delivered.
	if len(sink.all()) != 2 {
		t.Errorf("expected 2 events before exit, got %d", len(sink.all()))
	}
}

func TestSubprocess_ExplicitFailureFrameOverridesExitZero(t *testing.T) {
	sink := &collectSink{}
	script := `
echo '{"type":"error","message":"could not satisfy checks"}'
exit 0
`
	exec := shellExecutor(t, sink, nil, script)

	res, err := exec.Execute(context.Background(), "g1", testNode())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("failure frame must override exit code 0")
	}
	if res.Error != "could not satisfy checks" {
		t.Errorf("unexpected error %q", res.Error)
	}
}

func TestSubprocess_StderrBecomesLogEvents(t *testing.T) {
	sink := &collectSink{}
	exec := shellExecutor(t, sink, nil, `echo 'boom' >&2`)

	if _, err := exec.Execute(context.Background(), "g1", testNode()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != types.EventTypeLog || events[0].Message != "stderr: boom" {
		t.Errorf("stderr must surface as a prefixed log event, got %+v", events[0])
	}
}

func TestSubprocess_MalformedJSONIsPlainLog(t *testing.T) {
	sink := &collectSink{}
	exec := shellExecutor(t, sink, nil, `echo '{"type": broken'`)

	res, err := exec.Execute(context.Background(), "g1", testNode())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("malformed output must not fail the node: %q", res.Error)
	}
	events := sink.all()
	if len(events) != 1 || events[0].Type != types.EventTypeLog {
		t.Fatalf("expected one log event, got %+v", events)
	}
}

func TestSubprocess_OversizedLineSurfacesReadError(t *testing.T) {
	sink := &collectSink{}
	// The second line exceeds the 1MB scan buffer and aborts the
	// stdout reader.
	script := `
echo '{"type":"iteration","iteration":1}'
head -c 1500000 /dev/zero | tr '\0' 'x'
echo
`
	exec := shellExecutor(t, sink, nil, script)

	res, err := exec.Execute(context.Background(), "g1", testNode())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("a dropped stream must not fail the node: %q", res.Error)
	}

	var progress int
	var sawReadError bool
	for _, ev := range sink.all() {
		switch ev.Type {
		case types.EventTypeProgress:
			progress++
		case types.EventTypeLog:
			if strings.Contains(ev.Message, "output read error") {
				sawReadError = true
			}
		}
	}
	if progress != 1 {
		t.Errorf("events before the oversized line must still be delivered, progress = %d", progress)
	}
	if !sawReadError {
		t.Errorf("read error must surface as a log event, got %+v", sink.all())
	}
}

func TestSubprocess_CancellationTerminatesAgent(t *testing.T) {
	sink := &collectSink{}
	exec := shellExecutor(t, sink, nil, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := exec.Execute(ctx, "g1", testNode())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancellation took too long: %s", elapsed)
	}
}

func TestSubprocess_ArtifactFrameStored(t *testing.T) {
	sink := &collectSink{}
	store := artifacts.NewMemoryStore()
	script := `echo '{"type":"artifact","name":"report.md","content":"# done","media_type":"text/markdown"}'`
	exec := shellExecutor(t, sink, store, script)

	res, err := exec.Execute(context.Background(), "g1", testNode())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %+v", res.Artifacts)
	}
	art := res.Artifacts[0]
	if art.Type != "text/markdown" {
		t.Errorf("artifact type = %q", art.Type)
	}
	if !strings.HasPrefix(art.ContentRef, "mem://g1/n1/") {
		t.Errorf("unexpected content ref %q", art.ContentRef)
	}
}

func TestSubprocess_EmptyCommandErrors(t *testing.T) {
	exec := NewSubprocessExecutor(&collectSink{}, func(types.TaskNode) []string { return nil }, nil, nil, nil)

	if _, err := exec.Execute(context.Background(), "g1", testNode()); err == nil {
		t.Fatal("expected an error for an empty command")
	}
}
