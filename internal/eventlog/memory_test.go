package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/lightningloop/invene/pkg/types"
)

func event(id int64, graphID, nodeID string, t types.EventType) types.ExecutionEvent {
	return types.ExecutionEvent{
		EventID:   id,
		GraphID:   graphID,
		NodeID:    nodeID,
		Type:      t,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Second),
	}
}

func TestMemoryLog_AppendAndSince(t *testing.T) {
	log := NewMemoryLog(nil)
	defer log.Close()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := log.Append(ctx, event(i, "g1", "n1", types.EventTypeProgress)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := log.Since(ctx, "g1", 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}

	tail, err := log.Since(ctx, "g1", 3)
	if err != nil {
		t.Fatalf("since 3: %v", err)
	}
	if len(tail) != 2 || tail[0].EventID != 4 || tail[1].EventID != 5 {
		t.Errorf("unexpected tail %+v", tail)
	}
}

func TestMemoryLog_UnknownGraphIsEmpty(t *testing.T) {
	log := NewMemoryLog(nil)
	defer log.Close()

	events, err := log.Since(context.Background(), "missing", 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestMemoryLog_RingBufferDropsOldest(t *testing.T) {
	log := NewMemoryLog(&Config{EventMaxLen: 3})
	defer log.Close()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		_ = log.Append(ctx, event(i, "g1", "n1", types.EventTypeLog))
	}

	events, err := log.Since(ctx, "g1", 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(events) != 3 || events[0].EventID != 3 {
		t.Errorf("ring buffer must keep the newest 3 events, got %+v", events)
	}
}

func TestMemoryLog_SubscribeReceivesLiveEvents(t *testing.T) {
	log := NewMemoryLog(nil)
	defer log.Close()
	ctx := context.Background()

	ch, cleanup, err := log.Subscribe(ctx, "g1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	want := event(1, "g1", "n1", types.EventTypeRunning)
	if err := log.Append(ctx, want); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case got := <-ch:
		if got.EventID != want.EventID || got.Type != want.Type {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}
}

func TestMemoryLog_SubscriberIsolatedPerGraph(t *testing.T) {
	log := NewMemoryLog(nil)
	defer log.Close()
	ctx := context.Background()

	ch, cleanup, err := log.Subscribe(ctx, "g1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	_ = log.Append(ctx, event(1, "g2", "n1", types.EventTypeRunning))

	select {
	case ev := <-ch:
		t.Fatalf("subscriber for g1 received event for %s", ev.GraphID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryLog_CleanupStopsDelivery(t *testing.T) {
	log := NewMemoryLog(nil)
	defer log.Close()
	ctx := context.Background()

	ch, cleanup, err := log.Subscribe(ctx, "g1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cleanup()

	_ = log.Append(ctx, event(1, "g1", "n1", types.EventTypeRunning))

	select {
	case <-ch:
		t.Fatal("event delivered after cleanup")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryLog_ClosedRejectsAppends(t *testing.T) {
	log := NewMemoryLog(nil)
	_ = log.Close()

	if err := log.Append(context.Background(), event(1, "g1", "n1", types.EventTypeRunning)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryLog_Graphs(t *testing.T) {
	log := NewMemoryLog(nil)
	defer log.Close()
	ctx := context.Background()

	_ = log.Append(ctx, event(1, "g2", "n1", types.EventTypeRunning))
	_ = log.Append(ctx, event(2, "g1", "n1", types.EventTypeRunning))

	ids, err := log.Graphs(ctx)
	if err != nil {
		t.Fatalf("graphs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "g1" || ids[1] != "g2" {
		t.Errorf("unexpected graph ids %v", ids)
	}
}
