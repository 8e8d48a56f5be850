package driver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightningloop/invene/internal/executor"
	"github.com/lightningloop/invene/pkg/types"
)

type fakeRelay struct {
	mu      sync.Mutex
	jobs    []*types.Job
	calls   []string
	events  []types.EventInput
	failMsg string
	nextID  int64
}

func (f *fakeRelay) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRelay) ClaimNext(context.Context) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeRelay) Start(_ context.Context, jobID string) error {
	f.record("start:" + jobID)
	return nil
}

func (f *fakeRelay) Progress(_ context.Context, _, nodeID string, _ int) error {
	f.record("progress:" + nodeID)
	return nil
}

func (f *fakeRelay) Complete(_ context.Context, jobID string) error {
	f.record("complete:" + jobID)
	return nil
}

func (f *fakeRelay) Fail(_ context.Context, jobID, msg string) error {
	f.mu.Lock()
	f.failMsg = msg
	f.mu.Unlock()
	f.record("fail:" + jobID)
	return nil
}

func (f *fakeRelay) PostEvent(_ context.Context, in types.EventInput) (*types.ExecutionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.events = append(f.events, in)
	f.calls = append(f.calls, "event:"+in.NodeID+":"+string(in.Type))
	return &types.ExecutionEvent{EventID: f.nextID, GraphID: in.GraphID, NodeID: in.NodeID, Type: in.Type}, nil
}

func (f *fakeRelay) nodeEvents(nodeID string) []types.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.EventType
	for _, ev := range f.events {
		if ev.NodeID == nodeID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (f *fakeRelay) callIndex(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if c == call {
			return i
		}
	}
	return -1
}

func (f *fakeRelay) calledOnce(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n == 1
}

type execFunc func(ctx context.Context, graphID string, node types.TaskNode) (*executor.NodeResult, error)

func (f execFunc) Execute(ctx context.Context, graphID string, node types.TaskNode) (*executor.NodeResult, error) {
	return f(ctx, graphID, node)
}

func pick(f execFunc) ExecutorPicker {
	return func(types.TaskNode) executor.Executor { return f }
}

func chainJob() *types.Job {
	return &types.Job{
		ID:      "j1",
		GraphID: "g1",
		Status:  types.JobStatusClaimed,
		TaskGraph: &types.TaskGraph{
			GraphID: "g1",
			Nodes: []types.TaskNode{
				{ID: "n1", Title: "first", Kind: types.NodeKindExecution, Objective: "a"},
				{ID: "n2", Title: "second", Kind: types.NodeKindExecution, Objective: "b", Dependencies: []string{"n1"}},
				{ID: "n3", Title: "third", Kind: types.NodeKindExecution, Objective: "c", Dependencies: []string{"n2"}},
			},
		},
	}
}

func TestDriver_ExecutesChainAndCompletes(t *testing.T) {
	relay := &fakeRelay{jobs: []*types.Job{chainJob()}}

	var order []string
	var mu sync.Mutex
	exec := execFunc(func(_ context.Context, _ string, node types.TaskNode) (*executor.NodeResult, error) {
		mu.Lock()
		order = append(order, node.ID)
		mu.Unlock()
		return &executor.NodeResult{Success: true, Metrics: &types.Metrics{IterationsUsed: 1}}, nil
	})

	d := New(relay, pick(exec), Config{}, nil)
	d.pollOnce(context.Background())

	if len(order) != 3 || order[0] != "n1" || order[1] != "n2" || order[2] != "n3" {
		t.Fatalf("execution order = %v", order)
	}
	if !relay.calledOnce("start:j1") || !relay.calledOnce("complete:j1") {
		t.Errorf("lifecycle calls = %v", relay.calls)
	}
	for _, nodeID := range []string{"n1", "n2", "n3"} {
		got := relay.nodeEvents(nodeID)
		want := []types.EventType{types.EventTypeQueued, types.EventTypeRunning, types.EventTypeDone}
		if len(got) != len(want) {
			t.Fatalf("%s events = %v", nodeID, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s event %d = %s, want %s", nodeID, i, got[i], want[i])
			}
		}
	}
	if _, held := d.CurrentJob(); held {
		t.Error("job slot must be released after completion")
	}
}

func TestDriver_NodeFailureDoesNotStopTheJob(t *testing.T) {
	relay := &fakeRelay{jobs: []*types.Job{chainJob()}}

	exec := execFunc(func(_ context.Context, _ string, node types.TaskNode) (*executor.NodeResult, error) {
		if node.ID == "n2" {
			return &executor.NodeResult{Success: false, Error: "agent exited with code 1"}, nil
		}
		return &executor.NodeResult{Success: true}, nil
	})

	d := New(relay, pick(exec), Config{}, nil)
	d.pollOnce(context.Background())

	if !relay.calledOnce("complete:j1") {
		t.Errorf("job must complete despite the node failure, calls = %v", relay.calls)
	}
	n2 := relay.nodeEvents("n2")
	if len(n2) == 0 || n2[len(n2)-1] != types.EventTypeFailed {
		t.Errorf("n2 events = %v", n2)
	}
	n3 := relay.nodeEvents("n3")
	if len(n3) == 0 || n3[len(n3)-1] != types.EventTypeDone {
		t.Errorf("n3 must still run after n2 fails, events = %v", n3)
	}
}

func TestDriver_ExecutorErrorFailsNodeOnly(t *testing.T) {
	relay := &fakeRelay{jobs: []*types.Job{chainJob()}}

	exec := execFunc(func(_ context.Context, _ string, node types.TaskNode) (*executor.NodeResult, error) {
		if node.ID == "n1" {
			return nil, errors.New("spawn failed")
		}
		return &executor.NodeResult{Success: true}, nil
	})

	d := New(relay, pick(exec), Config{}, nil)
	d.pollOnce(context.Background())

	n1 := relay.nodeEvents("n1")
	if len(n1) == 0 || n1[len(n1)-1] != types.EventTypeFailed {
		t.Errorf("n1 events = %v", n1)
	}
	if !relay.calledOnce("complete:j1") {
		t.Errorf("job must complete, calls = %v", relay.calls)
	}
}

func TestDriver_ProgressReportedAfterNodeTerminalEvent(t *testing.T) {
	relay := &fakeRelay{jobs: []*types.Job{chainJob()}}

	exec := execFunc(func(_ context.Context, _ string, node types.TaskNode) (*executor.NodeResult, error) {
		if node.ID == "n2" {
			return &executor.NodeResult{Success: false, Error: "agent exited with code 1"}, nil
		}
		return &executor.NodeResult{Success: true}, nil
	})

	d := New(relay, pick(exec), Config{}, nil)
	d.pollOnce(context.Background())

	terminal := map[string]string{"n1": "done", "n2": "failed", "n3": "done"}
	for nodeID, term := range terminal {
		progressAt := relay.callIndex("progress:" + nodeID)
		terminalAt := relay.callIndex("event:" + nodeID + ":" + term)
		if progressAt < 0 || terminalAt < 0 {
			t.Fatalf("%s missing calls, got %v", nodeID, relay.calls)
		}
		if progressAt < terminalAt {
			t.Errorf("progress for %s reported at %d, before its terminal event at %d",
				nodeID, progressAt, terminalAt)
		}
	}
	if relay.callIndex("progress:n1") > relay.callIndex("event:n2:queued") {
		t.Errorf("progress for n1 must precede n2, calls = %v", relay.calls)
	}
}

func TestDriver_PanicFailsJobAndReleasesSlot(t *testing.T) {
	relay := &fakeRelay{jobs: []*types.Job{chainJob()}}

	exec := execFunc(func(_ context.Context, _ string, node types.TaskNode) (*executor.NodeResult, error) {
		panic("executor blew up")
	})

	d := New(relay, pick(exec), Config{}, nil)
	d.pollOnce(context.Background())

	if !relay.calledOnce("fail:j1") {
		t.Errorf("panicking job must be reported failed, calls = %v", relay.calls)
	}
	if !strings.Contains(relay.failMsg, "executor blew up") {
		t.Errorf("fail message must carry the panic value, got %q", relay.failMsg)
	}
	if _, held := d.CurrentJob(); held {
		t.Error("job slot must be released after a panic")
	}
}

func TestDriver_StopCancelsActiveNodeAndFailsJob(t *testing.T) {
	relay := &fakeRelay{jobs: []*types.Job{chainJob()}}

	n2Started := make(chan struct{})
	var executed []string
	var mu sync.Mutex
	exec := execFunc(func(ctx context.Context, _ string, node types.TaskNode) (*executor.NodeResult, error) {
		mu.Lock()
		executed = append(executed, node.ID)
		mu.Unlock()
		if node.ID == "n2" {
			close(n2Started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &executor.NodeResult{Success: true}, nil
	})

	d := New(relay, pick(exec), Config{}, nil)

	go func() {
		<-n2Started
		if !d.StopCurrent() {
			t.Error("StopCurrent must report an active job")
		}
	}()

	d.pollOnce(context.Background())

	mu.Lock()
	ran := append([]string(nil), executed...)
	mu.Unlock()
	if len(ran) != 2 {
		t.Fatalf("n3 must not run after stop, executed = %v", ran)
	}

	n2 := relay.nodeEvents("n2")
	if len(n2) == 0 || n2[len(n2)-1] != types.EventTypeFailed {
		t.Errorf("active node must fail on stop, events = %v", n2)
	}
	if len(relay.nodeEvents("n3")) != 0 {
		t.Error("untouched nodes must get no events")
	}
	if !relay.calledOnce("fail:j1") {
		t.Errorf("job must be reported failed, calls = %v", relay.calls)
	}
	if relay.failMsg != "job cancelled by operator" {
		t.Errorf("fail message = %q", relay.failMsg)
	}
	if p, f := relay.callIndex("progress:n2"), relay.callIndex("event:n2:failed"); p < 0 || p < f {
		t.Errorf("cancelled node's progress must follow its failed event, calls = %v", relay.calls)
	}
	if d.StopCurrent() {
		t.Error("StopCurrent after release must report no job")
	}
}

func TestDriver_JobWithoutGraphIsRejected(t *testing.T) {
	relay := &fakeRelay{jobs: []*types.Job{{ID: "j1", GraphID: "g1"}}}

	d := New(relay, pick(func(context.Context, string, types.TaskNode) (*executor.NodeResult, error) {
		t.Error("no node must execute for a graphless job")
		return nil, nil
	}), Config{}, nil)

	d.pollOnce(context.Background())

	if !relay.calledOnce("fail:j1") {
		t.Errorf("graphless job must be failed, calls = %v", relay.calls)
	}
}

func TestDriver_HoldsSingleJob(t *testing.T) {
	relay := &fakeRelay{jobs: []*types.Job{chainJob()}}

	var sawCurrent bool
	exec := execFunc(func(_ context.Context, _ string, node types.TaskNode) (*executor.NodeResult, error) {
		return &executor.NodeResult{Success: true}, nil
	})

	var d *Driver
	d = New(relay, func(node types.TaskNode) executor.Executor {
		if cur, held := d.CurrentJob(); held && cur.ID == "j1" {
			sawCurrent = true
		}
		return exec
	}, Config{}, nil)

	d.pollOnce(context.Background())

	if !sawCurrent {
		t.Error("CurrentJob must expose the held job during execution")
	}
}

func TestDriver_RunStopsOnContextCancel(t *testing.T) {
	relay := &fakeRelay{}
	d := New(relay, pick(func(context.Context, string, types.TaskNode) (*executor.NodeResult, error) {
		return &executor.NodeResult{Success: true}, nil
	}), Config{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
