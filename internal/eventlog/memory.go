package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/lightningloop/invene/pkg/types"
)

// graphLog holds retained events and subscribers for a single graph.
type graphLog struct {
	mu          sync.RWMutex
	events      []types.ExecutionEvent
	maxEvents   int64
	subscribers map[chan types.ExecutionEvent]struct{}
}

// MemoryLog is an in-memory Log. Suitable for development and testing;
// history is lost on restart.
type MemoryLog struct {
	mu     sync.RWMutex
	graphs map[string]*graphLog
	config *Config
	closed bool
}

// NewMemoryLog creates an in-memory event log.
func NewMemoryLog(cfg *Config) *MemoryLog {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryLog{
		graphs: make(map[string]*graphLog),
		config: cfg,
	}
}

func (l *MemoryLog) graph(graphID string, create bool) (*graphLog, bool) {
	l.mu.RLock()
	g, ok := l.graphs[graphID]
	closed := l.closed
	l.mu.RUnlock()
	if ok || !create || closed {
		return g, !closed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	if g, ok = l.graphs[graphID]; !ok {
		g = &graphLog{
			maxEvents:   l.config.EventMaxLen,
			subscribers: make(map[chan types.ExecutionEvent]struct{}),
		}
		l.graphs[graphID] = g
	}
	return g, true
}

func (l *MemoryLog) Append(_ context.Context, ev types.ExecutionEvent) error {
	g, open := l.graph(ev.GraphID, true)
	if !open {
		return ErrClosed
	}

	g.mu.Lock()
	if int64(len(g.events)) >= g.maxEvents {
		g.events = g.events[1:]
	}
	g.events = append(g.events, ev)

	subs := make([]chan types.ExecutionEvent, 0, len(g.subscribers))
	for ch := range g.subscribers {
		subs = append(subs, ch)
	}
	g.mu.Unlock()

	// Non-blocking delivery: a stalled subscriber misses events instead
	// of stalling the log.
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (l *MemoryLog) Since(_ context.Context, graphID string, sinceEventID int64) ([]types.ExecutionEvent, error) {
	g, open := l.graph(graphID, false)
	if !open {
		return nil, ErrClosed
	}
	if g == nil {
		return nil, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	// Events arrive in ID order, so the first match starts the suffix.
	idx := sort.Search(len(g.events), func(i int) bool {
		return g.events[i].EventID > sinceEventID
	})
	out := make([]types.ExecutionEvent, len(g.events)-idx)
	copy(out, g.events[idx:])
	return out, nil
}

func (l *MemoryLog) Subscribe(_ context.Context, graphID string) (<-chan types.ExecutionEvent, func(), error) {
	g, open := l.graph(graphID, true)
	if !open {
		return nil, nil, ErrClosed
	}

	ch := make(chan types.ExecutionEvent, 100)
	g.mu.Lock()
	g.subscribers[ch] = struct{}{}
	g.mu.Unlock()

	cleanup := func() {
		g.mu.Lock()
		delete(g.subscribers, ch)
		g.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (l *MemoryLog) Graphs(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	ids := make([]string, 0, len(l.graphs))
	for id := range l.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	for _, g := range l.graphs {
		g.mu.Lock()
		for ch := range g.subscribers {
			close(ch)
		}
		g.subscribers = make(map[chan types.ExecutionEvent]struct{})
		g.mu.Unlock()
	}
	return nil
}

var _ Log = (*MemoryLog)(nil)
