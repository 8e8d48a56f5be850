package graphstore

import (
	"context"
	"sort"
	"sync"

	"github.com/lightningloop/invene/pkg/types"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for testing and single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	graphs map[string]types.TaskGraph
	order  map[string]int
	next   int
}

// NewMemoryStore creates a new in-memory graph store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		graphs: make(map[string]types.TaskGraph),
		order:  make(map[string]int),
	}
}

// Save stores a graph, replacing any existing one with the same ID.
func (s *MemoryStore) Save(ctx context.Context, graph *types.TaskGraph) error {
	if graph == nil || graph.GraphID == "" {
		return ErrGraphNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.graphs[graph.GraphID]; !exists {
		s.order[graph.GraphID] = s.next
		s.next++
	}
	s.graphs[graph.GraphID] = *graph
	return nil
}

// Get retrieves a graph by ID.
func (s *MemoryStore) Get(ctx context.Context, graphID string) (*types.TaskGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	graph, ok := s.graphs[graphID]
	if !ok {
		return nil, ErrGraphNotFound
	}

	// Return a copy to prevent external mutation
	copy := graph
	return &copy, nil
}

// Delete removes a graph.
func (s *MemoryStore) Delete(ctx context.Context, graphID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.graphs[graphID]; !ok {
		return ErrGraphNotFound
	}

	delete(s.graphs, graphID)
	delete(s.order, graphID)
	return nil
}

// List returns summaries of stored graphs in insertion order.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]Summary, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.graphs))
	for id := range s.graphs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.order[ids[i]] < s.order[ids[j]] })

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		g := s.graphs[id]
		summaries = append(summaries, summarize(&g))
	}
	s.mu.RUnlock()

	if opts.Offset > 0 {
		if opts.Offset >= len(summaries) {
			return []Summary{}, nil
		}
		summaries = summaries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(summaries) {
		summaries = summaries[:opts.Limit]
	}

	return summaries, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
