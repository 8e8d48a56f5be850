// Package graphstore keeps the task graphs of claimed jobs so observer
// surfaces can serve topology alongside the derived event state.
package graphstore

import (
	"context"
	"errors"

	"github.com/lightningloop/invene/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrGraphNotFound = errors.New("graph not found")
)

// Summary is a lightweight graph listing entry.
type Summary struct {
	GraphID     string `json:"graph_id"`
	UserRequest string `json:"user_request,omitempty"`
	NodeCount   int    `json:"node_count"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store defines the interface for graph persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores a graph, replacing any existing one with the same ID.
	Save(ctx context.Context, graph *types.TaskGraph) error

	// Get retrieves a graph by ID. Returns ErrGraphNotFound if not found.
	Get(ctx context.Context, graphID string) (*types.TaskGraph, error)

	// Delete removes a graph. Returns ErrGraphNotFound if not found.
	Delete(ctx context.Context, graphID string) error

	// List returns summaries of stored graphs.
	List(ctx context.Context, opts *ListOptions) ([]Summary, error)

	// Close releases any resources.
	Close() error
}

func summarize(g *types.TaskGraph) Summary {
	s := Summary{
		GraphID:     g.GraphID,
		UserRequest: g.UserRequest,
		NodeCount:   len(g.Nodes),
	}
	if !g.CreatedAt.IsZero() {
		s.CreatedAt = g.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return s
}
