// Package eventlog keeps a local mirror of relay execution events for
// observer surfaces: bounded per-graph history plus live fan-out.
package eventlog

import (
	"context"
	"errors"

	"github.com/lightningloop/invene/pkg/types"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event log closed")

// Log stores execution events per graph. Events arrive with their
// relay-assigned IDs; the log never assigns IDs itself.
// Implementations must be safe for concurrent use.
type Log interface {
	// Append records one event and notifies subscribers.
	Append(ctx context.Context, ev types.ExecutionEvent) error

	// Since returns retained events with IDs greater than sinceEventID,
	// in ID order. An unknown graph yields an empty slice.
	Since(ctx context.Context, graphID string, sinceEventID int64) ([]types.ExecutionEvent, error)

	// Subscribe returns a channel receiving events appended after the
	// call. The cleanup function must be called to release the
	// subscription.
	Subscribe(ctx context.Context, graphID string) (<-chan types.ExecutionEvent, func(), error)

	// Graphs lists graph IDs with retained events.
	Graphs(ctx context.Context) ([]string, error)

	Close() error
}

// Config holds event log configuration.
type Config struct {
	// EventMaxLen is the maximum number of events retained per graph
	// (ring buffer).
	EventMaxLen int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{EventMaxLen: 5000}
}
