// Package executor runs a single task node through an external agent loop
// and converts its output into structured execution events.
package executor

import (
	"context"
	"log/slog"

	"github.com/lightningloop/invene/pkg/types"
)

// NodeResult is the outcome of executing one node.
type NodeResult struct {
	Success   bool
	Error     string
	Artifacts []types.Artifact
	Metrics   *types.Metrics
}

// Executor drives one node to completion. Implementations emit progress
// and log events through their EventSink while running; terminal node
// events are the caller's responsibility.
type Executor interface {
	Execute(ctx context.Context, graphID string, node types.TaskNode) (*NodeResult, error)
}

// EventSink receives events produced during node execution.
type EventSink interface {
	Emit(ctx context.Context, in types.EventInput) error
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, in types.EventInput) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, in types.EventInput) error {
	return f(ctx, in)
}

// emitEvent sends one event through the sink, logging emit failures
// instead of interrupting execution.
func emitEvent(ctx context.Context, sink EventSink, logger *slog.Logger, graphID, nodeID string, t types.EventType, msg string, metrics *types.Metrics) {
	in := types.EventInput{
		GraphID: graphID,
		NodeID:  nodeID,
		Type:    t,
		Message: msg,
		Metrics: metrics,
	}
	if err := sink.Emit(ctx, in); err != nil {
		logger.Error("emit event", slog.String("node_id", nodeID), slog.String("event_type", string(t)), slog.Any("error", err))
	}
}
