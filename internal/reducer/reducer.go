// Package reducer folds an ordered execution-event stream into the
// per-node and job state consumed by display surfaces.
package reducer

import (
	"time"

	"github.com/lightningloop/invene/pkg/types"
)

// NodeState is the derived view of a single node. It is reconstructed
// entirely from events and never stored.
type NodeState struct {
	Status    types.EventType  `json:"status"`
	Message   string           `json:"message,omitempty"`
	Artifacts []types.Artifact `json:"artifacts,omitempty"`
	Metrics   *types.Metrics   `json:"metrics,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// JobState is the derived job-level view, kept separate from node states.
type JobState struct {
	Status    types.EventType `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// State is the full derived view for one graph.
type State struct {
	Job   JobState             `json:"job"`
	Nodes map[string]NodeState `json:"nodes"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Nodes: make(map[string]NodeState)}
}

// Reduce folds events into a fresh state. Folding the same list twice
// yields identical results, and folding a prefix then the remaining suffix
// with Apply is equivalent to folding the whole list at once.
func Reduce(events []types.ExecutionEvent) *State {
	st := NewState()
	for _, ev := range events {
		st.Apply(ev)
	}
	return st
}

// Apply folds one event into the state. It never fails: unknown event
// types, out-of-order transitions and events for unseen nodes all resolve
// to a sane default rather than an error.
func (s *State) Apply(ev types.ExecutionEvent) {
	if ev.NodeID == "" {
		s.applyJob(ev)
		return
	}

	node, ok := s.Nodes[ev.NodeID]
	if !ok {
		// A node is implicitly queued as of its first observed event,
		// whatever that event is.
		node = NodeState{Status: types.EventTypeQueued}
	}

	if transitionAllowed(node.Status, ev.Type) {
		node.Status = ev.Type
	}
	if ev.Message != "" {
		node.Message = ev.Message
	}
	if len(ev.Artifacts) > 0 {
		node.Artifacts = ev.Artifacts
	}
	if ev.Metrics != nil {
		node.Metrics = ev.Metrics
	}
	node.UpdatedAt = ev.Timestamp

	s.Nodes[ev.NodeID] = node
}

func (s *State) applyJob(ev types.ExecutionEvent) {
	switch ev.Type {
	case types.EventTypeJobStarted, types.EventTypeJobCompleted, types.EventTypeJobFailed:
		s.Job.Status = ev.Type
		s.Job.Message = ev.Message
		s.Job.UpdatedAt = ev.Timestamp
	default:
		// Graph-scoped noise without a node ID; nothing to update.
	}
}

// transitionAllowed validates a node status change:
// queued -> running -> progress* -> {done | failed | blocked | skipped}.
// Terminal states are sticky, log events never move status, and backward
// transitions are ignored rather than rejected.
func transitionAllowed(from, to types.EventType) bool {
	if from.TerminalNode() {
		return false
	}
	switch to {
	case types.EventTypeQueued:
		return false // implicit initial state, never re-entered
	case types.EventTypeRunning:
		return from == types.EventTypeQueued
	case types.EventTypeProgress:
		return from == types.EventTypeRunning || from == types.EventTypeProgress
	case types.EventTypeDone, types.EventTypeFailed, types.EventTypeBlocked, types.EventTypeSkipped:
		return true
	case types.EventTypeLog:
		return false
	case types.EventTypeJobStarted, types.EventTypeJobCompleted, types.EventTypeJobFailed:
		return false // job-level types never apply to nodes
	}
	return false
}
