package types

import (
	"time"
)

// EventType categorizes an execution event. Node lifecycle types carry a
// node_id; job lifecycle types do not.
type EventType string

const (
	// Node lifecycle
	EventTypeQueued   EventType = "queued"
	EventTypeRunning  EventType = "running"
	EventTypeProgress EventType = "progress"
	EventTypeDone     EventType = "done"
	EventTypeFailed   EventType = "failed"
	EventTypeBlocked  EventType = "blocked"
	EventTypeSkipped  EventType = "skipped"

	// Log output forwarded from an agent process. Carries a message but
	// never changes a node's lifecycle status.
	EventTypeLog EventType = "log"

	// Job lifecycle
	EventTypeJobStarted   EventType = "job_started"
	EventTypeJobCompleted EventType = "job_completed"
	EventTypeJobFailed    EventType = "job_failed"
)

// Stream frame sentinels. These appear on the SSE wire but are never
// stored as execution events.
const (
	FrameTypeHeartbeat = "heartbeat"
	FrameTypeStreamEnd = "stream_end"
)

// JobLevel reports whether the type describes the job rather than a node.
func (t EventType) JobLevel() bool {
	switch t {
	case EventTypeJobStarted, EventTypeJobCompleted, EventTypeJobFailed:
		return true
	}
	return false
}

// TerminalNode reports whether the type ends a node's lifecycle.
func (t EventType) TerminalNode() bool {
	switch t {
	case EventTypeDone, EventTypeFailed, EventTypeBlocked, EventTypeSkipped:
		return true
	}
	return false
}

// Artifact references content produced by a node.
type Artifact struct {
	Type       string `json:"type"`
	ContentRef string `json:"content_ref"`
}

// Metrics summarize the cost of executing a node.
type Metrics struct {
	DurationMs     int64 `json:"duration_ms,omitempty"`
	IterationsUsed int   `json:"iterations_used,omitempty"`
	TokenEstimate  int64 `json:"token_estimate,omitempty"`
}

// ExecutionEvent is one entry in the relay's append-only, ID-ordered event
// log. Once assigned an event_id its content is immutable; observers
// reconstruct all state from this stream.
type ExecutionEvent struct {
	EventID   int64      `json:"event_id"`
	GraphID   string     `json:"graph_id"`
	NodeID    string     `json:"node_id,omitempty"`
	Type      EventType  `json:"event_type"`
	Timestamp time.Time  `json:"timestamp"`
	Message   string     `json:"message,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Metrics   *Metrics   `json:"metrics,omitempty"`
}

// EventInput is an event before the relay assigns it an ID. The
// orchestrator never assigns event IDs itself.
type EventInput struct {
	GraphID   string     `json:"graph_id"`
	NodeID    string     `json:"node_id,omitempty"`
	Type      EventType  `json:"event_type"`
	Message   string     `json:"message,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Metrics   *Metrics   `json:"metrics,omitempty"`
}
