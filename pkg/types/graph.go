// Package types provides the shared wire types exchanged with the relay.
package types

import (
	"time"
)

// NodeKind categorizes what a task node does.
type NodeKind string

const (
	NodeKindPlanning   NodeKind = "planning"
	NodeKindExecution  NodeKind = "execution"
	NodeKindValidation NodeKind = "validation"
	NodeKindDocIndex   NodeKind = "doc_index"
	NodeKindMemory     NodeKind = "memory"
	NodeKindOutput     NodeKind = "output"
)

// EdgeKind categorizes an edge in the task graph. Only depends_on edges
// participate in execution ordering; the other kinds are display-only.
type EdgeKind string

const (
	EdgeKindDependsOn        EdgeKind = "depends_on"
	EdgeKindUsesDoc          EdgeKind = "uses_doc"
	EdgeKindProducesArtifact EdgeKind = "produces_artifact"
)

// TaskNode is one unit of work in a task graph, executed by a single
// agent-loop invocation.
type TaskNode struct {
	ID            string   `json:"node_id"`
	Title         string   `json:"title"`
	Kind          NodeKind `json:"node_type"`
	Objective     string   `json:"objective"`
	Constraints   []string `json:"constraints,omitempty"`
	SuccessChecks []string `json:"success_checks,omitempty"`
	DocRefs       []string `json:"doc_refs,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Profile       string   `json:"ralph_profile,omitempty"`
}

// TaskEdge connects two nodes in the task graph.
type TaskEdge struct {
	From string   `json:"from_node_id"`
	To   string   `json:"to_node_id"`
	Kind EdgeKind `json:"edge_type"`
}

// SliderPreset echoes the tuning parameters the graph was generated with.
type SliderPreset struct {
	Verbosity     string `json:"verbosity,omitempty"`
	Autonomy      string `json:"autonomy,omitempty"`
	RiskTolerance string `json:"risk_tolerance,omitempty"`
}

// TaskGraph is the immutable decomposition of a user request. It is created
// once by the interpreter; the orchestrator only reads it.
type TaskGraph struct {
	GraphID      string                 `json:"graph_id"`
	CreatedAt    time.Time              `json:"created_at"`
	UserRequest  string                 `json:"user_request"`
	SliderPreset SliderPreset           `json:"slider_preset,omitempty"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`
	Nodes        []TaskNode             `json:"nodes"`
	Edges        []TaskEdge             `json:"edges,omitempty"`
}

// Node returns the node with the given ID, or nil.
func (g *TaskGraph) Node(id string) *TaskNode {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}
