package graphcheck

import (
	"testing"

	"github.com/lightningloop/invene/pkg/types"
)

func validGraph() *types.TaskGraph {
	return &types.TaskGraph{
		GraphID:     "g1",
		UserRequest: "build the thing",
		Nodes: []types.TaskNode{
			{ID: "n1", Title: "Plan", Kind: types.NodeKindPlanning, Objective: "plan the work"},
			{ID: "n2", Title: "Build", Kind: types.NodeKindExecution, Objective: "do the work", Dependencies: []string{"n1"}},
		},
		Edges: []types.TaskEdge{
			{From: "n1", To: "n2", Kind: types.EdgeKindDependsOn},
		},
	}
}

func TestValidate_AcceptsWellFormedGraph(t *testing.T) {
	checker, err := New()
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	res := checker.Validate(validGraph())
	if !res.Valid {
		t.Fatalf("expected valid, got errors %+v", res.Errors)
	}
	if res.Err() != nil {
		t.Errorf("Err() must be nil for a valid graph")
	}
}

func TestValidate_RejectsMissingRequiredFields(t *testing.T) {
	checker, err := New()
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	g := validGraph()
	g.Nodes[0].Title = ""

	res := checker.Validate(g)
	if res.Valid {
		t.Fatal("empty title must fail validation")
	}
	if res.Err() == nil {
		t.Error("Err() must be non-nil for an invalid graph")
	}
}

func TestValidate_RejectsUnknownNodeType(t *testing.T) {
	checker, err := New()
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	res := checker.ValidateJSON([]byte(`{
		"nodes": [
			{"node_id": "n1", "title": "X", "node_type": "mystery", "objective": "do"}
		]
	}`))
	if res.Valid {
		t.Fatal("unknown node_type must fail validation")
	}
}

func TestValidate_EmptyNodesRejected(t *testing.T) {
	checker, err := New()
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	res := checker.ValidateJSON([]byte(`{"nodes": []}`))
	if res.Valid {
		t.Fatal("a graph without nodes must fail validation")
	}
}

func TestValidate_CyclesAreNotASchemaConcern(t *testing.T) {
	checker, err := New()
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	g := &types.TaskGraph{
		Nodes: []types.TaskNode{
			{ID: "a", Title: "A", Kind: types.NodeKindExecution, Objective: "x", Dependencies: []string{"b"}},
			{ID: "b", Title: "B", Kind: types.NodeKindExecution, Objective: "y", Dependencies: []string{"a"}},
		},
	}

	if res := checker.Validate(g); !res.Valid {
		t.Fatalf("cyclic dependencies are handled downstream, got %+v", res.Errors)
	}
}

func TestValidateJSON_MalformedInput(t *testing.T) {
	checker, err := New()
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	if res := checker.ValidateJSON([]byte(`{broken`)); res.Valid {
		t.Fatal("malformed JSON must fail validation")
	}
}
