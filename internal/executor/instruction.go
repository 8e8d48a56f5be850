package executor

import (
	"encoding/json"
	"strings"

	"github.com/lightningloop/invene/pkg/types"
)

// BuildInstruction assembles the agent-loop prompt for a node: the
// objective followed by formatted constraint and success-check blocks.
func BuildInstruction(node types.TaskNode) string {
	var b strings.Builder

	b.WriteString("# Task: ")
	b.WriteString(node.Title)
	b.WriteString("\n\n")

	if node.Objective != "" {
		b.WriteString("**Objective:** ")
		b.WriteString(node.Objective)
		b.WriteString("\n\n")
	}

	writeBlock(&b, "Constraints", node.Constraints)
	writeBlock(&b, "Success Criteria", node.SuccessChecks)

	return strings.TrimRight(b.String(), "\n")
}

func writeBlock(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("**")
	b.WriteString(heading)
	b.WriteString(":**\n")
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

// nodePayload is the JSON document handed to a subprocess agent as its
// single argument.
type nodePayload struct {
	NodeID        string   `json:"node_id"`
	Title         string   `json:"title"`
	Objective     string   `json:"objective"`
	Constraints   []string `json:"constraints,omitempty"`
	SuccessChecks []string `json:"success_criteria,omitempty"`
	DocRefs       []string `json:"doc_refs,omitempty"`
	Instruction   string   `json:"instruction"`
	MaxIterations int      `json:"estimated_iterations"`
}

func encodeNodePayload(node types.TaskNode, maxIterations int) string {
	p := nodePayload{
		NodeID:        node.ID,
		Title:         node.Title,
		Objective:     node.Objective,
		Constraints:   node.Constraints,
		SuccessChecks: node.SuccessChecks,
		DocRefs:       node.DocRefs,
		Instruction:   BuildInstruction(node),
		MaxIterations: maxIterations,
	}
	out, _ := json.Marshal(p)
	return string(out)
}
