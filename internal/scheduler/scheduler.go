// Package scheduler linearizes a task graph into a serial execution order.
package scheduler

import (
	"github.com/lightningloop/invene/pkg/types"
)

// Order converts a task graph into a total execution order honoring
// depends_on edges and each node's own dependency list.
//
// Kahn's algorithm with deterministic tie-breaking: nodes enter the ready
// queue in the order they are discovered, and whenever several nodes become
// ready at once the original graph array order wins. Nodes that never reach
// zero in-degree (members of a cycle, self-dependencies, or dependencies on
// IDs absent from the graph) are appended after all orderable nodes in
// original array order. No node is ever dropped.
func Order(nodes []types.TaskNode, edges []types.TaskEdge) []types.TaskNode {
	position := make(map[string]int, len(nodes))
	for i, n := range nodes {
		// First occurrence wins if an ID repeats.
		if _, ok := position[n.ID]; !ok {
			position[n.ID] = i
		}
	}

	// Predecessor sets, deduplicated across explicit edges and the node's
	// own dependency list so duplicates never double-count in-degree.
	// Dependencies on unknown IDs (and on the node itself) are counted but
	// never resolve, which pushes the node into the unorderable tail.
	preds := make(map[string]map[string]struct{}, len(nodes))
	for _, n := range nodes {
		preds[n.ID] = make(map[string]struct{})
	}
	addPred := func(node, dep string) {
		if set, ok := preds[node]; ok {
			set[dep] = struct{}{}
		}
	}
	for _, e := range edges {
		if e.Kind != types.EdgeKindDependsOn {
			continue
		}
		addPred(e.To, e.From)
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			addPred(n.ID, dep)
		}
	}

	// Dependents adjacency, kept in original array order so that newly
	// ready nodes are discovered deterministically.
	dependents := make(map[string][]string, len(nodes))
	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = len(preds[n.ID])
	}
	for _, n := range nodes {
		for dep := range preds[n.ID] {
			if _, known := position[dep]; known && dep != n.ID {
				dependents[dep] = append(dependents[dep], n.ID)
			}
		}
	}
	for dep := range dependents {
		sortByPosition(dependents[dep], position)
	}

	var ready []string
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	ordered := make([]types.TaskNode, 0, len(nodes))
	placed := make(map[string]bool, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		if placed[id] {
			continue
		}
		placed[id] = true
		ordered = append(ordered, nodes[position[id]])

		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	// Unorderable remainder: cyclic members and nodes with missing or
	// self dependencies, appended in original order rather than dropped.
	for _, n := range nodes {
		if !placed[n.ID] {
			placed[n.ID] = true
			ordered = append(ordered, n)
		}
	}

	return ordered
}

func sortByPosition(ids []string, position map[string]int) {
	// Insertion sort; dependent lists are small.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && position[ids[j]] < position[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
