package engine

import (
	"github.com/defiflow/defiflow/types"
)

// DeployOrder computes the topological execution order for the one-time
// deploy phase. Periodic nodes and edges touching them are excluded; they
// run on the cron schedule instead (and may form cycles there).
//
// Returns a TopologyError if the restricted subgraph contains a cycle —
// the upstream validator should have ruled that out, so nodes are never
// silently dropped.
func DeployOrder(workflow *types.Workflow) ([]string, error) {
	periodic := make(map[string]bool)
	for _, node := range workflow.Nodes {
		if node.Periodic() {
			periodic[node.ID()] = true
		}
	}

	retained := make([]string, 0, len(workflow.Nodes))
	indegree := make(map[string]int)
	for _, node := range workflow.Nodes {
		if !periodic[node.ID()] {
			retained = append(retained, node.ID())
			indegree[node.ID()] = 0
		}
	}

	successors := make(map[string][]string)
	for _, edge := range workflow.Edges {
		if periodic[edge.FromNode] || periodic[edge.ToNode] {
			continue
		}
		if _, ok := indegree[edge.FromNode]; !ok {
			continue
		}
		if _, ok := indegree[edge.ToNode]; !ok {
			continue
		}
		successors[edge.FromNode] = append(successors[edge.FromNode], edge.ToNode)
		indegree[edge.ToNode]++
	}

	// Kahn's algorithm, seeded in workflow declaration order so the
	// result is deterministic.
	queue := make([]string, 0, len(retained))
	for _, id := range retained {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(retained))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(retained) {
		return nil, types.NewTopologyErrorf(
			"cycle among non-periodic nodes: ordered %d of %d", len(order), len(retained))
	}
	return order, nil
}
