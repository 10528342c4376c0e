package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// validateGraph reports nodes unreachable from the entry node and cycles that
// can be walked without pausing for the contact. Both are warnings: such
// flows still run, and the controller's step ceiling ends runaway loops.
func validateGraph(flow *schema.Flow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	adj := make(map[string][]string, len(flow.Nodes))
	for _, n := range flow.Nodes {
		for _, c := range n.Connections {
			adj[n.ID] = append(adj[n.ID], c.TargetNodeID)
		}
	}

	reachable := reachableFrom(flow.EntryNodeID, adj)
	for i, n := range flow.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from entry node %q", n.ID, flow.EntryNodeID))
		}
	}

	if cyclic := busyCycleNodes(flow); len(cyclic) > 0 {
		result.AddWarning("nodes", schema.ErrCodeCycleDetected,
			fmt.Sprintf("cycle never waits for input: %s", strings.Join(cyclic, ", ")))
	}

	return result
}

// reachableFrom does a BFS over adj starting at entry.
func reachableFrom(entry string, adj map[string][]string) map[string]bool {
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// haltsStep reports whether executing the node ends the current event's
// walk: questions and positive delays wait, transfers hand off.
func haltsStep(n *schema.Node) bool {
	switch n.Type {
	case schema.NodeTypeQuestion, schema.NodeTypeTransfer:
		return true
	case schema.NodeTypeDelay:
		return n.Data.DelaySeconds > 0
	}
	return false
}

// busyCycleNodes runs Kahn's algorithm over the edges leaving non-halting
// nodes. Nodes left with a positive in-degree sit on, or downstream of, a
// cycle that one event could loop through forever. Only the nodes that are
// themselves on such a cycle are returned, sorted.
func busyCycleNodes(flow *schema.Flow) []string {
	inDegree := make(map[string]int, len(flow.Nodes))
	adj := make(map[string][]string, len(flow.Nodes))
	for i := range flow.Nodes {
		n := &flow.Nodes[i]
		if _, ok := inDegree[n.ID]; !ok {
			inDegree[n.ID] = 0
		}
		if haltsStep(n) {
			continue
		}
		for _, c := range n.Connections {
			adj[n.ID] = append(adj[n.ID], c.TargetNodeID)
			inDegree[c.TargetNodeID]++
		}
	}

	queue := make([]string, 0, len(inDegree))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	remaining := make(map[string]bool)
	for id, deg := range inDegree {
		if deg > 0 {
			remaining[id] = true
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	// Peel nodes that only lead out of the cycle.
	for changed := true; changed; {
		changed = false
		for id := range remaining {
			onCycle := false
			for _, next := range adj[id] {
				if remaining[next] {
					onCycle = true
					break
				}
			}
			if !onCycle {
				delete(remaining, id)
				changed = true
			}
		}
	}

	out := make([]string, 0, len(remaining))
	for id := range remaining {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
