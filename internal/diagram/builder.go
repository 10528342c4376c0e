package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

const maxSummaryLen = 40

// Build constructs a DiagramModel from a flow. When exec is non-nil the nodes
// carry a status overlay computed from exec and its log entries.
func Build(flow *schema.Flow, exec *schema.Execution, logs []*schema.LogEntry) (*DiagramModel, error) {
	if flow == nil {
		return nil, fmt.Errorf("diagram: nil flow")
	}
	if flow.EntryNodeID != "" && flow.Node(flow.EntryNodeID) == nil {
		return nil, fmt.Errorf("diagram: entry node %q does not exist", flow.EntryNodeID)
	}

	model := &DiagramModel{Title: title(flow, exec)}
	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start\n" + triggerSummary(flow), Kind: NodeKindStart})
	for i := range flow.Nodes {
		n := &flow.Nodes[i]
		model.Nodes = append(model.Nodes, &Node{
			ID:    n.ID,
			Label: n.ID + "\n" + summary(n),
			Kind:  NodeKind(n.Type),
		})
	}
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	model.Edges = buildEdges(flow)
	model.Levels = buildLevels(model)

	if exec != nil {
		overlay(model, exec, logs)
	}
	return model, nil
}

func buildEdges(flow *schema.Flow) []Edge {
	var edges []Edge
	if flow.EntryNodeID != "" {
		edges = append(edges, Edge{From: StartID, To: flow.EntryNodeID})
	}
	for _, n := range flow.Nodes {
		if len(n.Connections) == 0 {
			edges = append(edges, Edge{From: n.ID, To: EndID})
			continue
		}
		for _, c := range n.Connections {
			if flow.Node(c.TargetNodeID) == nil {
				continue
			}
			edges = append(edges, Edge{From: n.ID, To: c.TargetNodeID, Label: edgeLabel(c)})
		}
	}
	return edges
}

func edgeLabel(c schema.Connection) string {
	switch {
	case c.Label != "":
		return c.Label
	case c.Condition != "":
		return fmt.Sprintf("%q", c.Condition)
	default:
		return ""
	}
}

// buildLevels groups nodes by breadth-first distance from the start node.
// Nodes the start cannot reach share one level before the end node.
func buildLevels(model *DiagramModel) [][]string {
	adj := make(map[string][]string)
	for _, e := range model.Edges {
		if e.To == EndID {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	depth := map[string]int{StartID: 0}
	queue := []string{StartID}
	var levels [][]string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		d := depth[id]
		if d == len(levels) {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
		for _, next := range adj[id] {
			if _, seen := depth[next]; !seen {
				depth[next] = d + 1
				queue = append(queue, next)
			}
		}
	}

	var orphans []string
	for _, n := range model.Nodes {
		if _, seen := depth[n.ID]; !seen && n.ID != EndID {
			orphans = append(orphans, n.ID)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return append(levels, []string{EndID})
}

// overlay marks visited nodes from the log and the node the execution is on.
func overlay(model *DiagramModel, exec *schema.Execution, logs []*schema.LogEntry) {
	for _, entry := range logs {
		n := model.node(entry.NodeID)
		if n == nil {
			continue
		}
		if n.Status == nil {
			n.Status = &StatusOverlay{Status: StatusExecuted}
		}
		n.Status.Visits++
		n.Status.DurationMs += entry.DurationMs
		if entry.Action == schema.LogFailed || entry.Action == schema.LogError {
			n.Status.Status = StatusFailed
		}
	}

	n := model.node(exec.CurrentNodeID)
	if n == nil {
		return
	}
	if n.Status == nil {
		n.Status = &StatusOverlay{}
	}
	switch exec.Status {
	case schema.ExecutionRunning:
		n.Status.Status = StatusCurrent
	case schema.ExecutionPaused:
		n.Status.Status = StatusPaused
	case schema.ExecutionFailed:
		n.Status.Status = StatusFailed
	}
	if n.Status.Status == "" {
		n.Status.Status = StatusExecuted
	}
}

func title(flow *schema.Flow, exec *schema.Execution) string {
	name := flow.Name
	if name == "" {
		name = flow.ID
	}
	if exec == nil {
		return name
	}
	return fmt.Sprintf("%s (execution %s, %s)", name, exec.ID, exec.Status)
}

func triggerSummary(flow *schema.Flow) string {
	if flow.TriggerValue == "" {
		return string(flow.TriggerType)
	}
	return truncate(fmt.Sprintf("%s: %s", flow.TriggerType, flow.TriggerValue))
}

// summary describes what a node does in a few words.
func summary(n *schema.Node) string {
	d := n.Data
	switch n.Type {
	case schema.NodeTypeMessage:
		return truncate(d.Message)
	case schema.NodeTypeQuestion:
		return truncate(fmt.Sprintf("%s -> %s", d.Question, d.VariableName))
	case schema.NodeTypeCondition:
		if d.Condition == nil {
			return ""
		}
		if d.Condition.Operator == "expression" {
			return truncate(fmt.Sprint(d.Condition.Value))
		}
		if d.Condition.Value == nil {
			return truncate(d.Condition.Variable + " " + d.Condition.Operator)
		}
		return truncate(fmt.Sprintf("%s %s %v", d.Condition.Variable, d.Condition.Operator, d.Condition.Value))
	case schema.NodeTypeAction:
		return d.ActionType
	case schema.NodeTypeDelay:
		return fmt.Sprintf("wait %ds", d.DelaySeconds)
	case schema.NodeTypeTransfer:
		target := d.DepartmentID
		if d.AgentID != "" {
			target = "agent " + d.AgentID
		}
		return truncate("to " + target)
	default:
		return string(n.Type)
	}
}

func truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxSummaryLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxSummaryLen-3]) + "..."
}
