package diagram

// NodeKind classifies a diagram node by its flow node type.
type NodeKind string

const (
	NodeKindMessage   NodeKind = "message"
	NodeKindQuestion  NodeKind = "question"
	NodeKindCondition NodeKind = "condition"
	NodeKindAction    NodeKind = "action"
	NodeKindDelay     NodeKind = "delay"
	NodeKindTransfer  NodeKind = "transfer"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Overlay statuses derived from an execution and its log.
const (
	StatusExecuted = "executed"
	StatusFailed   = "failed"
	StatusCurrent  = "current"
	StatusPaused   = "paused"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // node ids grouped by distance from the start node
}

// Node represents a single flow node in the diagram.
type Node struct {
	ID     string
	Label  string // first line is the node id, second a short summary
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string
	Visits     int
	DurationMs int64
}

// Edge represents a connection between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
