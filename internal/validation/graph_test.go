package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

func node(id string, typ schema.NodeType, targets ...string) schema.Node {
	n := schema.Node{ID: id, Type: typ}
	for _, t := range targets {
		n.Connections = append(n.Connections, schema.Connection{TargetNodeID: t})
	}
	return n
}

func graphFlow(entry string, nodes ...schema.Node) *schema.Flow {
	return &schema.Flow{ID: "g", Name: "g", TriggerType: schema.TriggerFirstMessage, EntryNodeID: entry, Nodes: nodes}
}

func warningCodes(r *schema.ValidationResult) []string {
	codes := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		codes = append(codes, w.Code)
	}
	return codes
}

func TestValidateGraph_Linear(t *testing.T) {
	r := validateGraph(graphFlow("a",
		node("a", schema.NodeTypeMessage, "b"),
		node("b", schema.NodeTypeMessage, "c"),
		node("c", schema.NodeTypeMessage),
	))
	assert.True(t, r.Valid())
	assert.Empty(t, r.Warnings)
}

func TestValidateGraph_Unreachable(t *testing.T) {
	r := validateGraph(graphFlow("a",
		node("a", schema.NodeTypeMessage),
		node("orphan", schema.NodeTypeMessage),
	))
	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "nodes[1]", r.Warnings[0].Path)
	assert.Contains(t, r.Warnings[0].Message, "orphan")
}

func TestValidateGraph_BusyCycle(t *testing.T) {
	r := validateGraph(graphFlow("a",
		node("a", schema.NodeTypeMessage, "b"),
		node("b", schema.NodeTypeCondition, "c", "d"),
		node("c", schema.NodeTypeMessage, "b"),
		node("d", schema.NodeTypeMessage),
	))
	assert.True(t, r.Valid(), "cycles are warnings")
	assert.Contains(t, warningCodes(r), schema.ErrCodeCycleDetected)
	assert.Equal(t, []string{"b", "c"}, busyCycleNodes(graphFlow("a",
		node("a", schema.NodeTypeMessage, "b"),
		node("b", schema.NodeTypeCondition, "c", "d"),
		node("c", schema.NodeTypeMessage, "b"),
		node("d", schema.NodeTypeMessage),
	)))
}

func TestValidateGraph_SelfLoop(t *testing.T) {
	assert.Equal(t, []string{"a"}, busyCycleNodes(graphFlow("a",
		node("a", schema.NodeTypeMessage, "a", "b"),
		node("b", schema.NodeTypeMessage),
	)))
}

func TestValidateGraph_CycleThroughQuestionIsFine(t *testing.T) {
	r := validateGraph(graphFlow("ask",
		node("ask", schema.NodeTypeQuestion, "check"),
		node("check", schema.NodeTypeCondition, "ask", "done"),
		node("done", schema.NodeTypeMessage),
	))
	assert.Empty(t, r.Warnings)
}

func TestValidateGraph_DelayBreaksCycleOnlyWhenPositive(t *testing.T) {
	waiting := node("wait", schema.NodeTypeDelay, "poll")
	waiting.Data.DelaySeconds = 60
	assert.Empty(t, busyCycleNodes(graphFlow("poll",
		node("poll", schema.NodeTypeAction, "wait"),
		waiting,
	)))

	instant := node("wait", schema.NodeTypeDelay, "poll")
	assert.Equal(t, []string{"poll", "wait"}, busyCycleNodes(graphFlow("poll",
		node("poll", schema.NodeTypeAction, "wait"),
		instant,
	)))
}
