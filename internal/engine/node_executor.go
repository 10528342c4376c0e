package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kapixcr/Kapchat-sub000/internal/actions"
	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// NodeResult is the outcome of executing one node.
type NodeResult struct {
	Success      bool
	NextNodeID   string
	ResponseText string
	ShouldWait   bool
	ResumeAt     *time.Time
	Handoff      bool
	Err          error
	// Warning is a soft failure: the node succeeded but the log records an error.
	Warning error
	// Output is the summary written to the execution log.
	Output map[string]any
}

// NodeExecutor runs a single node against an execution's variables.
type NodeExecutor struct {
	actions    actions.ActionRegistry
	conditions *expressions.ConditionEvaluator
	state      actions.ConversationState
	now        func() time.Time
}

// NewNodeExecutor creates a node executor. state receives handoff requests
// from transfer nodes and may be nil.
func NewNodeExecutor(registry actions.ActionRegistry, conditions *expressions.ConditionEvaluator, state actions.ConversationState) *NodeExecutor {
	if conditions == nil {
		conditions = expressions.NewConditionEvaluator(expressions.NewExprEngine())
	}
	return &NodeExecutor{
		actions:    registry,
		conditions: conditions,
		state:      state,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs node. Variables written by the node are applied to
// exec.Variables in place; nothing is persisted here.
func (x *NodeExecutor) Execute(ctx context.Context, node *schema.Node, exec *schema.Execution) NodeResult {
	if exec.Variables == nil {
		exec.Variables = make(map[string]any)
	}
	scope := scopeOf(exec)

	switch node.Type {
	case schema.NodeTypeMessage:
		text := expressions.Interpolate(node.Data.Message, scope)
		return NodeResult{Success: true, ResponseText: text, Output: map[string]any{"text": text}}

	case schema.NodeTypeQuestion:
		text := expressions.Interpolate(node.Data.Question, scope)
		return NodeResult{Success: true, ResponseText: text, ShouldWait: true, Output: map[string]any{"text": text}}

	case schema.NodeTypeCondition:
		return x.executeCondition(ctx, node, exec)

	case schema.NodeTypeAction:
		return x.executeAction(ctx, node, exec, scope)

	case schema.NodeTypeDelay:
		if node.Data.DelaySeconds <= 0 {
			return NodeResult{Success: true, Output: map[string]any{"delay_seconds": node.Data.DelaySeconds}}
		}
		at := x.now().Add(time.Duration(node.Data.DelaySeconds) * time.Second)
		return NodeResult{Success: true, ResumeAt: &at, Output: map[string]any{
			"delay_seconds": node.Data.DelaySeconds,
			"resume_at":     at.Format(time.RFC3339),
		}}

	case schema.NodeTypeTransfer:
		return x.executeTransfer(ctx, node, exec, scope)

	default:
		return failed(schema.NewErrorf(schema.ErrCodeUnknownNodeType, "unknown node type %q", node.Type).WithNode(node.ID))
	}
}

func (x *NodeExecutor) executeCondition(ctx context.Context, node *schema.Node, exec *schema.Execution) NodeResult {
	result, err := x.conditions.Evaluate(ctx, node.Data.Condition, exec.Variables)
	if err != nil {
		return failed(nodeErr(err, node.ID))
	}

	label := "false"
	if result {
		label = "true"
	}
	var next string
	for _, conn := range node.Connections {
		if strings.EqualFold(strings.TrimSpace(conn.Label), label) {
			next = conn.TargetNodeID
			break
		}
	}
	if next == "" && len(node.Connections) > 0 {
		next = node.Connections[0].TargetNodeID
	}
	return NodeResult{Success: true, NextNodeID: next, Output: map[string]any{"result": result, "next_node_id": next}}
}

func (x *NodeExecutor) executeAction(ctx context.Context, node *schema.Node, exec *schema.Execution, scope expressions.Scope) NodeResult {
	if x.actions == nil {
		return failed(schema.NewError(schema.ErrCodeNodeExecution, "no action registry configured").WithNode(node.ID))
	}
	action, err := x.actions.Get(node.Data.ActionType)
	if err != nil {
		return failed(nodeErr(err, node.ID))
	}

	out, err := action.Execute(ctx, actions.ActionInput{
		ConversationID: exec.ConversationID,
		Node:           actions.NodeRef{ID: node.ID, AgentID: node.Data.AgentID, DepartmentID: node.Data.DepartmentID},
		Config:         node.Data.ActionConfig,
		Scope:          scope,
	})
	if err != nil {
		return failed(nodeErr(err, node.ID))
	}

	res := NodeResult{Success: true, Output: map[string]any{"action_type": node.Data.ActionType}}
	if out == nil {
		return res
	}
	for k, v := range out.Set {
		exec.Variables[k] = v
	}
	for k, v := range out.Data {
		res.Output[k] = v
	}
	if out.SoftError != nil {
		res.Warning = out.SoftError
		res.Output["error"] = out.SoftError.Error()
	}
	return res
}

func (x *NodeExecutor) executeTransfer(ctx context.Context, node *schema.Node, exec *schema.Execution, scope expressions.Scope) NodeResult {
	text := expressions.Interpolate(node.Data.TransferMessage, scope)
	if x.state != nil {
		if err := x.state.RequestHandoff(ctx, exec.ConversationID, node.Data.DepartmentID, node.Data.AgentID); err != nil {
			return failed(schema.NewError(schema.ErrCodeNodeExecution, "handoff request failed").WithNode(node.ID).WithCause(err))
		}
	}
	return NodeResult{Success: true, ResponseText: text, Handoff: true, Output: map[string]any{
		"text":          text,
		"department_id": node.Data.DepartmentID,
		"agent_id":      node.Data.AgentID,
	}}
}

func failed(err error) NodeResult {
	return NodeResult{Success: false, Err: err, Output: map[string]any{"error": err.Error()}}
}

// nodeErr tags err with the node id, wrapping non-structured errors.
func nodeErr(err error, nodeID string) error {
	var ke *schema.KapchatError
	if errors.As(err, &ke) {
		if ke.NodeID == "" {
			ke.NodeID = nodeID
		}
		return ke
	}
	return schema.NewError(schema.ErrCodeNodeExecution, err.Error()).WithNode(nodeID).WithCause(err)
}

func scopeOf(exec *schema.Execution) expressions.Scope {
	return expressions.Scope{
		ContactName: exec.ContactName,
		Phone:       exec.Phone,
		Variables:   exec.Variables,
	}
}
