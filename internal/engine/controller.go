package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kapixcr/Kapchat-sub000/internal/cache"
	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// DefaultMaxStepsPerEvent bounds how many nodes one inbound event may execute.
const DefaultMaxStepsPerEvent = 50

// defaultResponseVariable receives a question's answer when the node names none.
const defaultResponseVariable = "response"

// ControllerConfig holds tunables for the flow controller.
type ControllerConfig struct {
	MaxStepsPerEvent int
}

// Controller moves executions through their flow graph.
type Controller struct {
	store    store.Store
	nodes    *NodeExecutor
	sender   MessageSender
	cache    cache.ExecutionCache
	fsm      *ExecutionFSM
	logger   *slog.Logger
	maxSteps int
	now      func() time.Time
	newID    func() string
}

// NewController wires a controller. sender and c may be nil.
func NewController(s store.Store, nodes *NodeExecutor, sender MessageSender, c cache.ExecutionCache, logger *slog.Logger, cfg ControllerConfig) *Controller {
	if c == nil {
		c = cache.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxStepsPerEvent <= 0 {
		cfg.MaxStepsPerEvent = DefaultMaxStepsPerEvent
	}
	ctl := &Controller{
		store:    s,
		nodes:    nodes,
		sender:   sender,
		cache:    c,
		fsm:      NewExecutionFSM(),
		logger:   logger,
		maxSteps: cfg.MaxStepsPerEvent,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	evict := func(ctx context.Context, exec *schema.Execution, _ schema.ExecutionStatus) {
		ctl.cache.Invalidate(ctx, exec.ConversationID, exec.ID)
	}
	for _, st := range []schema.ExecutionStatus{schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionPaused} {
		ctl.fsm.OnAfter(st, evict)
	}
	return ctl
}

// FSM exposes the controller's state machine so callers can add hooks.
func (c *Controller) FSM() *ExecutionFSM { return c.fsm }

// StartFlow creates a running execution of flow for msg's conversation and
// drives it from the entry node. It fails with ALREADY_RUNNING when the
// conversation already has a running execution.
func (c *Controller) StartFlow(ctx context.Context, flow *schema.Flow, msg schema.MessageContext, vars map[string]any) (*schema.Execution, error) {
	entry := flow.Node(flow.EntryNodeID)
	if entry == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"flow %q: entry node %q does not exist", flow.ID, flow.EntryNodeID)
	}

	variables := map[string]any{
		"contact_name":    msg.ContactName,
		"phone":           msg.Phone,
		"conversation_id": msg.ConversationID,
		"message":         msg.MessageText,
	}
	for k, v := range vars {
		variables[k] = v
	}

	now := c.now()
	exec := &schema.Execution{
		ID:             c.newID(),
		FlowID:         flow.ID,
		ConversationID: msg.ConversationID,
		Phone:          msg.Phone,
		ContactName:    msg.ContactName,
		CurrentNodeID:  entry.ID,
		Variables:      variables,
		Status:         schema.ExecutionRunning,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	c.cache.Put(ctx, exec.ConversationID, exec.ID)

	ctx = logging.WithExecutionID(ctx, exec.ID)
	logging.LogWith(ctx, c.logger).Info("flow started", "flow_id", flow.ID, "entry_node_id", entry.ID)

	return exec, c.drive(ctx, flow, exec, entry.ID)
}

// ContinueFlow feeds an inbound message to the conversation's running
// execution. It returns nil when there is no running execution.
func (c *Controller) ContinueFlow(ctx context.Context, msg schema.MessageContext) (*schema.Execution, error) {
	exec, err := c.RunningExecution(ctx, msg.ConversationID)
	if err != nil || exec == nil {
		return nil, err
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)
	logger := logging.LogWith(ctx, c.logger)

	if exec.Waiting() {
		logger.Debug("execution is waiting on a delay, message ignored", "resume_at", exec.ResumeAt)
		return exec, nil
	}

	flow, err := c.loadFlow(ctx, exec)
	if err != nil || flow == nil {
		return exec, err
	}

	node := flow.Node(exec.CurrentNodeID)
	if node == nil || node.Type != schema.NodeTypeQuestion {
		logger.Warn("message received while execution is not at a question, ignored",
			"current_node_id", exec.CurrentNodeID)
		return exec, nil
	}

	varName := node.Data.VariableName
	if varName == "" {
		varName = defaultResponseVariable
	}
	if exec.Variables == nil {
		exec.Variables = make(map[string]any)
	}
	exec.Variables[varName] = msg.MessageText

	target := answerTarget(node, msg.MessageText)
	if target == "" {
		return exec, c.EndExecution(ctx, exec, schema.ExecutionCompleted, "")
	}
	return exec, c.drive(ctx, flow, exec, target)
}

// ResumeDelayed wakes an execution parked on a delay node once its resume
// time has passed. Anything else is left untouched.
func (c *Controller) ResumeDelayed(ctx context.Context, executionID string) (*schema.Execution, error) {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionRunning || exec.ResumeAt == nil || exec.ResumeAt.After(c.now()) {
		return exec, nil
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)

	flow, err := c.loadFlow(ctx, exec)
	if err != nil || flow == nil {
		return exec, err
	}
	node := flow.Node(exec.CurrentNodeID)
	if node == nil {
		return exec, c.EndExecution(ctx, exec, schema.ExecutionFailed,
			fmt.Sprintf("node %q not found in flow %q", exec.CurrentNodeID, flow.ID))
	}

	// Claim the wakeup first so a concurrent resume loses the CAS.
	exec.ResumeAt = nil
	if err := c.store.UpdateExecution(ctx, exec); err != nil {
		return exec, err
	}
	logging.LogWith(ctx, c.logger).Info("delay elapsed, resuming", "node_id", node.ID)

	next, done, err := c.advance(ctx, exec, node)
	if err != nil || done {
		return exec, err
	}
	return exec, c.drive(ctx, flow, exec, next)
}

// EndExecution moves exec into a terminal status and persists it.
func (c *Controller) EndExecution(ctx context.Context, exec *schema.Execution, status schema.ExecutionStatus, message string) error {
	err := c.fsm.Transition(ctx, exec, status, message, func(e *schema.Execution) error {
		return c.store.UpdateExecution(ctx, e)
	})
	if err != nil {
		return err
	}
	logger := logging.LogWith(ctx, c.logger)
	if status == schema.ExecutionFailed {
		logger.Warn("execution failed", "error", message)
	} else {
		logger.Info("execution ended", "status", string(status))
	}
	return nil
}

// RunningExecution returns the conversation's running execution, or nil.
// Cache hits are re-read from the store and dropped if no longer valid.
func (c *Controller) RunningExecution(ctx context.Context, conversationID string) (*schema.Execution, error) {
	if id, ok := c.cache.Get(ctx, conversationID); ok {
		exec, err := c.store.GetExecution(ctx, id)
		switch {
		case err == nil && exec.Status == schema.ExecutionRunning && exec.ConversationID == conversationID:
			return exec, nil
		case err != nil && !schema.HasCode(err, schema.ErrCodeNotFound):
			return nil, err
		}
		c.cache.Invalidate(ctx, conversationID, id)
	}

	exec, err := c.store.GetRunningExecution(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if exec != nil {
		c.cache.Put(ctx, conversationID, exec.ID)
	}
	return exec, nil
}

// GetRunningExecution lets the controller serve as the trigger evaluator's
// running lookup.
func (c *Controller) GetRunningExecution(ctx context.Context, conversationID string) (*schema.Execution, error) {
	return c.RunningExecution(ctx, conversationID)
}

// drive executes nodes starting at nodeID until the execution waits, ends or
// hits the step ceiling.
func (c *Controller) drive(ctx context.Context, flow *schema.Flow, exec *schema.Execution, nodeID string) error {
	for step := 0; ; step++ {
		if step >= c.maxSteps {
			err := schema.NewErrorf(schema.ErrCodeStepLimit,
				"step limit exceeded: %d nodes executed without waiting", c.maxSteps).WithNode(nodeID)
			return c.EndExecution(ctx, exec, schema.ExecutionFailed, err.Error())
		}

		node := flow.Node(nodeID)
		if node == nil {
			return c.EndExecution(ctx, exec, schema.ExecutionFailed,
				fmt.Sprintf("node %q not found in flow %q", nodeID, flow.ID))
		}
		exec.CurrentNodeID = node.ID
		nctx := logging.WithNodeID(ctx, node.ID)

		started := c.now()
		res := c.nodes.Execute(nctx, node, exec)
		c.appendLog(nctx, exec, node, res, c.now().Sub(started))

		if !res.Success {
			return c.EndExecution(nctx, exec, schema.ExecutionFailed, res.Err.Error())
		}
		if res.ResponseText != "" {
			c.send(nctx, exec, res.ResponseText)
		}

		switch {
		case res.ResumeAt != nil:
			exec.ResumeAt = res.ResumeAt
			return c.store.UpdateExecution(nctx, exec)

		case res.Handoff:
			if len(node.Connections) == 0 {
				return c.EndExecution(nctx, exec, schema.ExecutionCompleted, "")
			}
			exec.CurrentNodeID = node.Connections[0].TargetNodeID
			return c.EndExecution(nctx, exec, schema.ExecutionPaused, "")

		case res.ShouldWait:
			return c.store.UpdateExecution(nctx, exec)

		case res.NextNodeID != "":
			if err := c.store.UpdateExecution(nctx, exec); err != nil {
				return err
			}
			nodeID = res.NextNodeID
			continue
		}

		next, done, err := c.advance(nctx, exec, node)
		if err != nil || done {
			return err
		}
		if err := c.store.UpdateExecution(nctx, exec); err != nil {
			return err
		}
		nodeID = next
	}
}

// advance applies the default routing of a node without an explicit next
// node. done is true when the execution has been ended.
func (c *Controller) advance(ctx context.Context, exec *schema.Execution, node *schema.Node) (next string, done bool, err error) {
	switch {
	case len(node.Connections) == 0:
		return "", true, c.EndExecution(ctx, exec, schema.ExecutionCompleted, "")
	case len(node.Connections) == 1 && node.Connections[0].Unconditioned():
		return node.Connections[0].TargetNodeID, false, nil
	default:
		msg := fmt.Sprintf("ambiguous branching at node %q: %d connections and no branch selected",
			node.ID, len(node.Connections))
		return "", true, c.EndExecution(ctx, exec, schema.ExecutionFailed, msg)
	}
}

// answerTarget picks where a question's answer leads: the connection whose
// condition equals the answer, else the first connection without a condition.
func answerTarget(node *schema.Node, answer string) string {
	answer = strings.TrimSpace(answer)
	for _, conn := range node.Connections {
		if conn.Condition != "" && strings.EqualFold(strings.TrimSpace(conn.Condition), answer) {
			return conn.TargetNodeID
		}
	}
	for _, conn := range node.Connections {
		if conn.Condition == "" {
			return conn.TargetNodeID
		}
	}
	return ""
}

// loadFlow fetches exec's flow. A deleted flow fails the execution and
// returns a nil flow.
func (c *Controller) loadFlow(ctx context.Context, exec *schema.Execution) (*schema.Flow, error) {
	flow, err := c.store.GetFlow(ctx, exec.FlowID)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, c.EndExecution(ctx, exec, schema.ExecutionFailed, fmt.Sprintf("flow %q no longer exists", exec.FlowID))
	}
	return flow, err
}

func (c *Controller) send(ctx context.Context, exec *schema.Execution, text string) {
	if c.sender == nil {
		return
	}
	if err := c.sender.SendMessage(ctx, exec.Phone, text); err != nil {
		logging.LogWith(ctx, c.logger).Warn("outbound send failed", "phone", exec.Phone, "error", err)
	}
}

func (c *Controller) appendLog(ctx context.Context, exec *schema.Execution, node *schema.Node, res NodeResult, took time.Duration) {
	action := schema.LogExecuted
	switch {
	case !res.Success:
		action = schema.LogFailed
	case res.Warning != nil:
		action = schema.LogError
	}

	entry := &schema.LogEntry{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Action:      action,
		Input:       marshalSnapshot(node.Data),
		Output:      marshalSnapshot(res.Output),
		DurationMs:  took.Milliseconds(),
		CreatedAt:   c.now(),
	}
	if err := c.store.AppendLog(ctx, entry); err != nil {
		logging.LogWith(ctx, c.logger).Warn("append execution log failed", "error", err)
	}
}

func marshalSnapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
