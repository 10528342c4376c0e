package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleStartFlow starts a flow in a conversation.
func (s *KapchatServer) handleStartFlow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	conversationID, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id is required"), nil
	}
	vars := mcp.ParseStringMap(req, "variables", nil)
	if vars == nil {
		vars = map[string]any{}
	}
	vars["trigger"] = "mcp"

	msg := schema.MessageContext{
		ConversationID: conversationID,
		Phone:          req.GetString("phone", ""),
		ContactName:    req.GetString("contact_name", ""),
	}
	ctx = logging.WithConversationID(ctx, conversationID)

	exec, startErr := s.engine.StartFlow(ctx, flowID, msg, vars)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start flow failed: %v", startErr)), nil
	}
	logging.LogWith(ctx, s.logger).Info("flow started over mcp", "flow_id", flowID, "execution_id", exec.ID)
	return marshalResult(exec)
}

// handleExecutionStatus returns one execution with its node log.
func (s *KapchatServer) handleExecutionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	conversationID := req.GetString("conversation_id", "")

	var (
		exec *schema.Execution
		err  error
	)
	switch {
	case executionID != "":
		exec, err = s.store.GetExecution(ctx, executionID)
	case conversationID != "":
		exec, err = s.store.GetRunningExecution(ctx, conversationID)
		if err == nil && exec == nil {
			return mcp.NewToolResultError(fmt.Sprintf("no running execution in conversation %q", conversationID)), nil
		}
	default:
		return mcp.NewToolResultError("execution_id or conversation_id is required"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}

	logs, err := s.store.ListLogs(ctx, exec.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("log query failed: %v", err)), nil
	}
	if logs == nil {
		logs = []*schema.LogEntry{}
	}
	return marshalResult(map[string]any{"execution": exec, "logs": logs})
}

// handleListExecutions lists executions matching the filter arguments.
func (s *KapchatServer) handleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExecutionFilter{
		FlowID:         req.GetString("flow_id", ""),
		ConversationID: req.GetString("conversation_id", ""),
		Status:         schema.ExecutionStatus(req.GetString("status", "")),
		Limit:          req.GetInt("limit", defaultListLimit),
		Offset:         req.GetInt("offset", 0),
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		return mcp.NewToolResultError("offset must not be negative"), nil
	}

	execs, err := s.store.ListExecutions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list executions failed: %v", err)), nil
	}
	if execs == nil {
		execs = []*schema.Execution{}
	}
	return marshalResult(map[string]any{"executions": execs})
}

// handleReap pauses running executions idle past the timeout.
func (s *KapchatServer) handleReap(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	minutes := req.GetInt("timeout_minutes", s.timeoutMinutes)
	if minutes <= 0 {
		return mcp.NewToolResultError("timeout_minutes must be positive"), nil
	}

	n, err := s.engine.CleanupTimedOutExecutions(ctx, minutes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reap failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"paused": n, "timeout_minutes": minutes})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
