package actions

import (
	"context"
	"encoding/json"

	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
)

// Action is the behaviour behind one action_type of an action node.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(config map[string]any) error
}

// ActionRegistry manages lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes an action's action_config contract.
type ActionSchema struct {
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	ConversationID string
	Node           NodeRef
	Config         map[string]any    // raw action_config, not yet interpolated
	Scope          expressions.Scope // variables and fixed context for interpolation
}

// NodeRef carries the node-level fields some actions fall back to.
type NodeRef struct {
	ID           string
	AgentID      string
	DepartmentID string
}

// ActionOutput is the result of a successful action.
type ActionOutput struct {
	// Set holds variables to write into the execution.
	Set map[string]any `json:"set,omitempty"`
	// Data is a summary recorded in the execution log.
	Data map[string]any `json:"data,omitempty"`
	// SoftError is a failure that must be logged but does not fail the node.
	SoftError error `json:"-"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ConversationState is the external store that owns conversation assignment,
// tags and handoff flags.
type ConversationState interface {
	AssignAgent(ctx context.Context, conversationID, agentID, departmentID string) error
	TagConversation(ctx context.Context, conversationID string, tags []string) error
	RequestHandoff(ctx context.Context, conversationID, departmentID, agentID string) error
}
