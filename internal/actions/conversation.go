package actions

import (
	"context"
	"encoding/json"

	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

const assignAgentConfigSchema = `{
  "type": "object",
  "properties": {
    "agent_id": {"type": "string"},
    "department_id": {"type": "string"}
  }
}`

const tagConversationConfigSchema = `{
  "type": "object",
  "properties": {
    "tags": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {"type": "array", "items": {"type": "string"}, "minItems": 1}
      ]
    }
  },
  "required": ["tags"]
}`

// AssignAgentAction hands the conversation to an agent or department.
// Config values take precedence over the node's agent_id/department_id.
type AssignAgentAction struct {
	state ConversationState
}

// NewAssignAgentAction creates the assign_agent action.
func NewAssignAgentAction(state ConversationState) *AssignAgentAction {
	return &AssignAgentAction{state: state}
}

func (a *AssignAgentAction) Name() string { return schema.ActionAssignAgent }

func (a *AssignAgentAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Assign the conversation to an agent and/or department.",
		ConfigSchema: json.RawMessage(assignAgentConfigSchema),
	}
}

func (a *AssignAgentAction) Validate(config map[string]any) error {
	return nil
}

func (a *AssignAgentAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	agentID := expressions.Interpolate(stringParam(input.Config, "agent_id", input.Node.AgentID), input.Scope)
	departmentID := expressions.Interpolate(stringParam(input.Config, "department_id", input.Node.DepartmentID), input.Scope)
	if agentID == "" && departmentID == "" {
		return nil, schema.NewError(schema.ErrCodeNodeExecution, "assign_agent: no agent_id or department_id")
	}
	if a.state == nil {
		return nil, schema.NewError(schema.ErrCodeNodeExecution, "assign_agent: no conversation state configured")
	}
	if err := a.state.AssignAgent(ctx, input.ConversationID, agentID, departmentID); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "assign_agent: %s", err.Error()).WithCause(err)
	}
	return &ActionOutput{Data: map[string]any{"agent_id": agentID, "department_id": departmentID}}, nil
}

// TagConversationAction attaches tags to the conversation.
type TagConversationAction struct {
	state ConversationState
}

// NewTagConversationAction creates the tag_conversation action.
func NewTagConversationAction(state ConversationState) *TagConversationAction {
	return &TagConversationAction{state: state}
}

func (a *TagConversationAction) Name() string { return schema.ActionTagConversation }

func (a *TagConversationAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Tag the conversation.",
		ConfigSchema: json.RawMessage(tagConversationConfigSchema),
	}
}

func (a *TagConversationAction) Validate(config map[string]any) error {
	if len(stringsParam(config, "tags")) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "tag_conversation: no tags")
	}
	return nil
}

func (a *TagConversationAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	raw := stringsParam(input.Config, "tags")
	if len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeNodeExecution, "tag_conversation: no tags")
	}
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		tags = append(tags, expressions.Interpolate(t, input.Scope))
	}
	if a.state == nil {
		return nil, schema.NewError(schema.ErrCodeNodeExecution, "tag_conversation: no conversation state configured")
	}
	if err := a.state.TagConversation(ctx, input.ConversationID, tags); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "tag_conversation: %s", err.Error()).WithCause(err)
	}
	return &ActionOutput{Data: map[string]any{"tags": tags}}, nil
}
