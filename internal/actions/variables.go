package actions

import (
	"context"
	"encoding/json"

	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

const setVariableConfigSchema = `{
  "type": "object",
  "properties": {
    "variable_name": {"type": "string", "minLength": 1},
    "value": {}
  },
  "required": ["variable_name"]
}`

// SetVariableAction writes action_config.value, interpolated, into
// variables[action_config.variable_name].
type SetVariableAction struct{}

// NewSetVariableAction creates the set_variable action.
func NewSetVariableAction() *SetVariableAction { return &SetVariableAction{} }

func (a *SetVariableAction) Name() string { return schema.ActionSetVariable }

func (a *SetVariableAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Store a value in an execution variable.",
		ConfigSchema: json.RawMessage(setVariableConfigSchema),
	}
}

func (a *SetVariableAction) Validate(config map[string]any) error {
	if stringParam(config, "variable_name", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "set_variable: missing variable_name")
	}
	return nil
}

func (a *SetVariableAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Config); err != nil {
		return nil, schema.NewError(schema.ErrCodeNodeExecution, err.Error()).WithCause(err)
	}
	name := stringParam(input.Config, "variable_name", "")
	value := expressions.InterpolateValue(input.Config["value"], input.Scope)
	return &ActionOutput{
		Set:  map[string]any{name: value},
		Data: map[string]any{"variable_name": name, "value": value},
	}, nil
}
