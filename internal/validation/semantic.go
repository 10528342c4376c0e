package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/kapixcr/Kapchat-sub000/internal/actions"
	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/internal/scheduler"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// validateSemantic checks what the JSON Schema cannot express: trigger
// settings, node ids and references, per-type payloads and action configs.
func validateSemantic(flow *schema.Flow, registry actions.ActionRegistry, jsv *JSONSchemaValidator, cel *expressions.CELEngine) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateTrigger(flow, cel, result)

	ids := make(map[string]bool, len(flow.Nodes))
	for i, n := range flow.Nodes {
		if ids[n.ID] {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true
	}

	if !ids[flow.EntryNodeID] {
		result.AddError("entry_node_id", schema.ErrCodeValidation,
			fmt.Sprintf("entry node %q does not exist", flow.EntryNodeID))
	}

	for i := range flow.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		node := &flow.Nodes[i]
		for j, c := range node.Connections {
			if !ids[c.TargetNodeID] {
				result.AddError(fmt.Sprintf("%s.connections[%d].target_node_id", path, j),
					schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent node %q", c.TargetNodeID))
			}
		}
		validateNodeSemantic(node, path, registry, jsv, result)
	}

	return result
}

func validateTrigger(flow *schema.Flow, cel *expressions.CELEngine, result *schema.ValidationResult) {
	value := strings.TrimSpace(flow.TriggerValue)

	switch flow.TriggerType {
	case schema.TriggerKeyword:
		if keywordCount(value) == 0 {
			result.AddError("trigger_value", schema.ErrCodeValidation,
				"keyword trigger requires at least one keyword")
		}
	case schema.TriggerWebhook:
		if value == "" {
			result.AddError("trigger_value", schema.ErrCodeValidation,
				"webhook trigger requires a key in trigger_value")
		}
	case schema.TriggerSchedule:
		if value == "" {
			result.AddError("trigger_value", schema.ErrCodeValidation,
				"schedule trigger requires a cron expression")
		} else if err := scheduler.ValidateCron(value); err != nil {
			result.AddError("trigger_value", schema.ErrCodeValidation, err.Error())
		}
	}

	if flow.TriggerCondition != "" && cel != nil {
		if err := cel.Compile(flow.TriggerCondition); err != nil {
			result.AddError("trigger_condition", schema.ErrCodeValidation,
				fmt.Sprintf("trigger_condition does not compile: %v", err))
		}
	}
}

func keywordCount(value string) int {
	n := 0
	for _, kw := range strings.Split(value, ",") {
		if strings.TrimSpace(kw) != "" {
			n++
		}
	}
	return n
}

// validateNodeSemantic checks the payload a node's type requires.
func validateNodeSemantic(node *schema.Node, path string, registry actions.ActionRegistry, jsv *JSONSchemaValidator, result *schema.ValidationResult) {
	data := node.Data

	switch node.Type {
	case schema.NodeTypeMessage:
		if data.Message == "" {
			result.AddWarning(path+".data.message", schema.ErrCodeValidation, "message node sends nothing")
		}

	case schema.NodeTypeQuestion:
		if data.VariableName == "" {
			result.AddWarning(path+".data.variable_name", schema.ErrCodeValidation,
				"answer will only be stored as last_response")
		}
		if data.Question == "" {
			result.AddWarning(path+".data.question", schema.ErrCodeValidation, "question node asks nothing")
		}

	case schema.NodeTypeCondition:
		validateConditionNode(node, path, result)

	case schema.NodeTypeAction:
		validateActionNode(node, path, registry, jsv, result)

	case schema.NodeTypeDelay:
		if data.DelaySeconds < 0 {
			result.AddError(path+".data.delay_seconds", schema.ErrCodeValidation,
				"delay_seconds must not be negative")
		}

	case schema.NodeTypeTransfer:
		if data.DepartmentID == "" && data.AgentID == "" {
			result.AddWarning(path+".data", schema.ErrCodeValidation,
				"transfer names neither a department nor an agent")
		}
	}
}

func validateConditionNode(node *schema.Node, path string, result *schema.ValidationResult) {
	spec := node.Data.Condition
	if spec == nil {
		result.AddError(path+".data.condition", schema.ErrCodeValidation, "condition node requires a condition")
		return
	}
	if !slices.Contains(expressions.Operators, spec.Operator) {
		result.AddError(path+".data.condition.operator", schema.ErrCodeValidation,
			fmt.Sprintf("unknown operator %q", spec.Operator))
	}
	if spec.Operator == expressions.OpExpression {
		if s, _ := spec.Value.(string); strings.TrimSpace(s) == "" {
			result.AddError(path+".data.condition.value", schema.ErrCodeValidation,
				"expression operator requires the expression in value")
		}
	} else if spec.Variable == "" {
		result.AddError(path+".data.condition.variable", schema.ErrCodeValidation,
			"condition requires a variable")
	}

	for j, c := range node.Connections {
		if c.Label != "" && !strings.EqualFold(c.Label, "true") && !strings.EqualFold(c.Label, "false") {
			result.AddWarning(fmt.Sprintf("%s.connections[%d].label", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("label %q is neither \"true\" nor \"false\"", c.Label))
		}
	}
}

func validateActionNode(node *schema.Node, path string, registry actions.ActionRegistry, jsv *JSONSchemaValidator, result *schema.ValidationResult) {
	actionType := node.Data.ActionType
	if actionType == "" {
		result.AddError(path+".data.action_type", schema.ErrCodeValidation, "action node requires an action_type")
		return
	}
	if registry == nil {
		return
	}

	action, err := registry.Get(actionType)
	if err != nil {
		result.AddError(path+".data.action_type", schema.ErrCodeValidation,
			fmt.Sprintf("action %q not registered", actionType))
		return
	}

	if jsv != nil {
		if err := jsv.ValidateConfig(node.Data.ActionConfig, action.Schema().ConfigSchema); err != nil {
			result.AddError(path+".data.action_config", schema.ErrCodeValidation, err.Error())
			return
		}
	}
	if err := action.Validate(node.Data.ActionConfig); err != nil {
		result.AddError(path+".data.action_config", schema.ErrCodeValidation, err.Error())
	}
}
