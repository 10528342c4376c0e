package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapixcr/Kapchat-sub000/internal/actions"
	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

func newTestValidator(t *testing.T) *FlowValidator {
	t.Helper()
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, nil, actions.HTTPConfig{}))
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := NewFlowValidator(reg, cel)
	require.NoError(t, err)
	return v
}

func greetingFlow() *schema.Flow {
	return &schema.Flow{
		ID:           "greeting",
		Name:         "Greeting",
		TriggerType:  schema.TriggerKeyword,
		TriggerValue: "hola, buenas",
		IsActive:     true,
		EntryNodeID:  "welcome",
		Nodes: []schema.Node{
			{
				ID:          "welcome",
				Type:        schema.NodeTypeMessage,
				Data:        schema.NodeData{Message: "Hola {{contact_name}}"},
				Connections: []schema.Connection{{TargetNodeID: "ask"}},
			},
			{
				ID:          "ask",
				Type:        schema.NodeTypeQuestion,
				Data:        schema.NodeData{Question: "¿Ventas o soporte?", VariableName: "choice"},
				Connections: []schema.Connection{{TargetNodeID: "route"}},
			},
			{
				ID:   "route",
				Type: schema.NodeTypeCondition,
				Data: schema.NodeData{Condition: &schema.ConditionSpec{Variable: "choice", Operator: "equals", Value: "ventas"}},
				Connections: []schema.Connection{
					{TargetNodeID: "sales", Label: "true"},
					{TargetNodeID: "tag", Label: "false"},
				},
			},
			{
				ID:   "sales",
				Type: schema.NodeTypeTransfer,
				Data: schema.NodeData{TransferMessage: "Te comunico", DepartmentID: "sales"},
			},
			{
				ID:   "tag",
				Type: schema.NodeTypeAction,
				Data: schema.NodeData{ActionType: schema.ActionTagConversation, ActionConfig: map[string]any{"tags": []any{"support"}}},
			},
		},
	}
}

func TestFlowValidator_ValidFlow(t *testing.T) {
	v := newTestValidator(t)

	result := v.Validate(greetingFlow())
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, v.ValidateFlow(greetingFlow()))
}

func TestFlowValidator_NilFlow(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateFlow(nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestFlowValidator_StructuralShortCircuits(t *testing.T) {
	v := newTestValidator(t)
	f := greetingFlow()
	f.TriggerType = "cron"
	f.Nodes[0].Connections[0].TargetNodeID = "nowhere"

	result := v.Validate(f)
	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.NotContains(t, issue.Message, "nowhere", "semantic stage must not run")
	}
}

func TestFlowValidator_UnknownNodeTypeRejected(t *testing.T) {
	v := newTestValidator(t)
	f := greetingFlow()
	f.Nodes[0].Type = "carousel"

	err := v.ValidateFlow(f)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestFlowValidator_SemanticErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *schema.Flow)
		path   string
	}{
		{"missing entry", func(f *schema.Flow) { f.EntryNodeID = "ghost" }, "entry_node_id"},
		{"dangling connection", func(f *schema.Flow) { f.Nodes[0].Connections[0].TargetNodeID = "ghost" }, "nodes[0].connections[0].target_node_id"},
		{"duplicate id", func(f *schema.Flow) { f.Nodes[4].ID = "sales" }, "nodes[4].id"},
		{"empty keywords", func(f *schema.Flow) { f.TriggerValue = " , " }, "trigger_value"},
		{"bad cron", func(f *schema.Flow) {
			f.TriggerType = schema.TriggerSchedule
			f.TriggerValue = "every day"
		}, "trigger_value"},
		{"webhook without key", func(f *schema.Flow) {
			f.TriggerType = schema.TriggerWebhook
			f.TriggerValue = ""
		}, "trigger_value"},
		{"bad trigger condition", func(f *schema.Flow) { f.TriggerCondition = "message.text ==" }, "trigger_condition"},
		{"unknown operator", func(f *schema.Flow) { f.Nodes[2].Data.Condition.Operator = "resembles" }, "nodes[2].data.condition.operator"},
		{"missing condition", func(f *schema.Flow) { f.Nodes[2].Data.Condition = nil }, "nodes[2].data.condition"},
		{"empty expression", func(f *schema.Flow) {
			f.Nodes[2].Data.Condition = &schema.ConditionSpec{Operator: "expression"}
		}, "nodes[2].data.condition.value"},
		{"unregistered action", func(f *schema.Flow) { f.Nodes[4].Data.ActionType = "send_email" }, "nodes[4].data.action_type"},
		{"action config schema", func(f *schema.Flow) {
			f.Nodes[4].Data.ActionConfig = map[string]any{"tags": 42}
		}, "nodes[4].data.action_config"},
		{"action validate", func(f *schema.Flow) {
			f.Nodes[4].Data.ActionType = schema.ActionHTTPRequest
			f.Nodes[4].Data.ActionConfig = map[string]any{"url": "ftp://example.com"}
		}, "nodes[4].data.action_config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t)
			f := greetingFlow()
			tt.mutate(f)

			result := v.Validate(f)
			require.False(t, result.Valid())
			paths := make([]string, 0, len(result.Errors))
			for _, issue := range result.Errors {
				paths = append(paths, issue.Path)
			}
			assert.Contains(t, paths, tt.path)
		})
	}
}

func TestFlowValidator_NegativeDelayRejectedBySchema(t *testing.T) {
	v := newTestValidator(t)
	f := greetingFlow()
	f.Nodes = append(f.Nodes, schema.Node{ID: "wait", Type: schema.NodeTypeDelay, Data: schema.NodeData{DelaySeconds: -5}})
	f.Nodes[4].Connections = []schema.Connection{{TargetNodeID: "wait"}}

	assert.False(t, v.Validate(f).Valid())
}

func TestFlowValidator_Warnings(t *testing.T) {
	v := newTestValidator(t)
	f := greetingFlow()
	f.Nodes[1].Data.VariableName = ""
	f.Nodes[2].Connections[1].Label = "maybe"

	result := v.Validate(f)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
	paths := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		paths = append(paths, w.Path)
	}
	assert.Contains(t, paths, "nodes[1].data.variable_name")
	assert.Contains(t, paths, "nodes[2].connections[1].label")
}

func TestFlowValidator_NilRegistrySkipsActionChecks(t *testing.T) {
	v, err := NewFlowValidator(nil, nil)
	require.NoError(t, err)
	f := greetingFlow()
	f.Nodes[4].Data.ActionType = "custom_crm_sync"
	f.TriggerCondition = "not even CEL ((("

	assert.True(t, v.Validate(f).Valid())
}

func TestFlowValidator_ValidScheduleFlow(t *testing.T) {
	v := newTestValidator(t)
	f := greetingFlow()
	f.TriggerType = schema.TriggerSchedule
	f.TriggerValue = "0 9 * * 1-5"
	f.TriggerCondition = `flow.trigger_type == "schedule"`

	assert.NoError(t, v.ValidateFlow(f))
}

func TestFlowValidator_ToErrorDetails(t *testing.T) {
	v := newTestValidator(t)
	f := greetingFlow()
	f.EntryNodeID = "ghost"
	f.Nodes[0].Connections[0].TargetNodeID = "ghost"

	err := v.ValidateFlow(f)
	require.Error(t, err)
	var ke *schema.KapchatError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, 2, ke.Details["error_count"])
	assert.Contains(t, ke.Message, "2 errors")
}
