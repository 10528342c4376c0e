package validation

import (
	"github.com/kapixcr/Kapchat-sub000/internal/actions"
	"github.com/kapixcr/Kapchat-sub000/internal/expressions"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// Validator checks flow definitions before they are stored.
type Validator interface {
	ValidateFlow(flow *schema.Flow) error
}

// FlowValidator runs the three-stage pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (triggers, node payloads, references, action configs)
//  3. Graph (reachability, cycles that never wait for the contact)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    actions.ActionRegistry
	cel        *expressions.CELEngine
}

// NewFlowValidator creates a FlowValidator. registry may be nil to skip
// action checks and cel may be nil to skip trigger_condition compilation.
func NewFlowValidator(registry actions.ActionRegistry, cel *expressions.CELEngine) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{jsonSchema: jsv, actions: registry, cel: cel}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (v *FlowValidator) Validate(flow *schema.Flow) *schema.ValidationResult {
	if flow == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow is nil")
		return r
	}

	result := validateStructural(v.jsonSchema, flow)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(flow, v.actions, v.jsonSchema, v.cel))

	// Graph checks need valid references.
	if result.Valid() {
		result.Merge(validateGraph(flow))
	}
	return result
}

// ValidateFlow satisfies the Validator interface.
func (v *FlowValidator) ValidateFlow(flow *schema.Flow) error {
	return v.Validate(flow).ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, flow *schema.Flow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(flow)
	if err == nil {
		return result
	}

	ke, ok := err.(*schema.KapchatError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := ke.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, ke.Message)
	return result
}
