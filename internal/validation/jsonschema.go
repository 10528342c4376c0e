package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

const flowSchemaURL = "https://kapchat.dev/schemas/flow.json"

// flowSchemaJSON is the JSON Schema for flow definitions.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://kapchat.dev/schemas/flow.json",
  "type": "object",
  "required": ["id", "name", "trigger_type", "entry_node_id", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "trigger_type": {"type": "string", "enum": ["keyword", "first_message", "schedule", "webhook"]},
    "trigger_value": {"type": "string"},
    "trigger_condition": {"type": "string"},
    "is_active": {"type": "boolean"},
    "entry_node_id": {"type": "string", "minLength": 1},
    "nodes": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/node"}},
    "version": {"type": "integer", "minimum": 0},
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"}
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"type": "string", "enum": ["message", "question", "condition", "action", "delay", "transfer"]},
        "data": {"$ref": "#/$defs/data"},
        "connections": {"type": "array", "items": {"$ref": "#/$defs/connection"}}
      },
      "additionalProperties": false
    },
    "data": {
      "type": "object",
      "properties": {
        "message": {"type": "string"},
        "question": {"type": "string"},
        "variable_name": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
        "condition": {"$ref": "#/$defs/condition"},
        "action_type": {"type": "string"},
        "action_config": {"type": "object"},
        "delay_seconds": {"type": "integer", "minimum": 0},
        "transfer_message": {"type": "string"},
        "department_id": {"type": "string"},
        "agent_id": {"type": "string"}
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["operator"],
      "properties": {
        "variable": {"type": "string"},
        "operator": {"type": "string", "minLength": 1},
        "value": {}
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["target_node_id"],
      "properties": {
        "id": {"type": "string"},
        "target_node_id": {"type": "string", "minLength": 1},
        "label": {"type": "string"},
        "condition": {"type": "string"}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates flows and action configs with JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	flowSchema *jsonschema.Schema

	// mu guards the cache of compiled action config schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the flow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource(flowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	compiled, err := c.Compile(flowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}

	return &JSONSchemaValidator{
		flowSchema: compiled,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a flow against the flow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(flow *schema.Flow) error {
	if flow == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow is nil")
	}
	doc, err := toJSONValue(flow)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow").WithCause(err)
	}
	if err := v.flowSchema.Validate(doc); err != nil {
		return toKapchatError(err)
	}
	return nil
}

// ValidateConfig validates an action_config against an action's config schema.
// An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateConfig(config map[string]any, configSchema []byte) error {
	if len(configSchema) == 0 {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}

	compiled, err := v.getOrCompile(configSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid config schema").WithCause(err)
	}
	doc, err := toJSONValue(config)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize config").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toKapchatError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets its own compiler and URL to avoid resource collisions.
	url := fmt.Sprintf("kapchat://action-config/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toKapchatError converts a jsonschema.ValidationError into a KapchatError
// listing every violation with its location.
func toKapchatError(err error) *schema.KapchatError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
