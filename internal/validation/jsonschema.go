package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/chartflow/pkg/schema"
)

// flowSchemaJSON is the JSON Schema for FlowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chartflow.dev/schemas/flow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "vars": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "timeout": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "kind": {
          "type": "string",
          "enum": ["start", "init", "task"]
        },
        "task": { "type": "string" },
        "label": { "type": "string" },
        "config": {},
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": {
          "type": "string",
          "minLength": 1
        },
        "to": {
          "type": "string",
          "minLength": 1
        },
        "label": { "type": "string" },
        "condition": { "type": "string" },
        "on_fault": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 0
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates flow definitions and run inputs against
// JSON Schema Draft 2020-12. Safe for concurrent use.
type JSONSchemaValidator struct {
	flowSchema *jsonschema.Schema

	// mu guards the cache for dynamic input schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the flow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource("https://chartflow.dev/schemas/flow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}

	compiled, err := c.Compile("https://chartflow.dev/schemas/flow.json")
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}

	return &JSONSchemaValidator{
		flowSchema: compiled,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks a FlowDefinition against the flow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.FlowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow definition").WithCause(err)
	}

	if err := v.flowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw
// bytes. The compiled schema is cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

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

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("chartflow://input-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
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

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// one message per leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and gathers leaf messages
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
