// Package validation checks flow definitions before they are stored or
// executed. The pipeline has three stages: structural (JSON Schema),
// semantic (identity, arity, references), and graph (init cycles,
// reachability). Issues aggregate into a schema.ValidationResult.
package validation

import "github.com/rendis/chartflow/pkg/schema"

// Validator checks flow definitions and run inputs.
type Validator interface {
	ValidateDefinition(def *schema.FlowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// FlowValidator orchestrates the three-stage pipeline.
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	tasks      TaskLookup
}

// NewFlowValidator creates a FlowValidator. lookup may be nil to skip
// task kind existence checks.
func NewFlowValidator(lookup TaskLookup) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{
		jsonSchema: jsv,
		tasks:      lookup,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (fv *FlowValidator) Validate(def *schema.FlowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow definition is nil")
		return r
	}

	result := validateStructural(fv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, fv.tasks))

	// Graph analysis needs sound node identity; skip it on semantic errors.
	if result.Valid() {
		result.Merge(validateGraph(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (fv *FlowValidator) ValidateDefinition(def *schema.FlowDefinition) error {
	return fv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (fv *FlowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return fv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps the JSON Schema stage, converting its error
// output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if fe.Details != nil {
		if violations, ok := fe.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
