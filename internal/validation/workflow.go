package validation

import (
	"encoding/json"

	"github.com/rendis/migraflow/pkg/schema"
)

// ActionLookup reports whether an action discriminator has an implementation.
type ActionLookup interface {
	Has(name string) bool
}

// WorkflowValidator orchestrates the definition validation pipeline:
// 1. Structural (JSON Schema over the decoded document)
// 2. Graph (duplicate ids, dangling edges, trigger presence, cycles, action discriminators)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip action registration warnings.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, actions: lookup}, nil
}

// ValidateDocument runs stage 1 over a decoded document.
func (wv *WorkflowValidator) ValidateDocument(doc any) *schema.ValidationResult {
	return wv.jsonSchema.ValidateDocument(doc)
}

// ValidateGraph runs stage 2 over a typed definition.
func (wv *WorkflowValidator) ValidateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}
	return validateGraph(def, wv.actions)
}

// Validate runs both stages over an already typed definition and merges
// their issues.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		return wv.ValidateGraph(nil)
	}
	doc, err := ToJSONValue(def)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "failed to serialize definition: "+err.Error())
		return r
	}
	result := wv.ValidateDocument(doc)
	result.Merge(wv.ValidateGraph(def))
	return result
}

// ValidateVariables checks runtime variable values against the declared types.
// Undeclared names are accepted.
func (wv *WorkflowValidator) ValidateVariables(decls []schema.VariableDefinition, values map[string]any) *schema.ValidationResult {
	if len(decls) == 0 || len(values) == 0 {
		return &schema.ValidationResult{}
	}
	return wv.jsonSchema.ValidateInput(values, variablesSchema(decls))
}

func variablesSchema(decls []schema.VariableDefinition) []byte {
	props := make(map[string]any, len(decls))
	for _, d := range decls {
		switch d.Type {
		case schema.VariableString, schema.VariableSecret:
			props[d.Name] = map[string]any{"type": "string"}
		case schema.VariableNumber:
			props[d.Name] = map[string]any{"type": "number"}
		case schema.VariableBoolean:
			props[d.Name] = map[string]any{"type": "boolean"}
		case schema.VariableObject:
			props[d.Name] = map[string]any{"type": []string{"object", "array"}}
		}
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	b, _ := json.Marshal(doc)
	return b
}
