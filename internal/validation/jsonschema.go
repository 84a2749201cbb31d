package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/migraflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const definitionSchemaURL = "https://migraflow.dev/schemas/workflow-definition.json"

// definitionSchemaJSON describes the definition envelope. Node "data" stays an
// open object here; per-type fields are checked against the typed variants.
var definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "` + definitionSchemaURL + `",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "version": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "trigger": {
      "type": "string",
      "enum": ["manual", "scheduled", "webhook", "event"]
    },
    "variables": {
      "type": "array",
      "items": { "$ref": "#/$defs/variable" }
    },
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "variable": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["string", "number", "boolean", "object", "secret"]
        },
        "default": {},
        "isSecret": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ` + nodeTypeEnum() + ` },
        "label": { "type": "string" },
        "data": { "type": ["object", "null"] }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "sourceHandle": { "type": ["string", "null"] }
      }
    }
  }
}`

func nodeTypeEnum() string {
	types := schema.NodeTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	b, _ := json.Marshal(names)
	return string(b)
}

// JSONSchemaValidator validates definition documents and ad hoc inputs against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the definition schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a decoded definition document (as produced by
// jsonschema.UnmarshalJSON) against the definition schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if doc == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is empty")
		return result
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		addViolations(result, err)
	}
	return result
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// Compiled schemas are cached by their text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(inputSchema) == 0 {
		return result
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "invalid input schema: "+err.Error())
		return result
	}

	doc, err := ToJSONValue(input)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize input: "+err.Error())
		return result
	}

	if err := compiled.Validate(doc); err != nil {
		addViolations(result, err)
	}
	return result
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

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("migraflow://input-schema/%d", len(v.cache))
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

// ToJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func ToJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func addViolations(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	collectViolations(result, verr)
}

// collectViolations walks a ValidationError tree and records its leaves with
// their instance locations.
func collectViolations(result *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(loc, schema.ErrCodeValidation, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(result, cause)
	}
}
