// Package definition converts workflow definition text to and from the typed
// graph model.
package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/migraflow/internal/validation"
	"github.com/rendis/migraflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Parser parses and validates workflow definitions. It is safe for concurrent use.
type Parser struct {
	validator *validation.WorkflowValidator
}

// NewParser creates a Parser. lookup may be nil.
func NewParser(lookup validation.ActionLookup) (*Parser, error) {
	v, err := validation.NewWorkflowValidator(lookup)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	return &Parser{validator: v}, nil
}

// Validator exposes the underlying validator.
func (p *Parser) Validator() *validation.WorkflowValidator {
	return p.validator
}

// ParseFormat maps a format name to a DefinitionFormat. Empty means JSON.
func ParseFormat(s string) (schema.DefinitionFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return schema.FormatJSON, nil
	case "yaml", "yml":
		return schema.FormatYAML, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported definition format %q", s)
	}
}

// Parse decodes content in the given format and validates it.
// Malformed text yields a PARSE_ERROR; a well-formed but invalid graph yields a
// VALIDATION_ERROR carrying every issue found.
func (p *Parser) Parse(content []byte, format schema.DefinitionFormat) (*schema.WorkflowDefinition, error) {
	def, _, err := p.ParseWithWarnings(content, format)
	return def, err
}

// ParseWithWarnings is Parse, also returning non-fatal issues.
func (p *Parser) ParseWithWarnings(content []byte, format schema.DefinitionFormat) (*schema.WorkflowDefinition, []schema.ValidationIssue, error) {
	jsonText, err := normalize(content, format)
	if err != nil {
		return nil, nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonText))
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeParse, "invalid JSON: "+err.Error()).WithCause(err)
	}

	result := p.validator.ValidateDocument(doc)

	// The graph stage still runs after a schema failure when the document
	// decodes, so one pass reports every issue.
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(jsonText, &def); err != nil {
		if !result.Valid() {
			return nil, result.Warnings, result.ToError()
		}
		return nil, nil, schema.NewError(schema.ErrCodeParse, "decode definition: "+err.Error()).WithCause(err)
	}
	def.ApplyDefaults()

	result.Merge(p.validator.ValidateGraph(&def))
	if err := result.ToError(); err != nil {
		return nil, result.Warnings, err
	}
	return &def, result.Warnings, nil
}

// Stringify encodes a definition in the given format. JSON output parses back
// to a deep-equal definition.
func Stringify(def *schema.WorkflowDefinition, format schema.DefinitionFormat) ([]byte, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	switch format {
	case schema.FormatJSON, "":
		return json.MarshalIndent(def, "", "  ")
	case schema.FormatYAML:
		// Go through the JSON shape so YAML keys match the JSON field names.
		raw, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("marshal definition: %w", err)
		}
		var tree any
		if err := json.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		return yaml.Marshal(tree)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported definition format %q", format)
	}
}

// normalize returns JSON text for content in either supported format.
func normalize(content []byte, format schema.DefinitionFormat) ([]byte, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, schema.NewError(schema.ErrCodeParse, "definition content is empty")
	}

	switch format {
	case schema.FormatJSON, "":
		if !json.Valid(content) {
			var probe any
			err := json.Unmarshal(content, &probe)
			return nil, schema.NewError(schema.ErrCodeParse, "invalid JSON: "+errString(err)).WithCause(err)
		}
		return content, nil
	case schema.FormatYAML:
		var tree any
		if err := yaml.Unmarshal(content, &tree); err != nil {
			return nil, schema.NewError(schema.ErrCodeParse, "invalid YAML: "+err.Error()).WithCause(err)
		}
		tree, err := jsonCompatible(tree)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeParse, "invalid YAML: "+err.Error()).WithCause(err)
		}
		out, err := json.Marshal(tree)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeParse, "invalid YAML: "+err.Error()).WithCause(err)
		}
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeParse, "unsupported definition format %q", format)
	}
}

// jsonCompatible rewrites YAML maps with non-string keys into string-keyed maps.
func jsonCompatible(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = c
		}
		return out, nil
	case []any:
		for i, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	default:
		return v, nil
	}
}

func errString(err error) string {
	if err == nil {
		return "malformed document"
	}
	return err.Error()
}
