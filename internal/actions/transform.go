package actions

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rendis/migraflow/internal/expressions"
	"github.com/rendis/migraflow/pkg/schema"
)

// Only these names, or a plain dotted path, are accepted as transform
// functions. Nothing else is ever evaluated.
var transformPathPattern = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*(\.[a-zA-Z_$][a-zA-Z0-9_$]*)*$`)

type transformFunc func(input any) (any, error)

// TransformDataAction implements "transform_data".
type TransformDataAction struct {
	jq        *expressions.GoJQEngine
	functions map[string]transformFunc
}

// NewTransformDataAction creates a new transform_data action. Path access
// runs through jq.
func NewTransformDataAction(jq *expressions.GoJQEngine) *TransformDataAction {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &TransformDataAction{
		jq: jq,
		functions: map[string]transformFunc{
			"uppercase":      func(in any) (any, error) { return strings.ToUpper(expressions.Stringify(in)), nil },
			"lowercase":      func(in any) (any, error) { return strings.ToLower(expressions.Stringify(in)), nil },
			"json_parse":     jsonParse,
			"json_stringify": jsonStringify,
			"length":         length,
			"keys":           keys,
			"values":         values,
		},
	}
}

func (a *TransformDataAction) Name() string { return schema.ActionTransformData }

func (a *TransformDataAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Apply a named transform (uppercase, lowercase, json_parse, json_stringify, length, keys, values) or a dotted path to the input.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"input":{},"transformFunction":{"type":"string"},"outputVariable":{"type":"string"}},"required":["transformFunction"]}`),
	}
}

func (a *TransformDataAction) Validate(data *schema.ActionData) error {
	fn := strings.TrimSpace(data.TransformFunction)
	if fn == "" {
		return invalidf("transform_data requires a transformFunction")
	}
	if _, ok := a.functions[fn]; ok {
		return nil
	}
	if !transformPathPattern.MatchString(fn) {
		return failf("unsupported transform function: %s", data.TransformFunction)
	}
	return nil
}

func (a *TransformDataAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	data := input.Data
	if err := a.Validate(data); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(data.TransformFunction)

	var (
		result any
		err    error
	)
	if fn, ok := a.functions[name]; ok {
		result, err = fn(data.Input)
	} else {
		result, err = a.jq.EvaluateValue(ctx, expressions.PathQuery(name), data.Input)
	}
	if err != nil {
		return nil, failf("transform %s: %v", name, err).WithCause(err)
	}

	out := &ActionOutput{Data: map[string]any{"result": result}}
	if data.OutputVariable != "" {
		out.SetVariables = map[string]any{data.OutputVariable: result}
	}
	return out, nil
}

func jsonParse(in any) (any, error) {
	s, ok := in.(string)
	if !ok {
		return nil, invalidf("json_parse expects a string, got %T", in)
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jsonStringify(in any) (any, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func length(in any) (any, error) {
	switch v := in.(type) {
	case nil:
		return 0, nil
	case string:
		return utf8.RuneCountInString(v), nil
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	default:
		return nil, invalidf("length is not defined for %T", in)
	}
}

func sortedKeys(in any) ([]string, map[string]any, error) {
	m, ok := in.(map[string]any)
	if !ok {
		return nil, nil, invalidf("expected an object, got %T", in)
	}
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks, m, nil
}

func keys(in any) (any, error) {
	ks, _, err := sortedKeys(in)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(ks))
	for i, k := range ks {
		out[i] = k
	}
	return out, nil
}

func values(in any) (any, error) {
	ks, m, err := sortedKeys(in)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(ks))
	for i, k := range ks {
		out[i] = m[k]
	}
	return out, nil
}

// SetVariableAction implements "set_variable".
type SetVariableAction struct{}

func (a *SetVariableAction) Name() string { return schema.ActionSetVariable }

func (a *SetVariableAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Assign a value to a workflow variable.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"variableName":{"type":"string"},"value":{}},"required":["variableName"]}`),
	}
}

func (a *SetVariableAction) Validate(data *schema.ActionData) error {
	if strings.TrimSpace(data.VariableName) == "" {
		return invalidf("set_variable requires a variableName")
	}
	return nil
}

func (a *SetVariableAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	data := input.Data
	if err := a.Validate(data); err != nil {
		return nil, err
	}
	return &ActionOutput{
		Data:         map[string]any{"variableName": data.VariableName, "value": data.Value},
		SetVariables: map[string]any{data.VariableName: data.Value},
	}, nil
}

var (
	_ Action = (*TransformDataAction)(nil)
	_ Action = (*SetVariableAction)(nil)
)
