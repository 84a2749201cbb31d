package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/migraflow/pkg/schema"
)

func transform(t *testing.T, fn string, input any) (any, error) {
	t.Helper()
	out, err := NewTransformDataAction(nil).Execute(context.Background(), ActionInput{
		Data: &schema.ActionData{Action: schema.ActionTransformData, TransformFunction: fn, Input: input},
	})
	if err != nil {
		return nil, err
	}
	return out.Data.(map[string]any)["result"], nil
}

func TestTransformData_NamedFunctions(t *testing.T) {
	obj := map[string]any{"b": 2.0, "a": 1.0}

	tests := []struct {
		fn    string
		input any
		want  any
	}{
		{"uppercase", "users", "USERS"},
		{"lowercase", "USERS", "users"},
		{"json_parse", `{"x":[1,2]}`, map[string]any{"x": []any{1.0, 2.0}}},
		{"json_stringify", map[string]any{"x": 1}, `{"x":1}`},
		{"length", "héllo", 5},
		{"length", []any{1, 2, 3}, 3},
		{"keys", obj, []any{"a", "b"}},
		{"values", obj, []any{1.0, 2.0}},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			got, err := transform(t, tt.fn, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransformData_DottedPath(t *testing.T) {
	input := map[string]any{"result": map[string]any{"rows": []any{1, 2}, "$meta": "m"}}

	got, err := transform(t, "result.rows", input)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, got)

	got, err = transform(t, "result.$meta", input)
	require.NoError(t, err)
	assert.Equal(t, "m", got)

	got, err = transform(t, "result.missing", input)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTransformData_RejectsCode(t *testing.T) {
	for _, fn := range []string{
		"a; process.exit(1)",
		"input.map(x => x)",
		".[] | env",
		"a..b",
		"1abc",
	} {
		_, err := transform(t, fn, map[string]any{})
		require.Error(t, err, fn)
		assert.Equal(t, "unsupported transform function: "+fn, schema.Message(err))
	}
}

func TestTransformData_OutputVariable(t *testing.T) {
	out, err := NewTransformDataAction(nil).Execute(context.Background(), ActionInput{
		Data: &schema.ActionData{TransformFunction: "uppercase", Input: "x", OutputVariable: "upper"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"upper": "X"}, out.SetVariables)
}

func TestTransformData_BadInput(t *testing.T) {
	_, err := transform(t, "json_parse", 42)
	require.Error(t, err)
	_, err = transform(t, "keys", "not an object")
	require.Error(t, err)
}

func TestSetVariable(t *testing.T) {
	a := &SetVariableAction{}
	out, err := a.Execute(context.Background(), ActionInput{
		Data: &schema.ActionData{VariableName: "target", Value: map[string]any{"env": "prod"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"target": map[string]any{"env": "prod"}}, out.SetVariables)

	_, err = a.Execute(context.Background(), ActionInput{Data: &schema.ActionData{}})
	assert.True(t, schema.IsValidationError(err))
}
