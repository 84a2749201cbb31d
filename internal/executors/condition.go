package executors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/migraflow/internal/expressions"
	"github.com/rendis/migraflow/internal/validation"
	"github.com/rendis/migraflow/pkg/schema"
)

// ConditionExecutor evaluates a boolean expression. Routing on the result
// is done by the engine.
type ConditionExecutor struct {
	engines *expressions.Engines
}

// NewConditionExecutor creates a ConditionExecutor.
func NewConditionExecutor(engines *expressions.Engines) *ConditionExecutor {
	return &ConditionExecutor{engines: engines}
}

func (e *ConditionExecutor) Execute(ctx context.Context, node schema.Node, ectx *ExecutionContext) *Result {
	start := time.Now()

	if node.Data == nil || node.Data["expression"] == nil {
		return failMsg(start, "condition node %s has no expression", node.ID)
	}
	typed, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeCondition, node.Data)
	if !vr.Valid() {
		return invalid(start, vr)
	}
	data := typed.(*schema.ConditionData)

	var (
		value any
		err   error
	)
	switch expr := data.Expression.(type) {
	case bool:
		value = expr
	case string:
		if strings.TrimSpace(expr) == "" {
			return failMsg(start, "condition node %s has no expression", node.ID)
		}
		engine, engErr := e.engines.Condition(data.Engine)
		if engErr != nil {
			return fail(start, engErr)
		}
		value, err = engine.Evaluate(ctx, expr, ectx.TemplateContext().Root())
		if err != nil {
			return fail(start, err)
		}
	default:
		return failMsg(start, "condition expression must be a string or boolean, got %T", data.Expression)
	}

	result, ok := value.(bool)
	if !ok {
		return failMsg(start, "condition did not evaluate to a boolean (got %s)", describe(value))
	}

	engine := data.Engine
	if engine == "" {
		engine = "cel"
	}
	return succeed(start, map[string]any{
		"result":     result,
		"expression": data.Expression,
		"engine":     engine,
	})
}

func (e *ConditionExecutor) Validate(node schema.Node) *schema.ValidationResult {
	_, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeCondition, node.Data)
	if node.Data == nil || node.Data["expression"] == nil {
		vr.AddError("nodes["+node.ID+"].data.expression", schema.ErrCodeValidation, "expression is required")
	}
	return vr
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
