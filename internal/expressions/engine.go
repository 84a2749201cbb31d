package expressions

import (
	"context"
	"fmt"
	"strings"
)

// Engine evaluates expressions against a data namespace.
// CEL and Expr evaluate conditions; GoJQ serves path access in transforms.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles the expression engines built once at startup.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines creates all engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{CEL: celEngine, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}

// Condition returns the condition engine for a name. Empty means CEL.
func (e *Engines) Condition(name string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cel":
		return e.CEL, nil
	case "expr":
		return e.Expr, nil
	default:
		return nil, fmt.Errorf("unknown condition engine %q", name)
	}
}
