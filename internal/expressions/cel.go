package expressions

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rendis/migraflow/pkg/schema"
)

// namespaceVars are always declared in the CEL environment.
var namespaceVars = []string{"currentUser", "user", "variables", "vars", "nodes", "previousOutputs"}

var (
	celIdent    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	celReserved = map[string]bool{
		"true": true, "false": true, "null": true, "in": true, "as": true, "break": true,
		"const": true, "continue": true, "else": true, "for": true, "function": true, "if": true,
		"import": true, "let": true, "loop": true, "package": true, "namespace": true,
		"return": true, "var": true, "void": true, "while": true,
	}
)

// CELEngine evaluates condition expressions with Google's Common Expression Language.
// Node ids that are valid identifiers are declared as extra top-level variables,
// so `check.pending > 0` works next to `nodes.check.pending > 0`.
// Compiled programs are cached per expression and declared name set.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with the template namespaces declared as dyn.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(namespaceVars))
	for _, name := range namespaceVars {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against data, usually TemplateContext.Root().
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	extra := extraIdents(data)
	prg, err := e.getOrCompile(expression, extra)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(namespaceVars)+len(extra))
	for _, name := range namespaceVars {
		if v, ok := data[name]; ok && v != nil {
			activation[name] = v
		} else {
			activation[name] = map[string]any{}
		}
	}
	for _, name := range extra {
		activation[name] = data[name]
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// extraIdents lists data keys to declare beyond the fixed namespaces, sorted.
func extraIdents(data map[string]any) []string {
	var names []string
	for k := range data {
		if celReserved[k] || !celIdent.MatchString(k) || isNamespace(k) {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func isNamespace(name string) bool {
	for _, n := range namespaceVars {
		if n == name {
			return true
		}
	}
	return false
}

func (e *CELEngine) getOrCompile(expression string, extra []string) (cel.Program, error) {
	key := expression + "\x00" + strings.Join(extra, ",")

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	env := e.env
	if len(extra) > 0 {
		opts := make([]cel.EnvOption, 0, len(extra))
		for _, name := range extra {
			opts = append(opts, cel.Variable(name, cel.DynType))
		}
		extended, err := e.env.Extend(opts...)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"CEL environment error for %q: %s", expression, err.Error()).WithCause(err)
		}
		env = extended
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[key] = prg
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
