package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/migraflow/pkg/schema"
)

var (
	templatePattern  = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	fullMatchPattern = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
	indexPattern     = regexp.MustCompile(`\[(\d+)\]`)
)

// TemplateContext is the namespace {{ path }} references resolve against.
//
// Top-level names:
//   - currentUser (alias user): the user driving the execution
//   - variables (alias vars): workflow variables
//   - nodes (alias previousOutputs): node id → output
//   - every node id, mapped to that node's output
//   - every key of extra
type TemplateContext struct {
	root map[string]any
}

// NewTemplateContext builds a context. Reserved namespaces win over node ids
// and extras with the same name.
func NewTemplateContext(user schema.User, variables, previousOutputs, extra map[string]any) *TemplateContext {
	if variables == nil {
		variables = map[string]any{}
	}
	if previousOutputs == nil {
		previousOutputs = map[string]any{}
	}

	root := make(map[string]any, len(previousOutputs)+len(extra)+6)
	for id, out := range previousOutputs {
		root[id] = out
	}
	for k, v := range extra {
		root[k] = v
	}
	userMap := user.Map()
	root["currentUser"] = userMap
	root["user"] = userMap
	root["variables"] = variables
	root["vars"] = variables
	root["nodes"] = previousOutputs
	root["previousOutputs"] = previousOutputs
	return &TemplateContext{root: root}
}

// Root returns the namespace as a map, for expression engines.
func (tc *TemplateContext) Root() map[string]any {
	if tc == nil {
		return map[string]any{}
	}
	return tc.root
}

// Lookup resolves a dotted path against the context.
func (tc *TemplateContext) Lookup(path string) (any, bool) {
	return Lookup(tc.Root(), path)
}

// ResolveObject resolves every template inside value. Maps and slices are
// copied; values without templates come back unchanged.
func ResolveObject(value any, tc *TemplateContext) any {
	switch v := value.(type) {
	case string:
		return ResolveString(v, tc)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = ResolveObject(val, tc)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = ResolveObject(val, tc)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = ResolveString(val, tc)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = ResolveString(val, tc)
		}
		return out
	default:
		return value
	}
}

// ResolveString resolves templates in s. A string that is exactly one
// template yields the referenced value with its native type, or nil when the
// path does not resolve. Otherwise each template is replaced by its string
// form, with missing values rendered as "".
func ResolveString(s string, tc *TemplateContext) any {
	if !HasTemplate(s) {
		return s
	}
	if m := fullMatchPattern.FindStringSubmatch(s); m != nil {
		val, ok := tc.Lookup(m[1])
		if !ok {
			return nil
		}
		return val
	}
	return templatePattern.ReplaceAllStringFunc(s, func(token string) string {
		path := templatePattern.FindStringSubmatch(token)[1]
		val, ok := tc.Lookup(path)
		if !ok {
			return ""
		}
		return Stringify(val)
	})
}

// HasTemplate reports whether s contains a {{ }} reference.
func HasTemplate(s string) bool {
	return templatePattern.MatchString(s)
}

// Stringify renders a value for string interpolation.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Lookup walks a dotted path ("a.b.0.c" or "a.b[0].c") through maps and
// slices. Other values are decoded through JSON before descending. The
// boolean is false when any segment is missing.
func Lookup(root any, path string) (any, bool) {
	path = strings.TrimSpace(indexPattern.ReplaceAllString(path, ".$1"))
	if path == "" {
		return root, true
	}

	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(current any, seg string) (any, bool) {
	switch v := current.(type) {
	case nil:
		return nil, false
	case map[string]any:
		val, ok := v[seg]
		return val, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return v[i], true
	case string, bool, float64, int, int64:
		return nil, false
	default:
		generic, ok := toGeneric(v)
		if !ok {
			return nil, false
		}
		return step(generic, seg)
	}
}

// toGeneric converts typed structs, maps and slices to their JSON shape.
func toGeneric(v any) (any, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	switch out.(type) {
	case map[string]any, []any:
		return out, true
	default:
		return nil, false
	}
}
