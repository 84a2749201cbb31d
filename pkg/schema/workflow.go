package schema

// DefaultDefinitionVersion is applied when a definition omits "version".
const DefaultDefinitionVersion = "1.0"

// WorkflowDefinition is the serializable graph of one automation.
// Definitions are immutable once stored; edits produce a new definition row.
type WorkflowDefinition struct {
	Version     string               `json:"version" yaml:"version"`
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     TriggerKind          `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Variables   []VariableDefinition `json:"variables,omitempty" yaml:"variables,omitempty"`
	Nodes       []Node               `json:"nodes" yaml:"nodes"`
	Edges       []Edge               `json:"edges" yaml:"edges"`
}

// TriggerKind describes how a workflow is started.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerWebhook   TriggerKind = "webhook"
	TriggerEvent     TriggerKind = "event"
)

// VariableType enumerates declared variable slot types.
type VariableType string

const (
	VariableString  VariableType = "string"
	VariableNumber  VariableType = "number"
	VariableBoolean VariableType = "boolean"
	VariableObject  VariableType = "object"
	VariableSecret  VariableType = "secret"
)

// VariableDefinition declares one variable slot of a workflow.
type VariableDefinition struct {
	Name     string       `json:"name" yaml:"name"`
	Type     VariableType `json:"type" yaml:"type"`
	Default  any          `json:"default,omitempty" yaml:"default,omitempty"`
	IsSecret bool         `json:"isSecret,omitempty" yaml:"isSecret,omitempty"`
}

// Secret reports whether the variable value must be kept out of logs and stored context.
func (v VariableDefinition) Secret() bool {
	return v.IsSecret || v.Type == VariableSecret
}

// Node is one unit of work or control flow. Data may hold {{...}} templates,
// resolved at execution time only.
type Node struct {
	ID    string         `json:"id" yaml:"id"`
	Type  NodeType       `json:"type" yaml:"type"`
	Label string         `json:"label,omitempty" yaml:"label,omitempty"`
	Data  map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Clone returns a copy of the node whose Data map can be mutated freely.
func (n Node) Clone() Node {
	c := n
	if n.Data != nil {
		c.Data = cloneValue(n.Data).(map[string]any)
	}
	return c
}

// DisplayName returns the label, falling back to the node id.
func (n Node) DisplayName() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// Edge is a directed successor relationship between two nodes.
// Label or SourceHandle carry "true"/"false" for condition branches.
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
}

// Branch returns the branch tag of the edge ("true", "false" or "").
func (e Edge) Branch() string {
	switch {
	case e.SourceHandle == "true" || e.SourceHandle == "false":
		return e.SourceHandle
	case e.Label == "true" || e.Label == "false":
		return e.Label
	}
	return ""
}

// ApplyDefaults fills optional envelope fields and replaces nil collections
// with empty ones so a decoded definition has a single canonical shape.
func (d *WorkflowDefinition) ApplyDefaults() {
	if d.Version == "" {
		d.Version = DefaultDefinitionVersion
	}
	if d.Trigger == "" {
		d.Trigger = TriggerManual
	}
	if d.Variables == nil {
		d.Variables = []VariableDefinition{}
	}
	if d.Nodes == nil {
		d.Nodes = []Node{}
	}
	for i := range d.Nodes {
		if d.Nodes[i].Data == nil {
			d.Nodes[i].Data = map[string]any{}
		}
	}
	if d.Edges == nil {
		d.Edges = []Edge{}
	}
}

// InitialVariables returns the declared variable defaults overlaid with overrides.
func (d *WorkflowDefinition) InitialVariables(overrides map[string]any) map[string]any {
	vars := make(map[string]any, len(d.Variables)+len(overrides))
	for _, v := range d.Variables {
		if v.Default != nil {
			vars[v.Name] = cloneValue(v.Default)
		}
	}
	for k, v := range overrides {
		vars[k] = v
	}
	return vars
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// User identifies who triggered or is acting on an execution.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Map returns the user as a template namespace value.
func (u User) Map() map[string]any {
	return map[string]any{"id": u.ID, "email": u.Email, "name": u.Name}
}
