package expressions

import (
	"encoding/json"
	"sync"
)

// Outputs accumulates node outputs during a run. Values are deep-copied on
// insert and on read, so executors never share mutable state through it.
type Outputs struct {
	mu    sync.RWMutex
	nodes map[string]any
}

// NewOutputs creates an empty output set.
func NewOutputs() *Outputs {
	return &Outputs{nodes: make(map[string]any)}
}

// Set records a node's output, replacing any earlier value.
func (o *Outputs) Set(nodeID string, output any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodes[nodeID] = deepCopyAny(output)
}

// SetRaw records a persisted JSON output.
func (o *Outputs) SetRaw(nodeID string, raw json.RawMessage) error {
	var parsed any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return err
		}
	}
	o.Set(nodeID, parsed)
	return nil
}

// Get returns a copy of a node's output.
func (o *Outputs) Get(nodeID string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.nodes[nodeID]
	return deepCopyAny(v), ok
}

// Len returns the number of recorded nodes.
func (o *Outputs) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.nodes)
}

// Snapshot returns a deep copy of all outputs.
func (o *Outputs) Snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return deepCopyMap(o.nodes)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny copies maps, slices and raw JSON; other values are returned as is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
