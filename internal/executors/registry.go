package executors

import "github.com/rendis/migraflow/pkg/schema"

// Registry maps node categories to executors. It is built once at startup
// and read concurrently afterwards.
type Registry struct {
	executors map[schema.NodeType]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.NodeType]Executor)}
}

// Register binds an executor to a category, replacing any previous one.
func (r *Registry) Register(category schema.NodeType, exec Executor) {
	r.executors[category] = exec
}

// Get returns the executor of a category.
func (r *Registry) Get(category schema.NodeType) (Executor, error) {
	exec, ok := r.executors[category]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownExecutor, "no executor registered for node type %q", category)
	}
	return exec, nil
}
