package engine

import (
	"github.com/rendis/migraflow/pkg/schema"
)

// Graph is the in-memory adjacency view of a definition, built once per run.
type Graph struct {
	Nodes    map[string]schema.Node   // node ID → node
	Incoming map[string][]schema.Edge // node ID → edges targeting it, declaration order
	Outgoing map[string][]schema.Edge // node ID → edges leaving it, declaration order
	Order    []schema.Node            // execution order
}

// BuildGraph indexes the definition and computes its execution order.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	order, err := ExecutionOrder(def.Nodes, def.Edges)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		Nodes:    make(map[string]schema.Node, len(def.Nodes)),
		Incoming: make(map[string][]schema.Edge, len(def.Nodes)),
		Outgoing: make(map[string][]schema.Edge, len(def.Nodes)),
		Order:    order,
	}
	for _, n := range def.Nodes {
		g.Nodes[n.ID] = n
	}
	for _, e := range def.Edges {
		g.Outgoing[e.Source] = append(g.Outgoing[e.Source], e)
		g.Incoming[e.Target] = append(g.Incoming[e.Target], e)
	}
	return g, nil
}

// IndexOf returns the position of a node in the execution order, or -1.
func (g *Graph) IndexOf(nodeID string) int {
	for i, n := range g.Order {
		if n.ID == nodeID {
			return i
		}
	}
	return -1
}

// ExecutionOrder linearizes the graph with Kahn's algorithm. Zero in-degree
// nodes are queued in declaration order and successors in edge declaration
// order, so the same input always yields the same sequence. An order shorter
// than the node count means a cycle or an edge into an unknown node.
func ExecutionOrder(nodes []schema.Node, edges []schema.Edge) ([]schema.Node, error) {
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] = 0
	}

	successors := make(map[string][]string, len(nodes))
	for _, e := range edges {
		successors[e.Source] = append(successors[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]schema.Node, 0, len(nodes))
	index := make(map[string]schema.Node, len(nodes))
	for _, n := range nodes {
		index[n.ID] = n
		if inDegree[n.ID] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]schema.Node, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		for _, next := range successors[n.ID] {
			inDegree[next]--
			if inDegree[next] == 0 {
				if succ, ok := index[next]; ok {
					queue = append(queue, succ)
				}
			}
		}
	}

	if len(order) < len(nodes) {
		placed := make(map[string]bool, len(order))
		for _, n := range order {
			placed[n.ID] = true
		}
		var stuck []string
		for _, n := range nodes {
			if !placed[n.ID] {
				stuck = append(stuck, n.ID)
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"execution order covers %d of %d nodes", len(order), len(nodes)).
			WithDetails(map[string]any{"unscheduled": stuck})
	}
	return order, nil
}
