package diagram

import (
	"fmt"

	"github.com/rendis/migraflow/internal/engine"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a definition and optional node rows
// of one execution. Nodes follow execution order between a virtual start
// and end node.
func Build(def *schema.WorkflowDefinition, rows []*store.NodeExecution) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: definition is nil")
	}
	order, err := engine.ExecutionOrder(def.Nodes, def.Edges)
	if err != nil {
		return nil, fmt.Errorf("diagram: order nodes: %w", err)
	}

	states := make(map[string]*store.NodeExecution, len(rows))
	for _, r := range rows {
		states[r.NodeID] = r
	}

	nodes := make([]*Node, 0, len(order)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, n := range order {
		node := &Node{ID: n.ID, Label: nodeLabel(n), Kind: kindOf(n.Type)}
		if r, ok := states[n.ID]; ok {
			node.Status = &StatusOverlay{
				Status:     string(r.Status),
				DurationMs: r.DurationMs,
				Error:      r.Error,
			}
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title: def.Name,
		Nodes: nodes,
		Edges: buildEdges(order, def.Edges),
	}, nil
}

// buildEdges copies the definition edges and links roots to start and
// leaves to end.
func buildEdges(order []schema.Node, defEdges []schema.Edge) []Edge {
	hasIn := make(map[string]bool, len(order))
	hasOut := make(map[string]bool, len(order))
	for _, e := range defEdges {
		hasIn[e.Target] = true
		hasOut[e.Source] = true
	}

	var edges []Edge
	for _, n := range order {
		if !hasIn[n.ID] {
			edges = append(edges, Edge{From: startID, To: n.ID})
		}
	}
	for _, e := range defEdges {
		label := e.Branch()
		if label == "" {
			label = e.Label
		}
		edges = append(edges, Edge{From: e.Source, To: e.Target, Label: label})
	}
	for _, n := range order {
		if !hasOut[n.ID] {
			edges = append(edges, Edge{From: n.ID, To: endID})
		}
	}
	return edges
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeTrigger:
		return NodeKindTrigger
	case schema.NodeTypeCondition:
		return NodeKindCondition
	case schema.NodeTypeApproval:
		return NodeKindApproval
	case schema.NodeTypeNotification:
		return NodeKindNotification
	case schema.NodeTypeDelay:
		return NodeKindDelay
	case schema.NodeTypeDiscoverMigrations, schema.NodeTypeDryRun,
		schema.NodeTypeExecuteMigrations, schema.NodeTypeRollback:
		return NodeKindMigration
	default:
		return NodeKindAction
	}
}

// nodeLabel shows the display name, with the action for generic action nodes.
func nodeLabel(n schema.Node) string {
	if n.Type == schema.NodeTypeAction {
		if action, _ := n.Data["action"].(string); action != "" {
			return fmt.Sprintf("%s (%s)", n.DisplayName(), action)
		}
	}
	return n.DisplayName()
}
