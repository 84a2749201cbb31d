// Package diagram renders workflow graphs, optionally overlaid with the
// node states of one execution.
package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindTrigger      NodeKind = "trigger"
	NodeKindAction       NodeKind = "action"
	NodeKindCondition    NodeKind = "condition"
	NodeKindApproval     NodeKind = "approval"
	NodeKindNotification NodeKind = "notification"
	NodeKindDelay        NodeKind = "delay"
	NodeKindMigration    NodeKind = "migration"
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
)

// DiagramModel is the intermediate representation used by the renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.NodeStatus
	DurationMs int64
	Error      string
}

// Edge represents a successor relationship between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
