package schema

// Event type constants for the execution audit log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodePaused    = "node_paused"

	EventApprovalRequested = "approval_requested"
	EventApprovalResponded = "approval_responded"
	EventApprovalResolved  = "approval_resolved"

	EventConditionEvaluated = "condition_evaluated"
	EventVariableSet        = "variable_set"
	EventTeamNotification   = "team_notification"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed || s == ExecutionCancelled
}

// NodeStatus is the lifecycle state of one node within an execution.
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
	NodeSkipped NodeStatus = "skipped"
)

// Completed reports whether a resumed run may continue past this node.
func (s NodeStatus) Completed() bool {
	return s == NodeSuccess || s == NodeSkipped
}

// ApprovalStatus is the state of an approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// DefinitionFormat is the serialization of stored definition text.
type DefinitionFormat string

const (
	FormatJSON DefinitionFormat = "json"
	FormatYAML DefinitionFormat = "yaml"
)
