package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Definitions (append-only; editing a workflow adds a version)
	CreateDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*Execution, int, error)

	// Node executions (one row per execution and node)
	UpsertNodeExecution(ctx context.Context, ne *NodeExecution) error
	GetNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error)
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)
	LastCompletedNodeExecution(ctx context.Context, executionID string) (*NodeExecution, error)
	MarkNodeExecutionsFailed(ctx context.Context, executionID string, nodeIDs []string, message string) (int64, error)

	// Approvals
	CreateApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, executionID, nodeID string) (*Approval, error)
	UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error
	ListPendingApprovals(ctx context.Context, executionID string) ([]*Approval, error)

	// Events (append-only audit trail)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
