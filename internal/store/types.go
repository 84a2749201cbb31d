package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/migraflow/pkg/schema"
)

// Workflow is a named, team-owned workflow pointing at its current definition.
type Workflow struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	TeamID       string    `json:"team_id,omitempty"`
	DefinitionID string    `json:"definition_id,omitempty"`
	IsPublished  bool      `json:"is_published"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Definition is one immutable version of a workflow's definition text.
type Definition struct {
	ID         string                  `json:"id"`
	WorkflowID string                  `json:"workflow_id"`
	Version    int                     `json:"version"`
	Content    string                  `json:"content"`
	Format     schema.DefinitionFormat `json:"format"`
	CreatedAt  time.Time               `json:"created_at"`
}

// Execution is the persisted record of one workflow run.
type Execution struct {
	ID           string                 `json:"id"`
	WorkflowID   string                 `json:"workflow_id"`
	DefinitionID string                 `json:"definition_id"`
	Status       schema.ExecutionStatus `json:"status"`
	TriggeredBy  string                 `json:"triggered_by,omitempty"`
	Context      json.RawMessage        `json:"context,omitempty"`
	Output       json.RawMessage        `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	TriggeredAt  time.Time              `json:"triggered_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// NodeExecution is the state of a single node within an execution.
type NodeExecution struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	NodeType    schema.NodeType   `json:"node_type"`
	NodeName    string            `json:"node_name,omitempty"`
	Status      schema.NodeStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ApprovalResponse is one approver's recorded decision.
type ApprovalResponse struct {
	UserID    string    `json:"user_id"`
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Approval gates an approval node until enough approvers respond.
type Approval struct {
	ID          string                `json:"id"`
	ExecutionID string                `json:"execution_id"`
	NodeID      string                `json:"node_id"`
	Approvers   []string              `json:"approvers"`
	RequireAll  bool                  `json:"require_all"`
	Message     string                `json:"message,omitempty"`
	Status      schema.ApprovalStatus `json:"status"`
	Responses   []ApprovalResponse    `json:"responses,omitempty"`
	ExpiresAt   time.Time             `json:"expires_at"`
	CreatedAt   time.Time             `json:"created_at"`
	ResolvedAt  *time.Time            `json:"resolved_at,omitempty"`
}

// Event is an immutable entry in an execution's audit trail.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filters ---

// WorkflowFilter controls workflow listing.
type WorkflowFilter struct {
	TeamID    string
	Published *bool
	Limit     int
	Offset    int
}

// --- Update types ---

// WorkflowUpdate holds the mutable workflow columns. Nil fields are left unchanged.
type WorkflowUpdate struct {
	Name         *string
	Description  *string
	DefinitionID *string
	IsPublished  *bool
}

// ExecutionUpdate holds the mutable execution columns. Nil fields are left unchanged.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Context     json.RawMessage
	Output      json.RawMessage
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ApprovalUpdate holds the mutable approval columns. Nil fields are left unchanged.
type ApprovalUpdate struct {
	Status     *schema.ApprovalStatus
	Responses  []ApprovalResponse
	ResolvedAt *time.Time
}
