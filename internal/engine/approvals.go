package engine

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/migraflow/internal/executors"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

// ApprovalDecision is the state of an approval after a response.
type ApprovalDecision struct {
	ApprovalID string                `json:"approvalId"`
	Status     schema.ApprovalStatus `json:"status"`
	Responses  int                   `json:"responses"`
	Resumed    bool                  `json:"resumed"`
}

// Approve records userID's approval of the approval node nodeID.
func (e *Engine) Approve(ctx context.Context, executionID, nodeID, userID, comment string) (*ApprovalDecision, error) {
	return e.respond(ctx, executionID, nodeID, userID, comment, true)
}

// Reject records userID's rejection of the approval node nodeID.
func (e *Engine) Reject(ctx context.Context, executionID, nodeID, userID, comment string) (*ApprovalDecision, error) {
	return e.respond(ctx, executionID, nodeID, userID, comment, false)
}

// respond appends a response to a pending approval. Once the approval is
// decided the execution is resumed, and the approval node reads the outcome.
func (e *Engine) respond(ctx context.Context, executionID, nodeID, userID, comment string, approved bool) (*ApprovalDecision, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionPaused {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s, not awaiting approval", executionID, exec.Status)
	}
	a, err := e.store.GetApproval(ctx, executionID, nodeID)
	if err != nil {
		return nil, err
	}
	if a.Status != schema.ApprovalPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "approval for node %s is already %s", nodeID, a.Status).WithNode(nodeID)
	}
	if !slices.Contains(a.Approvers, userID) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "user %s is not an approver of node %s", userID, nodeID).WithNode(nodeID)
	}
	for _, r := range a.Responses {
		if r.UserID == userID {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "user %s already responded", userID).WithNode(nodeID)
		}
	}

	now := time.Now().UTC()
	a.Responses = append(a.Responses, store.ApprovalResponse{
		UserID:    userID,
		Approved:  approved,
		Comment:   comment,
		Timestamp: now,
	})
	status := executors.Decide(a)
	if status == schema.ApprovalPending && now.After(a.ExpiresAt) {
		status = schema.ApprovalExpired
	}

	update := store.ApprovalUpdate{Status: &status, Responses: a.Responses}
	if status != schema.ApprovalPending {
		update.ResolvedAt = &now
	}
	if err := e.store.UpdateApproval(ctx, a.ID, update); err != nil {
		return nil, err
	}

	_ = e.journal.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        schema.EventApprovalResponded,
		Payload:     mustJSON(map[string]any{"user_id": userID, "approved": approved, "comment": comment}),
	})

	decision := &ApprovalDecision{ApprovalID: a.ID, Status: status, Responses: len(a.Responses)}
	if status == schema.ApprovalPending {
		return decision, nil
	}

	_ = e.journal.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        schema.EventApprovalResolved,
		Payload:     mustJSON(map[string]any{"status": status}),
	})
	e.logger.InfoContext(ctx, "approval resolved", "execution_id", executionID, "node_id", nodeID, "status", status)

	res, err := e.Resume(ctx, executionID)
	if err != nil {
		return decision, err
	}
	decision.Resumed = res.Success
	return decision, nil
}
