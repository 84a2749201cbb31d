package executors

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/internal/validation"
	"github.com/rendis/migraflow/pkg/schema"
)

// ApprovalStore is the part of the store approvals need.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *store.Approval) error
	GetApproval(ctx context.Context, executionID, nodeID string) (*store.Approval, error)
	UpdateApproval(ctx context.Context, id string, update store.ApprovalUpdate) error
}

// ApprovalExecutor gates a run on human approval. The first visit opens an
// approval and pauses; the visit after resume reads the decision.
type ApprovalExecutor struct {
	store ApprovalStore
	now   func() time.Time
}

// NewApprovalExecutor creates an ApprovalExecutor.
func NewApprovalExecutor(s ApprovalStore) *ApprovalExecutor {
	return &ApprovalExecutor{store: s, now: time.Now}
}

func (e *ApprovalExecutor) Execute(ctx context.Context, node schema.Node, ectx *ExecutionContext) *Result {
	start := time.Now()

	typed, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeApproval, node.Data)
	if !vr.Valid() {
		return invalid(start, vr)
	}
	data := typed.(*schema.ApprovalData)

	creator := ectx.CurrentUser.ID
	if data.SkipIfCreator && creator != "" && slices.Contains(data.Approvers, creator) {
		return succeed(start, map[string]any{
			"approved":     true,
			"autoApproved": true,
			"approvedBy":   creator,
		})
	}

	if ectx.Preview {
		return succeed(start, map[string]any{
			"approvalRequired": true,
			"approvers":        data.Approvers,
			"requireAll":       data.RequireAll,
			"timeoutSeconds":   int(data.TimeoutDuration().Seconds()),
		})
	}

	existing, err := e.store.GetApproval(ctx, ectx.ExecutionID, node.ID)
	if err != nil && !schema.IsNotFound(err) {
		return fail(start, err)
	}

	if existing == nil {
		now := e.now().UTC()
		a := &store.Approval{
			ID:          uuid.NewString(),
			ExecutionID: ectx.ExecutionID,
			NodeID:      node.ID,
			Approvers:   data.Approvers,
			RequireAll:  data.RequireAll,
			Message:     data.Message,
			Status:      schema.ApprovalPending,
			ExpiresAt:   now.Add(data.TimeoutDuration()),
			CreatedAt:   now,
		}
		if err := e.store.CreateApproval(ctx, a); err != nil {
			return fail(start, err)
		}
		return paused(start, pendingOutput(a))
	}

	if existing.Status == schema.ApprovalPending && e.now().After(existing.ExpiresAt) {
		status := schema.ApprovalExpired
		resolved := e.now().UTC()
		if err := e.store.UpdateApproval(ctx, existing.ID, store.ApprovalUpdate{Status: &status, ResolvedAt: &resolved}); err != nil {
			return fail(start, err)
		}
		existing.Status = status
	}

	switch existing.Status {
	case schema.ApprovalApproved:
		return succeed(start, map[string]any{
			"approved":   true,
			"approvalId": existing.ID,
			"responses":  existing.Responses,
		})
	case schema.ApprovalRejected:
		msg := "approval rejected"
		for _, r := range existing.Responses {
			if !r.Approved {
				msg += " by " + r.UserID
				if r.Comment != "" {
					msg += ": " + r.Comment
				}
				break
			}
		}
		return failMsg(start, "%s", msg)
	case schema.ApprovalExpired:
		return failMsg(start, "approval expired at %s", existing.ExpiresAt.Format(time.RFC3339))
	default:
		return paused(start, pendingOutput(existing))
	}
}

func (e *ApprovalExecutor) Validate(node schema.Node) *schema.ValidationResult {
	_, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeApproval, node.Data)
	return vr
}

func pendingOutput(a *store.Approval) map[string]any {
	return map[string]any{
		"approvalId": a.ID,
		"status":     string(a.Status),
		"approvers":  a.Approvers,
		"expiresAt":  a.ExpiresAt,
	}
}

// Decide derives an approval's status from its responses. Any rejection
// rejects. With requireAll every approver must approve; otherwise one
// approval is enough.
func Decide(a *store.Approval) schema.ApprovalStatus {
	approved := map[string]bool{}
	for _, r := range a.Responses {
		if !r.Approved {
			return schema.ApprovalRejected
		}
		approved[r.UserID] = true
	}
	if !a.RequireAll {
		if len(approved) > 0 {
			return schema.ApprovalApproved
		}
		return schema.ApprovalPending
	}
	for _, u := range a.Approvers {
		if !approved[u] {
			return schema.ApprovalPending
		}
	}
	return schema.ApprovalApproved
}
