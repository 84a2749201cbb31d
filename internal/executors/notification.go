package executors

import (
	"context"
	"time"

	"github.com/rendis/migraflow/internal/notify"
	"github.com/rendis/migraflow/internal/validation"
	"github.com/rendis/migraflow/pkg/schema"
)

// NotificationExecutor sends notification nodes through a notify.Notifier.
type NotificationExecutor struct {
	notifier notify.Notifier
}

// NewNotificationExecutor creates a NotificationExecutor.
func NewNotificationExecutor(n notify.Notifier) *NotificationExecutor {
	return &NotificationExecutor{notifier: n}
}

func (e *NotificationExecutor) Execute(ctx context.Context, node schema.Node, ectx *ExecutionContext) *Result {
	start := time.Now()

	typed, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeNotification, node.Data)
	if !vr.Valid() {
		return invalid(start, vr)
	}
	data := typed.(*schema.NotificationData)

	teamID := data.TeamID
	if teamID == "" {
		teamID = ectx.TeamID
	}
	report, err := e.notifier.Send(ctx, notify.Message{
		Provider:    data.Provider,
		Recipients:  data.Recipients,
		Subject:     data.Subject,
		Body:        data.Message,
		WebhookURL:  data.WebhookURL,
		Channel:     data.Channel,
		Severity:    data.Severity,
		RoutingKey:  data.RoutingKey,
		TeamID:      teamID,
		ExecutionID: ectx.ExecutionID,
		WorkflowID:  ectx.WorkflowID,
		NodeID:      node.ID,
	})
	if err != nil {
		return fail(start, err)
	}
	if report.Sent == 0 {
		return failMsg(start, "notification failed: %s", report.Errors())
	}
	return succeed(start, map[string]any{
		"provider": report.Provider,
		"sent":     report.Sent,
		"failed":   report.Failed,
		"results":  report.Results,
	})
}

func (e *NotificationExecutor) Validate(node schema.Node) *schema.ValidationResult {
	_, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeNotification, node.Data)
	return vr
}
