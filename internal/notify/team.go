package notify

import (
	"context"

	"github.com/rendis/migraflow/internal/streaming"
	"github.com/rendis/migraflow/pkg/schema"
)

// TeamPublisher delivers team notifications as hub events.
type TeamPublisher struct {
	hub streaming.EventHub
}

// NewTeamPublisher creates a TeamPublisher.
func NewTeamPublisher(hub streaming.EventHub) *TeamPublisher {
	return &TeamPublisher{hub: hub}
}

// Publish emits a team_notification event for teamID.
func (t *TeamPublisher) Publish(ctx context.Context, teamID string, msg Message) error {
	return t.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: msg.ExecutionID,
		WorkflowID:  msg.WorkflowID,
		NodeID:      msg.NodeID,
		TeamID:      teamID,
		EventType:   schema.EventTeamNotification,
		Payload: map[string]any{
			"subject":  msg.Subject,
			"message":  msg.Body,
			"severity": msg.Severity,
		},
	})
}
