package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/migraflow/internal/streaming"
	"github.com/rendis/migraflow/pkg/schema"
)

// sessionSender pushes a notification to one MCP session.
// Satisfied by *server.MCPServer.
type sessionSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// ApprovalNotifier pushes approval requests to approvers connected over MCP.
type ApprovalNotifier struct {
	sender   sessionSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewApprovalNotifier creates a notifier that pushes through sender.
func NewApprovalNotifier(sender sessionSender, sessions *SessionRegistry, logger *slog.Logger) *ApprovalNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalNotifier{sender: sender, sessions: sessions, logger: logger}
}

// Notify sends a notification to the user's session.
// Best-effort: returns nil if the user is not connected.
func (n *ApprovalNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward subscribes to approval requests on hub and notifies each listed
// approver until ctx ends.
func (n *ApprovalNotifier) Forward(ctx context.Context, hub streaming.EventHub) error {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventApprovalRequested},
	})
	if err != nil {
		return err
	}
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				n.dispatch(ctx, ev)
			}
		}
	}()
	return nil
}

func (n *ApprovalNotifier) dispatch(ctx context.Context, ev streaming.StreamEvent) {
	data, _ := ev.Payload.(map[string]any)
	payload := map[string]any{
		"type":         schema.EventApprovalRequested,
		"execution_id": ev.ExecutionID,
		"workflow_id":  ev.WorkflowID,
		"node_id":      ev.NodeID,
	}
	if msg, ok := data["message"].(string); ok && msg != "" {
		payload["message"] = msg
	}
	approvers, _ := data["approvers"].([]any)
	for _, a := range approvers {
		userID, ok := a.(string)
		if !ok {
			continue
		}
		if err := n.Notify(ctx, userID, payload); err != nil {
			n.logger.Warn("approval notification failed",
				"user_id", userID,
				"execution_id", ev.ExecutionID,
				"error", err,
			)
		}
	}
}
