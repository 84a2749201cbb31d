package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/migraflow/internal/secrets"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/internal/streaming"
)

// journal appends FSM events to the store and mirrors them to the hub.
type journal struct {
	store store.Store
	hub   streaming.EventHub
	meta  func(executionID string) (workflowID, teamID string)
}

func (j *journal) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := j.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if j.hub == nil {
		return nil
	}

	se := streaming.StreamEvent{
		ExecutionID: event.ExecutionID,
		NodeID:      event.NodeID,
		EventType:   event.Type,
		Timestamp:   event.Timestamp,
	}
	if j.meta != nil {
		se.WorkflowID, se.TeamID = j.meta(event.ExecutionID)
	}
	if len(event.Payload) > 0 {
		var payload any
		if json.Unmarshal(event.Payload, &payload) == nil {
			se.Payload = payload
		}
	}
	// Delivery is best effort; the store row is the record.
	_ = j.hub.Publish(ctx, se)
	return nil
}

// redact replaces every occurrence of a secret value inside v.
func redact(v any, values []string) any {
	if len(values) == 0 {
		return v
	}
	switch val := v.(type) {
	case string:
		for _, s := range values {
			val = strings.ReplaceAll(val, s, secrets.Masked)
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = redact(item, values)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redact(item, values)
		}
		return out
	default:
		return v
	}
}
