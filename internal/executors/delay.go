package executors

import (
	"context"
	"time"

	"github.com/rendis/migraflow/internal/validation"
	"github.com/rendis/migraflow/pkg/schema"
)

// DelayExecutor waits for the node's duration. Cancelling ctx ends the wait
// with a failure.
type DelayExecutor struct{}

func (DelayExecutor) Execute(ctx context.Context, node schema.Node, _ *ExecutionContext) *Result {
	start := time.Now()

	typed, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeDelay, node.Data)
	if !vr.Valid() {
		return invalid(start, vr)
	}
	data := typed.(*schema.DelayData)
	wait := data.Interval()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return failMsg(start, "delay interrupted: %v", ctx.Err())
		}
	}
	return succeed(start, map[string]any{"delayed": wait.Seconds()})
}

func (DelayExecutor) Validate(node schema.Node) *schema.ValidationResult {
	_, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeDelay, node.Data)
	return vr
}

// TriggerExecutor marks trigger nodes as fired.
type TriggerExecutor struct{}

func (TriggerExecutor) Execute(_ context.Context, _ schema.Node, _ *ExecutionContext) *Result {
	return succeed(time.Now(), map[string]any{"triggered": true})
}

func (TriggerExecutor) Validate(node schema.Node) *schema.ValidationResult {
	_, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeTrigger, node.Data)
	return vr
}
