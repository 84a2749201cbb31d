package executors

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/migraflow/internal/actions"
	"github.com/rendis/migraflow/internal/validation"
	"github.com/rendis/migraflow/pkg/schema"
)

// ActionExecutor dispatches action nodes on data.action.
type ActionExecutor struct {
	actions actions.ActionRegistry
	logger  *slog.Logger
}

// NewActionExecutor creates an ActionExecutor.
func NewActionExecutor(reg actions.ActionRegistry, logger *slog.Logger) *ActionExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionExecutor{actions: reg, logger: logger}
}

func (e *ActionExecutor) Execute(ctx context.Context, node schema.Node, ectx *ExecutionContext) *Result {
	start := time.Now()

	typed, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeAction, node.Data)
	if !vr.Valid() {
		return invalid(start, vr)
	}
	data := typed.(*schema.ActionData)

	action, err := e.actions.Get(data.Action)
	if err != nil {
		return fail(start, err)
	}

	conn := data.ConnectionID
	if conn == "" {
		conn = ectx.ConnectionID
	}

	out, err := action.Execute(ctx, actions.ActionInput{
		NodeID:       node.ID,
		Data:         data,
		ConnectionID: conn,
		User:         ectx.CurrentUser,
		WorkflowID:   ectx.WorkflowID,
		ExecutionID:  ectx.ExecutionID,
		Variables:    ectx.Variables,
	})
	if err != nil {
		e.logger.DebugContext(ctx, "action failed", "action", data.Action, "error", err)
		return fail(start, err)
	}

	if len(out.SetVariables) > 0 {
		if ectx.Variables == nil {
			ectx.Variables = map[string]any{}
		}
		for k, v := range out.SetVariables {
			ectx.Variables[k] = v
		}
	}
	return succeed(start, out.Data)
}

func (e *ActionExecutor) Validate(node schema.Node) *schema.ValidationResult {
	typed, vr := validation.ValidateNodeData(node.ID, schema.NodeTypeAction, node.Data)
	if !vr.Valid() {
		return vr
	}
	data := typed.(*schema.ActionData)
	action, err := e.actions.Get(data.Action)
	if err != nil {
		vr.AddError("nodes["+node.ID+"].data.action", schema.ErrCodeUnknownExecutor, schema.Message(err))
		return vr
	}
	if err := action.Validate(data); err != nil {
		vr.AddError("nodes["+node.ID+"].data", schema.ErrCodeValidation, schema.Message(err))
	}
	return vr
}
