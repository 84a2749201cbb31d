package executors

import (
	"log/slog"

	"github.com/rendis/migraflow/internal/actions"
	"github.com/rendis/migraflow/internal/expressions"
	"github.com/rendis/migraflow/internal/notify"
	"github.com/rendis/migraflow/pkg/schema"
)

// Deps are the collaborators of the built-in executors.
type Deps struct {
	Actions   actions.ActionRegistry
	Engines   *expressions.Engines
	Approvals ApprovalStore
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

// NewDefaultRegistry registers an executor for every node category.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()
	r.Register(schema.NodeTypeTrigger, TriggerExecutor{})
	r.Register(schema.NodeTypeAction, NewActionExecutor(deps.Actions, deps.Logger))
	r.Register(schema.NodeTypeCondition, NewConditionExecutor(deps.Engines))
	r.Register(schema.NodeTypeApproval, NewApprovalExecutor(deps.Approvals))
	r.Register(schema.NodeTypeNotification, NewNotificationExecutor(deps.Notifier))
	r.Register(schema.NodeTypeDelay, DelayExecutor{})
	return r
}
