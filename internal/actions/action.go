// Package actions implements the units of work an action node dispatches to,
// keyed by the node's "action" discriminator.
package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/migraflow/pkg/schema"
)

// Action is an executable unit of work behind an action discriminator.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(data *schema.ActionData) error
}

// ActionRegistry manages the lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	Has(name string) bool
	List() []ActionInfo
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time. Data has
// already had its templates resolved.
type ActionInput struct {
	NodeID       string
	Data         *schema.ActionData
	ConnectionID string
	User         schema.User
	WorkflowID   string
	ExecutionID  string
	Variables    map[string]any
}

// ActionOutput is the result of an action execution. SetVariables are merged
// into the execution's variables by the caller.
type ActionOutput struct {
	Data         any            `json:"data,omitempty"`
	SetVariables map[string]any `json:"-"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// failf builds the error an action returns when its work fails.
func failf(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNodeFailed, format, args...)
}

// invalidf builds the error an action returns for unusable node data.
func invalidf(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...)
}
