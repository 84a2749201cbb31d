// Package executors runs single workflow nodes. Each executor serves one
// node category; the engine owns ordering, persistence and branching.
package executors

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rendis/migraflow/internal/expressions"
	"github.com/rendis/migraflow/pkg/schema"
)

// ExecutionContext is the mutable state shared by the nodes of one run.
type ExecutionContext struct {
	WorkflowID      string
	ExecutionID     string
	CurrentUser     schema.User
	Variables       map[string]any
	PreviousOutputs map[string]any
	ConnectionID    string
	TeamID          string

	// Preview marks test runs: approvals are described, not opened.
	Preview bool
}

// TemplateContext builds the {{ }} namespace for the current state.
func (c *ExecutionContext) TemplateContext() *expressions.TemplateContext {
	return expressions.NewTemplateContext(c.CurrentUser, c.Variables, c.PreviousOutputs, map[string]any{
		"workflowId":   c.WorkflowID,
		"executionId":  c.ExecutionID,
		"connectionId": c.ConnectionID,
		"teamId":       c.TeamID,
	})
}

// Result is the outcome of executing one node.
type Result struct {
	Success  bool
	Output   any
	Error    string
	Code     string
	Duration time.Duration
	Paused   bool
}

// Executor runs nodes of one category.
type Executor interface {
	Execute(ctx context.Context, node schema.Node, ectx *ExecutionContext) *Result
	Validate(node schema.Node) *schema.ValidationResult
}

func succeed(start time.Time, output any) *Result {
	return &Result{Success: true, Output: output, Duration: time.Since(start)}
}

func fail(start time.Time, err error) *Result {
	code := schema.ErrCodeNodeFailed
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return &Result{Error: schema.Message(err), Code: code, Duration: time.Since(start)}
}

func failMsg(start time.Time, format string, args ...any) *Result {
	return fail(start, schema.NewErrorf(schema.ErrCodeNodeFailed, format, args...))
}

func paused(start time.Time, output any) *Result {
	return &Result{Paused: true, Output: output, Duration: time.Since(start)}
}

// invalid turns a failed validation result into a node failure.
func invalid(start time.Time, vr *schema.ValidationResult) *Result {
	return &Result{
		Error:    "invalid node data: " + strings.Join(vr.Messages(), "; "),
		Code:     schema.ErrCodeValidation,
		Duration: time.Since(start),
	}
}
