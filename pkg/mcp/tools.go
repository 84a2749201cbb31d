package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/migraflow/internal/engine"
	"github.com/rendis/migraflow/pkg/schema"
)

// handleExecute starts a run and returns its execution id.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	s.captureSession(ctx, userID)

	h, runErr := s.engine.Execute(ctx, workflowID, engine.ExecuteRequest{
		User:         schema.User{ID: userID, Email: req.GetString("user_email", "")},
		Variables:    mcp.ParseStringMap(req, "variables", nil),
		ConnectionID: req.GetString("connection_id", ""),
		TeamID:       req.GetString("team_id", ""),
	}, userID)
	if runErr != nil {
		return toolError("execute failed", runErr), nil
	}
	return marshalResult(h)
}

// handleResume continues a paused execution.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	res, resumeErr := s.engine.Resume(ctx, executionID)
	if resumeErr != nil {
		return toolError("resume failed", resumeErr), nil
	}
	return marshalResult(res)
}

// handleCancel cancels an execution.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if cancelErr := s.engine.Cancel(ctx, executionID); cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	d, statusErr := s.engine.Status(ctx, executionID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"status":       d.Execution.Status,
	})
}

// handleStatus returns an execution with its node rows.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	d, statusErr := s.engine.Status(ctx, executionID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	return marshalResult(d)
}

// handleHistory pages through a workflow's executions.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	page, histErr := s.engine.History(ctx, workflowID, req.GetInt("limit", 0), req.GetInt("offset", 0))
	if histErr != nil {
		return toolError("history query failed", histErr), nil
	}
	return marshalResult(page)
}

// handleTest previews the first nodes of a workflow.
func (s *Server) handleTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	report, testErr := s.engine.Test(ctx, workflowID, engine.TestRequest{
		Variables:    mcp.ParseStringMap(req, "variables", nil),
		ConnectionID: req.GetString("connection_id", ""),
	}, schema.User{ID: userID})
	if testErr != nil {
		return toolError("test run failed", testErr), nil
	}
	return marshalResult(report)
}

func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.respond(ctx, req, s.engine.Approve)
}

func (s *Server) handleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.respond(ctx, req, s.engine.Reject)
}

type respondFunc func(ctx context.Context, executionID, nodeID, userID, comment string) (*engine.ApprovalDecision, error)

func (s *Server) respond(ctx context.Context, req mcp.CallToolRequest, fn respondFunc) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	s.captureSession(ctx, userID)

	dec, respErr := fn(ctx, executionID, nodeID, userID, req.GetString("comment", ""))
	if respErr != nil {
		return toolError("approval response failed", respErr), nil
	}
	return marshalResult(dec)
}

// validateResult is the outcome of workflow.validate. Invalid definitions
// are reported in the result rather than as a tool error.
type validateResult struct {
	Valid    bool                     `json:"valid"`
	Name     string                   `json:"name,omitempty"`
	Nodes    int                      `json:"nodes,omitempty"`
	Edges    int                      `json:"edges,omitempty"`
	Error    string                   `json:"error,omitempty"`
	Errors   []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	format := schema.DefinitionFormat(req.GetString("format", string(schema.FormatJSON)))
	if format != schema.FormatJSON && format != schema.FormatYAML {
		return mcp.NewToolResultError("format must be json or yaml"), nil
	}

	def, warnings, valErr := s.engine.Validate([]byte(content), format)
	if valErr != nil {
		res := validateResult{Error: schema.Message(valErr), Warnings: warnings}
		var fe *schema.FlowError
		if errors.As(valErr, &fe) {
			res.Errors = fe.Issues
		}
		return marshalResult(res)
	}
	return marshalResult(validateResult{
		Valid:    true,
		Name:     def.Name,
		Nodes:    len(def.Nodes),
		Edges:    len(def.Edges),
		Warnings: warnings,
	})
}

// --- Helpers ---

func (s *Server) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// toolError renders an engine error as a tool error, keeping its code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, fe.Code, schema.Message(err)))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
