// Package mcp exposes the workflow engine as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/migraflow/internal/engine"
	"github.com/rendis/migraflow/internal/streaming"
	"github.com/rendis/migraflow/pkg/schema"
)

// Engine is the engine surface the tools call. Satisfied by *engine.Engine.
type Engine interface {
	Execute(ctx context.Context, workflowID string, req engine.ExecuteRequest, triggeredBy string) (*engine.RunHandle, error)
	Resume(ctx context.Context, executionID string) (*engine.ResumeResult, error)
	Cancel(ctx context.Context, executionID string) error
	Status(ctx context.Context, executionID string) (*engine.ExecutionDetail, error)
	History(ctx context.Context, workflowID string, limit, offset int) (*engine.HistoryPage, error)
	Test(ctx context.Context, workflowID string, req engine.TestRequest, user schema.User) (*engine.TestReport, error)
	Approve(ctx context.Context, executionID, nodeID, userID, comment string) (*engine.ApprovalDecision, error)
	Reject(ctx context.Context, executionID, nodeID, userID, comment string) (*engine.ApprovalDecision, error)
	Validate(content []byte, format schema.DefinitionFormat) (*schema.WorkflowDefinition, []schema.ValidationIssue, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine Engine
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// Server wraps an MCP server with the workflow tool handlers.
type Server struct {
	engine    Engine
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *ApprovalNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every workflow tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:   deps.Engine,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"migraflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Migraflow runs database migration workflows. Use workflow.validate to check a definition, workflow.execute to start a run, workflow.status and workflow.history to follow it, workflow.approve or workflow.reject to answer approval gates, and workflow.test for a dry preview of the first nodes."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewApprovalNotifier(mcpSrv, s.sessions, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	s.forwardApprovals(ctx)
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler returns an HTTP handler serving the SSE transport, with
// approval requests pushed to connected approvers until ctx ends.
func (s *Server) SSEHandler(ctx context.Context, baseURL string) http.Handler {
	s.forwardApprovals(ctx)
	return server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) forwardApprovals(ctx context.Context) {
	if s.hub == nil {
		return
	}
	if err := s.notifier.Forward(ctx, s.hub); err != nil {
		s.logger.Warn("approval notifications disabled", "error", err)
	}
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: testTool(), Handler: s.handleTest},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: rejectTool(), Handler: s.handleReject},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("workflow.execute",
		mcp.WithDescription("Start a run of a published workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user starting the run")),
		mcp.WithString("user_email", mcp.Description("Email of the user starting the run")),
		mcp.WithObject("variables", mcp.Description("Workflow variable values; secret values may be ${{secrets.KEY}} references")),
		mcp.WithString("connection_id", mcp.Description("Default database connection for action nodes")),
		mcp.WithString("team_id", mcp.Description("Team owning the run (default: the workflow's team)")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("workflow.resume",
		mcp.WithDescription("Resume a paused execution after its last completed node"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the paused execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Cancel a running or paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get an execution with its node results"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("workflow.history",
		mcp.WithDescription("List a workflow's executions, newest first"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 20)")),
		mcp.WithNumber("offset", mcp.Description("Executions to skip")),
	)
}

func testTool() mcp.Tool {
	return mcp.NewTool("workflow.test",
		mcp.WithDescription("Run the first nodes of a workflow inline without persisting anything"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to test")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user running the test")),
		mcp.WithObject("variables", mcp.Description("Workflow variable values")),
		mcp.WithString("connection_id", mcp.Description("Default database connection for action nodes")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("workflow.approve",
		append([]mcp.ToolOption{mcp.WithDescription("Approve a pending approval gate")}, approvalArgs()...)...,
	)
}

func rejectTool() mcp.Tool {
	return mcp.NewTool("workflow.reject",
		append([]mcp.ToolOption{mcp.WithDescription("Reject a pending approval gate")}, approvalArgs()...)...,
	)
}

func approvalArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the paused execution")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the approval node")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the responding approver")),
		mcp.WithString("comment", mcp.Description("Reason recorded with the response")),
	}
}

func validateTool() mcp.Tool {
	return mcp.NewTool("workflow.validate",
		mcp.WithDescription("Parse and validate a workflow definition"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Definition text")),
		mcp.WithString("format",
			mcp.Enum(string(schema.FormatJSON), string(schema.FormatYAML)),
			mcp.Description("Definition format (default: json)"),
		),
	)
}
