package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/migraflow/internal/engine"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/internal/streaming"
	"github.com/rendis/migraflow/pkg/schema"
)

// --- Mock Engine ---

type mockEngine struct {
	executeReq  engine.ExecuteRequest
	executeBy   string
	executeErr  error
	resumeRes   *engine.ResumeResult
	cancelled   []string
	detail      *engine.ExecutionDetail
	statusErr   error
	historyArgs [3]any
	testUser    schema.User
	testReq     engine.TestRequest
	responses   []string
	respondErr  error
	validateDef *schema.WorkflowDefinition
	validateErr error
}

func (m *mockEngine) Execute(_ context.Context, workflowID string, req engine.ExecuteRequest, triggeredBy string) (*engine.RunHandle, error) {
	m.executeReq = req
	m.executeBy = triggeredBy
	if m.executeErr != nil {
		return nil, m.executeErr
	}
	return &engine.RunHandle{ExecutionID: "exec-1", Status: schema.ExecutionRunning}, nil
}

func (m *mockEngine) Resume(_ context.Context, _ string) (*engine.ResumeResult, error) {
	return m.resumeRes, nil
}

func (m *mockEngine) Cancel(_ context.Context, executionID string) error {
	m.cancelled = append(m.cancelled, executionID)
	return nil
}

func (m *mockEngine) Status(_ context.Context, _ string) (*engine.ExecutionDetail, error) {
	return m.detail, m.statusErr
}

func (m *mockEngine) History(_ context.Context, workflowID string, limit, offset int) (*engine.HistoryPage, error) {
	m.historyArgs = [3]any{workflowID, limit, offset}
	return &engine.HistoryPage{Executions: []*store.Execution{}, Limit: limit, Offset: offset}, nil
}

func (m *mockEngine) Test(_ context.Context, workflowID string, req engine.TestRequest, user schema.User) (*engine.TestReport, error) {
	m.testReq = req
	m.testUser = user
	return &engine.TestReport{WorkflowID: workflowID, Success: true, TotalNodes: 4}, nil
}

func (m *mockEngine) Approve(_ context.Context, executionID, nodeID, userID, comment string) (*engine.ApprovalDecision, error) {
	m.responses = append(m.responses, "approve:"+executionID+"/"+nodeID+"/"+userID+"/"+comment)
	if m.respondErr != nil {
		return nil, m.respondErr
	}
	return &engine.ApprovalDecision{ApprovalID: "ap-1", Status: schema.ApprovalApproved, Responses: 1, Resumed: true}, nil
}

func (m *mockEngine) Reject(_ context.Context, executionID, nodeID, userID, comment string) (*engine.ApprovalDecision, error) {
	m.responses = append(m.responses, "reject:"+executionID+"/"+nodeID+"/"+userID+"/"+comment)
	if m.respondErr != nil {
		return nil, m.respondErr
	}
	return &engine.ApprovalDecision{ApprovalID: "ap-1", Status: schema.ApprovalRejected, Responses: 1, Resumed: true}, nil
}

func (m *mockEngine) Validate(_ []byte, _ schema.DefinitionFormat) (*schema.WorkflowDefinition, []schema.ValidationIssue, error) {
	warnings := []schema.ValidationIssue{{Path: "nodes[a].data.action", Code: "UNKNOWN_EXECUTOR", Message: "unknown action: x", Severity: schema.SeverityWarning}}
	return m.validateDef, warnings, m.validateErr
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestExecuteTool(t *testing.T) {
	me := &mockEngine{}
	s := NewServer(ServerDeps{Engine: me})

	req := buildRequest("workflow.execute", map[string]any{
		"workflow_id":   "wf-1",
		"user_id":       "alice",
		"user_email":    "alice@example.com",
		"variables":     map[string]any{"env": "prod"},
		"connection_id": "db-main",
	})
	result, err := s.handleExecute(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var h engine.RunHandle
	unmarshalResult(t, result, &h)
	assert.Equal(t, "exec-1", h.ExecutionID)
	assert.Equal(t, schema.ExecutionRunning, h.Status)

	assert.Equal(t, "alice", me.executeBy)
	assert.Equal(t, schema.User{ID: "alice", Email: "alice@example.com"}, me.executeReq.User)
	assert.Equal(t, map[string]any{"env": "prod"}, me.executeReq.Variables)
	assert.Equal(t, "db-main", me.executeReq.ConnectionID)
}

func TestExecuteToolMissingParams(t *testing.T) {
	s := NewServer(ServerDeps{Engine: &mockEngine{}})

	result, err := s.handleExecute(context.Background(), buildRequest("workflow.execute", map[string]any{"user_id": "a"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleExecute(context.Background(), buildRequest("workflow.execute", map[string]any{"workflow_id": "wf"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExecuteToolNotPublished(t *testing.T) {
	me := &mockEngine{executeErr: schema.NewError(schema.ErrCodeNotPublished, "workflow wf-1 is not published")}
	s := NewServer(ServerDeps{Engine: me})

	result, err := s.handleExecute(context.Background(), buildRequest("workflow.execute", map[string]any{
		"workflow_id": "wf-1", "user_id": "alice",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "execute failed: [NOT_PUBLISHED] workflow wf-1 is not published", extractText(t, result))
}

func TestStatusTool(t *testing.T) {
	me := &mockEngine{detail: &engine.ExecutionDetail{
		Execution: &store.Execution{ID: "exec-9", Status: schema.ExecutionPaused},
		Nodes:     []*store.NodeExecution{{NodeID: "gate", Status: schema.NodePending}},
	}}
	s := NewServer(ServerDeps{Engine: me})

	result, err := s.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{"execution_id": "exec-9"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "exec-9")
	assert.Contains(t, text, "paused")
	assert.Contains(t, text, "gate")
}

func TestStatusToolNotFound(t *testing.T) {
	me := &mockEngine{statusErr: schema.NewError(schema.ErrCodeNotFound, "execution missing not found")}
	s := NewServer(ServerDeps{Engine: me})

	result, err := s.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{"execution_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")

	result, err = s.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	me := &mockEngine{detail: &engine.ExecutionDetail{Execution: &store.Execution{ID: "exec-1", Status: schema.ExecutionCancelled}}}
	s := NewServer(ServerDeps{Engine: me})

	result, err := s.handleCancel(context.Background(), buildRequest("workflow.cancel", map[string]any{"execution_id": "exec-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"exec-1"}, me.cancelled)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "cancelled", out["status"])
}

func TestResumeTool(t *testing.T) {
	me := &mockEngine{resumeRes: &engine.ResumeResult{Success: false, Status: schema.ExecutionSuccess}}
	s := NewServer(ServerDeps{Engine: me})

	result, err := s.handleResume(context.Background(), buildRequest("workflow.resume", map[string]any{"execution_id": "exec-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out engine.ResumeResult
	unmarshalResult(t, result, &out)
	assert.False(t, out.Success)
	assert.Equal(t, schema.ExecutionSuccess, out.Status)
}

func TestHistoryTool(t *testing.T) {
	me := &mockEngine{}
	s := NewServer(ServerDeps{Engine: me})

	result, err := s.handleHistory(context.Background(), buildRequest("workflow.history", map[string]any{
		"workflow_id": "wf-1", "limit": 5, "offset": 10,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, [3]any{"wf-1", 5, 10}, me.historyArgs)
}

func TestTestTool(t *testing.T) {
	me := &mockEngine{}
	s := NewServer(ServerDeps{Engine: me})

	result, err := s.handleTest(context.Background(), buildRequest("workflow.test", map[string]any{
		"workflow_id": "wf-1", "user_id": "dana", "variables": map[string]any{"n": 1},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "dana", me.testUser.ID)
	assert.Equal(t, map[string]any{"n": 1}, me.testReq.Variables)

	var report engine.TestReport
	unmarshalResult(t, result, &report)
	assert.True(t, report.Success)
	assert.Equal(t, 4, report.TotalNodes)
}

func TestApproveRejectTools(t *testing.T) {
	me := &mockEngine{}
	s := NewServer(ServerDeps{Engine: me})
	args := map[string]any{"execution_id": "exec-1", "node_id": "gate", "user_id": "bob", "comment": "ok"}

	result, err := s.handleApprove(context.Background(), buildRequest("workflow.approve", args))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	var dec engine.ApprovalDecision
	unmarshalResult(t, result, &dec)
	assert.Equal(t, schema.ApprovalApproved, dec.Status)

	result, err = s.handleReject(context.Background(), buildRequest("workflow.reject", args))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, []string{"approve:exec-1/gate/bob/ok", "reject:exec-1/gate/bob/ok"}, me.responses)

	result, err = s.handleApprove(context.Background(), buildRequest("workflow.approve", map[string]any{"execution_id": "exec-1", "user_id": "bob"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "node_id is required")
}

func TestApproveToolConflict(t *testing.T) {
	me := &mockEngine{respondErr: schema.NewError(schema.ErrCodeConflict, "user bob already responded")}
	s := NewServer(ServerDeps{Engine: me})

	result, err := s.handleApprove(context.Background(), buildRequest("workflow.approve", map[string]any{
		"execution_id": "exec-1", "node_id": "gate", "user_id": "bob",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "CONFLICT")
}

func TestValidateTool(t *testing.T) {
	me := &mockEngine{validateDef: &schema.WorkflowDefinition{
		Name:  "nightly",
		Nodes: []schema.Node{{ID: "t"}, {ID: "a"}},
		Edges: []schema.Edge{{Source: "t", Target: "a"}},
	}}
	s := NewServer(ServerDeps{Engine: me})

	result, err := s.handleValidate(context.Background(), buildRequest("workflow.validate", map[string]any{"definition": "{}"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out validateResult
	unmarshalResult(t, result, &out)
	assert.True(t, out.Valid)
	assert.Equal(t, "nightly", out.Name)
	assert.Equal(t, 2, out.Nodes)
	assert.Equal(t, 1, out.Edges)
	assert.Len(t, out.Warnings, 1)
}

func TestValidateToolInvalid(t *testing.T) {
	issues := []schema.ValidationIssue{{Path: "nodes", Code: schema.ErrCodeValidation, Message: "workflow must have at least one trigger node"}}
	me := &mockEngine{validateErr: schema.NewError(schema.ErrCodeValidation, "workflow validation failed").WithIssues(issues)}
	s := NewServer(ServerDeps{Engine: me})

	result, err := s.handleValidate(context.Background(), buildRequest("workflow.validate", map[string]any{"definition": "nodes: []", "format": "yaml"}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "invalid definitions are a result, not a tool error")

	var out validateResult
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "workflow must have at least one trigger node", out.Errors[0].Message)

	result, err = s.handleValidate(context.Background(), buildRequest("workflow.validate", map[string]any{"definition": "x", "format": "toml"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestToolError(t *testing.T) {
	res := toolError("cancel failed", errors.New("disk full"))
	assert.True(t, res.IsError)
	assert.Equal(t, "cancel failed: disk full", mcp.GetTextFromContent(res.Content[0]))
}

// --- Approval notifications ---

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]map[string]any
	err  error
}

func (r *recordingSender) SendNotificationToSpecificClient(sessionID string, _ string, params map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.sent == nil {
		r.sent = map[string][]map[string]any{}
	}
	r.sent[sessionID] = append(r.sent[sessionID], params)
	return nil
}

func (r *recordingSender) count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent[sessionID])
}

func TestApprovalNotifier_Notify(t *testing.T) {
	sender := &recordingSender{}
	sessions := NewSessionRegistry()
	n := NewApprovalNotifier(sender, sessions, nil)

	require.NoError(t, n.Notify(context.Background(), "offline", map[string]any{"x": 1}))
	assert.Empty(t, sender.sent)

	sessions.Register("bob", "s-bob")
	require.NoError(t, n.Notify(context.Background(), "bob", map[string]any{"x": 1}))
	assert.Equal(t, 1, sender.count("s-bob"))

	sender.err = server.ErrSessionNotFound
	require.NoError(t, n.Notify(context.Background(), "bob", map[string]any{"x": 1}))
	_, ok := sessions.SessionFor("bob")
	assert.False(t, ok, "expired session dropped")
}

func TestApprovalNotifier_ForwardsApprovalRequests(t *testing.T) {
	sender := &recordingSender{}
	sessions := NewSessionRegistry()
	sessions.Register("bob", "s-bob")
	sessions.Register("carol", "s-carol")
	n := NewApprovalNotifier(sender, sessions, nil)

	hub := streaming.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Forward(ctx, hub))

	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: "exec-1",
		NodeID:      "gate",
		EventType:   schema.EventApprovalRequested,
		Payload:     map[string]any{"approvers": []any{"bob", "dave"}, "message": "apply prod migrations?"},
	}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{ExecutionID: "exec-1", EventType: schema.EventNodeStarted}))

	require.Eventually(t, func() bool { return sender.count("s-bob") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, sender.count("s-carol"), "carol is not an approver")

	sender.mu.Lock()
	got := sender.sent["s-bob"][0]
	sender.mu.Unlock()
	assert.Equal(t, "exec-1", got["execution_id"])
	assert.Equal(t, "apply prod migrations?", got["message"])
}

// --- Helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
