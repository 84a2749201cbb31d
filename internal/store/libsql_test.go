package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/migraflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedExecution creates a workflow, one definition and a pending execution.
func seedExecution(t *testing.T, s *LibSQLStore) *Execution {
	t.Helper()
	ctx := context.Background()

	wf := &Workflow{ID: uuid.NewString(), Name: "migrate", TeamID: "team-1"}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	def := &Definition{ID: uuid.NewString(), WorkflowID: wf.ID, Content: `{"name":"migrate"}`}
	require.NoError(t, s.CreateDefinition(ctx, def))

	exec := &Execution{ID: uuid.NewString(), WorkflowID: wf.ID, DefinitionID: def.ID, TriggeredBy: "u1"}
	require.NoError(t, s.CreateExecution(ctx, exec))
	return exec
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := SplitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;SELECT 1;")
	require.Len(t, stmts, 2)
	assert.Equal(t, "SELECT 1", stmts[1])
}

// --- Workflows & definitions ---

func TestWorkflow_CreateGetUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{ID: uuid.NewString(), Name: "nightly", Description: "d", CreatedBy: "u1"}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.Name)
	assert.False(t, got.IsPublished)

	published := true
	defID := "def-9"
	require.NoError(t, s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{IsPublished: &published, DefinitionID: &defID}))

	got, err = s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPublished)
	assert.Equal(t, "def-9", got.DefinitionID)

	list, err := s.ListWorkflows(ctx, WorkflowFilter{Published: &published})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "missing")
	assert.True(t, schema.IsNotFound(err))

	name := "x"
	err = s.UpdateWorkflow(context.Background(), "missing", WorkflowUpdate{Name: &name})
	assert.True(t, schema.IsNotFound(err))
}

func TestDefinition_VersionsIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{ID: uuid.NewString(), Name: "w"}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	first := &Definition{ID: uuid.NewString(), WorkflowID: wf.ID, Content: "{}"}
	second := &Definition{ID: uuid.NewString(), WorkflowID: wf.ID, Content: "name: w", Format: schema.FormatYAML}
	require.NoError(t, s.CreateDefinition(ctx, first))
	require.NoError(t, s.CreateDefinition(ctx, second))
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)

	got, err := s.GetDefinition(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FormatYAML, got.Format)
	assert.Equal(t, "name: w", got.Content)
}

// --- Executions ---

func TestExecution_UpdateAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, got.Status)

	running := schema.ExecutionRunning
	now := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
		Status:    &running,
		StartedAt: &now,
		Context:   json.RawMessage(`{"variables":{"env":"prod"}}`),
	}))

	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.JSONEq(t, `{"variables":{"env":"prod"}}`, string(got.Context))

	second := &Execution{
		ID:           uuid.NewString(),
		WorkflowID:   exec.WorkflowID,
		DefinitionID: exec.DefinitionID,
		TriggeredAt:  exec.TriggeredAt.Add(time.Minute),
	}
	require.NoError(t, s.CreateExecution(ctx, second))

	page, total, err := s.ListExecutions(ctx, exec.WorkflowID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, second.ID, page[0].ID, "newest first")

	page, _, err = s.ListExecutions(ctx, exec.WorkflowID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, exec.ID, page[0].ID)
}

// --- Node executions ---

func TestNodeExecution_UpsertIsUniquePerNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	started := time.Now().UTC()
	ne := &NodeExecution{
		ID: uuid.NewString(), ExecutionID: exec.ID, NodeID: "run",
		NodeType: schema.NodeTypeAction, Status: schema.NodeRunning, StartedAt: &started,
	}
	require.NoError(t, s.UpsertNodeExecution(ctx, ne))

	done := started.Add(time.Second)
	ne.Status = schema.NodeSuccess
	ne.Output = json.RawMessage(`{"rows":3}`)
	ne.CompletedAt = &done
	ne.DurationMs = 1000
	require.NoError(t, s.UpsertNodeExecution(ctx, ne))

	rows, err := s.ListNodeExecutions(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, schema.NodeSuccess, rows[0].Status)
	assert.Equal(t, int64(1000), rows[0].DurationMs)
	assert.JSONEq(t, `{"rows":3}`, string(rows[0].Output))

	got, err := s.GetNodeExecution(ctx, exec.ID, "run")
	require.NoError(t, err)
	assert.Equal(t, ne.ID, got.ID)
}

func TestNodeExecution_LastCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	last, err := s.LastCompletedNodeExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	base := time.Now().UTC()
	put := func(nodeID string, status schema.NodeStatus, offset time.Duration) {
		at := base.Add(offset)
		require.NoError(t, s.UpsertNodeExecution(ctx, &NodeExecution{
			ID: uuid.NewString(), ExecutionID: exec.ID, NodeID: nodeID,
			NodeType: schema.NodeTypeDelay, Status: status, StartedAt: &at,
		}))
	}
	put("a", schema.NodeSuccess, 0)
	put("b", schema.NodeSkipped, time.Second)
	put("c", schema.NodePending, 2*time.Second)

	last, err = s.LastCompletedNodeExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "b", last.NodeID)
}

func TestNodeExecution_OrderUsesTimeNotText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	// As RFC 3339 text with trailing zeros trimmed, .1 sorts after .12.
	first := time.Date(2026, 3, 1, 12, 0, 5, 100_000_000, time.UTC)
	second := time.Date(2026, 3, 1, 12, 0, 5, 120_000_000, time.UTC)
	for _, r := range []struct {
		node string
		at   time.Time
	}{{"second", second}, {"first", first}} {
		at := r.at
		require.NoError(t, s.UpsertNodeExecution(ctx, &NodeExecution{
			ID: uuid.NewString(), ExecutionID: exec.ID, NodeID: r.node,
			NodeType: schema.NodeTypeAction, Status: schema.NodeSuccess, StartedAt: &at, CompletedAt: &at,
		}))
	}

	last, err := s.LastCompletedNodeExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "second", last.NodeID)
	require.NotNil(t, last.StartedAt)
	assert.True(t, second.Equal(*last.StartedAt), "stored time reads back unchanged")

	rows, err := s.ListNodeExecutions(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0].NodeID)
	assert.Equal(t, "second", rows[1].NodeID)
}

func TestNodeExecution_MarkFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	for i, st := range []schema.NodeStatus{schema.NodeRunning, schema.NodePending, schema.NodeSuccess} {
		require.NoError(t, s.UpsertNodeExecution(ctx, &NodeExecution{
			ID: uuid.NewString(), ExecutionID: exec.ID, NodeID: string(rune('a' + i)),
			NodeType: schema.NodeTypeDelay, Status: st,
		}))
	}

	n, err := s.MarkNodeExecutionsFailed(ctx, exec.ID, []string{"a", "b", "c"}, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "completed rows are left alone")

	got, err := s.GetNodeExecution(ctx, exec.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeFailed, got.Status)
	assert.Equal(t, "cancelled", got.Error)
}

// --- Approvals ---

func TestApproval_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	a := &Approval{
		ID: uuid.NewString(), ExecutionID: exec.ID, NodeID: "gate",
		Approvers: []string{"u1", "u2"}, RequireAll: true,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, s.CreateApproval(ctx, a))

	pending, err := s.ListPendingApprovals(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	approved := schema.ApprovalApproved
	now := time.Now().UTC()
	require.NoError(t, s.UpdateApproval(ctx, a.ID, ApprovalUpdate{
		Status:     &approved,
		Responses:  []ApprovalResponse{{UserID: "u1", Approved: true, Timestamp: now}},
		ResolvedAt: &now,
	}))

	got, err := s.GetApproval(ctx, exec.ID, "gate")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalApproved, got.Status)
	assert.True(t, got.RequireAll)
	assert.Equal(t, []string{"u1", "u2"}, got.Approvers)
	require.Len(t, got.Responses, 1)
	assert.Equal(t, "u1", got.Responses[0].UserID)

	pending, err = s.ListPendingApprovals(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.GetApproval(ctx, exec.ID, "other")
	assert.True(t, schema.IsNotFound(err))
}

// --- Events ---

func TestEvents_SequencePerExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "e1", Type: schema.EventNodeStarted, NodeID: "n"}))
	}
	other := &Event{ExecutionID: "e2", Type: schema.EventExecutionStarted, Payload: json.RawMessage(`{"k":1}`)}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)

	events, err := s.GetEvents(ctx, "e1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	events, err = s.GetEvents(ctx, "e1", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = s.GetEvents(ctx, "e2", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"k":1}`, string(events[0].Payload))
}

// --- Secrets ---

func TestSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "b", []byte("1")))
	require.NoError(t, s.StoreSecret(ctx, "a", []byte("2")))
	require.NoError(t, s.StoreSecret(ctx, "a", []byte("3")))

	v, err := s.GetSecret(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "a"))
	_, err = s.GetSecret(ctx, "a")
	assert.True(t, schema.IsNotFound(err))
	assert.True(t, schema.IsNotFound(s.DeleteSecret(ctx, "a")))
}
