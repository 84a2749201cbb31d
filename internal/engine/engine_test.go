package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/migraflow/internal/actions"
	"github.com/rendis/migraflow/internal/definition"
	"github.com/rendis/migraflow/internal/executors"
	"github.com/rendis/migraflow/internal/expressions"
	"github.com/rendis/migraflow/internal/notify"
	"github.com/rendis/migraflow/internal/secrets"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/internal/streaming"
	"github.com/rendis/migraflow/pkg/schema"
)

// --- Test doubles ---

// mockAction records its calls and delegates to execFn.
type mockAction struct {
	name   string
	execFn func(ctx context.Context, in actions.ActionInput) (*actions.ActionOutput, error)

	mu    sync.Mutex
	calls []string
}

func (m *mockAction) Name() string                      { return m.name }
func (m *mockAction) Schema() actions.ActionSchema      { return actions.ActionSchema{} }
func (m *mockAction) Validate(*schema.ActionData) error { return nil }

func (m *mockAction) Execute(ctx context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
	m.mu.Lock()
	m.calls = append(m.calls, in.NodeID)
	m.mu.Unlock()
	if m.execFn != nil {
		return m.execFn(ctx, in)
	}
	return &actions.ActionOutput{Data: map[string]any{"node": in.NodeID, "value": in.Data.Value}}, nil
}

func (m *mockAction) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (n *recordingNotifier) Send(_ context.Context, msg notify.Message) (*notify.Report, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return &notify.Report{Provider: msg.Provider, Sent: 1}, nil
}

type testEnv struct {
	t        *testing.T
	store    *store.LibSQLStore
	registry *actions.Registry
	notifier *recordingNotifier
	hub      *streaming.MemoryHub
	vault    *secrets.AESVault
	engine   *Engine

	echo  *mockAction
	boom  *mockAction
	block *mockAction

	// gate releases block with the error it should return, nil for success.
	gate chan error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	te := &testEnv{
		t:        t,
		store:    s,
		registry: actions.NewRegistry(),
		notifier: &recordingNotifier{},
		hub:      streaming.NewMemoryHub(),
		echo:     &mockAction{name: "echo"},
		boom: &mockAction{name: "boom", execFn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
			return nil, errors.New("connection refused")
		}},
		gate:     make(chan error, 1),
	}
	te.block = &mockAction{name: "block", execFn: func(_ context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
		if err := <-te.gate; err != nil {
			return nil, err
		}
		return &actions.ActionOutput{Data: map[string]any{"node": in.NodeID}}, nil
	}}
	require.NoError(t, actions.RegisterBuiltins(te.registry, actions.Deps{}))
	for _, a := range []actions.Action{te.echo, te.boom, te.block} {
		require.NoError(t, te.registry.Register(a))
	}
	require.NoError(t, te.registry.Register(&mockAction{name: "explode", execFn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		panic("kaboom")
	}}))

	key := make([]byte, 32)
	te.vault, err = secrets.NewAESVault(s, secrets.VaultConfig{MasterKey: key})
	require.NoError(t, err)

	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	parser, err := definition.NewParser(te.registry)
	require.NoError(t, err)

	te.engine, err = New(Options{
		Store:  s,
		Parser: parser,
		Executors: executors.NewDefaultRegistry(executors.Deps{
			Actions:   te.registry,
			Engines:   engines,
			Approvals: s,
			Notifier:  te.notifier,
		}),
		Vault:  te.vault,
		Hub:    te.hub,
		Config: Config{PoolSize: 4},
	})
	require.NoError(t, err)
	t.Cleanup(te.engine.Shutdown)
	return te
}

// workflow stores a published workflow whose edges chain the nodes in order
// unless edges are given.
func (te *testEnv) workflow(nodes []schema.Node, edges []schema.Edge, vars ...schema.VariableDefinition) string {
	te.t.Helper()
	if edges == nil {
		for i := 1; i < len(nodes); i++ {
			edges = append(edges, schema.Edge{Source: nodes[i-1].ID, Target: nodes[i].ID})
		}
	}
	content, err := json.Marshal(schema.WorkflowDefinition{
		Version:   "1.0",
		Name:      "test-" + uuid.NewString()[:8],
		Variables: vars,
		Nodes:     nodes,
		Edges:     edges,
	})
	require.NoError(te.t, err)

	wf, err := te.engine.CreateWorkflow(context.Background(), CreateWorkflowRequest{
		Content: content, Format: schema.FormatJSON, TeamID: "team-1", CreatedBy: "alice", Publish: true,
	})
	require.NoError(te.t, err)
	return wf.ID
}

func (te *testEnv) execute(workflowID string, vars map[string]any, user string) string {
	te.t.Helper()
	h, err := te.engine.Execute(context.Background(), workflowID, ExecuteRequest{
		User:      schema.User{ID: user, Email: user + "@example.com"},
		Variables: vars,
	}, "")
	require.NoError(te.t, err)
	assert.Equal(te.t, schema.ExecutionRunning, h.Status)
	return h.ExecutionID
}

func (te *testEnv) detail(execID string) *ExecutionDetail {
	te.t.Helper()
	d, err := te.engine.Status(context.Background(), execID)
	require.NoError(te.t, err)
	return d
}

func nodeRows(d *ExecutionDetail) map[string]*store.NodeExecution {
	out := make(map[string]*store.NodeExecution, len(d.Nodes))
	for _, n := range d.Nodes {
		out[n.NodeID] = n
	}
	return out
}

func trigger(id string) schema.Node {
	return schema.Node{ID: id, Type: schema.NodeTypeTrigger}
}

func action(id, name string, extra ...map[string]any) schema.Node {
	data := map[string]any{"action": name}
	for _, m := range extra {
		for k, v := range m {
			data[k] = v
		}
	}
	return schema.Node{ID: id, Type: schema.NodeTypeAction, Data: data}
}

// --- Execute ---

func TestEngine_Execute_LinearSuccess(t *testing.T) {
	te := newTestEnv(t)
	wfID := te.workflow([]schema.Node{
		trigger("start"),
		{ID: "set", Type: schema.NodeTypeSetVariable, Data: map[string]any{"variableName": "env", "value": "prod"}},
		action("greet", "echo", map[string]any{"value": "{{variables.env}}-{{variables.count}}"}),
		action("count", "echo", map[string]any{"value": "{{variables.count}}"}),
	}, nil, schema.VariableDefinition{Name: "count", Type: schema.VariableNumber, Default: 1})

	execID := te.execute(wfID, map[string]any{"count": 5}, "alice")
	te.engine.Wait()

	d := te.detail(execID)
	require.Equal(t, schema.ExecutionSuccess, d.Execution.Status, d.Execution.Error)
	require.NotNil(t, d.Execution.StartedAt)
	require.NotNil(t, d.Execution.CompletedAt)
	assert.Equal(t, "alice", d.Execution.TriggeredBy)

	rows := nodeRows(d)
	require.Len(t, rows, 4)
	for _, r := range rows {
		assert.Equal(t, schema.NodeSuccess, r.Status, r.NodeID)
	}
	assert.JSONEq(t, `{"triggered":true}`, string(rows["start"].Output))

	var output map[string]map[string]any
	require.NoError(t, json.Unmarshal(d.Execution.Output, &output))
	assert.Len(t, output, 4)
	assert.Equal(t, "prod-5", output["greet"]["value"])
	assert.Equal(t, float64(5), output["count"]["value"], "full-match template keeps the number type")
}

func TestEngine_Execute_FailingActionStopsRun(t *testing.T) {
	te := newTestEnv(t)
	wfID := te.workflow([]schema.Node{
		trigger("start"),
		action("migrate", "boom"),
		{ID: "notify", Type: schema.NodeTypeNotification, Data: map[string]any{"provider": "email", "recipients": []any{"ops@example.com"}}},
	}, nil)

	execID := te.execute(wfID, nil, "alice")
	te.engine.Wait()

	d := te.detail(execID)
	assert.Equal(t, schema.ExecutionFailed, d.Execution.Status)
	assert.Equal(t, "node migrate failed: connection refused", d.Execution.Error)

	rows := nodeRows(d)
	require.Len(t, rows, 2)
	assert.Equal(t, schema.NodeSuccess, rows["start"].Status)
	assert.Equal(t, schema.NodeFailed, rows["migrate"].Status)
	assert.Equal(t, "connection refused", rows["migrate"].Error)
	assert.Empty(t, te.notifier.sent)
}

func TestEngine_Execute_UnknownActionFailsNode(t *testing.T) {
	te := newTestEnv(t)
	wfID := te.workflow([]schema.Node{trigger("start"), action("bad", "not_a_real_action")}, nil)

	execID := te.execute(wfID, nil, "alice")
	te.engine.Wait()

	d := te.detail(execID)
	assert.Equal(t, schema.ExecutionFailed, d.Execution.Status)
	assert.Contains(t, d.Execution.Error, "unknown action: not_a_real_action")
	assert.Contains(t, d.Execution.Error, "node bad failed")
}

func TestEngine_Execute_PanicBecomesNodeFailure(t *testing.T) {
	te := newTestEnv(t)
	wfID := te.workflow([]schema.Node{trigger("start"), action("p", "explode"), action("after", "echo")}, nil)

	execID := te.execute(wfID, nil, "alice")
	te.engine.Wait()

	d := te.detail(execID)
	assert.Equal(t, schema.ExecutionFailed, d.Execution.Status)
	assert.Contains(t, d.Execution.Error, "executor panicked: kaboom")
	assert.Empty(t, te.echo.Calls())
}

func TestEngine_Execute_Preconditions(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	_, err := te.engine.Execute(ctx, "missing", ExecuteRequest{}, "")
	assert.True(t, schema.IsNotFound(err))

	wfID := te.workflow([]schema.Node{trigger("start")}, nil)
	require.NoError(t, te.engine.SetPublished(ctx, wfID, false))
	_, err = te.engine.Execute(ctx, wfID, ExecuteRequest{}, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotPublished))

	page, err := te.engine.History(ctx, wfID, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Total, "no execution row before the run is accepted")
}

func TestEngine_Execute_RejectsMistypedVariable(t *testing.T) {
	te := newTestEnv(t)
	wfID := te.workflow([]schema.Node{trigger("start")}, nil,
		schema.VariableDefinition{Name: "count", Type: schema.VariableNumber})

	_, err := te.engine.Execute(context.Background(), wfID, ExecuteRequest{Variables: map[string]any{"count": "five"}}, "")
	assert.True(t, schema.IsValidationError(err))
}

// --- Branching ---

func TestEngine_ConditionSkipsUntakenBranch(t *testing.T) {
	te := newTestEnv(t)
	nodes := []schema.Node{
		trigger("start"),
		{ID: "check", Type: schema.NodeTypeCondition, Data: map[string]any{"expression": "variables.pending > 0"}},
		action("apply", "echo"),
		action("report", "echo"),
		action("noop", "echo"),
		action("noop_followup", "echo"),
	}
	edges := []schema.Edge{
		{Source: "start", Target: "check"},
		{Source: "check", Target: "apply", Label: "true"},
		{Source: "apply", Target: "report"},
		{Source: "check", Target: "noop", SourceHandle: "false"},
		{Source: "noop", Target: "noop_followup"},
	}
	wfID := te.workflow(nodes, edges)

	execID := te.execute(wfID, map[string]any{"pending": 2}, "alice")
	te.engine.Wait()

	d := te.detail(execID)
	require.Equal(t, schema.ExecutionSuccess, d.Execution.Status, d.Execution.Error)
	rows := nodeRows(d)
	assert.Equal(t, schema.NodeSuccess, rows["apply"].Status)
	assert.Equal(t, schema.NodeSuccess, rows["report"].Status)
	assert.Equal(t, schema.NodeSkipped, rows["noop"].Status)
	assert.Equal(t, schema.NodeSkipped, rows["noop_followup"].Status)
	assert.ElementsMatch(t, []string{"apply", "report"}, te.echo.Calls())
	assert.JSONEq(t, `{"result":true,"expression":"variables.pending > 0","engine":"cel"}`, string(rows["check"].Output))
}

// --- Approvals & resume ---

func approvalWorkflow(te *testEnv, data map[string]any) string {
	return te.workflow([]schema.Node{
		trigger("start"),
		action("plan", "echo", map[string]any{"value": "plan"}),
		{ID: "gate", Type: schema.NodeTypeApproval, Data: data},
		action("apply", "echo", map[string]any{"value": "{{plan.value}}"}),
	}, nil)
}

func TestEngine_Approval_PauseApproveResume(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()
	wfID := approvalWorkflow(te, map[string]any{"approvers": []any{"bob", "carol"}, "requireAll": true})

	execID := te.execute(wfID, nil, "alice")
	te.engine.Wait()

	d := te.detail(execID)
	require.Equal(t, schema.ExecutionPaused, d.Execution.Status, d.Execution.Error)
	assert.Equal(t, schema.NodePending, nodeRows(d)["gate"].Status)
	require.Len(t, d.PendingApprovals, 1)

	_, err := te.engine.Approve(ctx, execID, "gate", "mallory", "")
	assert.True(t, schema.IsValidationError(err))

	dec, err := te.engine.Approve(ctx, execID, "gate", "bob", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalPending, dec.Status, "requireAll waits for carol")
	assert.False(t, dec.Resumed)

	_, err = te.engine.Approve(ctx, execID, "gate", "bob", "again")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	dec, err = te.engine.Approve(ctx, execID, "gate", "carol", "")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalApproved, dec.Status)
	assert.True(t, dec.Resumed)
	te.engine.Wait()

	d = te.detail(execID)
	require.Equal(t, schema.ExecutionSuccess, d.Execution.Status, d.Execution.Error)
	rows := nodeRows(d)
	assert.Equal(t, schema.NodeSuccess, rows["gate"].Status)
	assert.JSONEq(t, `{"node":"apply","value":"plan"}`, string(rows["apply"].Output))
	assert.Equal(t, []string{"plan", "apply"}, te.echo.Calls(), "plan ran once")
}

func TestEngine_Approval_Reject(t *testing.T) {
	te := newTestEnv(t)
	wfID := approvalWorkflow(te, map[string]any{"approvers": []any{"bob"}})

	execID := te.execute(wfID, nil, "alice")
	te.engine.Wait()

	dec, err := te.engine.Reject(context.Background(), execID, "gate", "bob", "not during business hours")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalRejected, dec.Status)
	te.engine.Wait()

	d := te.detail(execID)
	assert.Equal(t, schema.ExecutionFailed, d.Execution.Status)
	assert.Equal(t, "node gate failed: approval rejected by bob: not during business hours", d.Execution.Error)
	_, ranApply := nodeRows(d)["apply"]
	assert.False(t, ranApply)
}

func TestEngine_Approval_SkipIfCreator(t *testing.T) {
	te := newTestEnv(t)
	wfID := approvalWorkflow(te, map[string]any{"approvers": []any{"alice", "bob"}, "skipIfCreator": true})

	execID := te.execute(wfID, nil, "alice")
	te.engine.Wait()

	d := te.detail(execID)
	require.Equal(t, schema.ExecutionSuccess, d.Execution.Status, d.Execution.Error)
	assert.Empty(t, d.PendingApprovals)
}

func TestEngine_Resume_RunsOnlyRemainingNodes(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()
	nodes := []schema.Node{
		trigger("n1"),
		action("n2", "echo", map[string]any{"value": "two"}),
		action("n3", "echo", map[string]any{"value": "{{n2.value}}"}),
		action("n4", "echo"),
		action("n5", "echo"),
	}
	wfID := te.workflow(nodes, nil)
	wf, err := te.store.GetWorkflow(ctx, wfID)
	require.NoError(t, err)

	// A paused execution whose first two nodes completed.
	execID := uuid.NewString()
	rc, _ := json.Marshal(runContext{CurrentUser: schema.User{ID: "alice"}, Variables: map[string]any{}})
	require.NoError(t, te.store.CreateExecution(ctx, &store.Execution{
		ID: execID, WorkflowID: wfID, DefinitionID: wf.DefinitionID,
		Status: schema.ExecutionPaused, Context: rc, TriggeredAt: time.Now().UTC(),
	}))
	for i, out := range []string{`{"triggered":true}`, `{"node":"n2","value":"two"}`} {
		started := time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, te.store.UpsertNodeExecution(ctx, &store.NodeExecution{
			ID: uuid.NewString(), ExecutionID: execID, NodeID: nodes[i].ID, NodeType: nodes[i].Type,
			Status: schema.NodeSuccess, Output: json.RawMessage(out), StartedAt: &started, CompletedAt: &started,
		}))
	}

	res, err := te.engine.Resume(ctx, execID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	te.engine.Wait()

	assert.Equal(t, []string{"n3", "n4", "n5"}, te.echo.Calls())

	d := te.detail(execID)
	require.Equal(t, schema.ExecutionSuccess, d.Execution.Status, d.Execution.Error)
	var output map[string]map[string]any
	require.NoError(t, json.Unmarshal(d.Execution.Output, &output))
	assert.Len(t, output, 5)
	assert.Equal(t, "two", output["n3"]["value"], "outputs rehydrated before resuming")

	res, err = te.engine.Resume(ctx, execID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ExecutionSuccess, res.Status)
}

func TestEngine_Resume_SubMillisecondStartTimes(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()
	nodes := []schema.Node{trigger("n1"), action("n2", "echo"), action("n3", "echo")}
	wfID := te.workflow(nodes, nil)
	wf, err := te.store.GetWorkflow(ctx, wfID)
	require.NoError(t, err)

	execID := uuid.NewString()
	rc, _ := json.Marshal(runContext{CurrentUser: schema.User{ID: "alice"}, Variables: map[string]any{}})
	require.NoError(t, te.store.CreateExecution(ctx, &store.Execution{
		ID: execID, WorkflowID: wfID, DefinitionID: wf.DefinitionID,
		Status: schema.ExecutionPaused, Context: rc, TriggeredAt: time.Now().UTC(),
	}))
	starts := []time.Time{
		time.Date(2026, 3, 1, 12, 0, 5, 100_000_000, time.UTC),
		time.Date(2026, 3, 1, 12, 0, 5, 120_000_000, time.UTC),
	}
	for i, out := range []string{`{"triggered":true}`, `{"node":"n2"}`} {
		at := starts[i]
		require.NoError(t, te.store.UpsertNodeExecution(ctx, &store.NodeExecution{
			ID: uuid.NewString(), ExecutionID: execID, NodeID: nodes[i].ID, NodeType: nodes[i].Type,
			Status: schema.NodeSuccess, Output: json.RawMessage(out), StartedAt: &at, CompletedAt: &at,
		}))
	}

	res, err := te.engine.Resume(ctx, execID)
	require.NoError(t, err)
	require.True(t, res.Success)
	te.engine.Wait()

	assert.Equal(t, []string{"n3"}, te.echo.Calls(), "completed nodes are not run again")
	assert.Equal(t, schema.ExecutionSuccess, te.detail(execID).Execution.Status)
}

// --- Cancel ---

// cancelWhileBlocked starts a run that parks in the block action, cancels
// it, then lets the action return err.
func cancelWhileBlocked(t *testing.T, te *testEnv, err error) *ExecutionDetail {
	t.Helper()
	ctx := context.Background()
	wfID := te.workflow([]schema.Node{trigger("start"), action("wait", "block"), action("after", "echo")}, nil)
	t.Cleanup(func() {
		select {
		case te.gate <- nil:
		default:
		}
	})

	execID := te.execute(wfID, nil, "alice")
	require.Eventually(t, func() bool {
		row, err := te.store.GetNodeExecution(ctx, execID, "wait")
		return err == nil && row.Status == schema.NodeRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, te.engine.Cancel(ctx, execID))
	d := te.detail(execID)
	assert.Equal(t, schema.ExecutionCancelled, d.Execution.Status)
	assert.Equal(t, schema.NodeRunning, nodeRows(d)["wait"].Status, "in-flight node is left to finish")

	te.gate <- err
	te.engine.Wait()

	require.NoError(t, te.engine.Cancel(ctx, execID), "cancelling a finished run is a no-op")
	return te.detail(execID)
}

func TestEngine_Cancel_StopsBeforeNextNode(t *testing.T) {
	te := newTestEnv(t)
	d := cancelWhileBlocked(t, te, nil)

	assert.Equal(t, schema.ExecutionCancelled, d.Execution.Status)
	assert.NotNil(t, d.Execution.CompletedAt)
	assert.Empty(t, d.Execution.Output)
	rows := nodeRows(d)
	assert.Equal(t, schema.NodeSuccess, rows["wait"].Status)
	assert.Empty(t, rows["wait"].Error)
	assert.JSONEq(t, `{"node":"wait"}`, string(rows["wait"].Output))
	_, ran := rows["after"]
	assert.False(t, ran)
	assert.Empty(t, te.echo.Calls())
}

func TestEngine_Cancel_InFlightFailureKeepsCancelledStatus(t *testing.T) {
	te := newTestEnv(t)
	d := cancelWhileBlocked(t, te, errors.New("lock wait timeout"))

	assert.Equal(t, schema.ExecutionCancelled, d.Execution.Status)
	assert.Equal(t, "execution cancelled", d.Execution.Error)
	rows := nodeRows(d)
	assert.Equal(t, schema.NodeFailed, rows["wait"].Status)
	assert.Contains(t, rows["wait"].Error, "lock wait timeout")
	_, ran := rows["after"]
	assert.False(t, ran)
}

func TestEngine_Cancel_Paused(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()
	wfID := approvalWorkflow(te, map[string]any{"approvers": []any{"bob"}})

	execID := te.execute(wfID, nil, "alice")
	te.engine.Wait()
	require.NoError(t, te.engine.Cancel(ctx, execID))

	d := te.detail(execID)
	assert.Equal(t, schema.ExecutionCancelled, d.Execution.Status)
	assert.Equal(t, schema.NodeFailed, nodeRows(d)["gate"].Status)

	_, err := te.engine.Approve(ctx, execID, "gate", "bob", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

// --- Test runs ---

func TestEngine_Test_RunsFirstNodesWithoutPersistence(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()
	wfID := te.workflow([]schema.Node{
		trigger("start"),
		{ID: "gate", Type: schema.NodeTypeApproval, Data: map[string]any{"approvers": []any{"bob"}}},
		action("one", "echo", map[string]any{"value": "{{currentUser.id}}"}),
		action("two", "echo"),
		action("three", "echo"),
	}, nil)
	require.NoError(t, te.engine.SetPublished(ctx, wfID, false))

	report, err := te.engine.Test(ctx, wfID, TestRequest{}, schema.User{ID: "dana"})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 5, report.TotalNodes)
	require.Len(t, report.Nodes, 3)
	assert.Equal(t, map[string]any{"approvalRequired": true, "approvers": []any{"bob"}, "requireAll": false, "timeoutSeconds": float64(3600)}, report.Nodes[1].Output)
	assert.Equal(t, map[string]any{"node": "one", "value": "dana"}, report.Nodes[2].Output)

	page, err := te.engine.History(ctx, wfID, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestEngine_Test_ReportsFailure(t *testing.T) {
	te := newTestEnv(t)
	wfID := te.workflow([]schema.Node{trigger("start"), action("x", "boom"), action("y", "echo")}, nil)

	report, err := te.engine.Test(context.Background(), wfID, TestRequest{}, schema.User{ID: "dana"})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, "node x failed: connection refused", report.Error)
	require.Len(t, report.Nodes, 2)
	assert.Equal(t, schema.NodeFailed, report.Nodes[1].Status)
	assert.Empty(t, te.echo.Calls())
}

// --- Secrets, history, events ---

func TestEngine_SecretVariablesMasked(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, te.vault.Store(ctx, "prod_pw", []byte("hunter2")))
	wfID := te.workflow([]schema.Node{
		trigger("start"),
		action("login", "echo", map[string]any{"value": "user=admin password={{variables.password}}"}),
	}, nil, schema.VariableDefinition{Name: "password", Type: schema.VariableSecret})

	execID := te.execute(wfID, map[string]any{"password": "${{secrets.prod_pw}}"}, "alice")
	te.engine.Wait()

	d := te.detail(execID)
	require.Equal(t, schema.ExecutionSuccess, d.Execution.Status, d.Execution.Error)
	assert.NotContains(t, string(d.Execution.Context), "hunter2")
	assert.Contains(t, string(d.Execution.Context), secrets.Masked)
	assert.NotContains(t, string(nodeRows(d)["login"].Input), "hunter2")

	keys, err := te.vault.List(ctx)
	require.NoError(t, err)
	for _, k := range keys {
		assert.False(t, strings.HasPrefix(k, "executions/"+execID), "sealed variables purged at completion")
	}
}

func TestEngine_HistoryAndEvents(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()
	wfID := te.workflow([]schema.Node{trigger("start"), action("a", "echo")}, nil)

	events, unsubscribe, err := te.hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: wfID, EventTypes: []string{schema.EventExecutionStarted}})
	require.NoError(t, err)
	defer unsubscribe()

	first := te.execute(wfID, nil, "alice")
	te.engine.Wait()
	te.execute(wfID, nil, "bob")
	te.engine.Wait()

	select {
	case ev := <-events:
		assert.Equal(t, first, ev.ExecutionID)
		assert.Equal(t, "team-1", ev.TeamID)
	case <-time.After(2 * time.Second):
		t.Fatal("no execution_started event published")
	}

	page, err := te.engine.History(ctx, wfID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Executions, 1)

	trail, err := te.engine.Events(ctx, first, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range trail {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventNodeCompleted,
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
		schema.EventExecutionCompleted,
	}, types)

	_, err = te.engine.History(ctx, "missing", 10, 0)
	assert.True(t, schema.IsNotFound(err))
}

func TestEngine_UpdateDefinitionAppendsVersion(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()
	wfID := te.workflow([]schema.Node{trigger("start")}, nil)
	before, _, err := te.engine.Workflow(ctx, wfID)
	require.NoError(t, err)

	row, err := te.engine.UpdateDefinition(ctx, wfID,
		[]byte(`{"name":"renamed","nodes":[{"id":"t","type":"trigger"},{"id":"a","type":"action","data":{"action":"echo"}}],"edges":[{"source":"t","target":"a"}]}`),
		schema.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 2, row.Version)

	after, def, err := te.engine.Workflow(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", after.Name)
	assert.Len(t, def.Nodes, 2)
	assert.NotEqual(t, before.DefinitionID, after.DefinitionID)

	old, err := te.store.GetDefinition(ctx, before.DefinitionID)
	require.NoError(t, err)
	assert.Equal(t, 1, old.Version)

	_, err = te.engine.UpdateDefinition(ctx, wfID, []byte(`{"name":"x","nodes":[]}`), schema.FormatJSON)
	assert.True(t, schema.IsValidationError(err))
}
