package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/migraflow/internal/definition"
	"github.com/rendis/migraflow/internal/executors"
	"github.com/rendis/migraflow/internal/expressions"
	"github.com/rendis/migraflow/internal/logging"
	"github.com/rendis/migraflow/internal/secrets"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/internal/streaming"
	"github.com/rendis/migraflow/internal/validation"
	"github.com/rendis/migraflow/pkg/schema"
)

// DefaultPoolSize is the default number of runs executing at once.
const DefaultPoolSize = 10

// DefaultTestNodeLimit is how many nodes a test run executes.
const DefaultTestNodeLimit = 3

// Config holds engine tuning knobs.
type Config struct {
	PoolSize      int
	TestNodeLimit int
}

// Options are the engine's collaborators. Store, Parser and Executors are
// required; Vault and Hub are optional.
type Options struct {
	Store     store.Store
	Parser    *definition.Parser
	Executors *executors.Registry
	Vault     secrets.Vault
	Hub       streaming.EventHub
	Logger    *slog.Logger
	Config    Config
}

// ExecuteRequest carries the caller-supplied inputs of a run.
type ExecuteRequest struct {
	User         schema.User    `json:"user"`
	Variables    map[string]any `json:"variables,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	TeamID       string         `json:"teamId,omitempty"`
}

// RunHandle identifies a run started in the background.
type RunHandle struct {
	ExecutionID string                 `json:"executionId"`
	Status      schema.ExecutionStatus `json:"status"`
}

// ResumeResult reports whether a paused run was picked up again.
type ResumeResult struct {
	Success bool                   `json:"success"`
	Status  schema.ExecutionStatus `json:"status"`
}

// ExecutionDetail is an execution with its node rows.
type ExecutionDetail struct {
	Execution        *store.Execution       `json:"execution"`
	Nodes            []*store.NodeExecution `json:"nodes"`
	PendingApprovals []*store.Approval      `json:"pendingApprovals,omitempty"`
}

// HistoryPage is one page of a workflow's executions, newest first.
type HistoryPage struct {
	Executions []*store.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// runContext is the persisted part of an ExecutionContext. Secret variables
// are masked.
type runContext struct {
	CurrentUser  schema.User    `json:"currentUser"`
	Variables    map[string]any `json:"variables"`
	ConnectionID string         `json:"connectionId,omitempty"`
	TeamID       string         `json:"teamId,omitempty"`
}

// Engine runs workflow definitions node by node, persisting every transition
// so a run can be inspected, resumed and audited.
type Engine struct {
	store     store.Store
	parser    *definition.Parser
	executors *executors.Registry
	vault     secrets.Vault
	hub       streaming.EventHub
	logger    *slog.Logger
	config    Config

	journal *journal
	execFSM *ExecutionFSM
	nodeFSM *NodeFSM
	pool    *WorkerPool

	// mu guards running.
	mu      sync.Mutex
	running map[string]*run
}

// run is the in-memory state of one execution while its loop is active.
type run struct {
	executionID string
	workflowID  string
	teamID      string
	def         *schema.WorkflowDefinition
	graph       *Graph
	ectx        *executors.ExecutionContext
	outputs     *expressions.Outputs
	skipped     map[string]bool
	branches    map[string]bool
	cancel      context.CancelFunc

	// mu serialises execution status changes between the loop and Cancel.
	mu        sync.Mutex
	finished  bool
	cancelled bool
}

// stopped reports whether Cancel has ended the run.
func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Parser == nil || opts.Executors == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine needs a store, a parser and an executor registry")
	}
	cfg := opts.Config
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.TestNodeLimit <= 0 {
		cfg.TestNodeLimit = DefaultTestNodeLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:     opts.Store,
		parser:    opts.Parser,
		executors: opts.Executors,
		vault:     opts.Vault,
		hub:       opts.Hub,
		logger:    logger,
		config:    cfg,
		running:   make(map[string]*run),
	}
	e.journal = &journal{store: opts.Store, hub: opts.Hub, meta: e.streamMeta}
	e.execFSM = NewExecutionFSM(e.journal)
	e.nodeFSM = NewNodeFSM(e.journal)
	e.pool = NewWorkerPool(cfg.PoolSize, func(recovered any) {
		logger.Error("run loop panicked", "panic", fmt.Sprint(recovered))
	})
	return e, nil
}

// Execute starts a run of a published workflow and returns once the
// execution row exists and the run is queued.
func (e *Engine) Execute(ctx context.Context, workflowID string, req ExecuteRequest, triggeredBy string) (*RunHandle, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsPublished {
		return nil, schema.NewErrorf(schema.ErrCodeNotPublished, "workflow %s is not published", workflowID)
	}
	def, defRow, err := e.loadDefinition(ctx, wf.DefinitionID)
	if err != nil {
		return nil, err
	}
	graph, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}

	vars, err := e.prepareVariables(ctx, def, req.Variables)
	if err != nil {
		return nil, err
	}
	teamID := req.TeamID
	if teamID == "" {
		teamID = wf.TeamID
	}
	if triggeredBy == "" {
		triggeredBy = req.User.ID
	}

	execID := uuid.NewString()
	sealed, err := secrets.Seal(ctx, e.vault, execID, def.Variables, vars)
	if err != nil {
		return nil, err
	}
	persisted, err := json.Marshal(runContext{
		CurrentUser:  req.User,
		Variables:    sealed,
		ConnectionID: req.ConnectionID,
		TeamID:       teamID,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode execution context: %v", err)
	}

	exec := &store.Execution{
		ID:           execID,
		WorkflowID:   wf.ID,
		DefinitionID: defRow.ID,
		Status:       schema.ExecutionPending,
		TriggeredBy:  triggeredBy,
		Context:      persisted,
		TriggeredAt:  time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	r := &run{
		executionID: execID,
		workflowID:  wf.ID,
		teamID:      teamID,
		def:         def,
		graph:       graph,
		outputs:     expressions.NewOutputs(),
		skipped:     make(map[string]bool),
		branches:    make(map[string]bool),
		ectx: &executors.ExecutionContext{
			WorkflowID:      wf.ID,
			ExecutionID:     execID,
			CurrentUser:     req.User,
			Variables:       vars,
			PreviousOutputs: map[string]any{},
			ConnectionID:    req.ConnectionID,
			TeamID:          teamID,
		},
	}
	if err := e.start(ctx, r, schema.ExecutionPending, 0); err != nil {
		return nil, err
	}
	return &RunHandle{ExecutionID: execID, Status: schema.ExecutionRunning}, nil
}

// Resume continues a paused execution after its last completed node.
// Executions in any other state are reported unchanged.
func (e *Engine) Resume(ctx context.Context, executionID string) (*ResumeResult, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionPaused || e.active(executionID) != nil {
		return &ResumeResult{Success: false, Status: exec.Status}, nil
	}

	r, start, err := e.rehydrate(ctx, exec)
	if err != nil {
		return nil, err
	}
	if err := e.start(ctx, r, schema.ExecutionPaused, start); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return &ResumeResult{Success: false, Status: exec.Status}, nil
		}
		return nil, err
	}
	return &ResumeResult{Success: true, Status: schema.ExecutionRunning}, nil
}

// Cancel stops a running or paused execution. The running node finishes but
// no further node is dispatched. Executions in other states are left as is.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionRunning && exec.Status != schema.ExecutionPaused {
		return nil
	}

	if r := e.active(executionID); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.finished {
			return nil
		}
		if err := e.setStatus(ctx, executionID, schema.ExecutionRunning, schema.ExecutionCancelled, "execution cancelled", nil, nil); err != nil {
			return err
		}
		// The node in flight keeps its context and records its own result.
		r.finished = true
		r.cancelled = true
		e.purgeSecrets(ctx, executionID, "")
		e.logger.InfoContext(logging.WithRun(ctx, executionID, r.workflowID, r.ectx.CurrentUser.ID), "execution cancelled")
		return nil
	}

	if err := e.setStatus(ctx, executionID, exec.Status, schema.ExecutionCancelled, "execution cancelled", nil, nil); err != nil {
		return err
	}
	e.failOpenNodes(ctx, executionID, "execution cancelled")
	e.purgeSecrets(ctx, executionID, exec.DefinitionID)
	return nil
}

// Status returns an execution with its node rows and open approvals.
func (e *Engine) Status(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	approvals, err := e.store.ListPendingApprovals(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionDetail{Execution: exec, Nodes: nodes, PendingApprovals: approvals}, nil
}

// History pages through a workflow's executions, newest first.
func (e *Engine) History(ctx context.Context, workflowID string, limit, offset int) (*HistoryPage, error) {
	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	execs, total, err := e.store.ListExecutions(ctx, workflowID, limit, offset)
	if err != nil {
		return nil, err
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	return &HistoryPage{Executions: execs, Total: total, Limit: limit, Offset: offset}, nil
}

// Events returns the audit trail of an execution after the given sequence.
func (e *Engine) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, executionID, since)
}

// Wait blocks until every queued and running loop has returned.
func (e *Engine) Wait() {
	e.pool.Wait()
}

// PoolMetrics returns a snapshot of the run pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown stops accepting runs and waits for the active ones.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// --- run loop ---

// start flips the execution to running and queues its loop at node index from.
func (e *Engine) start(ctx context.Context, r *run, from schema.ExecutionStatus, index int) error {
	runCtx := logging.WithRun(context.WithoutCancel(ctx), r.executionID, r.workflowID, r.ectx.CurrentUser.ID)
	runCtx, r.cancel = context.WithCancel(runCtx)

	e.mu.Lock()
	if _, busy := e.running[r.executionID]; busy {
		e.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", r.executionID)
	}
	e.running[r.executionID] = r
	e.mu.Unlock()

	now := time.Now().UTC()
	var startedAt *time.Time
	if from == schema.ExecutionPending {
		startedAt = &now
	}
	if err := e.setStatus(ctx, r.executionID, from, schema.ExecutionRunning, "", nil, startedAt); err != nil {
		r.cancel()
		e.release(r)
		return err
	}

	err := e.pool.Go(runCtx, func(ctx context.Context) error {
		defer r.cancel()
		defer e.release(r)
		return e.loop(ctx, r, index)
	})
	if err != nil {
		r.cancel()
		e.release(r)
		_ = e.setStatus(context.WithoutCancel(ctx), r.executionID, schema.ExecutionRunning, schema.ExecutionFailed, err.Error(), nil, nil)
		return schema.NewErrorf(schema.ErrCodeConflict, "queue execution %s: %v", r.executionID, err)
	}
	e.logger.InfoContext(runCtx, "execution started", "from_node", index, "nodes", len(r.graph.Order))
	return nil
}

// loop runs the nodes of r in order starting at index. It returns an error
// when the run fails so the pool counts it.
func (e *Engine) loop(ctx context.Context, r *run, index int) error {
	for _, node := range r.graph.Order[index:] {
		if ctx.Err() != nil || r.stopped() {
			return nil
		}
		nodeCtx := logging.WithNodeID(ctx, node.ID)

		if e.unreachable(r, node.ID) {
			if err := e.skipNode(nodeCtx, r, node); err != nil {
				return e.failRun(ctx, r, node.ID, err.Error())
			}
			continue
		}

		res := e.runNode(nodeCtx, r, node)
		switch {
		case res.Paused:
			return e.pauseRun(ctx, r, node)
		case !res.Success:
			return e.failRun(ctx, r, node.ID, res.Error)
		}
	}
	return e.completeRun(ctx, r)
}

// runNode executes one node and persists its row. Trigger nodes succeed
// without a running phase.
func (e *Engine) runNode(ctx context.Context, r *run, node schema.Node) *executors.Result {
	from := e.currentNodeStatus(ctx, r.executionID, node.ID)
	startedAt := time.Now().UTC()
	row := &store.NodeExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.executionID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		NodeName:    node.Label,
		StartedAt:   &startedAt,
	}

	if node.Type == schema.NodeTypeTrigger {
		out := map[string]any{"triggered": true}
		res := &executors.Result{Success: true, Output: out}
		if err := e.nodeFSM.Transition(ctx, r.executionID, node.ID, from, schema.NodeSuccess, nil); err != nil {
			return failedResult(err)
		}
		row.Status = schema.NodeSuccess
		row.CompletedAt = &startedAt
		row.Output = mustJSON(out)
		if err := e.store.UpsertNodeExecution(ctx, row); err != nil {
			return failedResult(err)
		}
		r.outputs.Set(node.ID, out)
		return res
	}

	prepared, category, err := PrepareNode(node)
	if err != nil {
		return e.finishNode(ctx, r, row, from, failedResult(err))
	}
	exec, err := e.executors.Get(category)
	if err != nil {
		return e.finishNode(ctx, r, row, from, failedResult(err))
	}

	r.ectx.PreviousOutputs = r.outputs.Snapshot()
	resolved, _ := expressions.ResolveObject(prepared.Data, r.ectx.TemplateContext()).(map[string]any)
	prepared.Data = resolved

	if err := e.nodeFSM.Transition(ctx, r.executionID, node.ID, from, schema.NodeRunning, nil); err != nil {
		return failedResult(err)
	}
	row.Status = schema.NodeRunning
	row.Input = mustJSON(redact(resolved, e.secretValues(r)))
	if err := e.store.UpsertNodeExecution(ctx, row); err != nil {
		return failedResult(err)
	}
	e.logger.DebugContext(ctx, "node started", "type", node.Type, "category", category)

	res := dispatch(ctx, exec, prepared, r.ectx)
	return e.finishNode(ctx, r, row, schema.NodeRunning, res)
}

// finishNode records the outcome of a dispatched node.
func (e *Engine) finishNode(ctx context.Context, r *run, row *store.NodeExecution, from schema.NodeStatus, res *executors.Result) *executors.Result {
	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	row.DurationMs = res.Duration.Milliseconds()

	var to schema.NodeStatus
	payload := map[string]any{"duration_ms": row.DurationMs}
	switch {
	case res.Paused:
		to = schema.NodePending
		row.Output = mustJSON(res.Output)
	case res.Success:
		to = schema.NodeSuccess
		row.CompletedAt = &now
		generic := toGeneric(res.Output)
		row.Output = mustJSON(generic)
		r.outputs.Set(row.NodeID, generic)
		if out, ok := generic.(map[string]any); ok {
			if b, ok := out["result"].(bool); ok && isCondition(r, row.NodeID) {
				r.branches[row.NodeID] = b
				payload["result"] = b
			}
		}
	default:
		to = schema.NodeFailed
		row.CompletedAt = &now
		row.Error = res.Error
		payload["error"] = res.Error
	}

	if err := e.nodeFSM.Transition(persistCtx, r.executionID, row.NodeID, from, to, payload); err != nil {
		e.logger.WarnContext(ctx, "node transition rejected", "error", err)
	}
	row.Status = to
	if err := e.store.UpsertNodeExecution(persistCtx, row); err != nil {
		return failedResult(err)
	}
	if to == schema.NodeSuccess && isCondition(r, row.NodeID) {
		_ = e.journal.AppendEvent(persistCtx, &store.Event{
			ExecutionID: r.executionID,
			NodeID:      row.NodeID,
			Type:        schema.EventConditionEvaluated,
			Payload:     mustJSON(map[string]any{"result": r.branches[row.NodeID]}),
		})
	}

	if to == schema.NodeFailed {
		e.logger.WarnContext(ctx, "node failed", "error", res.Error, "code", res.Code)
	} else {
		e.logger.DebugContext(ctx, "node finished", "status", to, "duration_ms", row.DurationMs)
	}
	return res
}

// skipNode records a node that only untaken branches lead to.
func (e *Engine) skipNode(ctx context.Context, r *run, node schema.Node) error {
	from := e.currentNodeStatus(ctx, r.executionID, node.ID)
	if err := e.nodeFSM.Transition(ctx, r.executionID, node.ID, from, schema.NodeSkipped, nil); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.skipped[node.ID] = true
	return e.store.UpsertNodeExecution(ctx, &store.NodeExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.executionID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		NodeName:    node.Label,
		Status:      schema.NodeSkipped,
		StartedAt:   &now,
		CompletedAt: &now,
	})
}

// unreachable reports whether every edge into nodeID is dead. An edge is
// dead when its source was skipped, or when its source is a condition whose
// result differs from the edge's branch tag.
func (e *Engine) unreachable(r *run, nodeID string) bool {
	in := r.graph.Incoming[nodeID]
	if len(in) == 0 {
		return false
	}
	for _, edge := range in {
		if r.skipped[edge.Source] {
			continue
		}
		result, evaluated := r.branches[edge.Source]
		branch := edge.Branch()
		if evaluated && branch != "" && branch != fmt.Sprint(result) {
			continue
		}
		return false
	}
	return true
}

func (e *Engine) pauseRun(ctx context.Context, r *run, node schema.Node) error {
	persistCtx := context.WithoutCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	if err := e.persistContext(persistCtx, r); err != nil {
		e.logger.WarnContext(ctx, "persist context on pause", "error", err)
	}
	if err := e.setStatus(persistCtx, r.executionID, schema.ExecutionRunning, schema.ExecutionPaused, "", map[string]any{"node_id": node.ID}, nil); err != nil {
		return err
	}
	r.finished = true
	if node.Type == schema.NodeTypeApproval {
		_ = e.journal.AppendEvent(persistCtx, &store.Event{
			ExecutionID: r.executionID,
			NodeID:      node.ID,
			Type:        schema.EventApprovalRequested,
			Payload:     mustJSON(node.Data),
		})
	}
	e.logger.InfoContext(ctx, "execution paused", "node_id", node.ID)
	return nil
}

func (e *Engine) failRun(ctx context.Context, r *run, nodeID, cause string) error {
	persistCtx := context.WithoutCancel(ctx)
	msg := fmt.Sprintf("node %s failed: %s", nodeID, cause)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	if err := e.persistContext(persistCtx, r); err != nil {
		e.logger.WarnContext(ctx, "persist context on failure", "error", err)
	}
	if err := e.setStatus(persistCtx, r.executionID, schema.ExecutionRunning, schema.ExecutionFailed, msg, map[string]any{"node_id": nodeID}, nil); err != nil {
		return err
	}
	r.finished = true
	e.purgeSecrets(persistCtx, r.executionID, "")
	e.logger.WarnContext(ctx, "execution failed", "error", msg)
	return schema.NewError(schema.ErrCodeNodeFailed, msg).WithNode(nodeID)
}

func (e *Engine) completeRun(ctx context.Context, r *run) error {
	persistCtx := context.WithoutCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	if err := e.persistContext(persistCtx, r); err != nil {
		e.logger.WarnContext(ctx, "persist context on completion", "error", err)
	}
	output := mustJSON(r.outputs.Snapshot())
	if err := e.setStatus(persistCtx, r.executionID, schema.ExecutionRunning, schema.ExecutionSuccess, "", nil, nil, output); err != nil {
		return err
	}
	r.finished = true
	e.purgeSecrets(persistCtx, r.executionID, "")
	e.logger.InfoContext(ctx, "execution completed", "nodes", r.outputs.Len())
	return nil
}

// setStatus validates and persists an execution status change. Terminal
// states get a completion time; output is stored when given.
func (e *Engine) setStatus(ctx context.Context, executionID string, from, to schema.ExecutionStatus, message string, payload map[string]any, startedAt *time.Time, output ...json.RawMessage) error {
	if payload == nil {
		payload = map[string]any{}
	}
	if message != "" {
		payload["error"] = message
	}
	if err := e.execFSM.Transition(ctx, executionID, from, to, payload); err != nil {
		return err
	}

	update := store.ExecutionUpdate{Status: &to, StartedAt: startedAt}
	if message != "" {
		update.Error = &message
	}
	if len(output) > 0 {
		update.Output = output[0]
	}
	switch to {
	case schema.ExecutionSuccess, schema.ExecutionFailed, schema.ExecutionCancelled:
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	return e.store.UpdateExecution(ctx, executionID, update)
}

func (e *Engine) persistContext(ctx context.Context, r *run) error {
	sealed, err := secrets.Seal(ctx, e.vault, r.executionID, r.def.Variables, r.ectx.Variables)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(runContext{
		CurrentUser:  r.ectx.CurrentUser,
		Variables:    sealed,
		ConnectionID: r.ectx.ConnectionID,
		TeamID:       r.ectx.TeamID,
	})
	if err != nil {
		return err
	}
	return e.store.UpdateExecution(ctx, r.executionID, store.ExecutionUpdate{Context: raw})
}

// rehydrate rebuilds the in-memory run of a persisted execution and returns
// the index of the first node still to run.
func (e *Engine) rehydrate(ctx context.Context, exec *store.Execution) (*run, int, error) {
	def, _, err := e.loadDefinition(ctx, exec.DefinitionID)
	if err != nil {
		return nil, 0, err
	}
	graph, err := BuildGraph(def)
	if err != nil {
		return nil, 0, err
	}

	var rc runContext
	if len(exec.Context) > 0 {
		if err := json.Unmarshal(exec.Context, &rc); err != nil {
			return nil, 0, schema.NewErrorf(schema.ErrCodeStore, "decode execution context: %v", err)
		}
	}
	vars, err := secrets.Unseal(ctx, e.vault, exec.ID, def.Variables, rc.Variables)
	if err != nil {
		return nil, 0, err
	}
	if vars == nil {
		vars = map[string]any{}
	}

	r := &run{
		executionID: exec.ID,
		workflowID:  exec.WorkflowID,
		teamID:      rc.TeamID,
		def:         def,
		graph:       graph,
		outputs:     expressions.NewOutputs(),
		skipped:     make(map[string]bool),
		branches:    make(map[string]bool),
		ectx: &executors.ExecutionContext{
			WorkflowID:      exec.WorkflowID,
			ExecutionID:     exec.ID,
			CurrentUser:     rc.CurrentUser,
			Variables:       vars,
			PreviousOutputs: map[string]any{},
			ConnectionID:    rc.ConnectionID,
			TeamID:          rc.TeamID,
		},
	}

	rows, err := e.store.ListNodeExecutions(ctx, exec.ID)
	if err != nil {
		return nil, 0, err
	}
	for _, row := range graphOrdered(graph, rows) {
		switch row.Status {
		case schema.NodeSuccess:
			if err := r.outputs.SetRaw(row.NodeID, row.Output); err != nil {
				return nil, 0, schema.NewErrorf(schema.ErrCodeStore, "decode output of node %s: %v", row.NodeID, err)
			}
			if out, ok := r.outputs.Get(row.NodeID); ok && isCondition(r, row.NodeID) {
				if m, ok := out.(map[string]any); ok {
					if b, ok := m["result"].(bool); ok {
						r.branches[row.NodeID] = b
					}
				}
			}
		case schema.NodeSkipped:
			r.skipped[row.NodeID] = true
		}
	}

	start := 0
	last, err := e.store.LastCompletedNodeExecution(ctx, exec.ID)
	if err != nil {
		return nil, 0, err
	}
	if last != nil {
		start = graph.IndexOf(last.NodeID) + 1
	}
	return r, start, nil
}

func (e *Engine) loadDefinition(ctx context.Context, definitionID string) (*schema.WorkflowDefinition, *store.Definition, error) {
	if definitionID == "" {
		return nil, nil, schema.NewError(schema.ErrCodeNotFound, "workflow has no definition")
	}
	row, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, nil, err
	}
	def, err := e.parser.Parse([]byte(row.Content), row.Format)
	if err != nil {
		return nil, nil, err
	}
	return def, row, nil
}

// prepareVariables layers declared defaults, caller values and vault
// references, then checks declared types.
func (e *Engine) prepareVariables(ctx context.Context, def *schema.WorkflowDefinition, provided map[string]any) (map[string]any, error) {
	vars := make(map[string]any, len(def.Variables)+len(provided))
	for _, v := range def.Variables {
		if v.Default != nil {
			vars[v.Name] = v.Default
		}
	}
	for k, v := range provided {
		vars[k] = v
	}
	vars, err := secrets.ResolveRefs(ctx, e.vault, vars)
	if err != nil {
		return nil, err
	}

	generic, err := validation.ToJSONValue(vars)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "variables are not JSON values: %v", err)
	}
	values, _ := generic.(map[string]any)
	if err := e.parser.Validator().ValidateVariables(def.Variables, values).ToError(); err != nil {
		return nil, err
	}
	return vars, nil
}

func (e *Engine) currentNodeStatus(ctx context.Context, executionID, nodeID string) schema.NodeStatus {
	row, err := e.store.GetNodeExecution(ctx, executionID, nodeID)
	if err != nil || row == nil {
		return schema.NodePending
	}
	return row.Status
}

// failOpenNodes fails node rows still pending or running.
func (e *Engine) failOpenNodes(ctx context.Context, executionID, message string) {
	rows, err := e.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return
	}
	var open []string
	for _, row := range rows {
		if row.Status == schema.NodePending || row.Status == schema.NodeRunning {
			open = append(open, row.NodeID)
		}
	}
	if n, err := e.store.MarkNodeExecutionsFailed(ctx, executionID, open, message); err != nil {
		e.logger.WarnContext(ctx, "fail open nodes", "execution_id", executionID, "error", err)
	} else if n > 0 {
		e.logger.DebugContext(ctx, "failed open nodes", "execution_id", executionID, "count", n)
	}
}

// purgeSecrets drops the sealed secret variables of a finished execution.
// definitionID is looked up from the execution when empty.
func (e *Engine) purgeSecrets(ctx context.Context, executionID, definitionID string) {
	if e.vault == nil {
		return
	}
	var defs []schema.VariableDefinition
	if r := e.active(executionID); r != nil {
		defs = r.def.Variables
	} else {
		if definitionID == "" {
			exec, err := e.store.GetExecution(ctx, executionID)
			if err != nil {
				return
			}
			definitionID = exec.DefinitionID
		}
		def, _, err := e.loadDefinition(ctx, definitionID)
		if err != nil {
			return
		}
		defs = def.Variables
	}
	if err := secrets.Purge(ctx, e.vault, executionID, defs); err != nil {
		e.logger.WarnContext(ctx, "purge secret variables", "execution_id", executionID, "error", err)
	}
}

func (e *Engine) secretValues(r *run) []string {
	var out []string
	for _, v := range r.def.Variables {
		if !v.Secret() {
			continue
		}
		if s, ok := r.ectx.Variables[v.Name].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) active(executionID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[executionID]
}

func (e *Engine) release(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[r.executionID] == r {
		delete(e.running, r.executionID)
	}
}

func (e *Engine) streamMeta(executionID string) (workflowID, teamID string) {
	if r := e.active(executionID); r != nil {
		return r.workflowID, r.teamID
	}
	return "", ""
}

// dispatch runs an executor, turning a panic into a node failure.
func dispatch(ctx context.Context, exec executors.Executor, node schema.Node, ectx *executors.ExecutionContext) (res *executors.Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = &executors.Result{
				Error:    fmt.Sprintf("executor panicked: %v", p),
				Code:     schema.ErrCodeNodeFailed,
				Duration: time.Since(start),
			}
		}
	}()
	res = exec.Execute(ctx, node, ectx)
	if res == nil {
		res = &executors.Result{Error: "executor returned no result", Code: schema.ErrCodeNodeFailed, Duration: time.Since(start)}
	}
	return res
}

func failedResult(err error) *executors.Result {
	code := schema.ErrCodeNodeFailed
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return &executors.Result{Error: schema.Message(err), Code: code}
}

func isCondition(r *run, nodeID string) bool {
	n, ok := r.graph.Nodes[nodeID]
	return ok && n.Type == schema.NodeTypeCondition
}

// graphOrdered sorts node rows by their position in the execution order.
func graphOrdered(g *Graph, rows []*store.NodeExecution) []*store.NodeExecution {
	out := slices.Clone(rows)
	slices.SortStableFunc(out, func(a, b *store.NodeExecution) int {
		return g.IndexOf(a.NodeID) - g.IndexOf(b.NodeID)
	})
	return out
}

// toGeneric converts typed outputs to their JSON shape, the form they take
// after a round trip through the store.
func toGeneric(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
