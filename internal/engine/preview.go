package engine

import (
	"context"
	"time"

	"github.com/rendis/migraflow/internal/executors"
	"github.com/rendis/migraflow/internal/expressions"
	"github.com/rendis/migraflow/pkg/schema"
)

// TestRequest carries the inputs of a test run.
type TestRequest struct {
	Variables    map[string]any `json:"variables,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	TeamID       string         `json:"teamId,omitempty"`
}

// TestNodeResult is the inline outcome of one node in a test run.
type TestNodeResult struct {
	NodeID     string            `json:"nodeId"`
	NodeType   schema.NodeType   `json:"nodeType"`
	Status     schema.NodeStatus `json:"status"`
	Output     any               `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"durationMs"`
}

// TestReport is the result of a test run.
type TestReport struct {
	WorkflowID string           `json:"workflowId"`
	Success    bool             `json:"success"`
	Nodes      []TestNodeResult `json:"nodes"`
	TotalNodes int              `json:"totalNodes"`
	Error      string           `json:"error,omitempty"`
}

// Test runs the first few nodes of a workflow's current definition inline.
// Nothing is persisted and approvals are described instead of opened.
// Unpublished workflows may be tested.
func (e *Engine) Test(ctx context.Context, workflowID string, req TestRequest, user schema.User) (*TestReport, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	def, _, err := e.loadDefinition(ctx, wf.DefinitionID)
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

	r := &run{
		workflowID: wf.ID,
		def:        def,
		graph:      graph,
		outputs:    expressions.NewOutputs(),
		skipped:    make(map[string]bool),
		branches:   make(map[string]bool),
		ectx: &executors.ExecutionContext{
			WorkflowID:      wf.ID,
			CurrentUser:     user,
			Variables:       vars,
			PreviousOutputs: map[string]any{},
			ConnectionID:    req.ConnectionID,
			TeamID:          teamID,
			Preview:         true,
		},
	}

	report := &TestReport{WorkflowID: wf.ID, Success: true, TotalNodes: len(graph.Order), Nodes: []TestNodeResult{}}
	nodes := graph.Order
	if len(nodes) > e.config.TestNodeLimit {
		nodes = nodes[:e.config.TestNodeLimit]
	}
	for _, node := range nodes {
		if e.unreachable(r, node.ID) {
			r.skipped[node.ID] = true
			report.Nodes = append(report.Nodes, TestNodeResult{NodeID: node.ID, NodeType: node.Type, Status: schema.NodeSkipped})
			continue
		}

		res := e.previewNode(ctx, r, node)
		nr := TestNodeResult{
			NodeID:     node.ID,
			NodeType:   node.Type,
			Output:     res.Output,
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Success {
			nr.Status = schema.NodeSuccess
			report.Nodes = append(report.Nodes, nr)
			continue
		}
		nr.Status = schema.NodeFailed
		nr.Error = res.Error
		report.Nodes = append(report.Nodes, nr)
		report.Success = false
		report.Error = "node " + node.ID + " failed: " + res.Error
		break
	}
	return report, nil
}

// previewNode executes a node against the in-memory run without touching the store.
func (e *Engine) previewNode(ctx context.Context, r *run, node schema.Node) *executors.Result {
	if node.Type == schema.NodeTypeTrigger {
		out := map[string]any{"triggered": true}
		r.outputs.Set(node.ID, out)
		return &executors.Result{Success: true, Output: out}
	}
	start := time.Now()
	prepared, category, err := PrepareNode(node)
	if err != nil {
		return failedResult(err)
	}
	exec, err := e.executors.Get(category)
	if err != nil {
		return failedResult(err)
	}
	r.ectx.PreviousOutputs = r.outputs.Snapshot()
	prepared.Data, _ = expressions.ResolveObject(prepared.Data, r.ectx.TemplateContext()).(map[string]any)

	res := dispatch(ctx, exec, prepared, r.ectx)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if res.Success {
		generic := toGeneric(res.Output)
		res.Output = generic
		r.outputs.Set(node.ID, generic)
		if m, ok := generic.(map[string]any); ok && node.Type == schema.NodeTypeCondition {
			if b, ok := m["result"].(bool); ok {
				r.branches[node.ID] = b
			}
		}
	}
	return res
}
