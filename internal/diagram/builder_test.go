package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

func linearWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "Nightly migrate",
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeTrigger, Label: "Start"},
			{ID: "discover", Type: schema.NodeTypeDiscoverMigrations},
			{ID: "apply", Type: schema.NodeTypeAction, Data: map[string]any{"action": "database_query"}},
		},
		Edges: []schema.Edge{
			{Source: "start", Target: "discover"},
			{Source: "discover", Target: "apply"},
		},
	}
}

func branchingWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "Gated",
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "check", Type: schema.NodeTypeCondition},
			{ID: "gate", Type: schema.NodeTypeApproval},
			{ID: "alert", Type: schema.NodeTypeNotification},
		},
		Edges: []schema.Edge{
			{Source: "start", Target: "check"},
			{Source: "check", Target: "gate", SourceHandle: "true"},
			{Source: "check", Target: "alert", SourceHandle: "false"},
		},
	}
}

func ids(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestBuild_Linear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Nightly migrate", model.Title)
	assert.Equal(t, []string{"__start__", "start", "discover", "apply", "__end__"}, ids(model.Nodes))

	assert.Equal(t, NodeKindTrigger, model.Nodes[1].Kind)
	assert.Equal(t, NodeKindMigration, model.Nodes[2].Kind)
	assert.Equal(t, NodeKindAction, model.Nodes[3].Kind)
	assert.Equal(t, "apply (database_query)", model.Nodes[3].Label)
	assert.Equal(t, "Start", model.Nodes[1].Label)

	assert.Equal(t, []Edge{
		{From: "__start__", To: "start"},
		{From: "start", To: "discover"},
		{From: "discover", To: "apply"},
		{From: "apply", To: "__end__"},
	}, model.Edges)
}

func TestBuild_BranchLabelsAndLeaves(t *testing.T) {
	model, err := Build(branchingWorkflow(), nil)
	require.NoError(t, err)

	assert.Contains(t, model.Edges, Edge{From: "check", To: "gate", Label: "true"})
	assert.Contains(t, model.Edges, Edge{From: "check", To: "alert", Label: "false"})
	assert.Contains(t, model.Edges, Edge{From: "gate", To: "__end__"})
	assert.Contains(t, model.Edges, Edge{From: "alert", To: "__end__"})
	assert.NotContains(t, model.Edges, Edge{From: "check", To: "__end__"})
}

func TestBuild_StatusOverlay(t *testing.T) {
	rows := []*store.NodeExecution{
		{NodeID: "start", Status: schema.NodeSuccess, DurationMs: 3},
		{NodeID: "discover", Status: schema.NodeFailed, Error: "connection refused"},
	}
	model, err := Build(linearWorkflow(), rows)
	require.NoError(t, err)

	require.NotNil(t, model.Nodes[1].Status)
	assert.Equal(t, "success", model.Nodes[1].Status.Status)
	assert.Equal(t, int64(3), model.Nodes[1].Status.DurationMs)
	assert.Equal(t, "connection refused", model.Nodes[2].Status.Error)
	assert.Nil(t, model.Nodes[3].Status)
}

func TestBuild_Cycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Nodes: []schema.Node{{ID: "a", Type: schema.NodeTypeAction}, {ID: "b", Type: schema.NodeTypeAction}},
		Edges: []schema.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}
	_, err := Build(def, nil)
	assert.Error(t, err)
}

func TestBuild_Nil(t *testing.T) {
	_, err := Build(nil, nil)
	assert.Error(t, err)
}
