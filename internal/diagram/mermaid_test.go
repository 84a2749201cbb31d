package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD\n")
	assert.Contains(t, output, "%% Nightly migrate")

	assert.Contains(t, output, `start(["Start"])`)
	assert.Contains(t, output, `discover[("discover")]`)
	assert.Contains(t, output, `apply["apply (database_query)"]`)
	assert.Contains(t, output, `__start__(("Start"))`)
	assert.Contains(t, output, `__end__(("End"))`)

	assert.Contains(t, output, "start --> discover")
	assert.Contains(t, output, "classDef success")
	assert.NotContains(t, output, "class start ")
}

func TestRenderMermaidBranches(t *testing.T) {
	model, err := Build(branchingWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, `check{"check"}`)
	assert.Contains(t, output, `gate{{"gate"}}`)
	assert.Contains(t, output, `alert>"alert"]`)
	assert.Contains(t, output, "check -->|true| gate")
	assert.Contains(t, output, "check -->|false| alert")
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	rows := []*store.NodeExecution{
		{NodeID: "start", Status: schema.NodeSuccess},
		{NodeID: "discover", Status: schema.NodeFailed},
		{NodeID: "apply", Status: schema.NodeSkipped},
	}
	model, err := Build(linearWorkflow(), rows)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class start success")
	assert.Contains(t, output, "class discover failed")
	assert.Contains(t, output, "class apply skipped")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "run_db_1", mermaidSafeID("run-db.1"))
	assert.Equal(t, "a_b", mermaidSafeID("a b"))
}

func TestMermaidEscapeLabel(t *testing.T) {
	model := &DiagramModel{Nodes: []*Node{{ID: "q", Label: `say "hi"`, Kind: NodeKindAction}}}
	assert.Contains(t, RenderMermaid(model), `q["say #quot;hi#quot;"]`)
}
