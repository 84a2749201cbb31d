package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/rendis/migraflow/internal/diagram"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

func diagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "Print a workflow as a Mermaid flowchart",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "execution", Usage: "Overlay the node states of this execution"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "workflow-id")
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(a *app) error {
				def, rows, err := diagramSource(ctx, a, id, command.String("execution"))
				if err != nil {
					return err
				}
				model, err := diagram.Build(def, rows)
				if err != nil {
					return err
				}
				fmt.Print(diagram.RenderMermaid(model))
				return nil
			})
		},
	}
}

// diagramSource returns the current definition of a workflow, or the
// definition an execution ran with along with its node rows.
func diagramSource(ctx context.Context, a *app, workflowID, executionID string) (*schema.WorkflowDefinition, []*store.NodeExecution, error) {
	if executionID == "" {
		_, def, err := a.engine.Workflow(ctx, workflowID)
		return def, nil, err
	}
	d, err := a.engine.Status(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if d.Execution.WorkflowID != workflowID {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"execution %s belongs to workflow %s", executionID, d.Execution.WorkflowID)
	}
	stored, err := a.store.GetDefinition(ctx, d.Execution.DefinitionID)
	if err != nil {
		return nil, nil, err
	}
	def, _, err := a.engine.Validate([]byte(stored.Content), stored.Format)
	if err != nil {
		return nil, nil, err
	}
	return def, d.Nodes, nil
}
