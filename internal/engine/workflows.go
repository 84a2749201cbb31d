package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

// CreateWorkflowRequest imports a definition as a new workflow.
type CreateWorkflowRequest struct {
	Content   []byte
	Format    schema.DefinitionFormat
	TeamID    string
	CreatedBy string
	Publish   bool
}

// Validate parses and validates definition text without storing it.
func (e *Engine) Validate(content []byte, format schema.DefinitionFormat) (*schema.WorkflowDefinition, []schema.ValidationIssue, error) {
	return e.parser.ParseWithWarnings(content, format)
}

// CreateWorkflow validates a definition and stores it as version 1 of a new
// workflow named after the definition.
func (e *Engine) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (*store.Workflow, error) {
	def, err := e.parser.Parse(req.Content, req.Format)
	if err != nil {
		return nil, err
	}

	wf := &store.Workflow{
		ID:          uuid.NewString(),
		Name:        def.Name,
		Description: def.Description,
		TeamID:      req.TeamID,
		CreatedBy:   req.CreatedBy,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	row := &store.Definition{ID: uuid.NewString(), WorkflowID: wf.ID, Content: string(req.Content), Format: req.Format}
	if err := e.store.CreateDefinition(ctx, row); err != nil {
		return nil, err
	}

	published := req.Publish
	if err := e.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{DefinitionID: &row.ID, IsPublished: &published}); err != nil {
		return nil, err
	}
	wf.DefinitionID = row.ID
	wf.IsPublished = published
	wf.UpdatedAt = time.Now().UTC()
	return wf, nil
}

// UpdateDefinition appends a new definition version to a workflow and makes
// it current. Earlier versions, and executions that used them, are untouched.
func (e *Engine) UpdateDefinition(ctx context.Context, workflowID string, content []byte, format schema.DefinitionFormat) (*store.Definition, error) {
	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	def, err := e.parser.Parse(content, format)
	if err != nil {
		return nil, err
	}
	row := &store.Definition{ID: uuid.NewString(), WorkflowID: workflowID, Content: string(content), Format: format}
	if err := e.store.CreateDefinition(ctx, row); err != nil {
		return nil, err
	}
	update := store.WorkflowUpdate{DefinitionID: &row.ID, Name: &def.Name, Description: &def.Description}
	if err := e.store.UpdateWorkflow(ctx, workflowID, update); err != nil {
		return nil, err
	}
	return row, nil
}

// SetPublished toggles whether a workflow may be executed.
func (e *Engine) SetPublished(ctx context.Context, workflowID string, published bool) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if published && wf.DefinitionID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no definition to publish", workflowID)
	}
	return e.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{IsPublished: &published})
}

// Workflow returns a workflow with its current parsed definition.
func (e *Engine) Workflow(ctx context.Context, workflowID string) (*store.Workflow, *schema.WorkflowDefinition, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	def, _, err := e.loadDefinition(ctx, wf.DefinitionID)
	if err != nil {
		return nil, nil, err
	}
	return wf, def, nil
}

// Workflows lists workflows matching the filter.
func (e *Engine) Workflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}
