package engine

import (
	"github.com/rendis/migraflow/pkg/schema"
)

// Dispatch is the executor category and, for action specializations, the
// action discriminator a node type routes to.
type Dispatch struct {
	Category schema.NodeType
	Action   string
}

// nodeDispatch maps every node type the parser accepts to its dispatch target.
var nodeDispatch = map[schema.NodeType]Dispatch{
	schema.NodeTypeTrigger:      {Category: schema.NodeTypeTrigger},
	schema.NodeTypeAction:       {Category: schema.NodeTypeAction},
	schema.NodeTypeCondition:    {Category: schema.NodeTypeCondition},
	schema.NodeTypeApproval:     {Category: schema.NodeTypeApproval},
	schema.NodeTypeNotification: {Category: schema.NodeTypeNotification},
	schema.NodeTypeDelay:        {Category: schema.NodeTypeDelay},

	schema.NodeTypeDiscoverMigrations: {Category: schema.NodeTypeAction, Action: schema.ActionDiscoverMigrations},
	schema.NodeTypeDryRun:             {Category: schema.NodeTypeAction, Action: schema.ActionDryRun},
	schema.NodeTypeExecuteMigrations:  {Category: schema.NodeTypeAction, Action: schema.ActionExecuteMigrations},
	schema.NodeTypeRollback:           {Category: schema.NodeTypeAction, Action: schema.ActionRollback},
	schema.NodeTypeDatabaseQuery:      {Category: schema.NodeTypeAction, Action: schema.ActionDatabaseQuery},
	schema.NodeTypeHTTPRequest:        {Category: schema.NodeTypeAction, Action: schema.ActionHTTPRequest},
	schema.NodeTypeShellCommand:       {Category: schema.NodeTypeAction, Action: schema.ActionShellCommand},
	schema.NodeTypeTransformData:      {Category: schema.NodeTypeAction, Action: schema.ActionTransformData},
	schema.NodeTypeSetVariable:        {Category: schema.NodeTypeAction, Action: schema.ActionSetVariable},
}

// LookupDispatch returns the dispatch target of a node type.
func LookupDispatch(t schema.NodeType) (Dispatch, bool) {
	d, ok := nodeDispatch[t]
	return d, ok
}

// PrepareNode maps a node to its executor category. Specializations get a
// cloned node with data.action rewritten; the input node is never mutated.
func PrepareNode(n schema.Node) (schema.Node, schema.NodeType, error) {
	d, ok := nodeDispatch[n.Type]
	if !ok {
		return n, "", schema.NewErrorf(schema.ErrCodeUnknownExecutor,
			"no executor registered for node type %q", n.Type).WithNode(n.ID)
	}
	if d.Action == "" {
		return n, d.Category, nil
	}
	c := n.Clone()
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	c.Data["action"] = d.Action
	return c, d.Category, nil
}
