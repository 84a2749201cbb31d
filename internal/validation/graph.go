package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/migraflow/pkg/schema"
)

// MissingTriggerMessage is reported when a definition has no trigger node.
const MissingTriggerMessage = "workflow must have at least one trigger node"

// validateGraph performs the structural checks JSON Schema cannot express:
// duplicate ids, dangling edges, trigger presence, acyclicity, and the action
// discriminator of generic action nodes. Every problem is collected.
func validateGraph(def *schema.WorkflowDefinition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]int, len(def.Nodes))
	triggers := 0
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if first, dup := ids[n.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q (first declared at nodes[%d])", n.ID, first))
		} else {
			ids[n.ID] = i
		}

		switch n.Type {
		case schema.NodeTypeTrigger:
			triggers++
		case schema.NodeTypeAction:
			validateActionDiscriminator(n, path, lookup, result)
		}
	}

	if triggers == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, MissingTriggerMessage)
	}

	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if _, ok := ids[e.Source]; !ok {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if _, ok := ids[e.Target]; !ok {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
	}

	if cycle := findCycle(def); cycle != nil {
		result.AddError("edges", schema.ErrCodeCycleDetected,
			"cycle detected: "+strings.Join(cycle, " -> "))
	} else if triggers > 0 {
		warnUnreachable(def, result)
	}

	return result
}

func validateActionDiscriminator(n schema.Node, path string, lookup ActionLookup, result *schema.ValidationResult) {
	action, _ := n.Data["action"].(string)
	if strings.TrimSpace(action) == "" {
		result.AddError(path+".data.action", schema.ErrCodeValidation,
			fmt.Sprintf("action node %q requires a non-empty action", n.ID))
		return
	}
	// Unknown actions fail the node at run time; here they only warn.
	if lookup != nil && !strings.Contains(action, "{{") && !lookup.Has(action) {
		result.AddWarning(path+".data.action", schema.ErrCodeValidation,
			fmt.Sprintf("action %q is not registered", action))
	}
}

// findCycle runs a depth-first search with a recursion stack and returns the
// first cycle found as a closed path (a, b, a), or nil. Edges to unknown nodes
// are ignored; they are reported separately.
func findCycle(def *schema.WorkflowDefinition) []string {
	known := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		known[n.ID] = true
	}
	adj := make(map[string][]string, len(def.Nodes))
	for _, e := range def.Edges {
		if known[e.Source] && known[e.Target] {
			adj[e.Source] = append(adj[e.Source], e.Target)
		}
	}

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(def.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = onStack
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch state[next] {
			case onStack:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						break
					}
				}
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, n := range def.Nodes {
		if state[n.ID] == unvisited && visit(n.ID) {
			return cycle
		}
	}
	return nil
}

// warnUnreachable flags non-trigger nodes with no path from any trigger.
func warnUnreachable(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	adj := make(map[string][]string, len(def.Nodes))
	for _, e := range def.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	reachable := make(map[string]bool, len(def.Nodes))
	var queue []string
	for _, n := range def.Nodes {
		if n.Type == schema.NodeTypeTrigger {
			reachable[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i, n := range def.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any trigger", n.ID))
		}
	}
}
