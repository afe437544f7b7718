package validation

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/rendis/chartflow/pkg/schema"
)

// validateGraph performs graph-level analysis: the init chain must be
// acyclic, and every regular node should be reachable from the start node.
// Cycles among regular nodes are legal; loops are how flowcharts iterate.
func validateGraph(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	kinds := make(map[string]schema.NodeKind, len(def.Nodes))
	var startID string
	for _, nd := range def.Nodes {
		kind := nd.Kind
		if kind == "" {
			kind = schema.NodeKindTask
		}
		kinds[nd.ID] = kind
		if kind == schema.NodeKindStart {
			startID = nd.ID
		}
	}

	// Init chain: ordering edges must settle on a first node to run.
	var initEdges []toposort.Edge
	for id, kind := range kinds {
		if kind == schema.NodeKindInit {
			initEdges = append(initEdges, toposort.Edge{nil, id})
		}
	}
	for _, ed := range def.Edges {
		if kinds[ed.From] == schema.NodeKindInit && kinds[ed.To] == schema.NodeKindInit {
			initEdges = append(initEdges, toposort.Edge{ed.From, ed.To})
		}
	}
	if len(initEdges) > 0 {
		if _, err := toposort.Toposort(initEdges); err != nil {
			result.AddError("edges", schema.ErrCodeGraphConfig,
				"init chain contains a cycle")
		}
	}

	if startID == "" {
		return result // arity already reported by the semantic stage
	}

	// Reachability: BFS from start over forward and fault edges.
	out := make(map[string][]string, len(def.Edges))
	for _, ed := range def.Edges {
		out[ed.From] = append(out[ed.From], ed.To)
	}

	reachable := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, to := range out[id] {
			if !reachable[to] {
				reachable[to] = true
				queue = append(queue, to)
			}
		}
	}

	for _, nd := range def.Nodes {
		if kinds[nd.ID] != schema.NodeKindTask {
			continue // start is the root, inits always run
		}
		if !reachable[nd.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", nd.ID), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the start node", nd.ID))
		}
	}

	return result
}
