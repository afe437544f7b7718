package validation

import (
	"fmt"

	"github.com/rendis/chartflow/pkg/schema"
)

// TaskLookup answers whether a task kind is registered. The task registry
// satisfies it; nil skips kind checks.
type TaskLookup interface {
	Has(kind string) bool
}

// validateSemantic checks everything JSON Schema cannot express: node
// identity, start arity, task kind registration, edge endpoint integrity,
// init-edge hygiene, and fault-edge uniqueness.
func validateSemantic(def *schema.FlowDefinition, lookup TaskLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]int, len(def.Nodes))       // node ID -> index
	labels := make(map[string]string, len(def.Nodes)) // label -> node ID
	kinds := make(map[string]schema.NodeKind, len(def.Nodes))
	starts := 0

	for i, nd := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)

		if _, dup := ids[nd.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", nd.ID))
		}
		ids[nd.ID] = i

		kind := nd.Kind
		if kind == "" {
			kind = schema.NodeKindTask
		}
		kinds[nd.ID] = kind
		if kind == schema.NodeKindStart {
			starts++
		}

		// Labels share a namespace with IDs: unset labels default to the ID.
		label := nd.Label
		if label == "" {
			label = nd.ID
		}
		if owner, dup := labels[label]; dup {
			result.AddError(path+".label", schema.ErrCodeValidation,
				fmt.Sprintf("label %q already used by node %q", label, owner))
		} else {
			labels[label] = nd.ID
		}

		if kind == schema.NodeKindTask && nd.Task == "" {
			result.AddError(path+".task", schema.ErrCodeValidation,
				fmt.Sprintf("node %q has no task kind", nd.ID))
		}
		if nd.Task != "" && lookup != nil && !lookup.Has(nd.Task) {
			result.AddError(path+".task", schema.ErrCodeTaskUnavailable,
				fmt.Sprintf("task kind %q not registered", nd.Task))
		}

		if nd.Retry != nil && nd.Retry.Max > 10 {
			result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", nd.Retry.Max))
		}
	}

	switch {
	case starts == 0:
		result.AddError("nodes", schema.ErrCodeGraphConfig, "flow has no start node")
	case starts > 1:
		result.AddError("nodes", schema.ErrCodeGraphConfig,
			fmt.Sprintf("flow has %d start nodes, expected exactly one", starts))
	}

	faultEdges := make(map[string]int, len(def.Edges)) // from -> fault edge count
	for i, ed := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)

		fromKind, fromOK := kinds[ed.From]
		if !fromOK {
			result.AddError(path+".from", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", ed.From))
		}
		toKind, toOK := kinds[ed.To]
		if !toOK {
			result.AddError(path+".to", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", ed.To))
		}
		if !fromOK || !toOK {
			continue
		}

		// Init nodes run once; an edge crossing the init boundary would
		// pull one into the repeatable traversal.
		if fromKind == schema.NodeKindInit && toKind != schema.NodeKindInit {
			result.AddError(path, schema.ErrCodeGraphConfig,
				fmt.Sprintf("edge %q -> %q leaves the init chain", ed.From, ed.To))
		}
		if fromKind != schema.NodeKindInit && toKind == schema.NodeKindInit {
			result.AddError(path, schema.ErrCodeGraphConfig,
				fmt.Sprintf("edge %q -> %q enters the init chain", ed.From, ed.To))
		}

		if ed.OnFault {
			faultEdges[ed.From]++
			if faultEdges[ed.From] > 1 {
				result.AddError(path, schema.ErrCodeGraphConfig,
					fmt.Sprintf("node %q has more than one fault edge", ed.From))
			}
			if ed.Label != "" {
				result.AddWarning(path+".label", schema.ErrCodeValidation,
					"fault edges are taken by fault, not by label; label is ignored")
			}
		}
	}

	return result
}
