package graph

import (
	"context"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/pkg/schema"
)

// Resolution is the outcome of resolving a node's outgoing edges against
// a continue signal.
type Resolution struct {
	Next     []*Node // continuation targets, declaration order
	Terminal bool    // no label requested and no default edge: normal end
}

// Resolve applies the edge-resolution rules for a continue signal:
//
//  1. A labeled signal matches only edges carrying exactly that label.
//     If no edge carries the label at all, that is a configuration fault
//     and the run aborts.
//  2. An unlabeled signal matches only unlabeled edges. None matching is
//     normal termination for that branch.
//  3. Guarded candidates (CEL condition) are kept only when the guard
//     evaluates true against the current state scope.
//  4. Every kept candidate becomes a continuation, in declaration order.
func (g *Graph) Resolve(ctx context.Context, cel *expressions.CELEngine, from *Node, label string, scope map[string]any) (*Resolution, error) {
	var candidates []Edge
	for _, e := range g.out[from.ID] {
		if e.Label == label {
			candidates = append(candidates, e)
		}
	}

	if label != "" && len(candidates) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeGraphConfig,
			"no edge from %q carries label %q", from.ID, label).
			WithNode(from.ID).
			WithDetails(map[string]any{"label": label, "edges": g.edgeLabels(from.ID)})
	}

	var next []*Node
	for _, e := range candidates {
		if e.Condition != "" {
			ok, err := cel.EvaluateBool(ctx, e.Condition, scope)
			if err != nil {
				if fe, isFE := err.(*schema.FlowError); isFE {
					return nil, fe.WithNode(from.ID)
				}
				return nil, err
			}
			if !ok {
				continue
			}
		}
		next = append(next, g.Nodes[e.To])
	}

	// All guards false behaves like no matching edge: the branch ends.
	if len(next) == 0 {
		return &Resolution{Terminal: true}, nil
	}
	return &Resolution{Next: next}, nil
}

func (g *Graph) edgeLabels(nodeID string) []string {
	labels := make([]string, 0, len(g.out[nodeID]))
	for _, e := range g.out[nodeID] {
		labels = append(labels, e.Label)
	}
	return labels
}
