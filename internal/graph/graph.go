// Package graph turns a flow definition into an executable structure:
// task instances bound to nodes, ordered init nodes, and per-node edge
// lists in declaration order.
package graph

import (
	"time"

	"github.com/gammazero/toposort"
	"github.com/rendis/chartflow/internal/task"
	"github.com/rendis/chartflow/pkg/schema"
)

// Node is an executable flowchart node.
type Node struct {
	ID      string
	Kind    schema.NodeKind
	Label   string
	Task    task.Task
	Retry   *schema.RetryPolicy
	Timeout time.Duration
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From      string
	To        string
	Label     string
	Condition string
	OnFault   bool
}

// Graph is a built, validated flowchart ready to execute. It owns the
// shared resources init nodes provision; Close releases them.
type Graph struct {
	Nodes     map[string]*Node
	Start     *Node
	Inits     []*Node
	Resources *task.Resources

	out   map[string][]Edge // declaration order, fault edges excluded
	fault map[string]Edge   // at most one per node
}

// Build binds a definition to task instances from the registry. Eager
// configuration faults (arity, unknown kinds, bad configs, cyclic init
// ordering) surface here, before any node runs. The returned graph owns a
// fresh resource set, wired into the deps every factory receives.
func Build(def *schema.FlowDefinition, reg *task.Registry, deps task.Deps) (*Graph, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeGraphConfig, "flow has no nodes")
	}

	resources := task.NewResources()
	deps.Resources = resources

	g := &Graph{
		Nodes:     make(map[string]*Node, len(def.Nodes)),
		Resources: resources,
		out:       make(map[string][]Edge),
		fault:     make(map[string]Edge),
	}

	labels := make(map[string]string) // label -> node ID
	for _, nd := range def.Nodes {
		if nd.ID == "" {
			return nil, schema.NewError(schema.ErrCodeGraphConfig, "node with empty id")
		}
		if _, dup := g.Nodes[nd.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeGraphConfig, "duplicate node id %q", nd.ID)
		}

		node, err := buildNode(nd, reg, deps)
		if err != nil {
			return nil, err
		}

		if owner, dup := labels[node.Label]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeGraphConfig,
				"label %q used by both %q and %q", node.Label, owner, nd.ID)
		}
		labels[node.Label] = nd.ID

		g.Nodes[nd.ID] = node
		switch node.Kind {
		case schema.NodeKindStart:
			if g.Start != nil {
				return nil, schema.NewErrorf(schema.ErrCodeGraphConfig,
					"multiple start nodes: %q and %q", g.Start.ID, nd.ID)
			}
			g.Start = node
		case schema.NodeKindInit:
			g.Inits = append(g.Inits, node)
		}
	}

	if g.Start == nil {
		return nil, schema.NewError(schema.ErrCodeGraphConfig, "flow has no start node")
	}

	if err := g.addEdges(def.Edges); err != nil {
		return nil, err
	}

	inits, err := g.orderInits()
	if err != nil {
		return nil, err
	}
	g.Inits = inits

	return g, nil
}

func buildNode(nd schema.NodeDefinition, reg *task.Registry, deps task.Deps) (*Node, error) {
	kind := nd.Kind
	if kind == "" {
		kind = schema.NodeKindTask
	}

	taskKind := nd.Task
	if taskKind == "" {
		if kind == schema.NodeKindTask {
			return nil, schema.NewErrorf(schema.ErrCodeGraphConfig, "node %q has no task kind", nd.ID)
		}
		taskKind = task.PassKind
	}

	t, err := reg.Build(taskKind, nd.Config, deps)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			return nil, fe.WithNode(nd.ID)
		}
		return nil, err
	}

	label := nd.Label
	if label == "" {
		label = nd.ID
	}

	var timeout time.Duration
	if nd.Timeout != "" {
		timeout, err = time.ParseDuration(nd.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeGraphConfig,
				"node %q has invalid timeout %q", nd.ID, nd.Timeout)
		}
	}

	return &Node{
		ID:      nd.ID,
		Kind:    kind,
		Label:   label,
		Task:    t,
		Retry:   nd.Retry,
		Timeout: timeout,
	}, nil
}

func (g *Graph) addEdges(edges []schema.EdgeDefinition) error {
	for _, ed := range edges {
		from, ok := g.Nodes[ed.From]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeGraphConfig, "edge from unknown node %q", ed.From)
		}
		to, ok := g.Nodes[ed.To]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeGraphConfig, "edge to unknown node %q", ed.To)
		}

		// Init nodes order among themselves only; wiring one into the
		// regular traversal would run it more than once.
		if from.Kind == schema.NodeKindInit && to.Kind != schema.NodeKindInit {
			return schema.NewErrorf(schema.ErrCodeGraphConfig,
				"edge %q -> %q leaves the init chain", ed.From, ed.To)
		}
		if from.Kind != schema.NodeKindInit && to.Kind == schema.NodeKindInit {
			return schema.NewErrorf(schema.ErrCodeGraphConfig,
				"edge %q -> %q enters the init chain", ed.From, ed.To)
		}

		e := Edge{From: ed.From, To: ed.To, Label: ed.Label, Condition: ed.Condition, OnFault: ed.OnFault}
		if e.OnFault {
			if _, dup := g.fault[e.From]; dup {
				return schema.NewErrorf(schema.ErrCodeGraphConfig,
					"node %q has more than one fault edge", e.From)
			}
			g.fault[e.From] = e
			continue
		}
		g.out[e.From] = append(g.out[e.From], e)
	}
	return nil
}

// orderInits topologically sorts init nodes by the edges among them.
// A cycle in the init chain can never settle on a first node to run.
func (g *Graph) orderInits() ([]*Node, error) {
	if len(g.Inits) == 0 {
		return nil, nil
	}

	var edges []toposort.Edge
	for _, n := range g.Inits {
		edges = append(edges, toposort.Edge{nil, n.ID})
		for _, e := range g.out[n.ID] {
			edges = append(edges, toposort.Edge{e.From, e.To})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeGraphConfig,
			"init chain contains a cycle: %s", err.Error()).WithCause(err)
	}

	ordered := make([]*Node, 0, len(g.Inits))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		if n := g.Nodes[id.(string)]; n != nil && n.Kind == schema.NodeKindInit {
			ordered = append(ordered, n)
		}
	}
	return ordered, nil
}

// Out returns a node's outgoing edges in declaration order, fault edges excluded.
func (g *Graph) Out(nodeID string) []Edge {
	return g.out[nodeID]
}

// FaultEdge returns the node's fault edge, if one is declared.
func (g *Graph) FaultEdge(nodeID string) (Edge, bool) {
	e, ok := g.fault[nodeID]
	return e, ok
}

// Close releases the init-provisioned resources. Safe to call more than once.
func (g *Graph) Close() error {
	return g.Resources.Close()
}
