package diagram

import (
	"github.com/rendis/chartflow/internal/store"
	"github.com/rendis/chartflow/pkg/schema"
)

// Build constructs a Model from a flow definition. events may be nil; when
// a run's event log is given, each node gets an Overlay derived from the
// last node-level event that touched it.
func Build(def *schema.FlowDefinition, events []*store.Event) *Model {
	overlays := overlayFromEvents(events)

	nodes := make([]*Node, 0, len(def.Nodes))
	for _, nd := range def.Nodes {
		kind := string(nd.Kind)
		if kind == "" {
			kind = string(schema.NodeKindTask)
		}
		label := nd.Label
		if label == "" {
			label = nd.ID
		}
		nodes = append(nodes, &Node{
			ID:     nd.ID,
			Label:  label,
			Kind:   kind,
			Task:   nd.Task,
			Status: overlays[nd.ID],
		})
	}

	edges := make([]Edge, 0, len(def.Edges))
	for _, ed := range def.Edges {
		edges = append(edges, Edge{
			From:    ed.From,
			To:      ed.To,
			Label:   ed.Label,
			Guarded: ed.Condition != "",
			OnFault: ed.OnFault,
		})
	}

	title := def.Name
	if title == "" {
		title = "flow"
	}
	return &Model{Title: title, Nodes: nodes, Edges: edges}
}

// overlayFromEvents replays node-level events in sequence order. Later
// events win, so a node that retried and then completed reads completed
// with its retry count intact.
func overlayFromEvents(events []*store.Event) map[string]*Overlay {
	if len(events) == 0 {
		return nil
	}

	overlays := make(map[string]*Overlay)
	get := func(nodeID string) *Overlay {
		ov, ok := overlays[nodeID]
		if !ok {
			ov = &Overlay{Status: StatusPending}
			overlays[nodeID] = ov
		}
		return ov
	}

	for _, ev := range events {
		if ev.NodeID == "" {
			continue
		}
		switch ev.Type {
		case schema.EventNodeStarted:
			get(ev.NodeID).Status = StatusRunning
		case schema.EventNodeCompleted:
			get(ev.NodeID).Status = StatusCompleted
		case schema.EventNodeFaulted:
			ov := get(ev.NodeID)
			ov.Status = StatusFaulted
			ov.Error = string(ev.Payload)
		case schema.EventNodeRetrying:
			ov := get(ev.NodeID)
			ov.Status = StatusRunning
			ov.Retries++
		case schema.EventInputRequested:
			get(ev.NodeID).Status = StatusSuspended
		case schema.EventInputReceived:
			get(ev.NodeID).Status = StatusRunning
		}
	}
	return overlays
}
