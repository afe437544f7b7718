// Package diagram renders flow definitions as Mermaid flowcharts, with an
// optional status overlay built from a run's event log.
package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart string.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range model.Edges {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidEdgeDef(edge)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef faulted fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef suspended fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		b.WriteString(fmt.Sprintf("    class %s %s\n",
			mermaidSafeID(node.ID), string(node.Status.Status)))
	}

	return b.String()
}

// mermaidNodeDef returns a node definition with a shape per kind: circles
// for start, double brackets for init, rectangles for tasks.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := node.Label
	if node.Task != "" && node.Task != node.Label {
		label = fmt.Sprintf("%s\\n(%s)", node.Label, node.Task)
	}

	switch node.Kind {
	case "start":
		return fmt.Sprintf("%s((%q))", id, label)
	case "init":
		return fmt.Sprintf("%s[[%q]]", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidEdgeDef renders an edge. Fault edges are dotted with a fault tag,
// guarded edges are dotted, labeled edges carry their label.
func mermaidEdgeDef(edge Edge) string {
	from := mermaidSafeID(edge.From)
	to := mermaidSafeID(edge.To)

	switch {
	case edge.OnFault:
		return fmt.Sprintf("%s -. fault .-> %s", from, to)
	case edge.Guarded && edge.Label != "":
		return fmt.Sprintf("%s -. %s? .-> %s", from, edge.Label, to)
	case edge.Guarded:
		return fmt.Sprintf("%s -.-> %s", from, to)
	case edge.Label != "":
		return fmt.Sprintf("%s -->|%s| %s", from, edge.Label, to)
	default:
		return fmt.Sprintf("%s --> %s", from, to)
	}
}

// mermaidSafeID replaces characters Mermaid treats as syntax.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}
