package schema

import "encoding/json"

// FlowDefinition is the JSON-serializable flowchart format.
// Clients provide this via flow.run (inline) or flow.define (stored).
type FlowDefinition struct {
	Name     string            `json:"name,omitempty"`
	Nodes    []NodeDefinition  `json:"nodes"`
	Edges    []EdgeDefinition  `json:"edges,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`
	Timeout  string            `json:"timeout,omitempty"` // run-level timeout (e.g. "10m")
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// NodeDefinition describes a single node in a flowchart.
type NodeDefinition struct {
	ID      string          `json:"id"`
	Kind    NodeKind        `json:"kind,omitempty"`   // start, init, task (default: task)
	Task    string          `json:"task,omitempty"`   // task kind (e.g. "prompt", "http.request")
	Label   string          `json:"label,omitempty"`  // snapshot key, defaults to ID; unique per flow
	Config  json.RawMessage `json:"config,omitempty"` // task-specific configuration
	Retry   *RetryPolicy    `json:"retry,omitempty"`
	Timeout string          `json:"timeout,omitempty"` // node-level timeout (e.g. "30s")
}

// EdgeDefinition describes a directed, optionally labeled edge.
// Edges with the same From are considered in declaration order.
type EdgeDefinition struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Label     string `json:"label,omitempty"`     // matched against Continue signal labels
	Condition string `json:"condition,omitempty"` // CEL guard over the current state
	OnFault   bool   `json:"on_fault,omitempty"`  // taken when From faults instead of aborting
}

// NodeKind enumerates the kinds of nodes in a flowchart.
type NodeKind string

const (
	NodeKindStart NodeKind = "start"
	NodeKindInit  NodeKind = "init"
	NodeKindTask  NodeKind = "task"
)

// RetryPolicy configures retry behavior for a node. It bounds both the
// retry signal loop and fault retries.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential (default: none)
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on the computed delay
}
