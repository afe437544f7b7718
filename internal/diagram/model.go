package diagram

// NodeStatus classifies a node's runtime state for the overlay.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFaulted   NodeStatus = "faulted"
	StatusSuspended NodeStatus = "suspended"
)

// Model is the intermediate representation the renderer consumes.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single flowchart node, optionally overlaid with run state.
type Node struct {
	ID     string
	Label  string
	Kind   string // start, init, task (default task)
	Task   string
	Status *Overlay
}

// Overlay carries runtime state derived from a run's event log.
type Overlay struct {
	Status  NodeStatus
	Retries int
	Error   string
}

// Edge is a directed edge between two nodes.
type Edge struct {
	From    string
	To      string
	Label   string
	Guarded bool // has a condition expression
	OnFault bool
}
