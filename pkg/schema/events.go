package schema

// Event type constants for the run event log.
const (
	EventRunStarted     = "run_started"
	EventRunInitialized = "run_initialized"
	EventRunCompleted   = "run_completed"
	EventRunAborted     = "run_aborted"
	EventRunSuspended   = "run_suspended"
	EventRunResumed     = "run_resumed"
	EventRunTimedOut    = "run_timed_out"
	EventRunCancelled   = "run_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFaulted   = "node_faulted"
	EventNodeRetrying  = "node_retrying"
	EventNodeFallback  = "node_fallback"

	EventInputRequested = "input_requested"
	EventInputReceived  = "input_received"

	EventEdgeResolved = "edge_resolved"
	EventVarSet       = "var_set"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"

	EventFlowScheduled = "flow_scheduled"
)

// RunStatus represents the lifecycle state of a flow run.
type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusInitializing RunStatus = "initializing"
	RunStatusRunning      RunStatus = "running"
	RunStatusSuspended    RunStatus = "suspended"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusAborted      RunStatus = "aborted"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusAborted
}
