package schema

// SignalType enumerates the outcomes a task can signal after executing.
type SignalType string

const (
	SignalContinue SignalType = "continue"
	SignalPause    SignalType = "pause"
	SignalAbort    SignalType = "abort"
	SignalRetry    SignalType = "retry"
)

// Signal is a task's instruction to the executor: advance along an edge,
// suspend for input, abort the run, or re-invoke the same node. Exactly one
// signal is produced per node visit.
type Signal struct {
	Type   SignalType `json:"type"`
	Label  string     `json:"label,omitempty"`  // continue: edge label to follow ("" = default edges)
	Prompt string     `json:"prompt,omitempty"` // pause: text shown to whoever supplies input
	Reason string     `json:"reason,omitempty"` // abort: human-readable cause
}

// Continue advances along the default (unlabeled) edges.
func Continue() Signal {
	return Signal{Type: SignalContinue}
}

// ContinueTo advances along edges carrying the given label.
func ContinueTo(label string) Signal {
	return Signal{Type: SignalContinue, Label: label}
}

// Pause suspends the run until external input arrives.
func Pause(prompt string) Signal {
	return Signal{Type: SignalPause, Prompt: prompt}
}

// Abort terminates the run abnormally.
func Abort(reason string) Signal {
	return Signal{Type: SignalAbort, Reason: reason}
}

// Retry re-invokes the current node without advancing.
func Retry() Signal {
	return Signal{Type: SignalRetry}
}
