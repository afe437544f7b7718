package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/chartflow/internal/store"
	"github.com/rendis/chartflow/pkg/schema"
)

// TransitionHook runs around a run status transition. Before hooks may
// veto the transition by returning an error; after hooks are best-effort.
type TransitionHook func(ctx context.Context, runID string, from, to schema.RunStatus) error

// EventAppender records run events. The store's event log satisfies it;
// tests substitute an in-memory recorder.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions is the run lifecycle table. A run starts pending,
// suspends and resumes any number of times, and ends completed or aborted.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:      {schema.RunStatusInitializing, schema.RunStatusAborted},
	schema.RunStatusInitializing: {schema.RunStatusRunning, schema.RunStatusSuspended, schema.RunStatusAborted},
	schema.RunStatusRunning:      {schema.RunStatusSuspended, schema.RunStatusCompleted, schema.RunStatusAborted},
	schema.RunStatusSuspended:    {schema.RunStatusRunning, schema.RunStatusAborted},
	schema.RunStatusCompleted:    {},
	schema.RunStatusAborted:      {},
}

// RunFSM guards the lifecycle of a single run. Every transition is
// validated against the table and appended to the event log before any
// after hooks observe it.
type RunFSM struct {
	mu       sync.Mutex
	runID    string
	current  schema.RunStatus
	eventLog EventAppender

	beforeHooks map[schema.RunStatus][]TransitionHook
	afterHooks  map[schema.RunStatus][]TransitionHook
}

// NewRunFSM creates an FSM for a pending run.
func NewRunFSM(runID string, eventLog EventAppender) *RunFSM {
	return &RunFSM{
		runID:       runID,
		current:     schema.RunStatusPending,
		eventLog:    eventLog,
		beforeHooks: make(map[schema.RunStatus][]TransitionHook),
		afterHooks:  make(map[schema.RunStatus][]TransitionHook),
	}
}

// Current returns the run's current status.
func (f *RunFSM) Current() schema.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// OnBefore registers a hook invoked before entering the target status.
// An error from a before hook cancels the transition.
func (f *RunFSM) OnBefore(to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeHooks[to] = append(f.beforeHooks[to], hook)
}

// OnAfter registers a hook invoked after entering the target status.
func (f *RunFSM) OnAfter(to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterHooks[to] = append(f.afterHooks[to], hook)
}

// Transition moves the run to a new status. It validates the move against
// the table, runs before hooks, appends the lifecycle event, then runs
// after hooks. Extra payload fields are merged into the event payload.
func (f *RunFSM) Transition(ctx context.Context, to schema.RunStatus, extra map[string]any) error {
	f.mu.Lock()
	from := f.current

	if !transitionAllowed(from, to) {
		f.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s cannot move from %s to %s", f.runID, from, to)
	}

	before := f.beforeHooks[to]
	after := f.afterHooks[to]
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, f.runID, from, to); err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"transition %s -> %s vetoed: %s", from, to, err.Error()).WithCause(err)
		}
	}

	f.mu.Lock()
	f.current = to
	f.mu.Unlock()

	payload := map[string]any{"from": string(from), "to": string(to)}
	for k, v := range extra {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	_ = f.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   f.runID,
		Type:    runEventType(from, to),
		Payload: raw,
	})

	for _, hook := range after {
		_ = hook(ctx, f.runID, from, to)
	}
	return nil
}

func transitionAllowed(from, to schema.RunStatus) bool {
	for _, allowed := range ValidRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// runEventType maps a transition to its lifecycle event name. Entering
// running means different things depending on where the run came from.
func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusInitializing:
		return schema.EventRunStarted
	case schema.RunStatusRunning:
		if from == schema.RunStatusSuspended {
			return schema.EventRunResumed
		}
		return schema.EventRunInitialized
	case schema.RunStatusSuspended:
		return schema.EventRunSuspended
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusAborted:
		return schema.EventRunAborted
	default:
		return "run_" + string(to)
	}
}
