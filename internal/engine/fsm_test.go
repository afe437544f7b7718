package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/chartflow/internal/store"
	"github.com/rendis/chartflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects appended events in memory.
type eventRecorder struct {
	mu     sync.Mutex
	events []*store.Event
}

func (r *eventRecorder) AppendEvent(_ context.Context, event *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestRunFSM_FullLifecycle(t *testing.T) {
	rec := &eventRecorder{}
	fsm := NewRunFSM("run-1", rec)
	ctx := context.Background()

	require.Equal(t, schema.RunStatusPending, fsm.Current())

	require.NoError(t, fsm.Transition(ctx, schema.RunStatusInitializing, nil))
	require.NoError(t, fsm.Transition(ctx, schema.RunStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, schema.RunStatusSuspended, nil))
	require.NoError(t, fsm.Transition(ctx, schema.RunStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, schema.RunStatusCompleted, nil))

	assert.Equal(t, schema.RunStatusCompleted, fsm.Current())
	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventRunInitialized,
		schema.EventRunSuspended,
		schema.EventRunResumed,
		schema.EventRunCompleted,
	}, rec.types())
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []schema.RunStatus
		bad  schema.RunStatus
	}{
		{"pending to running", nil, schema.RunStatusRunning},
		{"pending to completed", nil, schema.RunStatusCompleted},
		{"pending to suspended", nil, schema.RunStatusSuspended},
		{"completed is terminal", []schema.RunStatus{
			schema.RunStatusInitializing, schema.RunStatusRunning, schema.RunStatusCompleted,
		}, schema.RunStatusRunning},
		{"aborted is terminal", []schema.RunStatus{
			schema.RunStatusAborted,
		}, schema.RunStatusRunning},
		{"suspended to completed", []schema.RunStatus{
			schema.RunStatusInitializing, schema.RunStatusRunning, schema.RunStatusSuspended,
		}, schema.RunStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsm := NewRunFSM("run-1", &eventRecorder{})
			ctx := context.Background()
			for _, s := range tt.path {
				require.NoError(t, fsm.Transition(ctx, s, nil))
			}

			err := fsm.Transition(ctx, tt.bad, nil)
			require.Error(t, err)
			var fe *schema.FlowError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
		})
	}
}

func TestRunFSM_AbortAllowedFromAnyLiveStatus(t *testing.T) {
	for _, from := range []schema.RunStatus{
		schema.RunStatusPending,
		schema.RunStatusInitializing,
		schema.RunStatusRunning,
		schema.RunStatusSuspended,
	} {
		assert.Contains(t, ValidRunTransitions[from], schema.RunStatusAborted,
			"abort not reachable from %s", from)
	}
}

func TestRunFSM_BeforeHookVeto(t *testing.T) {
	fsm := NewRunFSM("run-1", &eventRecorder{})
	fsm.OnBefore(schema.RunStatusInitializing, func(context.Context, string, schema.RunStatus, schema.RunStatus) error {
		return errors.New("not yet")
	})

	err := fsm.Transition(context.Background(), schema.RunStatusInitializing, nil)
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusPending, fsm.Current())
}

func TestRunFSM_AfterHookObservesTransition(t *testing.T) {
	fsm := NewRunFSM("run-1", &eventRecorder{})

	var gotFrom, gotTo schema.RunStatus
	fsm.OnAfter(schema.RunStatusInitializing, func(_ context.Context, _ string, from, to schema.RunStatus) error {
		gotFrom, gotTo = from, to
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), schema.RunStatusInitializing, nil))
	assert.Equal(t, schema.RunStatusPending, gotFrom)
	assert.Equal(t, schema.RunStatusInitializing, gotTo)
}

func TestRunFSM_TransitionPayloadMerged(t *testing.T) {
	rec := &eventRecorder{}
	fsm := NewRunFSM("run-1", rec)

	require.NoError(t, fsm.Transition(context.Background(), schema.RunStatusInitializing,
		map[string]any{"flow": "greeter"}))

	require.Len(t, rec.events, 1)
	assert.Equal(t, "run-1", rec.events[0].RunID)
	assert.Contains(t, string(rec.events[0].Payload), `"flow":"greeter"`)
	assert.Contains(t, string(rec.events[0].Payload), `"from":"pending"`)
}
