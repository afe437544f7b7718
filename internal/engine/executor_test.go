package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/internal/state"
	"github.com/rendis/chartflow/internal/store"
	"github.com/rendis/chartflow/internal/streaming"
	"github.com/rendis/chartflow/internal/task"
	"github.com/rendis/chartflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- In-memory store ---

type mockStore struct {
	mu     sync.Mutex
	flows  map[string]*store.Flow
	runs   map[string]*store.Run
	events []*store.Event
	seq    map[string]int64
}

func newMockStore() *mockStore {
	return &mockStore{
		flows: make(map[string]*store.Flow),
		runs:  make(map[string]*store.Run),
		seq:   make(map[string]int64),
	}
}

func (m *mockStore) SaveFlow(_ context.Context, flow *store.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *flow
	m.flows[flow.Name] = &cp
	return nil
}

func (m *mockStore) GetFlow(_ context.Context, name string, _ int) (*store.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not found", name)
	}
	cp := *f
	return &cp, nil
}

func (m *mockStore) ListFlows(context.Context, store.FlowFilter) ([]*store.Flow, error) {
	return nil, nil
}
func (m *mockStore) DeleteFlow(context.Context, string) error { return nil }

func (m *mockStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.TerminalNode != nil {
		r.TerminalNode = *update.TerminalNode
	}
	if update.FinalState != nil {
		r.FinalState = update.FinalState
	}
	if update.Error != nil {
		r.Error = update.Error
	}
	if update.Prompt != nil {
		r.Prompt = *update.Prompt
	}
	if update.PausedNode != nil {
		r.PausedNode = *update.PausedNode
	}
	if update.StartedAt != nil {
		r.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		r.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *mockStore) ListRuns(context.Context, store.RunFilter) ([]*store.Run, error) {
	return nil, nil
}
func (m *mockStore) DeleteRun(context.Context, string) error { return nil }

func (m *mockStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[event.RunID]++
	event.Sequence = m.seq[event.RunID]
	m.events = append(m.events, event)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.RunID == runID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.Type == eventType && (filter.RunID == "" || e.RunID == filter.RunID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) CreateSchedule(context.Context, *store.Schedule) error { return nil }
func (m *mockStore) GetSchedule(context.Context, string) (*store.Schedule, error) {
	return nil, schema.NewError(schema.ErrCodeNotFound, "no schedules")
}
func (m *mockStore) UpdateSchedule(context.Context, string, store.ScheduleUpdate) error { return nil }
func (m *mockStore) ListSchedules(context.Context, store.ScheduleFilter) ([]*store.Schedule, error) {
	return nil, nil
}
func (m *mockStore) DeleteSchedule(context.Context, string) error { return nil }

func (m *mockStore) StoreSecret(context.Context, string, []byte) error { return nil }
func (m *mockStore) GetSecret(context.Context, string) ([]byte, error) {
	return nil, schema.NewError(schema.ErrCodeNotFound, "no secrets")
}
func (m *mockStore) DeleteSecret(context.Context, string) error    { return nil }
func (m *mockStore) ListSecrets(context.Context) ([]string, error) { return nil, nil }

func (m *mockStore) Migrate(context.Context) error { return nil }
func (m *mockStore) Vacuum(context.Context) error  { return nil }
func (m *mockStore) Close() error                  { return nil }

func (m *mockStore) eventTypes(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.RunID == runID {
			out = append(out, e.Type)
		}
	}
	return out
}

// --- Scripted tasks ---

type taskFn func(ctx context.Context, in task.Input) (*task.Output, error)

type scriptTask struct {
	kind string
	fn   taskFn
}

func (s *scriptTask) Kind() string { return s.kind }

func (s *scriptTask) Execute(ctx context.Context, in task.Input) (*task.Output, error) {
	return s.fn(ctx, in)
}

// setResult scripts a task that writes a fixed result and continues.
func setResult(value string) taskFn {
	return func(_ context.Context, in task.Input) (*task.Output, error) {
		in.State.Result = value
		return &task.Output{State: in.State, Signal: schema.Continue()}, nil
	}
}

func newTestExecutor(t *testing.T, tasks map[string]taskFn) (*Executor, *mockStore) {
	t.Helper()

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	reg := task.NewRegistry()
	require.NoError(t, reg.Register(task.PassKind, func(_ json.RawMessage, _ task.Deps) (task.Task, error) {
		return &scriptTask{kind: task.PassKind, fn: func(_ context.Context, in task.Input) (*task.Output, error) {
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		}}, nil
	}))
	for kind, fn := range tasks {
		require.NoError(t, reg.Register(kind, func(_ json.RawMessage, _ task.Deps) (task.Task, error) {
			return &scriptTask{kind: kind, fn: fn}, nil
		}))
	}

	ms := newMockStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewExecutor(ms, ms, streaming.NewMemoryHub(), reg, task.Deps{
		CEL:      cel,
		Renderer: expressions.NewRenderer(nil),
	}, Config{DefaultRunTimeout: 5 * time.Second}, logger)
	t.Cleanup(e.Shutdown)
	return e, ms
}

// node and edge are shorthand builders for test definitions.
func node(id, kind string) schema.NodeDefinition {
	nd := schema.NodeDefinition{ID: id, Task: kind}
	if kind == "" {
		nd.Task = task.PassKind
	}
	return nd
}

func edge(from, to string) schema.EdgeDefinition {
	return schema.EdgeDefinition{From: from, To: to}
}

func startNode(id string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Kind: schema.NodeKindStart, Task: task.PassKind}
}

func TestRun_LinearFlow(t *testing.T) {
	e, ms := newTestExecutor(t, map[string]taskFn{
		"greet": setResult("hello"),
		"shout": func(_ context.Context, in task.Input) (*task.Output, error) {
			in.State.Result = in.State.Result + "!"
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name: "greeter",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("a", "greet"),
			node("b", "shout"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "a"), edge("a", "b")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	require.Nil(t, res.Error)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "b", res.TerminalNode)
	assert.Equal(t, "hello!", res.FinalState.Result)
	assert.Equal(t, "hello", res.FinalState.Snapshot["a"])
	assert.Equal(t, "hello!", res.FinalState.Snapshot["b"])

	rec, err := ms.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, rec.Status)
	assert.Equal(t, "b", rec.TerminalNode)
	require.NotNil(t, rec.CompletedAt)

	types := ms.eventTypes(res.RunID)
	assert.Contains(t, types, schema.EventRunStarted)
	assert.Contains(t, types, schema.EventNodeStarted)
	assert.Contains(t, types, schema.EventNodeCompleted)
	assert.Contains(t, types, schema.EventEdgeResolved)
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
}

func TestRun_LabeledBranch(t *testing.T) {
	e, _ := newTestExecutor(t, map[string]taskFn{
		"decide": func(_ context.Context, in task.Input) (*task.Output, error) {
			in.State.Result = "checked"
			return &task.Output{State: in.State, Signal: schema.ContinueTo("approve")}, nil
		},
		"approve": setResult("approved"),
		"reject":  setResult("rejected"),
	})

	def := &schema.FlowDefinition{
		Name: "review",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("decide", "decide"),
			node("yes", "approve"),
			node("no", "reject"),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "decide"),
			{From: "decide", To: "yes", Label: "approve"},
			{From: "decide", To: "no", Label: "reject"},
		},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "yes", res.TerminalNode)
	assert.Equal(t, "approved", res.FinalState.Result)
	assert.NotContains(t, res.FinalState.Snapshot, "no")
}

func TestRun_LabelWithoutEdgeAborts(t *testing.T) {
	e, _ := newTestExecutor(t, map[string]taskFn{
		"decide": func(_ context.Context, in task.Input) (*task.Output, error) {
			return &task.Output{State: in.State, Signal: schema.ContinueTo("missing")}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name: "broken",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("decide", "decide"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "decide")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeGraphConfig, res.Error.Code)
}

func TestRun_UnlabeledNoDefaultTerminates(t *testing.T) {
	e, _ := newTestExecutor(t, map[string]taskFn{
		"greet": setResult("hello"),
	})

	def := &schema.FlowDefinition{
		Name: "short",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("a", "greet"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "a")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "a", res.TerminalNode)
}

func TestRun_ConditionalEdges(t *testing.T) {
	e, _ := newTestExecutor(t, map[string]taskFn{
		"score": setResult("80"),
		"high":  setResult("high road"),
		"low":   setResult("low road"),
	})

	def := &schema.FlowDefinition{
		Name: "router",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("score", "score"),
			node("high", "high"),
			node("low", "low"),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "score"),
			{From: "score", To: "high", Condition: `int(result) >= 50`},
			{From: "score", To: "low", Condition: `int(result) < 50`},
		},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "high", res.TerminalNode)
	assert.NotContains(t, res.FinalState.Snapshot, "low")
}

func TestRun_FanOutClonesState(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}

	branch := func(name string) taskFn {
		return func(_ context.Context, in task.Input) (*task.Output, error) {
			// A sibling branch's write must not be visible here.
			mu.Lock()
			seen[name] = in.State.Snapshot["left"] + "/" + in.State.Snapshot["right"]
			mu.Unlock()
			in.State.Result = name
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		}
	}

	e, _ := newTestExecutor(t, map[string]taskFn{
		"seed":  setResult("seed"),
		"left":  branch("left"),
		"right": branch("right"),
	})

	def := &schema.FlowDefinition{
		Name: "fanout",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("seed", "seed"),
			node("left", "left"),
			node("right", "right"),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "seed"),
			edge("seed", "left"),
			edge("seed", "right"),
		},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/", seen["left"])
	assert.Equal(t, "/", seen["right"])
}

func TestRun_AbortSignal(t *testing.T) {
	e, ms := newTestExecutor(t, map[string]taskFn{
		"guard": func(_ context.Context, in task.Input) (*task.Output, error) {
			return &task.Output{State: in.State, Signal: schema.Abort("quota exceeded")}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name: "guarded",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("guard", "guard"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "guard")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Contains(t, res.Error.Message, "quota exceeded")

	rec, err := ms.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, rec.Status)
}

func TestRun_FaultEdge(t *testing.T) {
	e, ms := newTestExecutor(t, map[string]taskFn{
		"flaky": func(context.Context, task.Input) (*task.Output, error) {
			return nil, schema.NewError(schema.ErrCodeTaskFault, "upstream unreachable")
		},
		"cleanup": func(_ context.Context, in task.Input) (*task.Output, error) {
			in.State.Result = "recovered from: " + in.State.Result
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name: "fallback",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("flaky", "flaky"),
			node("cleanup", "cleanup"),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "flaky"),
			{From: "flaky", To: "cleanup", OnFault: true},
		},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "cleanup", res.TerminalNode)
	assert.Contains(t, res.FinalState.Result, "upstream unreachable")

	types := ms.eventTypes(res.RunID)
	assert.Contains(t, types, schema.EventNodeFaulted)
	assert.Contains(t, types, schema.EventNodeFallback)
}

func TestRun_FaultWithoutEdgeAborts(t *testing.T) {
	e, _ := newTestExecutor(t, map[string]taskFn{
		"flaky": func(context.Context, task.Input) (*task.Output, error) {
			return nil, schema.NewError(schema.ErrCodeTaskFault, "no luck")
		},
	})

	def := &schema.FlowDefinition{
		Name: "fragile",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("flaky", "flaky"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "flaky")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeTaskFault, res.Error.Code)
	assert.Equal(t, "flaky", res.Error.NodeID)
}

func TestRun_RetryThenSucceed(t *testing.T) {
	var calls int
	e, ms := newTestExecutor(t, map[string]taskFn{
		"flaky": func(_ context.Context, in task.Input) (*task.Output, error) {
			calls++
			if calls < 3 {
				return nil, schema.NewError(schema.ErrCodeTaskFault, "try again")
			}
			in.State.Result = "third time lucky"
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name: "persistent",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			{ID: "flaky", Task: "flaky", Retry: &schema.RetryPolicy{Max: 3, Backoff: "none"}},
		},
		Edges: []schema.EdgeDefinition{edge("start", "flaky")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "third time lucky", res.FinalState.Result)
	assert.Equal(t, 3, calls)

	retrying := 0
	for _, typ := range ms.eventTypes(res.RunID) {
		if typ == schema.EventNodeRetrying {
			retrying++
		}
	}
	assert.Equal(t, 2, retrying)
}

func TestRun_RetrySignalExhausted(t *testing.T) {
	var calls int
	e, _ := newTestExecutor(t, map[string]taskFn{
		"poller": func(_ context.Context, in task.Input) (*task.Output, error) {
			calls++
			return &task.Output{State: in.State, Signal: schema.Retry()}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name: "poll",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			{ID: "poller", Task: "poller", Retry: &schema.RetryPolicy{Max: 2, Backoff: "none"}},
		},
		Edges: []schema.EdgeDefinition{edge("start", "poller")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.Error.Code)
	assert.Equal(t, 2, calls)
}

func TestRun_ValidationErrorNeverRetried(t *testing.T) {
	var calls int
	e, _ := newTestExecutor(t, map[string]taskFn{
		"strict": func(context.Context, task.Input) (*task.Output, error) {
			calls++
			return nil, schema.NewError(schema.ErrCodeValidation, "bad input")
		},
	})

	def := &schema.FlowDefinition{
		Name: "strict",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			{ID: "strict", Task: "strict", Retry: &schema.RetryPolicy{Max: 5, Backoff: "none"}},
		},
		Edges: []schema.EdgeDefinition{edge("start", "strict")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, res.Status)
	assert.Equal(t, 1, calls)
}

func TestRun_InitNodesRunOnceBeforeStart(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) taskFn {
		return func(_ context.Context, in task.Input) (*task.Output, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			in.State.Result = name
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		}
	}

	e, _ := newTestExecutor(t, map[string]taskFn{
		"setup_db":  record("setup_db"),
		"setup_api": record("setup_api"),
		"work":      record("work"),
	})

	// setup_api depends on setup_db via an init edge; declaration order
	// is the reverse, so only the toposort can get this right.
	def := &schema.FlowDefinition{
		Name: "with-inits",
		Nodes: []schema.NodeDefinition{
			{ID: "api", Kind: schema.NodeKindInit, Task: "setup_api"},
			{ID: "db", Kind: schema.NodeKindInit, Task: "setup_db"},
			startNode("start"),
			node("work", "work"),
		},
		Edges: []schema.EdgeDefinition{
			edge("db", "api"),
			edge("start", "work"),
		},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"setup_db", "setup_api", "work"}, order)
}

func TestRun_InitFaultAborts(t *testing.T) {
	e, _ := newTestExecutor(t, map[string]taskFn{
		"setup": func(context.Context, task.Input) (*task.Output, error) {
			return nil, schema.NewError(schema.ErrCodeTaskFault, "db unreachable")
		},
	})

	def := &schema.FlowDefinition{
		Name: "bad-init",
		Nodes: []schema.NodeDefinition{
			{ID: "setup", Kind: schema.NodeKindInit, Task: "setup"},
			startNode("start"),
		},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, res.Status)
	assert.Equal(t, "setup", res.TerminalNode)
}

func TestRun_PauseAndResume(t *testing.T) {
	e, ms := newTestExecutor(t, map[string]taskFn{
		"ask": func(_ context.Context, in task.Input) (*task.Output, error) {
			return &task.Output{State: in.State, Signal: schema.Pause("what is your name?")}, nil
		},
		"greet": func(_ context.Context, in task.Input) (*task.Output, error) {
			in.State.Result = "hello " + in.State.Snapshot["ask"]
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name: "interview",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("ask", "ask"),
			node("greet", "greet"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "ask"), edge("ask", "greet")},
	}

	results := make(chan *RunResult, 1)
	go func() {
		res, err := e.Run(context.Background(), def, RunOptions{RunID: "run-pause"})
		if err == nil {
			results <- res
		}
	}()

	// Wait for the run to park, with the suspend fields written.
	require.Eventually(t, func() bool {
		rec, err := ms.GetRun(context.Background(), "run-pause")
		return err == nil && rec.Status == schema.RunStatusSuspended && rec.Prompt != ""
	}, 2*time.Second, 5*time.Millisecond)

	rec, err := ms.GetRun(context.Background(), "run-pause")
	require.NoError(t, err)
	assert.Equal(t, "what is your name?", rec.Prompt)
	assert.Equal(t, "ask", rec.PausedNode)

	require.NoError(t, e.Resume(context.Background(), "run-pause", "ada"))

	select {
	case res := <-results:
		assert.Equal(t, schema.RunStatusCompleted, res.Status)
		assert.Equal(t, "hello ada", res.FinalState.Result)
		assert.Equal(t, "ada", res.FinalState.Snapshot["ask"])
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete after resume")
	}

	types := ms.eventTypes("run-pause")
	assert.Contains(t, types, schema.EventInputRequested)
	assert.Contains(t, types, schema.EventInputReceived)
	assert.Contains(t, types, schema.EventRunSuspended)
	assert.Contains(t, types, schema.EventRunResumed)

	rec, err = ms.GetRun(context.Background(), "run-pause")
	require.NoError(t, err)
	assert.Empty(t, rec.Prompt)
	assert.Empty(t, rec.PausedNode)
}

func TestResume_NotSuspended(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	err := e.Resume(context.Background(), "nope", "input")
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestAbort_LiveRun(t *testing.T) {
	e, _ := newTestExecutor(t, map[string]taskFn{
		"ask": func(_ context.Context, in task.Input) (*task.Output, error) {
			return &task.Output{State: in.State, Signal: schema.Pause("waiting")}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name: "stuck",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("ask", "ask"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "ask")},
	}

	results := make(chan *RunResult, 1)
	go func() {
		res, err := e.Run(context.Background(), def, RunOptions{RunID: "run-abort"})
		if err == nil {
			results <- res
		}
	}()

	require.Eventually(t, func() bool {
		return len(e.ActiveRuns()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Abort(context.Background(), "run-abort", "operator gave up"))

	select {
	case res := <-results:
		assert.Equal(t, schema.RunStatusAborted, res.Status)
		require.NotNil(t, res.Error)
		assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
		assert.Equal(t, "operator gave up", res.Error.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after abort")
	}
}

func TestAbort_StrandedRecord(t *testing.T) {
	e, ms := newTestExecutor(t, nil)

	require.NoError(t, ms.CreateRun(context.Background(), &store.Run{
		ID:     "stranded",
		Status: schema.RunStatusRunning,
	}))

	require.NoError(t, e.Abort(context.Background(), "stranded", "leftover from crash"))

	rec, err := ms.GetRun(context.Background(), "stranded")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, rec.Status)

	err = e.Abort(context.Background(), "stranded", "again")
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}

func TestRun_FlowTimeout(t *testing.T) {
	e, ms := newTestExecutor(t, map[string]taskFn{
		"slow": func(ctx context.Context, in task.Input) (*task.Output, error) {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name:    "sluggish",
		Timeout: "50ms",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("slow", "slow"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "slow")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeTimeout, res.Error.Code)
	assert.Contains(t, ms.eventTypes(res.RunID), schema.EventRunTimedOut)
}

func TestRun_NodeTimeout(t *testing.T) {
	e, _ := newTestExecutor(t, map[string]taskFn{
		"slow": func(ctx context.Context, in task.Input) (*task.Output, error) {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name: "node-deadline",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			{ID: "slow", Task: "slow", Timeout: "30ms"},
		},
		Edges: []schema.EdgeDefinition{edge("start", "slow")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeTimeout, res.Error.Code)
	assert.Equal(t, "slow", res.Error.NodeID)
}

func TestRun_VarsMergedAndVisible(t *testing.T) {
	e, _ := newTestExecutor(t, map[string]taskFn{
		"echo": func(_ context.Context, in task.Input) (*task.Output, error) {
			in.State.Result = in.Vars["region"] + "/" + in.Vars["tier"]
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		},
	})

	def := &schema.FlowDefinition{
		Name: "config",
		Vars: map[string]string{"region": "eu", "tier": "basic"},
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("echo", "echo"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "echo")},
	}

	res, err := e.Run(context.Background(), def, RunOptions{
		Vars: map[string]string{"tier": "premium"},
	})
	require.NoError(t, err)
	assert.Equal(t, "eu/premium", res.FinalState.Result)
}

func TestStart_Async(t *testing.T) {
	e, ms := newTestExecutor(t, map[string]taskFn{
		"greet": setResult("hi"),
	})

	def := &schema.FlowDefinition{
		Name: "async",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("a", "greet"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "a")},
	}

	runID, err := e.Start(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		rec, err := ms.GetRun(context.Background(), runID)
		return err == nil && rec.Status == schema.RunStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunFlow_LoadsStoredFlow(t *testing.T) {
	e, ms := newTestExecutor(t, map[string]taskFn{
		"wrap": func(_ context.Context, in task.Input) (*task.Output, error) {
			in.State.Result = "[" + in.State.Result + "]"
			return &task.Output{State: in.State, Signal: schema.Continue()}, nil
		},
	})

	require.NoError(t, ms.SaveFlow(context.Background(), &store.Flow{
		Name:    "wrapper",
		Version: 1,
		Definition: schema.FlowDefinition{
			Name: "wrapper",
			Nodes: []schema.NodeDefinition{
				startNode("start"),
				node("wrap", "wrap"),
			},
			Edges: []schema.EdgeDefinition{edge("start", "wrap")},
		},
	}))

	seed := state.New()
	seed.Result = "payload"
	out, err := e.RunFlow(context.Background(), "wrapper", seed)
	require.NoError(t, err)
	assert.Equal(t, "[payload]", out)

	_, err = e.RunFlow(context.Background(), "unknown", state.New())
	require.Error(t, err)
}

func TestRun_CircuitBreakerTripsAcrossRuns(t *testing.T) {
	e, _ := newTestExecutor(t, map[string]taskFn{
		"flaky": func(context.Context, task.Input) (*task.Output, error) {
			return nil, schema.NewError(schema.ErrCodeTaskFault, "down")
		},
	})

	def := &schema.FlowDefinition{
		Name: "trip",
		Nodes: []schema.NodeDefinition{
			startNode("start"),
			node("flaky", "flaky"),
		},
		Edges: []schema.EdgeDefinition{edge("start", "flaky")},
	}

	// Default threshold is 5 consecutive failures.
	for i := range 5 {
		res, err := e.Run(context.Background(), def, RunOptions{RunID: fmt.Sprintf("trip-%d", i)})
		require.NoError(t, err)
		require.Equal(t, schema.RunStatusAborted, res.Status)
	}
	assert.Equal(t, CircuitOpen, e.Breakers().GetState("flaky"))

	res, err := e.Run(context.Background(), def, RunOptions{RunID: "trip-final"})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeCircuitOpen, res.Error.Code)
}
