// Package engine executes built flow graphs: it walks nodes from start,
// resolves labeled and guarded edges, clones state across fan-out, parks
// suspended runs until input arrives, and records every step in the event
// log. One executor serves many concurrent runs.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/internal/graph"
	"github.com/rendis/chartflow/internal/logging"
	"github.com/rendis/chartflow/internal/state"
	"github.com/rendis/chartflow/internal/store"
	"github.com/rendis/chartflow/internal/streaming"
	"github.com/rendis/chartflow/internal/task"
	"github.com/rendis/chartflow/pkg/schema"
)

// Config tunes the executor.
type Config struct {
	// MaxConcurrentRuns bounds runs started via Start. Default 16.
	MaxConcurrentRuns int
	// DefaultRunTimeout applies when a flow declares no timeout. Default 10m.
	DefaultRunTimeout time.Duration
	// DefaultNodeTimeout applies to nodes without their own. Zero means none.
	DefaultNodeTimeout time.Duration
	// Breaker configures the per-task-kind circuit breakers.
	Breaker CircuitBreakerConfig
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 16
	}
	if c.DefaultRunTimeout <= 0 {
		c.DefaultRunTimeout = 10 * time.Minute
	}
	return c
}

// RunOptions customizes a single run.
type RunOptions struct {
	RunID    string // assigned when empty
	ClientID string
	Vars     map[string]string // overrides the flow's declared vars
	Initial  *state.State      // seed state, empty when nil
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	RunID        string
	Status       schema.RunStatus
	TerminalNode string
	FinalState   *state.State
	Error        *schema.FlowError
}

// workItem is one pending node visit on a branch.
type workItem struct {
	node *graph.Node
	st   *state.State
}

// flowRun is the live handle for an in-flight run.
type flowRun struct {
	id     string
	fsm    *RunFSM
	cancel context.CancelFunc

	mu          sync.Mutex
	awaiting    bool
	resume      chan string
	abortReason string
}

func (r *flowRun) setAbortReason(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortReason == "" {
		r.abortReason = reason
	}
}

func (r *flowRun) getAbortReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortReason
}

// Executor runs flow graphs. It satisfies task.FlowRunner so subflow
// nodes can launch nested runs through the same machinery.
type Executor struct {
	store    store.Store
	events   EventAppender
	hub      streaming.EventHub
	registry *task.Registry
	deps     task.Deps
	breakers *CircuitBreakerRegistry
	pool     *WorkerPool
	logger   *slog.Logger
	config   Config

	mu      sync.Mutex
	running map[string]*flowRun
}

// NewExecutor wires an executor. The task deps gain the executor itself
// as their flow runner.
func NewExecutor(
	st store.Store,
	events EventAppender,
	hub streaming.EventHub,
	registry *task.Registry,
	deps task.Deps,
	config Config,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	e := &Executor{
		store:    st,
		events:   events,
		hub:      hub,
		registry: registry,
		breakers: NewCircuitBreakerRegistry(config.Breaker),
		pool:     NewWorkerPool(config.MaxConcurrentRuns, logger),
		logger:   logger,
		config:   config,
	}
	deps.Runner = e
	e.deps = deps
	e.running = make(map[string]*flowRun)
	return e
}

// Run executes a flow definition to its terminal status, blocking through
// any suspensions until Resume supplies input or the run times out. The
// returned error covers setup failures only; execution faults land in the
// result's Status and Error.
func (e *Executor) Run(ctx context.Context, def *schema.FlowDefinition, opts RunOptions) (*RunResult, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	ctx = logging.WithRunID(ctx, runID)
	if opts.ClientID != "" {
		ctx = logging.WithClientID(ctx, opts.ClientID)
	}
	log := logging.LogWith(ctx, e.logger)

	timeout := e.config.DefaultRunTimeout
	if def.Timeout != "" {
		d, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid flow timeout %q", def.Timeout)
		}
		timeout = d
	}

	rec := &store.Run{
		ID:       runID,
		FlowName: def.Name,
		Status:   schema.RunStatusPending,
		ClientID: opts.ClientID,
	}
	if err := e.store.CreateRun(ctx, rec); err != nil {
		return nil, err
	}

	fsm := NewRunFSM(runID, e.events)
	for _, target := range []schema.RunStatus{
		schema.RunStatusInitializing,
		schema.RunStatusRunning,
		schema.RunStatusSuspended,
		schema.RunStatusCompleted,
		schema.RunStatusAborted,
	} {
		fsm.OnAfter(target, e.persistStatus)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)

	r := &flowRun{
		id:     runID,
		fsm:    fsm,
		cancel: cancel,
		resume: make(chan string, 1),
	}
	e.mu.Lock()
	e.running[runID] = r
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.running, runID)
		e.mu.Unlock()
		cancel()
	}()

	log.Info("run starting", slog.String("flow", def.Name))
	result := e.execute(runCtx, r, def, opts, log)
	log.Info("run finished",
		slog.String("status", string(result.Status)),
		slog.String("terminal_node", result.TerminalNode))
	return result, nil
}

// Start launches a run asynchronously on the worker pool and returns its
// ID at once. The run outlives the caller's context.
func (e *Executor) Start(ctx context.Context, def *schema.FlowDefinition, opts RunOptions) (string, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	runID := opts.RunID

	err := e.pool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		res, err := e.Run(ctx, def, opts)
		if err != nil {
			e.logger.Error("run failed to start",
				slog.String("run_id", runID), slog.String("error", err.Error()))
			return err
		}
		if res.Error != nil {
			return res.Error
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// Resume delivers input to a suspended run. The parked branch records the
// input as the paused node's output and continues along its edges.
func (e *Executor) Resume(ctx context.Context, runID, input string) error {
	e.mu.Lock()
	r, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run %s", runID)
	}

	r.mu.Lock()
	if !r.awaiting {
		r.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not suspended", runID)
	}
	r.awaiting = false
	r.mu.Unlock()

	r.resume <- input
	return nil
}

// Abort cancels a run. Live runs stop at the next step boundary; a
// stranded record (no live handle) is marked aborted directly.
func (e *Executor) Abort(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "aborted by request"
	}

	e.mu.Lock()
	r, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		r.setAbortReason(reason)
		r.cancel()
		return nil
	}

	rec, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %s already %s", runID, rec.Status)
	}

	status := schema.RunStatusAborted
	errJSON, _ := json.Marshal(map[string]string{"code": schema.ErrCodeCancelled, "message": reason})
	now := time.Now().UTC()
	return e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &status,
		Error:       errJSON,
		CompletedAt: &now,
	})
}

// Status returns the persisted run record. The store is updated on every
// lifecycle transition, so it reflects live runs too.
func (e *Executor) Status(ctx context.Context, runID string) (*store.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ActiveRuns lists the IDs of runs currently executing in this process.
func (e *Executor) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Breakers exposes the circuit breaker registry for status reporting.
func (e *Executor) Breakers() *CircuitBreakerRegistry {
	return e.breakers
}

// Shutdown stops accepting new async runs and waits for active ones.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}

// RunFlow satisfies task.FlowRunner: it loads the latest stored version
// of the named flow, runs it over the given seed state, and returns the
// final result.
func (e *Executor) RunFlow(ctx context.Context, name string, initial *state.State) (string, error) {
	flow, err := e.store.GetFlow(ctx, name, 0)
	if err != nil {
		return "", err
	}

	res, err := e.Run(ctx, &flow.Definition, RunOptions{Initial: initial, ClientID: logging.ClientID(ctx)})
	if err != nil {
		return "", err
	}
	if res.Status != schema.RunStatusCompleted {
		if res.Error != nil {
			return "", res.Error
		}
		return "", schema.NewErrorf(schema.ErrCodeTaskFault, "flow %q ended %s", name, res.Status)
	}
	return res.FinalState.Result, nil
}

// persistStatus is the after-transition hook: it writes the new status to
// the store and mirrors the lifecycle event onto the streaming hub.
func (e *Executor) persistStatus(ctx context.Context, runID string, from, to schema.RunStatus) error {
	status := to
	upd := store.RunUpdate{Status: &status}
	switch to {
	case schema.RunStatusInitializing:
		now := time.Now().UTC()
		upd.StartedAt = &now
	case schema.RunStatusCompleted, schema.RunStatusAborted:
		now := time.Now().UTC()
		upd.CompletedAt = &now
	}
	if err := e.store.UpdateRun(ctx, runID, upd); err != nil {
		e.logger.Warn("status persist failed",
			slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		EventType: runEventType(from, to),
		Payload:   map[string]string{"from": string(from), "to": string(to)},
	})
	return nil
}

// execute drives a run from pending to terminal. All outcomes are folded
// into the result; it never returns early without settling the FSM.
func (e *Executor) execute(ctx context.Context, r *flowRun, def *schema.FlowDefinition, opts RunOptions, log *slog.Logger) *RunResult {
	res := &RunResult{RunID: r.id}

	vars := make(map[string]string, len(def.Vars)+len(opts.Vars))
	for k, v := range def.Vars {
		vars[k] = v
	}
	for k, v := range opts.Vars {
		vars[k] = v
	}

	st := opts.Initial
	if st == nil {
		st = state.New()
	}

	g, err := graph.Build(def, e.registry, e.deps)
	if err != nil {
		return e.finishAborted(ctx, r, res, st, "", err)
	}
	defer func() {
		if cerr := g.Close(); cerr != nil {
			log.Warn("resource release failed", slog.String("error", cerr.Error()))
		}
	}()

	if err := r.fsm.Transition(ctx, schema.RunStatusInitializing, nil); err != nil {
		return e.finishAborted(ctx, r, res, st, "", err)
	}

	for _, n := range g.Inits {
		sig, next, err := e.visit(ctx, r, n, st, vars, log)
		if err != nil {
			// Init nodes provision shared resources; a fault here leaves
			// nothing sound to fall back to.
			return e.finishAborted(ctx, r, res, st, n.ID, err)
		}
		st = next
		if sig.Type == schema.SignalAbort {
			return e.finishAborted(ctx, r, res, st, n.ID,
				schema.NewError(schema.ErrCodeCancelled, abortText(sig)).WithNode(n.ID))
		}
	}

	// A pause during init already moved the FSM through suspended to running.
	if r.fsm.Current() != schema.RunStatusRunning {
		if err := r.fsm.Transition(ctx, schema.RunStatusRunning, nil); err != nil {
			return e.finishAborted(ctx, r, res, st, "", err)
		}
	}

	queue := []workItem{{node: g.Start, st: st}}
	lastNode := g.Start.ID
	lastState := st

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return e.finishAborted(ctx, r, res, lastState, lastNode, err)
		}

		item := queue[0]
		queue = queue[1:]
		node, branch := item.node, item.st

		sig, next, err := e.visit(ctx, r, node, branch, vars, log)
		if err != nil {
			if fb, ok := g.FaultEdge(node.ID); ok && !isConfigFault(err) && ctx.Err() == nil {
				next.Record(node.Label, err.Error())
				e.emit(ctx, r.id, node.ID, schema.EventNodeFallback, map[string]any{
					"to":    fb.To,
					"error": err.Error(),
				})
				lastNode, lastState = node.ID, next
				queue = append(queue, workItem{node: g.Nodes[fb.To], st: next})
				continue
			}
			return e.finishAborted(ctx, r, res, branch, node.ID, err)
		}

		lastNode, lastState = node.ID, next

		if sig.Type == schema.SignalAbort {
			return e.finishAborted(ctx, r, res, next, node.ID,
				schema.NewError(schema.ErrCodeCancelled, abortText(sig)).WithNode(node.ID))
		}

		resolution, err := g.Resolve(ctx, e.deps.CEL, node, sig.Label, expressions.Scope(next, vars))
		if err != nil {
			return e.finishAborted(ctx, r, res, next, node.ID, err)
		}
		if resolution.Terminal {
			continue
		}

		targets := make([]string, len(resolution.Next))
		for i, t := range resolution.Next {
			targets[i] = t.ID
		}
		e.emit(ctx, r.id, node.ID, schema.EventEdgeResolved, map[string]any{
			"label":   sig.Label,
			"targets": targets,
		})

		for i, t := range resolution.Next {
			bst := next
			if i > 0 {
				bst = next.Clone()
			}
			queue = append(queue, workItem{node: t, st: bst})
		}
	}

	finalJSON, _ := json.Marshal(lastState)
	if err := r.fsm.Transition(ctx, schema.RunStatusCompleted, map[string]any{"terminal_node": lastNode}); err != nil {
		return e.finishAborted(ctx, r, res, lastState, lastNode, err)
	}
	_ = e.store.UpdateRun(ctx, r.id, store.RunUpdate{
		TerminalNode: &lastNode,
		FinalState:   finalJSON,
	})

	res.Status = schema.RunStatusCompleted
	res.TerminalNode = lastNode
	res.FinalState = lastState
	return res
}

// visit executes one node on one branch: circuit breaker gate, retries,
// pause parking, and node lifecycle events. The returned signal is always
// continue or abort; pause and retry are consumed here.
func (e *Executor) visit(ctx context.Context, r *flowRun, node *graph.Node, st *state.State, vars map[string]string, log *slog.Logger) (schema.Signal, *state.State, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	kind := node.Task.Kind()

	e.emit(ctx, r.id, node.ID, schema.EventNodeStarted, map[string]any{"task": kind})
	started := time.Now()

	attempt := 0
	for {
		if err := e.breakers.AllowRequest(kind); err != nil {
			e.emit(ctx, r.id, node.ID, schema.EventCircuitBreakerOpen, map[string]any{"task": kind})
			return schema.Signal{}, st, err
		}

		out, err := e.executeOnce(ctx, node, st, vars)
		if err != nil {
			if e.breakers.RecordFailure(kind) == CircuitOpen {
				e.emit(ctx, r.id, node.ID, schema.EventCircuitBreakerOpen, map[string]any{"task": kind})
			}
			if node.Retry != nil && attempt < node.Retry.Max && IsRetryableError(err) {
				e.emit(ctx, r.id, node.ID, schema.EventNodeRetrying, map[string]any{
					"attempt": attempt + 1,
					"error":   err.Error(),
				})
				if werr := WaitForBackoff(ctx, ComputeBackoff(node.Retry, attempt)); werr != nil {
					return schema.Signal{}, st, werr
				}
				attempt++
				continue
			}
			e.emit(ctx, r.id, node.ID, schema.EventNodeFaulted, map[string]any{
				"error":    err.Error(),
				"attempts": attempt + 1,
			})
			log.Warn("node faulted",
				slog.String("node", node.ID),
				slog.String("task", kind),
				slog.String("error", err.Error()))
			return schema.Signal{}, st, err
		}

		e.breakers.RecordSuccess(kind)
		st = out.State

		if out.Signal.Type == schema.SignalRetry {
			if attempt >= maxAttempts(node.Retry)-1 {
				err := schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"node %q requested retry %d times", node.ID, attempt+1).WithNode(node.ID)
				e.emit(ctx, r.id, node.ID, schema.EventNodeFaulted, map[string]any{
					"error":    err.Error(),
					"attempts": attempt + 1,
				})
				return schema.Signal{}, st, err
			}
			e.emit(ctx, r.id, node.ID, schema.EventNodeRetrying, map[string]any{"attempt": attempt + 1})
			if werr := WaitForBackoff(ctx, ComputeBackoff(node.Retry, attempt)); werr != nil {
				return schema.Signal{}, st, werr
			}
			attempt++
			continue
		}

		if out.Signal.Type == schema.SignalPause {
			input, err := e.suspend(ctx, r, node, out.Signal.Prompt)
			if err != nil {
				return schema.Signal{}, st, err
			}
			st.Record(node.Label, input)
			e.emit(ctx, r.id, node.ID, schema.EventNodeCompleted, map[string]any{
				"task":        kind,
				"duration_ms": time.Since(started).Milliseconds(),
			})
			return schema.Continue(), st, nil
		}

		if out.Signal.Type == schema.SignalContinue {
			st.Record(node.Label, st.Result)
		}
		e.emit(ctx, r.id, node.ID, schema.EventNodeCompleted, map[string]any{
			"task":        kind,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		return out.Signal, st, nil
	}
}

// executeOnce runs the node's task under its timeout.
func (e *Executor) executeOnce(ctx context.Context, node *graph.Node, st *state.State, vars map[string]string) (*task.Output, error) {
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultNodeTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := node.Task.Execute(ctx, task.Input{State: st, Vars: vars})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"node %q timed out after %s", node.ID, timeout).WithNode(node.ID).WithCause(err)
		}
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.NodeID == "" {
			return nil, fe.WithNode(node.ID)
		}
		return nil, err
	}
	if out == nil || out.State == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault,
			"task %q returned no state", node.Task.Kind()).WithNode(node.ID)
	}
	return out, nil
}

// suspend parks the whole run until Resume delivers input or the run
// context ends. The suspension survives indefinitely within the run's
// timeout; resuming restores the running status.
func (e *Executor) suspend(ctx context.Context, r *flowRun, node *graph.Node, prompt string) (string, error) {
	// Accept input as soon as the suspension is observable anywhere.
	r.mu.Lock()
	r.awaiting = true
	r.mu.Unlock()

	if err := r.fsm.Transition(ctx, schema.RunStatusSuspended, map[string]any{
		"node":   node.ID,
		"prompt": prompt,
	}); err != nil {
		r.mu.Lock()
		r.awaiting = false
		r.mu.Unlock()
		return "", err
	}
	nodeID := node.ID
	_ = e.store.UpdateRun(ctx, r.id, store.RunUpdate{
		Prompt:     &prompt,
		PausedNode: &nodeID,
	})
	e.emit(ctx, r.id, node.ID, schema.EventInputRequested, map[string]any{"prompt": prompt})

	select {
	case input := <-r.resume:
		if err := r.fsm.Transition(ctx, schema.RunStatusRunning, map[string]any{"node": node.ID}); err != nil {
			return "", err
		}
		cleared := ""
		_ = e.store.UpdateRun(ctx, r.id, store.RunUpdate{
			Prompt:     &cleared,
			PausedNode: &cleared,
		})
		e.emit(ctx, r.id, node.ID, schema.EventInputReceived, map[string]any{"length": len(input)})
		return input, nil
	case <-ctx.Done():
		r.mu.Lock()
		r.awaiting = false
		r.mu.Unlock()
		return "", ctx.Err()
	}
}

// finishAborted settles the run as aborted, classifying the cause as a
// timeout, an explicit cancellation, or the fault itself.
func (e *Executor) finishAborted(ctx context.Context, r *flowRun, res *RunResult, st *state.State, nodeID string, cause error) *RunResult {
	fe := classifyAbort(ctx, r, nodeID, cause)

	switch fe.Code {
	case schema.ErrCodeTimeout:
		e.emit(ctx, r.id, nodeID, schema.EventRunTimedOut, map[string]any{"error": fe.Message})
	case schema.ErrCodeCancelled:
		e.emit(ctx, r.id, nodeID, schema.EventRunCancelled, map[string]any{"reason": fe.Message})
	}

	// The run context may already be dead; persistence still has to land.
	persistCtx := context.WithoutCancel(ctx)
	_ = r.fsm.Transition(persistCtx, schema.RunStatusAborted, map[string]any{
		"code":   fe.Code,
		"reason": fe.Message,
		"node":   nodeID,
	})

	errJSON, _ := json.Marshal(fe)
	finalJSON, _ := json.Marshal(st)
	upd := store.RunUpdate{Error: errJSON, FinalState: finalJSON}
	if nodeID != "" {
		upd.TerminalNode = &nodeID
	}
	_ = e.store.UpdateRun(persistCtx, r.id, upd)

	res.Status = schema.RunStatusAborted
	res.TerminalNode = nodeID
	res.FinalState = st
	res.Error = fe
	return res
}

func classifyAbort(ctx context.Context, r *flowRun, nodeID string, cause error) *schema.FlowError {
	if reason := r.getAbortReason(); reason != "" && errors.Is(cause, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, reason)
	}

	var fe *schema.FlowError
	if errors.As(cause, &fe) {
		return fe
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		out := schema.NewError(schema.ErrCodeTimeout, "run timed out").WithCause(cause)
		if nodeID != "" {
			out = out.WithNode(nodeID)
		}
		return out
	}
	out := schema.NewError(schema.ErrCodeTaskFault, cause.Error()).WithCause(cause)
	if nodeID != "" {
		out = out.WithNode(nodeID)
	}
	return out
}

// emit appends an event to the log and mirrors it on the streaming hub.
func (e *Executor) emit(ctx context.Context, runID, nodeID, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if err := e.events.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		NodeID:  nodeID,
		Type:    eventType,
		Payload: raw,
	}); err != nil {
		e.logger.Warn("event append failed",
			slog.String("run_id", runID),
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		NodeID:    nodeID,
		EventType: eventType,
		Payload:   payload,
	})
}

// isConfigFault reports whether an error is a flow configuration problem
// rather than a runtime fault. Config faults never take fault edges.
func isConfigFault(err error) bool {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Code == schema.ErrCodeGraphConfig || fe.Code == schema.ErrCodeValidation
	}
	return false
}

func abortText(sig schema.Signal) string {
	if sig.Reason != "" {
		return sig.Reason
	}
	return "aborted by task"
}
