// Package task defines the contract every node behavior implements and the
// registry the graph builder draws task instances from. A task receives the
// run state plus the explicit configuration map, and answers with a new
// state and exactly one signal.
package task

import (
	"context"
	"encoding/json"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/internal/state"
	"github.com/rendis/chartflow/pkg/schema"
)

// Input carries everything a task may read during one visit.
type Input struct {
	State *state.State
	Vars  map[string]string
}

// Output is a task's answer: the state to carry forward and one signal.
type Output struct {
	State  *state.State
	Signal schema.Signal
}

// Task is the single extension point for node behavior. Implementations
// must treat Input.State as theirs to mutate and return it (or a
// replacement) in Output. Returning an error marks the visit as a fault.
type Task interface {
	Kind() string
	Execute(ctx context.Context, in Input) (*Output, error)
}

// Factory builds a task instance from its node config at graph load time.
// Config faults must surface here, not at execute time.
type Factory func(cfg json.RawMessage, deps Deps) (Task, error)

// Completer produces a reply to a conversation. The llm task is written
// against this seam; providers plug in from the outside.
type Completer interface {
	Complete(ctx context.Context, messages []state.Entry) (string, error)
}

// FlowRunner runs a stored flow to completion and returns its final result.
// The subflow task depends on this seam; the engine satisfies it.
type FlowRunner interface {
	RunFlow(ctx context.Context, name string, initial *state.State) (string, error)
}

// Deps bundles the shared services factories may capture.
type Deps struct {
	Renderer   *expressions.Renderer
	CEL        *expressions.CELEngine
	Expr       *expressions.ExprEngine
	JQ         *expressions.GoJQEngine
	Completers map[string]Completer
	Runner     FlowRunner
	Resources  *Resources
}

// ok builds a continue output around the given state.
func ok(st *state.State) *Output {
	return &Output{State: st, Signal: schema.Continue()}
}
