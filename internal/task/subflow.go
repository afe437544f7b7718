package task

import (
	"context"
	"encoding/json"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/internal/state"
	"github.com/rendis/chartflow/pkg/schema"
)

// subflowTask runs another stored flow as a single node. The child run sees
// a fresh state seeded with a rendered input; only its final result comes
// back. History and snapshot stay private to each run.
type subflowTask struct {
	flow     string
	input    string
	runner   FlowRunner
	renderer *expressions.Renderer
}

func newSubflowTask(raw json.RawMessage, deps Deps) (Task, error) {
	var cfg struct {
		Flow  string `json:"flow"`
		Input string `json:"input"`
	}
	if err := decodeConfig("subflow", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Flow == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "subflow: missing required config 'flow'")
	}
	if deps.Runner == nil {
		return nil, schema.NewError(schema.ErrCodeTaskUnavailable, "subflow: no flow runner configured")
	}
	if cfg.Input == "" {
		cfg.Input = "${{result}}"
	}
	return &subflowTask{
		flow:     cfg.Flow,
		input:    cfg.Input,
		runner:   deps.Runner,
		renderer: deps.Renderer,
	}, nil
}

func (t *subflowTask) Kind() string { return "subflow" }

func (t *subflowTask) Execute(ctx context.Context, in Input) (*Output, error) {
	seed, err := t.renderer.Render(ctx, t.input, expressions.TemplateScope{State: in.State, Vars: in.Vars})
	if err != nil {
		return nil, err
	}
	child := state.New()
	child.Result = seed

	result, err := t.runner.RunFlow(ctx, t.flow, child)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "subflow: flow %q failed", t.flow).WithCause(err)
	}
	in.State.Result = result
	return ok(in.State), nil
}
