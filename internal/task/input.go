package task

import (
	"context"
	"encoding/json"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/pkg/schema"
)

// inputTask suspends the run until external input arrives. The executor
// records the rendered prompt on the handle; whatever text resumes the run
// becomes the result at this node.
type inputTask struct {
	prompt   string
	renderer *expressions.Renderer
}

func newInputTask(raw json.RawMessage, deps Deps) (Task, error) {
	cfg := struct {
		Prompt string `json:"prompt"`
	}{Prompt: "input required"}
	if err := decodeConfig("input", raw, &cfg); err != nil {
		return nil, err
	}
	return &inputTask{prompt: cfg.Prompt, renderer: deps.Renderer}, nil
}

func (t *inputTask) Kind() string { return "input" }

func (t *inputTask) Execute(ctx context.Context, in Input) (*Output, error) {
	rendered, err := t.renderer.Render(ctx, t.prompt, expressions.TemplateScope{State: in.State, Vars: in.Vars})
	if err != nil {
		return nil, err
	}
	return &Output{State: in.State, Signal: schema.Pause(rendered)}, nil
}
