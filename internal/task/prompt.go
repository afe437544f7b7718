package task

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/pkg/schema"
)

// promptTask renders a template against the current state and makes the
// rendered text the new result. Templates resolve at execute time, so a
// node revisited in a cycle sees fresh values on every pass.
type promptTask struct {
	template string
	renderer *expressions.Renderer
}

func newPromptTask(raw json.RawMessage, deps Deps) (Task, error) {
	var cfg struct {
		Template string `json:"template"`
	}
	if err := decodeConfig("prompt", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Template == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "prompt: missing required config 'template'")
	}
	return &promptTask{template: cfg.Template, renderer: deps.Renderer}, nil
}

func (t *promptTask) Kind() string { return "prompt" }

func (t *promptTask) Execute(ctx context.Context, in Input) (*Output, error) {
	rendered, err := t.renderer.Render(ctx, t.template, expressions.TemplateScope{State: in.State, Vars: in.Vars})
	if err != nil {
		return nil, err
	}
	in.State.Result = rendered
	return ok(in.State), nil
}

// logTask renders a template and writes it to the structured log. The
// state passes through untouched.
type logTask struct {
	template string
	level    string
	renderer *expressions.Renderer
	logger   *slog.Logger
}

func newLogTask(raw json.RawMessage, deps Deps) (Task, error) {
	cfg := struct {
		Template string `json:"template"`
		Level    string `json:"level"`
	}{Template: "${{result}}"}
	if err := decodeConfig("log", raw, &cfg); err != nil {
		return nil, err
	}
	return &logTask{template: cfg.Template, level: cfg.Level, renderer: deps.Renderer}, nil
}

func (t *logTask) Kind() string { return "log" }

func (t *logTask) Execute(ctx context.Context, in Input) (*Output, error) {
	rendered, err := t.renderer.Render(ctx, t.template, expressions.TemplateScope{State: in.State, Vars: in.Vars})
	if err != nil {
		return nil, err
	}

	logger := t.logger
	if logger == nil {
		logger = slog.Default()
	}
	switch t.level {
	case "debug":
		logger.DebugContext(ctx, rendered)
	case "warn":
		logger.WarnContext(ctx, rendered)
	case "error":
		logger.ErrorContext(ctx, rendered)
	default:
		logger.InfoContext(ctx, rendered)
	}

	return ok(in.State), nil
}
