package task

import (
	"context"
	"encoding/json"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/internal/state"
	"github.com/rendis/chartflow/pkg/schema"
)

// historyAppendTask appends an entry to the history. With no template it
// appends the current result.
type historyAppendTask struct {
	role     state.Role
	template string
	renderer *expressions.Renderer
}

func newHistoryAppendTask(raw json.RawMessage, deps Deps) (Task, error) {
	cfg := struct {
		Role     string `json:"role"`
		Template string `json:"template"`
	}{Role: string(state.RoleUser), Template: "${{result}}"}
	if err := decodeConfig("history.append", raw, &cfg); err != nil {
		return nil, err
	}

	role := state.Role(cfg.Role)
	switch role {
	case state.RoleSystem, state.RoleUser, state.RoleAssistant:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"history.append: invalid role %q; expected system, user or assistant", cfg.Role)
	}

	return &historyAppendTask{role: role, template: cfg.Template, renderer: deps.Renderer}, nil
}

func (t *historyAppendTask) Kind() string { return "history.append" }

func (t *historyAppendTask) Execute(ctx context.Context, in Input) (*Output, error) {
	text, err := t.renderer.Render(ctx, t.template, expressions.TemplateScope{State: in.State, Vars: in.Vars})
	if err != nil {
		return nil, err
	}
	in.State.Append(t.role, text)
	return ok(in.State), nil
}

// memoryViewTask renders a history view into the result so downstream
// nodes consume a bounded context. The history itself is never trimmed.
type memoryViewTask struct {
	kind   string
	policy state.MemoryPolicy
}

func newMemoryWindowTask(raw json.RawMessage, _ Deps) (Task, error) {
	var cfg struct {
		Size int `json:"size"`
	}
	if err := decodeConfig("memory.window", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Size <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "memory.window: 'size' must be positive")
	}
	return &memoryViewTask{
		kind:   "memory.window",
		policy: state.MemoryPolicy{Kind: state.MemoryWindow, Size: cfg.Size},
	}, nil
}

func newMemoryDynamicTask(raw json.RawMessage, _ Deps) (Task, error) {
	var cfg struct {
		Marker string `json:"marker"`
	}
	if err := decodeConfig("memory.dynamic", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Marker == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "memory.dynamic: missing required config 'marker'")
	}
	return &memoryViewTask{
		kind:   "memory.dynamic",
		policy: state.MemoryPolicy{Kind: state.MemoryDynamic, Marker: cfg.Marker},
	}, nil
}

func (t *memoryViewTask) Kind() string { return t.kind }

func (t *memoryViewTask) Execute(_ context.Context, in Input) (*Output, error) {
	in.State.Result = state.Render(t.policy.View(in.State.History))
	return ok(in.State), nil
}
