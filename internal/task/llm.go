package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/chartflow/internal/state"
	"github.com/rendis/chartflow/pkg/schema"
)

// llmTask sends the memory view of the history, plus the current result as
// the user turn, to a completion provider. The reply becomes the result and
// is appended to the history as the assistant turn.
type llmTask struct {
	completer Completer
	provider  string
	system    string
	memory    state.MemoryPolicy
}

func newLLMTask(raw json.RawMessage, deps Deps) (Task, error) {
	cfg := struct {
		Provider string             `json:"provider"`
		System   string             `json:"system"`
		Memory   state.MemoryPolicy `json:"memory"`
	}{Provider: "dummy"}
	if err := decodeConfig("llm", raw, &cfg); err != nil {
		return nil, err
	}

	completer, ok := deps.Completers[cfg.Provider]
	if !ok {
		available := make([]string, 0, len(deps.Completers))
		for name := range deps.Completers {
			available = append(available, name)
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"llm: unknown provider %q; available: [%s]", cfg.Provider, strings.Join(available, ", "))
	}

	return &llmTask{
		completer: completer,
		provider:  cfg.Provider,
		system:    cfg.System,
		memory:    cfg.Memory,
	}, nil
}

func (t *llmTask) Kind() string { return "llm" }

func (t *llmTask) Execute(ctx context.Context, in Input) (*Output, error) {
	var messages []state.Entry
	if t.system != "" {
		messages = append(messages, state.Entry{Role: state.RoleSystem, Text: t.system})
	}
	messages = append(messages, t.memory.View(in.State.History)...)
	if in.State.Result != "" {
		messages = append(messages, state.Entry{Role: state.RoleUser, Text: in.State.Result})
	}

	reply, err := t.completer.Complete(ctx, messages)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault,
			"llm: provider %q failed: %s", t.provider, err.Error()).WithCause(err)
	}

	if in.State.Result != "" {
		in.State.Append(state.RoleUser, in.State.Result)
	}
	in.State.Append(state.RoleAssistant, reply)
	in.State.Result = reply
	return ok(in.State), nil
}

// DummyCompleter is the offline provider: it echoes a canned reply built
// from the last user turn, which keeps flows runnable without credentials.
type DummyCompleter struct{}

func (DummyCompleter) Complete(_ context.Context, messages []state.Entry) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == state.RoleUser {
			return fmt.Sprintf("dummy reply to: %s", messages[i].Text), nil
		}
	}
	return "dummy reply", nil
}
