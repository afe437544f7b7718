package task

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/internal/state"
	"github.com/rendis/chartflow/pkg/schema"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return Deps{
		Renderer:   expressions.NewRenderer(nil),
		CEL:        cel,
		Expr:       expressions.NewExprEngine(),
		JQ:         expressions.NewGoJQEngine(),
		Completers: map[string]Completer{"dummy": DummyCompleter{}},
		Resources:  NewResources(),
	}
}

func testRegistry(t *testing.T, cfg BuiltinConfig) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, cfg))
	return reg
}

func buildTask(t *testing.T, kind, cfg string) Task {
	t.Helper()
	reg := testRegistry(t, BuiltinConfig{})
	task, err := reg.Build(kind, json.RawMessage(cfg), testDeps(t))
	require.NoError(t, err)
	return task
}

func runTask(t *testing.T, task Task, st *state.State, vars map[string]string) *Output {
	t.Helper()
	if vars == nil {
		vars = map[string]string{}
	}
	out, err := task.Execute(context.Background(), Input{State: st, Vars: vars})
	require.NoError(t, err)
	return out
}

func TestRegisterBuiltins(t *testing.T) {
	reg := testRegistry(t, BuiltinConfig{})

	for _, kind := range []string{
		"pass", "prompt", "log", "llm", "history.append",
		"memory.window", "memory.dynamic", "input", "fn", "assert", "jq",
		"vars.set", "vars.load", "random", "date", "subflow",
		"db.open", "db.query", "http.request", "file.read", "file.write", "command",
	} {
		assert.True(t, reg.Has(kind), "missing builtin %q", kind)
	}
}

func TestBuiltinConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		kind string
		cfg  string
	}{
		{"prompt without template", "prompt", `{}`},
		{"prompt with bad json", "prompt", `{not-json`},
		{"history.append with bad role", "history.append", `{"role":"narrator"}`},
		{"memory.window without size", "memory.window", `{}`},
		{"memory.window negative size", "memory.window", `{"size":-3}`},
		{"memory.dynamic without marker", "memory.dynamic", `{}`},
		{"llm unknown provider", "llm", `{"provider":"gpt-99"}`},
		{"fn without program", "fn", `{}`},
		{"assert without condition", "assert", `{}`},
		{"jq without expression", "jq", `{}`},
		{"vars.set without values", "vars.set", `{}`},
		{"vars.load without path", "vars.load", `{}`},
		{"random inverted range", "random", `{"min":10,"max":1}`},
		{"subflow without flow", "subflow", `{}`},
		{"db.open without dsn", "db.open", `{"name":"main"}`},
		{"db.query without query", "db.query", `{"handle":"main"}`},
		{"file.read without path", "file.read", `{}`},
		{"file.write without path", "file.write", `{}`},
		{"http.request without url", "http.request", `{}`},
		{"command without binary", "command", `{}`},
	}

	reg := testRegistry(t, BuiltinConfig{})
	deps := testDeps(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Build(tt.kind, json.RawMessage(tt.cfg), deps)
			require.Error(t, err)
			var flowErr *schema.FlowError
			require.ErrorAs(t, err, &flowErr)
			assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
		})
	}
}

func TestPassTask(t *testing.T) {
	task := buildTask(t, "pass", ``)
	st := state.New()
	st.Result = "untouched"

	out := runTask(t, task, st, nil)
	assert.Equal(t, schema.SignalContinue, out.Signal.Type)
	assert.Equal(t, "untouched", out.State.Result)
}

func TestPromptTask(t *testing.T) {
	task := buildTask(t, "prompt", `{"template":"Classify: ${{result}} (mode ${{vars.mode}})"}`)
	st := state.New()
	st.Result = "hello world"

	out := runTask(t, task, st, map[string]string{"mode": "strict"})
	assert.Equal(t, "Classify: hello world (mode strict)", out.State.Result)
	assert.Equal(t, schema.SignalContinue, out.Signal.Type)
}

func TestLLMTask(t *testing.T) {
	task := buildTask(t, "llm", `{"provider":"dummy","system":"be brief"}`)
	st := state.New()
	st.Result = "what is two plus two"

	out := runTask(t, task, st, nil)
	assert.Equal(t, "dummy reply to: what is two plus two", out.State.Result)
	require.Len(t, out.State.History, 2)
	assert.Equal(t, state.RoleUser, out.State.History[0].Role)
	assert.Equal(t, state.RoleAssistant, out.State.History[1].Role)
}

func TestHistoryAppendTask(t *testing.T) {
	task := buildTask(t, "history.append", `{"role":"assistant","template":"noted: ${{result}}"}`)
	st := state.New()
	st.Result = "42"

	out := runTask(t, task, st, nil)
	require.Len(t, out.State.History, 1)
	assert.Equal(t, state.RoleAssistant, out.State.History[0].Role)
	assert.Equal(t, "noted: 42", out.State.History[0].Text)
	assert.Equal(t, "42", out.State.Result, "result passes through")
}

func TestMemoryWindowTask(t *testing.T) {
	task := buildTask(t, "memory.window", `{"size":2}`)
	st := state.New()
	st.Append(state.RoleUser, "one")
	st.Append(state.RoleAssistant, "two")
	st.Append(state.RoleUser, "three")

	out := runTask(t, task, st, nil)
	assert.Equal(t, "assistant: two\nuser: three", out.State.Result)
	assert.Len(t, out.State.History, 3, "history itself is never trimmed")
}

func TestMemoryDynamicTask(t *testing.T) {
	task := buildTask(t, "memory.dynamic", `{"marker":"[topic]"}`)
	st := state.New()
	st.Append(state.RoleUser, "old stuff")
	st.Append(state.RoleSystem, "[topic] billing")
	st.Append(state.RoleUser, "my invoice is wrong")

	out := runTask(t, task, st, nil)
	assert.Equal(t, "system: [topic] billing\nuser: my invoice is wrong", out.State.Result)
}

func TestInputTask(t *testing.T) {
	task := buildTask(t, "input", `{"prompt":"Approve ${{result}}? (yes/no)"}`)
	st := state.New()
	st.Result = "deploy v2"

	out := runTask(t, task, st, nil)
	assert.Equal(t, schema.SignalPause, out.Signal.Type)
	assert.Equal(t, "Approve deploy v2? (yes/no)", out.Signal.Prompt)
}

func TestFnTask(t *testing.T) {
	tests := []struct {
		name    string
		program string
		result  string
		want    string
	}{
		{"upper", `upper(result)`, "hello", "HELLO"},
		{"arithmetic", `len(result) * 2`, "abc", "6"},
		{"ternary", `result == "yes" ? "approved" : "rejected"`, "no", "rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := buildTask(t, "fn", `{"program":`+strconv.Quote(tt.program)+`}`)
			st := state.New()
			st.Result = tt.result

			out := runTask(t, task, st, nil)
			assert.Equal(t, tt.want, out.State.Result)
		})
	}
}

func TestAssertTask(t *testing.T) {
	st := state.New()
	st.Result = "short"

	task := buildTask(t, "assert", `{"condition":"result.size() < 10"}`)
	out := runTask(t, task, st, nil)
	assert.Equal(t, "short", out.State.Result)

	task = buildTask(t, "assert", `{"condition":"result.size() > 10","message":"too short"}`)
	_, err := task.Execute(context.Background(), Input{State: st, Vars: map[string]string{}})
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeAssertFailed, flowErr.Code)
	assert.Equal(t, "too short", flowErr.Message)
}

func TestJQTask(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		result     string
		want       string
	}{
		{"field", `.user.name`, `{"user":{"name":"ada"}}`, "ada"},
		{"map", `[.[] | .id]`, `[{"id":1},{"id":2}]`, "[1,2]"},
		{"length of plain string", `length`, "hello", "5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := buildTask(t, "jq", `{"expression":`+strconv.Quote(tt.expression)+`}`)
			st := state.New()
			st.Result = tt.result

			out := runTask(t, task, st, nil)
			assert.Equal(t, tt.want, out.State.Result)
		})
	}
}

func TestVarsSetTask(t *testing.T) {
	task := buildTask(t, "vars.set", `{"values":{"last_answer":"${{result}}","attempts":"1"}}`)
	st := state.New()
	st.Result = "blue"
	vars := map[string]string{}

	runTask(t, task, st, vars)
	assert.Equal(t, "blue", vars["last_answer"])
	assert.Equal(t, "1", vars["attempts"])
}

func TestVarsLoadTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.env")
	content := "# run settings\nMODE=strict\nGREETING=\"hello there\"\n\nbroken line\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	task := buildTask(t, "vars.load", `{"path":`+strconv.Quote(path)+`}`)
	vars := map[string]string{}
	runTask(t, task, state.New(), vars)

	assert.Equal(t, "strict", vars["MODE"])
	assert.Equal(t, "hello there", vars["GREETING"])
	assert.Len(t, vars, 2)
}

func TestRandomTask(t *testing.T) {
	task := buildTask(t, "random", `{"min":5,"max":7}`)
	for range 20 {
		out := runTask(t, task, state.New(), nil)
		n, err := strconv.Atoi(out.State.Result)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 5)
		assert.LessOrEqual(t, n, 7)
	}
}

func TestDateTask(t *testing.T) {
	task := buildTask(t, "date", `{"layout":"2006-01-02"}`)
	out := runTask(t, task, state.New(), nil)

	parsed, err := time.Parse("2006-01-02", out.State.Result)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, 48*time.Hour)
}

type runnerSpy struct {
	gotFlow string
	gotSeed string
	result  string
	err     error
}

func (r *runnerSpy) RunFlow(_ context.Context, name string, initial *state.State) (string, error) {
	r.gotFlow = name
	r.gotSeed = initial.Result
	return r.result, r.err
}

func TestSubflowTask(t *testing.T) {
	reg := testRegistry(t, BuiltinConfig{})
	deps := testDeps(t)
	runner := &runnerSpy{result: "child says hi"}
	deps.Runner = runner

	task, err := reg.Build("subflow", json.RawMessage(`{"flow":"greeter"}`), deps)
	require.NoError(t, err)

	st := state.New()
	st.Result = "parent result"
	st.Append(state.RoleUser, "parent turn")

	out := runTask(t, task, st, nil)
	assert.Equal(t, "greeter", runner.gotFlow)
	assert.Equal(t, "parent result", runner.gotSeed, "default input seeds the child with the result")
	assert.Equal(t, "child says hi", out.State.Result)
	assert.Len(t, out.State.History, 1, "child run does not touch the parent history")
}

func TestSubflowTaskChildFailure(t *testing.T) {
	reg := testRegistry(t, BuiltinConfig{})
	deps := testDeps(t)
	deps.Runner = &runnerSpy{err: errors.New("child aborted")}

	task, err := reg.Build("subflow", json.RawMessage(`{"flow":"greeter"}`), deps)
	require.NoError(t, err)

	_, err = task.Execute(context.Background(), Input{State: state.New(), Vars: map[string]string{}})
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeTaskFault, flowErr.Code)
}
