package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/chartflow/pkg/schema"
)

// BuiltinConfig carries the host-level limits for externally-facing tasks.
type BuiltinConfig struct {
	HTTP    HTTPConfig
	File    FileConfig
	Command CommandConfig
}

// RegisterBuiltins registers every built-in task kind.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	builtins := map[string]Factory{
		PassKind:         newPassTask,
		"prompt":         newPromptTask,
		"log":            newLogTask,
		"llm":            newLLMTask,
		"history.append": newHistoryAppendTask,
		"memory.window":  newMemoryWindowTask,
		"memory.dynamic": newMemoryDynamicTask,
		"input":          newInputTask,
		"fn":             newFnTask,
		"assert":         newAssertTask,
		"jq":             newJQTask,
		"vars.set":       newVarsSetTask,
		"vars.load":      newVarsLoadTask,
		"random":         newRandomTask,
		"date":           newDateTask,
		"subflow":        newSubflowTask,
		"db.open":        newDBOpenTask,
		"db.query":       newDBQueryTask,
	}
	for kind, f := range builtins {
		if err := reg.Register(kind, f); err != nil {
			return err
		}
	}

	if err := reg.Register("http.request", newHTTPFactory(cfg.HTTP)); err != nil {
		return err
	}
	if err := reg.Register("file.read", newFileReadFactory(cfg.File)); err != nil {
		return err
	}
	if err := reg.Register("file.write", newFileWriteFactory(cfg.File)); err != nil {
		return err
	}
	return reg.Register("command", newCommandFactory(cfg.Command))
}

// PassKind is the no-op task start and init nodes fall back to.
const PassKind = "pass"

type passTask struct{}

func newPassTask(json.RawMessage, Deps) (Task, error) { return passTask{}, nil }

func (passTask) Kind() string { return PassKind }

func (passTask) Execute(_ context.Context, in Input) (*Output, error) {
	return ok(in.State), nil
}

// parseDuration reads an optional duration config field with a fallback.
func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid duration %q", s)
	}
	return d, nil
}

// decodeConfig unmarshals a node config blob into a typed config struct.
func decodeConfig(kind string, raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid config: %s", kind, err.Error()).WithCause(err)
	}
	return nil
}
