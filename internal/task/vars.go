package task

import (
	"bufio"
	"context"
	"encoding/json"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/pkg/schema"
)

// varsSetTask writes rendered values into the run's configuration map.
// Mutation is explicit and visible: downstream nodes read the values as
// ${{vars.<key>}}, the process environment is never touched.
type varsSetTask struct {
	values   map[string]string
	renderer *expressions.Renderer
}

func newVarsSetTask(raw json.RawMessage, deps Deps) (Task, error) {
	var cfg struct {
		Values map[string]string `json:"values"`
	}
	if err := decodeConfig("vars.set", raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Values) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "vars.set: missing required config 'values'")
	}
	return &varsSetTask{values: cfg.Values, renderer: deps.Renderer}, nil
}

func (t *varsSetTask) Kind() string { return "vars.set" }

func (t *varsSetTask) Execute(ctx context.Context, in Input) (*Output, error) {
	scope := expressions.TemplateScope{State: in.State, Vars: in.Vars}
	for key, tmpl := range t.values {
		val, err := t.renderer.Render(ctx, tmpl, scope)
		if err != nil {
			return nil, err
		}
		in.Vars[key] = val
	}
	return ok(in.State), nil
}

// varsLoadTask loads KEY=VALUE lines from a file into the run vars.
// Blank lines and '#' comments are skipped; later keys win.
type varsLoadTask struct {
	path string
}

func newVarsLoadTask(raw json.RawMessage, _ Deps) (Task, error) {
	var cfg struct {
		Path string `json:"path"`
	}
	if err := decodeConfig("vars.load", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "vars.load: missing required config 'path'")
	}
	return &varsLoadTask{path: cfg.Path}, nil
}

func (t *varsLoadTask) Kind() string { return "vars.load" }

func (t *varsLoadTask) Execute(_ context.Context, in Input) (*Output, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "vars.load: open %q: %s", t.path, err.Error()).WithCause(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		in.Vars[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"`)
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "vars.load: read %q: %s", t.path, err.Error()).WithCause(err)
	}
	return ok(in.State), nil
}

// randomTask produces a uniform integer in [min, max].
type randomTask struct {
	min, max int
}

func newRandomTask(raw json.RawMessage, _ Deps) (Task, error) {
	cfg := struct {
		Min int `json:"min"`
		Max int `json:"max"`
	}{Min: 0, Max: 100}
	if err := decodeConfig("random", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Max < cfg.Min {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "random: max %d < min %d", cfg.Max, cfg.Min)
	}
	return &randomTask{min: cfg.Min, max: cfg.Max}, nil
}

func (t *randomTask) Kind() string { return "random" }

func (t *randomTask) Execute(_ context.Context, in Input) (*Output, error) {
	in.State.Result = stringify(t.min + rand.IntN(t.max-t.min+1))
	return ok(in.State), nil
}

// dateTask formats the current time into the result.
type dateTask struct {
	layout string
}

func newDateTask(raw json.RawMessage, _ Deps) (Task, error) {
	cfg := struct {
		Layout string `json:"layout"`
	}{Layout: time.RFC3339}
	if err := decodeConfig("date", raw, &cfg); err != nil {
		return nil, err
	}
	return &dateTask{layout: cfg.Layout}, nil
}

func (t *dateTask) Kind() string { return "date" }

func (t *dateTask) Execute(_ context.Context, in Input) (*Output, error) {
	in.State.Result = time.Now().Format(t.layout)
	return ok(in.State), nil
}
