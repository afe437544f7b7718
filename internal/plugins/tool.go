package plugins

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/internal/task"
	"github.com/rendis/chartflow/pkg/schema"
)

const defaultToolTimeout = 30 * time.Second

type toolTaskConfig struct {
	Args    map[string]any `json:"args"`
	Timeout string         `json:"timeout"`
}

// toolTask invokes one remote MCP tool. The args block is interpolated
// against the run state at execute time; the tool's text output becomes
// the result.
type toolTask struct {
	caller   toolCaller
	kind     string
	tool     string
	rawArgs  json.RawMessage
	timeout  time.Duration
	renderer *expressions.Renderer
}

func newToolFactory(caller toolCaller, tool mcp.Tool) task.Factory {
	return func(raw json.RawMessage, deps task.Deps) (task.Task, error) {
		var cfg toolTaskConfig
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"plugin tool %q: invalid config: %s", tool.Name, err.Error()).WithCause(err)
			}
		}

		timeout := defaultToolTimeout
		if cfg.Timeout != "" {
			d, err := time.ParseDuration(cfg.Timeout)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"plugin tool %q: invalid timeout %q", tool.Name, cfg.Timeout)
			}
			timeout = d
		}

		rawArgs, err := json.Marshal(cfg.Args)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"plugin tool %q: invalid args: %s", tool.Name, err.Error()).WithCause(err)
		}

		return &toolTask{
			caller:   caller,
			kind:     tool.Name,
			tool:     tool.Name,
			rawArgs:  rawArgs,
			timeout:  timeout,
			renderer: deps.Renderer,
		}, nil
	}
}

func (t *toolTask) Kind() string { return t.kind }

func (t *toolTask) Execute(ctx context.Context, in task.Input) (*task.Output, error) {
	scope := expressions.TemplateScope{State: in.State, Vars: in.Vars}

	rendered, err := t.renderer.RenderJSON(ctx, t.rawArgs, scope)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if err := json.Unmarshal(rendered, &args); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"plugin tool %q: rendered args are not valid JSON: %s", t.tool, err.Error()).WithCause(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = t.tool
	req.Params.Arguments = args

	res, err := t.caller.CallTool(callCtx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault,
			"plugin tool %q: %s", t.tool, err.Error()).WithCause(err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault,
			"plugin tool %q: %s", t.tool, text)
	}

	in.State.Result = text
	return &task.Output{State: in.State, Signal: schema.Continue()}, nil
}

// contentText concatenates the text parts of a tool result.
func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
