package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/pkg/schema"
)

const defaultCommandTimeout = 30 * time.Second

// CommandConfig is the host-level policy for the command task. An empty
// allowlist disables the task entirely: running arbitrary binaries is an
// opt-in capability, never a default.
type CommandConfig struct {
	AllowedBinaries []string
	DefaultTimeout  time.Duration
	MaxOutputSize   int64
}

func (c CommandConfig) withDefaults() CommandConfig {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultCommandTimeout
	}
	if c.MaxOutputSize <= 0 {
		c.MaxOutputSize = defaultMaxResponseBody
	}
	return c
}

// commandTask runs an allow-listed binary out of process. The current
// result streams in as stdin; stdout becomes the new result. No shell is
// involved and the process environment starts empty.
type commandTask struct {
	binary   string
	args     []string
	timeout  time.Duration
	limits   CommandConfig
	renderer *expressions.Renderer
}

func newCommandFactory(limits CommandConfig) Factory {
	limits = limits.withDefaults()
	return func(raw json.RawMessage, deps Deps) (Task, error) {
		var cfg struct {
			Binary  string   `json:"binary"`
			Args    []string `json:"args"`
			Timeout string   `json:"timeout"`
		}
		if err := decodeConfig("command", raw, &cfg); err != nil {
			return nil, err
		}
		if cfg.Binary == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "command: missing required config 'binary'")
		}
		if !slices.Contains(limits.AllowedBinaries, cfg.Binary) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"command: binary %q is not in the allowlist", cfg.Binary).
				WithDetails(map[string]any{"allowed": limits.AllowedBinaries})
		}
		timeout, err := parseDuration(cfg.Timeout, limits.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		return &commandTask{
			binary:   cfg.Binary,
			args:     cfg.Args,
			timeout:  timeout,
			limits:   limits,
			renderer: deps.Renderer,
		}, nil
	}
}

func (t *commandTask) Kind() string { return "command" }

func (t *commandTask) Execute(ctx context.Context, in Input) (*Output, error) {
	scope := expressions.TemplateScope{State: in.State, Vars: in.Vars}
	args := make([]string, 0, len(t.args))
	for _, a := range t.args {
		rendered, err := t.renderer.Render(ctx, a, scope)
		if err != nil {
			return nil, err
		}
		args = append(args, rendered)
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, t.binary, args...)
	cmd.Env = []string{}
	cmd.Stdin = strings.NewReader(in.State.Result)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: t.limits.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: t.limits.MaxOutputSize}

	if err := cmd.Run(); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"command: %q killed after %s", t.binary, t.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeTaskFault,
				"command: %q exited %d", t.binary, exitErr.ExitCode()).
				WithDetails(map[string]any{"stderr": truncate(stderr.String(), 512)})
		}
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "command: %s", err.Error()).WithCause(err)
	}

	in.State.Result = strings.TrimRight(stdout.String(), "\n")
	return ok(in.State), nil
}

// limitedWriter discards bytes beyond the limit while reporting the full
// write as consumed, so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
