package task

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/pkg/schema"
)

const defaultMaxFileSize = 10 * 1024 * 1024 // 10MB

// FileConfig restricts the file tasks to a directory subtree and caps sizes.
type FileConfig struct {
	BaseDir     string // when set, all paths must resolve inside it
	MaxFileSize int64
}

func (c FileConfig) withDefaults() FileConfig {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	return c
}

// resolvePath normalizes a path and enforces the base-dir boundary.
func (c FileConfig) resolvePath(kind, path string) (string, error) {
	if path == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: empty path", kind)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid path %q", kind, path).WithCause(err)
	}
	if c.BaseDir != "" {
		base, err := filepath.Abs(c.BaseDir)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid base dir %q", kind, c.BaseDir).WithCause(err)
		}
		if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"%s: path %q escapes the allowed directory", kind, path)
		}
	}
	return abs, nil
}

// fileReadTask reads a file into the result. The path is a template, so
// upstream nodes can compute it.
type fileReadTask struct {
	path     string
	cfg      FileConfig
	renderer *expressions.Renderer
}

func newFileReadFactory(cfg FileConfig) Factory {
	cfg = cfg.withDefaults()
	return func(raw json.RawMessage, deps Deps) (Task, error) {
		var c struct {
			Path string `json:"path"`
		}
		if err := decodeConfig("file.read", raw, &c); err != nil {
			return nil, err
		}
		if c.Path == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "file.read: missing required config 'path'")
		}
		return &fileReadTask{path: c.Path, cfg: cfg, renderer: deps.Renderer}, nil
	}
}

func (t *fileReadTask) Kind() string { return "file.read" }

func (t *fileReadTask) Execute(ctx context.Context, in Input) (*Output, error) {
	path, err := t.renderer.Render(ctx, t.path, expressions.TemplateScope{State: in.State, Vars: in.Vars})
	if err != nil {
		return nil, err
	}
	abs, err := t.cfg.resolvePath("file.read", path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "file.read: stat %q: %s", path, err.Error()).WithCause(err)
	}
	if info.Size() > t.cfg.MaxFileSize {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault,
			"file.read: %q is %d bytes, limit is %d", path, info.Size(), t.cfg.MaxFileSize)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "file.read: %q: %s", path, err.Error()).WithCause(err)
	}
	in.State.Result = string(data)
	return ok(in.State), nil
}

// fileWriteTask writes rendered content to a file. The result passes
// through unchanged so a write can sit in the middle of a chain.
type fileWriteTask struct {
	path     string
	content  string
	appendTo bool
	cfg      FileConfig
	renderer *expressions.Renderer
}

func newFileWriteFactory(cfg FileConfig) Factory {
	cfg = cfg.withDefaults()
	return func(raw json.RawMessage, deps Deps) (Task, error) {
		c := struct {
			Path    string `json:"path"`
			Content string `json:"content"`
			Append  bool   `json:"append"`
		}{Content: "${{result}}"}
		if err := decodeConfig("file.write", raw, &c); err != nil {
			return nil, err
		}
		if c.Path == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "file.write: missing required config 'path'")
		}
		return &fileWriteTask{path: c.Path, content: c.Content, appendTo: c.Append, cfg: cfg, renderer: deps.Renderer}, nil
	}
}

func (t *fileWriteTask) Kind() string { return "file.write" }

func (t *fileWriteTask) Execute(ctx context.Context, in Input) (*Output, error) {
	scope := expressions.TemplateScope{State: in.State, Vars: in.Vars}
	path, err := t.renderer.Render(ctx, t.path, scope)
	if err != nil {
		return nil, err
	}
	abs, err := t.cfg.resolvePath("file.write", path)
	if err != nil {
		return nil, err
	}
	content, err := t.renderer.Render(ctx, t.content, scope)
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > t.cfg.MaxFileSize {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault,
			"file.write: content is %d bytes, limit is %d", len(content), t.cfg.MaxFileSize)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if t.appendTo {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "file.write: open %q: %s", path, err.Error()).WithCause(err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "file.write: %q: %s", path, err.Error()).WithCause(err)
	}
	return ok(in.State), nil
}
