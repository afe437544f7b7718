package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig caps the http.request task.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client // override for tests
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultHTTPTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return c
}

type httpTaskConfig struct {
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers"`
	Body              string            `json:"body"`
	Timeout           string            `json:"timeout"`
	FailOnErrorStatus bool              `json:"fail_on_error_status"`
}

// httpTask performs one HTTP exchange. URL, headers and body are templates
// rendered at execute time; the response body becomes the result.
type httpTask struct {
	cfg      httpTaskConfig
	limits   HTTPConfig
	timeout  time.Duration
	renderer *expressions.Renderer
}

func newHTTPFactory(limits HTTPConfig) Factory {
	limits = limits.withDefaults()
	return func(raw json.RawMessage, deps Deps) (Task, error) {
		cfg := httpTaskConfig{Method: http.MethodGet}
		if err := decodeConfig("http.request", raw, &cfg); err != nil {
			return nil, err
		}
		if cfg.URL == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "http.request: missing required config 'url'")
		}
		timeout, err := parseDuration(cfg.Timeout, limits.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		cfg.Method = strings.ToUpper(cfg.Method)
		return &httpTask{cfg: cfg, limits: limits, timeout: timeout, renderer: deps.Renderer}, nil
	}
}

func (t *httpTask) Kind() string { return "http.request" }

func (t *httpTask) Execute(ctx context.Context, in Input) (*Output, error) {
	scope := expressions.TemplateScope{State: in.State, Vars: in.Vars}

	rawURL, err := t.renderer.Render(ctx, t.cfg.URL, scope)
	if err != nil {
		return nil, err
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "http.request: invalid url %q", rawURL)
	}

	var bodyReader io.Reader
	if t.cfg.Body != "" {
		body, err := t.renderer.Render(ctx, t.cfg.Body, scope)
		if err != nil {
			return nil, err
		}
		bodyReader = strings.NewReader(body)
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, t.cfg.Method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "http.request: build request: %s", err.Error()).WithCause(err)
	}
	for k, v := range t.cfg.Headers {
		rendered, err := t.renderer.Render(ctx, v, scope)
		if err != nil {
			return nil, err
		}
		req.Header.Set(k, rendered)
	}

	resp, err := t.limits.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "http.request: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.limits.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "http.request: read response: %s", err.Error()).WithCause(err)
	}

	if t.cfg.FailOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault,
			"http.request: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"body":        truncate(string(body), 512),
			})
	}

	in.State.Result = string(body)
	return ok(in.State), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
