// Package plugins connects external MCP tool servers and exposes their
// tools as task kinds. Each provider owns one subprocess; its tools
// register under "plugin.<provider>.<tool>".
package plugins

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/chartflow/internal/task"
	"github.com/rendis/chartflow/pkg/schema"
)

// Config describes how to launch and identify an MCP tool server.
type Config struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// toolCaller is the slice of the MCP client a tool task uses.
type toolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Provider wraps one MCP server subprocess.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *mcpclient.Client
	tools  []mcp.Tool
}

// NewProvider creates a disconnected Provider.
func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	return &Provider{cfg: cfg, logger: logger}
}

// Name returns the provider name used as the task kind prefix.
func (p *Provider) Name() string { return p.cfg.Name }

// Connect launches the subprocess, performs the MCP handshake, and lists
// the server's tools.
func (p *Provider) Connect(ctx context.Context) error {
	c, err := mcpclient.NewStdioMCPClient(p.cfg.Command, p.cfg.Env, p.cfg.Args...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTaskUnavailable,
			"plugin %q: launch %q: %s", p.cfg.Name, p.cfg.Command, err.Error()).WithCause(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "chartflow", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return schema.NewErrorf(schema.ErrCodeTaskUnavailable,
			"plugin %q: handshake: %s", p.cfg.Name, err.Error()).WithCause(err)
	}

	toolsRes, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return schema.NewErrorf(schema.ErrCodeTaskUnavailable,
			"plugin %q: list tools: %s", p.cfg.Name, err.Error()).WithCause(err)
	}

	p.mu.Lock()
	p.client = c
	p.tools = toolsRes.Tools
	p.mu.Unlock()

	p.logger.Info("plugin connected",
		slog.String("plugin", p.cfg.Name),
		slog.Int("tools", len(toolsRes.Tools)),
	)
	return nil
}

// Tools returns the discovered tool list.
func (p *Provider) Tools() []mcp.Tool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tools
}

// Factories maps each discovered tool to a task factory. Keys are bare
// tool names; Registry.RegisterProvider adds the provider prefix.
func (p *Provider) Factories() map[string]task.Factory {
	p.mu.Lock()
	tools := p.tools
	p.mu.Unlock()

	factories := make(map[string]task.Factory, len(tools))
	for _, tool := range tools {
		factories[tool.Name] = newToolFactory(p, tool)
	}
	return factories
}

// CallTool forwards a tool invocation to the connected server.
func (p *Provider) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()

	if c == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskUnavailable, "plugin %q not connected", p.cfg.Name)
	}
	return c.CallTool(ctx, req)
}

// Close terminates the subprocess.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// Manager connects configured providers and registers their tools.
type Manager struct {
	registry *task.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	providers map[string]*Provider
}

// NewManager creates an empty Manager.
func NewManager(registry *task.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		registry:  registry,
		logger:    logger,
		providers: make(map[string]*Provider),
	}
}

// Load connects one provider and registers its tools as task kinds.
func (m *Manager) Load(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	if _, exists := m.providers[cfg.Name]; exists {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", cfg.Name)
	}
	m.mu.Unlock()

	p := NewProvider(cfg, m.logger)
	if err := p.Connect(ctx); err != nil {
		return err
	}
	return m.register(p)
}

// register publishes a connected provider's tools into the task registry.
func (m *Manager) register(p *Provider) error {
	count, err := m.registry.RegisterProvider("plugin."+p.Name(), p.Factories())
	if err != nil {
		_ = p.Close()
		return err
	}

	m.mu.Lock()
	m.providers[p.Name()] = p
	m.mu.Unlock()

	m.logger.Info("plugin tools registered",
		slog.String("plugin", p.Name()),
		slog.Int("count", count),
	)
	return nil
}

// ToolSchemas returns each provider's tools with their input schemas,
// keyed by fully-qualified task kind.
func (m *Manager) ToolSchemas() map[string]json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]json.RawMessage)
	for name, p := range m.providers {
		for _, tool := range p.Tools() {
			raw, err := json.Marshal(tool.InputSchema)
			if err != nil {
				continue
			}
			out["plugin."+name+"."+tool.Name] = raw
		}
	}
	return out
}

// Close shuts down every provider. The last error wins.
func (m *Manager) Close() error {
	m.mu.Lock()
	providers := make([]*Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.providers = make(map[string]*Provider)
	m.mu.Unlock()

	var lastErr error
	for _, p := range providers {
		if err := p.Close(); err != nil {
			lastErr = err
			m.logger.Error("failed to close plugin",
				slog.String("plugin", p.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
	return lastErr
}
