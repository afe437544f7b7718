// Package mcp exposes the flow engine over the Model Context Protocol.
// Clients define, run and steer flows through seven tools; prompts from
// suspended runs are pushed back to the session that started the run.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chartflow/internal/engine"
	"github.com/rendis/chartflow/internal/store"
	"github.com/rendis/chartflow/internal/streaming"
	"github.com/rendis/chartflow/pkg/schema"
)

// FlowEngine is the slice of the executor the tools drive.
type FlowEngine interface {
	Run(ctx context.Context, def *schema.FlowDefinition, opts engine.RunOptions) (*engine.RunResult, error)
	Start(ctx context.Context, def *schema.FlowDefinition, opts engine.RunOptions) (string, error)
	Resume(ctx context.Context, runID, input string) error
	Abort(ctx context.Context, runID, reason string) error
	Status(ctx context.Context, runID string) (*store.Run, error)
}

// DefinitionValidator checks a flow definition before it is stored or run.
type DefinitionValidator interface {
	Validate(def *schema.FlowDefinition) *schema.ValidationResult
}

// ChartflowServerDeps holds the dependencies for a ChartflowServer.
type ChartflowServerDeps struct {
	Engine    FlowEngine
	Store     store.Store
	Validator DefinitionValidator
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// ChartflowServer wraps an MCP server with flow tool handlers.
type ChartflowServer struct {
	engine    FlowEngine
	store     store.Store
	validator DefinitionValidator
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewChartflowServer creates a ChartflowServer with all tools registered.
func NewChartflowServer(deps ChartflowServerDeps) *ChartflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ChartflowServer{
		engine:    deps.Engine,
		store:     deps.Store,
		validator: deps.Validator,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"chartflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Chartflow executes visual-flowchart graphs. Use flow.define to store a flow, flow.run to execute one (inline or stored), flow.resume to answer a suspended run's prompt, flow.abort to stop a run, flow.status to inspect progress, flow.query to list flows/runs/events, and flow.diagram to render a mermaid chart."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *ChartflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *ChartflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// StartNotifications subscribes to suspension prompts and pushes each to
// the session that started the run. Returns once the subscription is
// live; delivery continues until ctx ends.
func (s *ChartflowServer) StartNotifications(ctx context.Context) error {
	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventInputRequested},
	})
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload := map[string]any{
					"type":    "input_requested",
					"run_id":  ev.RunID,
					"node_id": ev.NodeID,
					"payload": ev.Payload,
				}
				if err := s.notifier.Notify(ctx, ev.RunID, payload); err != nil {
					s.logger.Warn("failed to push prompt notification",
						slog.String("run_id", ev.RunID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
	return nil
}

// tools returns the seven registered tools with their handlers.
func (s *ChartflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: abortTool(), Handler: s.handleAbort},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}
