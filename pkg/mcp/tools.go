package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chartflow/internal/diagram"
	"github.com/rendis/chartflow/internal/engine"
	"github.com/rendis/chartflow/internal/store"
	"github.com/rendis/chartflow/pkg/schema"
)

// handleDefine validates and stores a flow definition, auto-versioned.
func (s *ChartflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errRes := parseDefinition(req, "definition")
	if errRes != nil {
		return errRes, nil
	}

	name := req.GetString("name", def.Name)
	if name == "" {
		return mcp.NewToolResultError("name is required (argument or definition.name)"), nil
	}
	def.Name = name

	result := s.validator.Validate(def)
	if !result.Valid() {
		return marshalResult(map[string]any{
			"valid":  false,
			"issues": result.Issues,
		})
	}

	version, err := s.nextFlowVersion(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("version lookup failed: %v", err)), nil
	}

	flow := &store.Flow{
		Name:        name,
		Version:     version,
		Description: req.GetString("description", ""),
		Definition:  *def,
		ClientID:    req.GetString("client_id", ""),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveFlow(ctx, flow); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store flow: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"name":     name,
		"version":  version,
		"warnings": result.Warnings(),
	})
}

// handleRun executes a flow, inline or stored. With detach=true the run
// starts in the background and only the run ID is returned.
func (s *ChartflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def *schema.FlowDefinition

	if flowName := req.GetString("flow", ""); flowName != "" {
		stored, err := s.store.GetFlow(ctx, flowName, req.GetInt("version", 0))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("flow lookup failed: %v", err)), nil
		}
		def = &stored.Definition
	} else {
		var errRes *mcp.CallToolResult
		def, errRes = parseDefinition(req, "definition")
		if errRes != nil {
			return mcp.NewToolResultError("either 'flow' or 'definition' is required"), nil
		}
		if result := s.validator.Validate(def); !result.Valid() {
			return marshalResult(map[string]any{
				"valid":  false,
				"issues": result.Issues,
			})
		}
	}

	opts := engine.RunOptions{
		RunID:    uuid.New().String(),
		ClientID: req.GetString("client_id", ""),
		Vars:     stringMap(mcp.ParseStringMap(req, "vars", nil)),
	}

	// Map the run to this session so suspension prompts reach the caller.
	s.captureSession(ctx, opts.RunID)

	if req.GetBool("detach", false) {
		runID, err := s.engine.Start(ctx, def, opts)
		if err != nil {
			s.sessions.Release(opts.RunID)
			return mcp.NewToolResultError(fmt.Sprintf("failed to start run: %v", err)), nil
		}
		return marshalResult(map[string]any{
			"run_id":   runID,
			"detached": true,
		})
	}

	result, err := s.engine.Run(ctx, def, opts)
	s.sessions.Release(opts.RunID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	return marshalResult(result)
}

// handleResume answers a suspended run's prompt with raw input.
func (s *ChartflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	input, err := req.RequireString("input")
	if err != nil {
		return mcp.NewToolResultError("input is required"), nil
	}

	if resumeErr := s.engine.Resume(ctx, runID, input); resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
	})
}

// handleAbort stops a run.
func (s *ChartflowServer) handleAbort(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "aborted by client")

	if abortErr := s.engine.Abort(ctx, runID, reason); abortErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("abort failed: %v", abortErr)), nil
	}
	s.sessions.Release(runID)

	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"reason": reason,
	})
}

// handleStatus returns the run record, including the pending prompt when
// the run is suspended.
func (s *ChartflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	rec, statusErr := s.engine.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(rec)
}

// handleQuery lists flows, runs, or events.
func (s *ChartflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "flows":
		return s.queryFlows(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *ChartflowServer) queryFlows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ff := store.FlowFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if name, ok := filter["name"].(string); ok {
		ff.Name = name
	}
	if clientID, ok := filter["client_id"].(string); ok {
		ff.ClientID = clientID
	}

	flows, err := s.store.ListFlows(ctx, ff)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"flows": flows})
}

func (s *ChartflowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if flowName, ok := filter["flow"].(string); ok {
		rf.FlowName = flowName
	}
	if clientID, ok := filter["client_id"].(string); ok {
		rf.ClientID = clientID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *ChartflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if nodeID, ok := filter["node_id"].(string); ok {
		ef.NodeID = nodeID
	}
	eventType, _ := filter["event_type"].(string)

	if eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.RunID, int64(extractInt(filter, "since_seq", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleDiagram renders a mermaid chart of a stored flow or of a run,
// with the run's status overlay.
func (s *ChartflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowName := req.GetString("flow", "")
	runID := req.GetString("run_id", "")
	if flowName == "" && runID == "" {
		return mcp.NewToolResultError("either 'flow' or 'run_id' is required"), nil
	}

	var def *schema.FlowDefinition
	var events []*store.Event

	if runID != "" {
		rec, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", err)), nil
		}
		if rec.FlowName == "" {
			return mcp.NewToolResultError("run was started from an inline definition; pass 'flow' to diagram it"), nil
		}
		stored, err := s.store.GetFlow(ctx, rec.FlowName, rec.FlowVersion)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("flow lookup failed: %v", err)), nil
		}
		def = &stored.Definition

		if req.GetBool("include_status", true) {
			if evs, err := s.store.GetEvents(ctx, runID, 0); err == nil {
				events = evs
			}
		}
	} else {
		stored, err := s.store.GetFlow(ctx, flowName, req.GetInt("version", 0))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("flow lookup failed: %v", err)), nil
		}
		def = &stored.Definition
	}

	return mcp.NewToolResultText(diagram.RenderMermaid(diagram.Build(def, events))), nil
}

// --- Internal helpers ---

// parseDefinition decodes an object argument into a FlowDefinition.
func parseDefinition(req mcp.CallToolRequest, key string) (*schema.FlowDefinition, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, key, nil)
	if raw == nil {
		return nil, mcp.NewToolResultError(key + " is required")
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid %s: %v", key, err))
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid %s: %v", key, err))
	}
	return &def, nil
}

// nextFlowVersion finds the next free version number for a flow name.
func (s *ChartflowServer) nextFlowVersion(ctx context.Context, name string) (int, error) {
	flows, err := s.store.ListFlows(ctx, store.FlowFilter{Name: name})
	if err != nil {
		return 0, err
	}
	maxVer := 0
	for _, f := range flows {
		if f.Version > maxVer {
			maxVer = f.Version
		}
	}
	return maxVer + 1, nil
}

// captureSession maps a run to the caller's MCP session.
func (s *ChartflowServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// stringMap narrows an object argument to string values.
func stringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			if data, err := json.Marshal(val); err == nil {
				out[k] = string(data)
			}
		}
	}
	return out
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flow.define",
		mcp.WithDescription("Validate and store a flow definition. Versions are assigned automatically (1, 2, ...)"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Flow definition object (nodes, edges, vars)")),
		mcp.WithString("name", mcp.Description("Flow name (default: definition.name)")),
		mcp.WithString("description", mcp.Description("Human-readable description")),
		mcp.WithString("client_id", mcp.Description("ID of the defining client")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Execute a flow. Pass 'flow' to run a stored definition or 'definition' to run inline. Blocks until the run finishes unless detach=true"),
		mcp.WithString("flow", mcp.Description("Stored flow name")),
		mcp.WithNumber("version", mcp.Description("Stored flow version (default: latest)")),
		mcp.WithObject("definition", mcp.Description("Inline flow definition (alternative to 'flow')")),
		mcp.WithObject("vars", mcp.Description("Run variables, merged over the definition's vars")),
		mcp.WithBoolean("detach", mcp.Description("Return immediately with the run ID (default: false)")),
		mcp.WithString("client_id", mcp.Description("ID of the calling client")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("flow.resume",
		mcp.WithDescription("Answer a suspended run's prompt. The input string becomes the paused node's result and the run continues"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the suspended run")),
		mcp.WithString("input", mcp.Required(), mcp.Description("Raw input text for the pending prompt")),
	)
}

func abortTool() mcp.Tool {
	return mcp.NewTool("flow.abort",
		mcp.WithDescription("Stop a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to abort")),
		mcp.WithString("reason", mcp.Description("Abort reason recorded on the run")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get a run's record: status, final state, error, and the pending prompt when suspended"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flow.query",
		mcp.WithDescription("List flows, runs, or run events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("flows", "runs", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (name, flow, status, client_id, since, limit, run_id, node_id, event_type)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Render a mermaid flowchart of a stored flow, or of a run with its status overlay"),
		mcp.WithString("flow", mcp.Description("Stored flow name")),
		mcp.WithNumber("version", mcp.Description("Stored flow version (default: latest)")),
		mcp.WithString("run_id", mcp.Description("Run to diagram with per-node status")),
		mcp.WithBoolean("include_status", mcp.Description("Overlay run status (default: true for run_id)")),
	)
}
