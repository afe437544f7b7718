package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes run notifications to connected clients.
type Notifier interface {
	Notify(ctx context.Context, runID string, payload map[string]any) error
}

// MCPNotifier pushes notifications over the MCP session that started
// the run. Best-effort: a disconnected client is not an error.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to the server's sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notifications/message to the run's session.
func (n *MCPNotifier) Notify(_ context.Context, runID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.RemoveSession(sessionID)
		return nil
	}
	return err
}
