package mcp

import "sync"

// SessionRegistry maps run IDs to the MCP session that started the run.
// Input prompts for a suspended run are pushed to that session.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // runID -> sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a run with a session.
func (r *SessionRegistry) Register(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[runID] = sessionID
}

// SessionFor returns the session that started the run, if any.
func (r *SessionRegistry) SessionFor(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[runID]
	return sid, ok
}

// Release drops one run mapping, once the run is terminal.
func (r *SessionRegistry) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, runID)
}

// RemoveSession drops every run mapped to a disconnected session.
func (r *SessionRegistry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, runID)
		}
	}
}
