// Package state holds the mutable context threaded through a flow run:
// a snapshot of per-node outputs, an append-only conversation history,
// and the most recent task result.
package state

import "maps"

// Role tags a history entry with its conversational origin.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is a single role-tagged history line.
type Entry struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// State is the shared context a flow run threads through its nodes.
// Snapshot accumulates each completed node's output keyed by node label.
// History is append-only for the duration of a run. Result always holds
// the output of the most recently completed node.
type State struct {
	Snapshot map[string]string `json:"snapshot"`
	History  []Entry           `json:"history"`
	Result   string            `json:"result"`
}

// New returns an empty State ready for a run.
func New() *State {
	return &State{Snapshot: map[string]string{}}
}

// Clone deep-copies the state. Fan-out branches each execute over their
// own clone; writes on one branch never reach a sibling.
func (s *State) Clone() *State {
	c := &State{
		Snapshot: make(map[string]string, len(s.Snapshot)),
		History:  make([]Entry, len(s.History)),
		Result:   s.Result,
	}
	maps.Copy(c.Snapshot, s.Snapshot)
	copy(c.History, s.History)
	return c
}

// Append adds a history entry.
func (s *State) Append(role Role, text string) {
	s.History = append(s.History, Entry{Role: role, Text: text})
}

// Record stores a completed node's output under its label and sets Result.
func (s *State) Record(label, output string) {
	if s.Snapshot == nil {
		s.Snapshot = map[string]string{}
	}
	s.Snapshot[label] = output
	s.Result = output
}
