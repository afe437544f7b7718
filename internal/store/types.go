package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/chartflow/pkg/schema"
)

// Flow is a stored, versioned flowchart definition.
type Flow struct {
	Name        string                `json:"name"`
	Version     int                   `json:"version"`
	Description string                `json:"description,omitempty"`
	Definition  schema.FlowDefinition `json:"definition"`
	ClientID    string                `json:"client_id,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Run is the persisted record of one flow execution.
type Run struct {
	ID           string           `json:"id"`
	FlowName     string           `json:"flow_name,omitempty"`
	FlowVersion  int              `json:"flow_version,omitempty"`
	Status       schema.RunStatus `json:"status"`
	ClientID     string           `json:"client_id,omitempty"`
	TerminalNode string           `json:"terminal_node,omitempty"`
	FinalState   json.RawMessage  `json:"final_state,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
	Prompt       string           `json:"prompt,omitempty"`      // pending input prompt while suspended
	PausedNode   string           `json:"paused_node,omitempty"` // node waiting for input while suspended
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Event is an immutable entry in the per-run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Schedule is a cron-triggered run of a stored flow.
type Schedule struct {
	ID            string            `json:"id"`
	FlowName      string            `json:"flow_name"`
	FlowVersion   int               `json:"flow_version,omitempty"`
	Cron          string            `json:"cron"`
	Vars          map[string]string `json:"vars,omitempty"`
	Enabled       bool              `json:"enabled"`
	LastRunAt     *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time        `json:"next_run_at,omitempty"`
	LastRunStatus string            `json:"last_run_status,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// --- Filter and update types ---

// FlowFilter specifies criteria for listing stored flows.
type FlowFilter struct {
	Name     string `json:"name,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   *schema.RunStatus `json:"status,omitempty"`
	FlowName string            `json:"flow_name,omitempty"`
	ClientID string            `json:"client_id,omitempty"`
	Since    *time.Time        `json:"since,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields stay untouched.
type RunUpdate struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	TerminalNode *string           `json:"terminal_node,omitempty"`
	FinalState   json.RawMessage   `json:"final_state,omitempty"`
	Error        json.RawMessage   `json:"error,omitempty"`
	Prompt       *string           `json:"prompt,omitempty"`
	PausedNode   *string           `json:"paused_node,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	NodeID string     `json:"node_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	FlowName string `json:"flow_name,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
