package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Flows (versioned definitions)
	SaveFlow(ctx context.Context, flow *Flow) error
	GetFlow(ctx context.Context, name string, version int) (*Flow, error) // version 0 = latest
	ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error)
	DeleteFlow(ctx context.Context, name string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Secrets (encrypted blobs, see internal/secrets)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
