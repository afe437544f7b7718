package store

import (
	"context"
	"fmt"
	"time"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
// It exists to serialize sequence allocation: the executor appends from
// several goroutines during fan-out, and the per-run sequence must stay
// gapless and monotonic.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction. A
	// write-intent statement forces lock acquisition up front so two
	// appenders cannot both read the same MAX(sequence).
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// LastSequence returns the highest sequence recorded for a run, 0 if none.
func (el *EventLog) LastSequence(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := el.store.DB().QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get last sequence: %w", err)
	}
	return seq, nil
}
