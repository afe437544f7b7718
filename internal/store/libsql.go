package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chartflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Flows ---

// SaveFlow stores a new version of a flow. The caller sets Version; use
// NextFlowVersion to allocate one.
func (s *LibSQLStore) SaveFlow(ctx context.Context, flow *Flow) error {
	def, err := json.Marshal(flow.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flows (name, version, description, definition, client_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		flow.Name, flow.Version, nullStr(flow.Description), string(def),
		nullStr(flow.ClientID), timeOrNow(flow.CreatedAt),
	)
	return err
}

// NextFlowVersion returns the next free version number for a flow name.
func (s *LibSQLStore) NextFlowVersion(ctx context.Context, name string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM flows WHERE name = ?`, name,
	).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *LibSQLStore) GetFlow(ctx context.Context, name string, version int) (*Flow, error) {
	query := `SELECT name, version, description, definition, client_id, created_at
		 FROM flows WHERE name = ?`
	args := []any{name}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	f := &Flow{}
	var desc, clientID sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&f.Name, &f.Version, &desc, &defJSON, &clientID, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", name)
	}
	if err != nil {
		return nil, err
	}
	f.Description = desc.String
	f.ClientID = clientID.String
	if err := json.Unmarshal([]byte(defJSON), &f.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return f, nil
}

func (s *LibSQLStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}

	query := `SELECT name, version, description, definition, client_id, created_at FROM flows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f := &Flow{}
		var desc, clientID sql.NullString
		var defJSON string
		if err := rows.Scan(&f.Name, &f.Version, &desc, &defJSON, &clientID, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Description = desc.String
		f.ClientID = clientID.String
		if err := json.Unmarshal([]byte(defJSON), &f.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// DeleteFlow removes every version of a flow.
func (s *LibSQLStore) DeleteFlow(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", name)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, flow_name, flow_version, status, client_id, terminal_node, final_state, error, prompt, paused_node, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.FlowName), run.FlowVersion, string(run.Status), nullStr(run.ClientID),
		nullStr(run.TerminalNode), nullRaw(run.FinalState), nullRaw(run.Error),
		nullStr(run.Prompt), nullStr(run.PausedNode),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		flowName, clientID, terminalNode, prompt, pausedNode sql.NullString
		finalState, errJSON                                  sql.NullString
		startedAt, completedAt                               sql.NullTime
		status                                               string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_name, flow_version, status, client_id, terminal_node, final_state, error, prompt, paused_node, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &flowName, &run.FlowVersion, &status, &clientID, &terminalNode,
		&finalState, &errJSON, &prompt, &pausedNode, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.FlowName = flowName.String
	run.ClientID = clientID.String
	run.TerminalNode = terminalNode.String
	run.Prompt = prompt.String
	run.PausedNode = pausedNode.String
	run.Status = schema.RunStatus(status)
	run.FinalState = rawOrNil(finalState)
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.TerminalNode != nil {
		sets = append(sets, "terminal_node = ?")
		args = append(args, *update.TerminalNode)
	}
	if update.FinalState != nil {
		sets = append(sets, "final_state = ?")
		args = append(args, string(update.FinalState))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Prompt != nil {
		sets = append(sets, "prompt = ?")
		args = append(args, *update.Prompt)
	}
	if update.PausedNode != nil {
		sets = append(sets, "paused_node = ?")
		args = append(args, *update.PausedNode)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.FlowName != "" {
		where = append(where, "flow_name = ?")
		args = append(args, filter.FlowName)
	}
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, flow_name, flow_version, status, client_id, terminal_node, final_state, error, prompt, paused_node, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			flowName, clientID, terminalNode, prompt, pausedNode sql.NullString
			finalState, errJSON                                  sql.NullString
			startedAt, completedAt                               sql.NullTime
			status                                               string
		)
		if err := rows.Scan(&run.ID, &flowName, &run.FlowVersion, &status, &clientID, &terminalNode,
			&finalState, &errJSON, &prompt, &pausedNode, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.FlowName = flowName.String
		run.ClientID = clientID.String
		run.TerminalNode = terminalNode.String
		run.Prompt = prompt.String
		run.PausedNode = pausedNode.String
		run.Status = schema.RunStatus(status)
		run.FinalState = rawOrNil(finalState)
		run.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, node_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	vars, err := marshalMapOrDefault(sched.Vars)
	if err != nil {
		return fmt.Errorf("marshal schedule vars: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, flow_name, flow_version, cron, vars, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.FlowName, sched.FlowVersion, sched.Cron, string(vars),
		sched.Enabled, nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched := &Schedule{}
	var varsJSON string
	var lastRunStatus sql.NullString
	var lastRunAt, nextRunAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_name, flow_version, cron, vars, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM schedules WHERE id = ?`, id,
	).Scan(&sched.ID, &sched.FlowName, &sched.FlowVersion, &sched.Cron, &varsJSON,
		&sched.Enabled, &lastRunAt, &nextRunAt, &lastRunStatus, &sched.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	if varsJSON != "" {
		_ = json.Unmarshal([]byte(varsJSON), &sched.Vars)
	}
	sched.LastRunStatus = lastRunStatus.String
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sched.NextRunAt = &nextRunAt.Time
	}
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.FlowName != "" {
		where = append(where, "flow_name = ?")
		args = append(args, filter.FlowName)
	}

	query := `SELECT id, flow_name, flow_version, cron, vars, enabled, last_run_at, next_run_at, last_run_status, created_at FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var varsJSON string
		var lastRunStatus sql.NullString
		var lastRunAt, nextRunAt sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.FlowName, &sched.FlowVersion, &sched.Cron, &varsJSON,
			&sched.Enabled, &lastRunAt, &nextRunAt, &lastRunStatus, &sched.CreatedAt); err != nil {
			return nil, err
		}
		if varsJSON != "" {
			_ = json.Unmarshal([]byte(varsJSON), &sched.Vars)
		}
		sched.LastRunStatus = lastRunStatus.String
		if lastRunAt.Valid {
			sched.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			sched.NextRunAt = &nextRunAt.Time
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]string) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
