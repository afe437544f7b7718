// Package scheduler starts stored flows on cron schedules. Scheduled runs
// have no operator attached, so a run that suspends for input is aborted.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/chartflow/internal/engine"
	"github.com/rendis/chartflow/internal/store"
	"github.com/rendis/chartflow/pkg/schema"
)

const (
	tickInterval  = 60 * time.Second
	watchInterval = 500 * time.Millisecond
)

// FlowStarter is the slice of the executor the scheduler drives.
type FlowStarter interface {
	Start(ctx context.Context, def *schema.FlowDefinition, opts engine.RunOptions) (string, error)
	Status(ctx context.Context, runID string) (*store.Run, error)
	Abort(ctx context.Context, runID, reason string) error
}

// Scheduler polls the store for due schedules and starts their flows.
type Scheduler struct {
	store   store.Store
	starter FlowStarter
	parser  cron.Parser
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runs   sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing
}

// NewScheduler creates a Scheduler. Schedules use the standard five-field
// cron syntax (minute granularity).
func NewScheduler(s store.Store, starter FlowStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

// Start launches the polling loop. The first tick fires immediately, which
// also catches schedules that came due while the process was down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop halts polling and waits for in-flight scheduled runs to settle.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.runs.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled schedule that is due. Each due schedule runs
// on its own goroutine so a long flow cannot stall the rest.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	scheds, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	for _, sched := range scheds {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue // previous fire still running
		}

		s.runs.Add(1)
		go func(sched *store.Schedule) {
			defer s.runs.Done()
			defer s.release(sched.ID)
			s.fire(ctx, sched, now)
		}(sched)
	}
}

// fire starts one scheduled run, watches it to a terminal status, and
// records the outcome on the schedule.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	log := s.logger.With(
		slog.String("schedule_id", sched.ID),
		slog.String("flow", sched.FlowName),
	)

	flow, err := s.store.GetFlow(ctx, sched.FlowName, sched.FlowVersion)
	if err != nil {
		log.Error("scheduled flow not found", slog.String("error", err.Error()))
		s.record(ctx, sched, now, "error")
		return
	}

	runID, err := s.starter.Start(ctx, &flow.Definition, engine.RunOptions{
		Vars: sched.Vars,
	})
	if err != nil {
		log.Error("failed to start scheduled run", slog.String("error", err.Error()))
		s.record(ctx, sched, now, "error")
		return
	}
	log.Info("scheduled run started", slog.String("run_id", runID))

	payload, _ := json.Marshal(map[string]any{
		"schedule_id": sched.ID,
		"flow":        sched.FlowName,
		"cron":        sched.Cron,
	})
	if err := s.store.AppendEvent(ctx, &store.Event{
		RunID:     runID,
		Type:      schema.EventFlowScheduled,
		Payload:   payload,
		Timestamp: now,
	}); err != nil {
		log.Warn("failed to record schedule event", slog.String("error", err.Error()))
	}

	s.record(ctx, sched, now, s.watch(ctx, runID, log))
}

// watch polls the run until it reaches a terminal status. A suspension is
// aborted immediately: nobody is attached to a scheduled run to answer.
func (s *Scheduler) watch(ctx context.Context, runID string, log *slog.Logger) string {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "error"
		case <-ticker.C:
		}

		rec, err := s.starter.Status(ctx, runID)
		if err != nil {
			// The run record appears once the async start persists it.
			if schema.HasCode(err, schema.ErrCodeNotFound) {
				continue
			}
			log.Error("failed to poll scheduled run", slog.String("error", err.Error()))
			return "error"
		}

		switch rec.Status {
		case schema.RunStatusCompleted:
			return "success"
		case schema.RunStatusAborted:
			return "error"
		case schema.RunStatusSuspended:
			log.Warn("scheduled run requested input, aborting", slog.String("run_id", runID))
			if err := s.starter.Abort(ctx, runID, "scheduled runs cannot accept input"); err != nil {
				log.Error("failed to abort suspended scheduled run", slog.String("error", err.Error()))
				return "error"
			}
		}
	}
}

// record stamps the outcome and the next fire time on the schedule.
func (s *Scheduler) record(ctx context.Context, sched *store.Schedule, now time.Time, status string) {
	next, err := s.NextRun(sched.Cron, now)
	if err != nil {
		s.logger.Error("failed to compute next run",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	}); err != nil {
		s.logger.Error("failed to update schedule",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
