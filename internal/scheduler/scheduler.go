package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/runbookd/runbook/internal/engine"
	"github.com/runbookd/runbook/internal/store"
	"github.com/runbookd/runbook/pkg/schema"
)

// WorkflowSubmitter is the interface the scheduler uses to start executions.
// Satisfied by engine.Controller (avoids import cycle).
type WorkflowSubmitter interface {
	Submit(ctx context.Context, wf *schema.Workflow, opts engine.SubmitOptions) (*engine.Execution, error)
}

// Scheduler polls the store for due schedules and submits their workflows.
type Scheduler struct {
	store     store.Store
	submitter WorkflowSubmitter
	parser    cron.Parser
	interval  time.Duration
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing (dedup)
}

// NewScheduler creates a new Scheduler polling at the given interval.
// A zero interval defaults to 60 seconds.
func NewScheduler(s store.Store, submitter WorkflowSubmitter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		store:     s,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval:  interval,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
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

// tick checks all enabled schedules and fires those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		due, err := s.isDue(sched, now)
		if err != nil {
			s.logger.Error("invalid cron expression",
				slog.String("schedule_id", sched.ID),
				slog.String("cron", sched.CronExpr),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue // already firing (dedup)
		}
		if err := s.fire(ctx, sched); err != nil {
			s.logger.Error("failed to fire schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// isDue reports whether the schedule's cron expression has a fire time
// between its last run (or creation) and now.
func (s *Scheduler) isDue(sched *store.Schedule, now time.Time) (bool, error) {
	expr, err := s.parser.Parse(sched.CronExpr)
	if err != nil {
		return false, err
	}
	from := sched.CreatedAt
	if sched.LastRunAt != nil {
		from = *sched.LastRunAt
	}
	next := expr.Next(from)
	return !next.After(now), nil
}

// fire loads the schedule's workflow and submits it for execution.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule) error {
	record, err := s.store.GetWorkflow(ctx, sched.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %q: %w", sched.WorkflowID, err)
	}
	if !record.Enabled {
		s.logger.Info("skipping schedule for disabled workflow",
			slog.String("schedule_id", sched.ID),
			slog.String("workflow_id", sched.WorkflowID),
		)
		return s.store.TouchSchedule(ctx, sched.ID)
	}

	var wf schema.Workflow
	if err := json.Unmarshal(record.Source, &wf); err != nil {
		return fmt.Errorf("decode workflow %q: %w", sched.WorkflowID, err)
	}

	var variables map[string]any
	if len(sched.Variables) > 0 {
		if err := json.Unmarshal(sched.Variables, &variables); err != nil {
			return fmt.Errorf("decode schedule variables: %w", err)
		}
	}

	exec, err := s.submitter.Submit(ctx, &wf, engine.SubmitOptions{
		Variables: variables,
		Trigger:   "schedule",
	})
	if err != nil {
		// Mark the attempt so a full controller does not retry every tick.
		if touchErr := s.store.TouchSchedule(ctx, sched.ID); touchErr != nil {
			s.logger.Error("failed to touch schedule", slog.String("error", touchErr.Error()))
		}
		return fmt.Errorf("submit workflow %q: %w", wf.Name, err)
	}

	s.logger.Info("schedule fired",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow", wf.Name),
		slog.String("execution_id", exec.ID),
	)
	return s.store.TouchSchedule(ctx, sched.ID)
}

// tryAcquire returns true and marks the schedule in-flight if it is not already firing.
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

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	expr, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return expr.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
