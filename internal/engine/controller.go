package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runbookd/runbook/internal/logging"
	"github.com/runbookd/runbook/internal/permissions"
	"github.com/runbookd/runbook/internal/streaming"
	"github.com/runbookd/runbook/internal/vars"
	"github.com/runbookd/runbook/pkg/schema"
)

const (
	// DefaultMaxConcurrent bounds simultaneously running executions.
	DefaultMaxConcurrent = 5
	// DefaultTimeout is the execution timeout budget applied when a
	// submission does not carry its own.
	DefaultTimeout = 30 * time.Minute
)

// Config holds controller tuning knobs. Zero values fall back to defaults.
type Config struct {
	MaxConcurrent     int
	DefaultTimeout    time.Duration
	HistorySize       int
	MaxLoopIterations int
}

// Stats is a point-in-time summary of controller activity.
type Stats struct {
	Active      int   `json:"active"`
	HistorySize int   `json:"history_size"`
	Submitted   int64 `json:"submitted"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`
}

// Controller owns every execution for its lifetime: it admits submissions
// under the concurrency cap, drives step processing sequentially per
// execution, and retires finished executions into bounded history exactly
// once.
type Controller struct {
	cfg    Config
	interp *Interpreter
	hub    streaming.EventHub
	modes  permissions.ModeProvider
	logger *slog.Logger

	mu      sync.Mutex
	active  map[string]*activeRun
	history *History
	stats   Stats
}

// activeRun pairs a running execution with its driver's cancellation handle.
// done closes when the execution is retired.
type activeRun struct {
	exec   *Execution
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards exec while the driver mutates it.
	mu sync.Mutex
}

// NewController creates a Controller. A nil modes provider pins the mode to
// the empty string.
func NewController(cfg Config, interp *Interpreter, hub streaming.EventHub, modes permissions.ModeProvider, logger *slog.Logger) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.MaxLoopIterations > 0 {
		interp.maxLoopIterations = cfg.MaxLoopIterations
	}
	if hub == nil {
		hub = streaming.NewMemoryHub()
	}
	if modes == nil {
		modes = permissions.StaticMode("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		interp:  interp,
		hub:     hub,
		modes:   modes,
		logger:  logger,
		active:  make(map[string]*activeRun),
		history: NewHistory(cfg.HistorySize),
	}
}

// Submit admits a workflow for execution and starts driving it
// asynchronously. It fails fast with CapacityExceeded when the running count
// is at the cap; no execution is created in that case.
func (c *Controller) Submit(ctx context.Context, wf *schema.Workflow, opts SubmitOptions) (*Execution, error) {
	if wf == nil || len(wf.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	scope := make(vars.Scope, len(wf.Variables)+len(opts.Variables))
	scope.Merge(wf.Variables)
	scope.Merge(opts.Variables)

	exec := &Execution{
		ID:           uuid.NewString(),
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       schema.ExecutionStatusRunning,
		StartedAt:    time.Now().UTC(),
		TotalSteps:   len(wf.Steps),
		Variables:    scope,
		Metadata: Metadata{
			Trigger: opts.Trigger,
			UserID:  opts.UserID,
			Mode:    c.modes.CurrentMode(),
			Timeout: timeout,
		},
	}

	c.mu.Lock()
	if len(c.active) >= c.cfg.MaxConcurrent {
		c.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeCapacityExceeded,
			"maximum concurrent executions reached (%d)", c.cfg.MaxConcurrent)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{exec: exec, cancel: cancel, done: make(chan struct{})}
	c.active[exec.ID] = run
	c.stats.Submitted++
	c.mu.Unlock()

	runCtx = logging.WithExecutionID(runCtx, exec.ID)
	runCtx = logging.WithWorkflowID(runCtx, exec.WorkflowID)

	c.publish(runCtx, exec, schema.EventExecutionStarted, nil)
	c.logger.InfoContext(runCtx, "execution started",
		"workflow", wf.Name, "steps", exec.TotalSteps, "timeout", timeout.String())

	go c.drive(runCtx, run, wf)

	return c.snapshotRun(run), nil
}

// drive processes the workflow's steps in order for one execution. It is the
// single writer of the execution's state and event stream.
func (c *Controller) drive(ctx context.Context, run *activeRun, wf *schema.Workflow) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "execution driver panicked", "panic", fmt.Sprintf("%v", r))
			c.finalize(ctx, run, schema.ExecutionStatusError, fmt.Sprintf("execution panicked: %v", r))
		}
	}()

	exec := run.exec
	f := &frame{
		executionID: exec.ID,
		workflowID:  exec.WorkflowID,
		mode:        exec.Metadata.Mode,
		scope:       exec.Variables,
	}

	for i := range wf.Steps {
		// Cancellation and timeout are cooperative: both are observed only
		// here, at step boundaries. A step already in flight finishes.
		if ctx.Err() != nil {
			return
		}
		if time.Since(exec.StartedAt) > exec.Metadata.Timeout {
			timeoutErr := schema.NewErrorf(schema.ErrCodeTimeout,
				"execution exceeded timeout of %s", exec.Metadata.Timeout).WithStep(i)
			run.mu.Lock()
			exec.Errors = append(exec.Errors, ExecutionError{StepIndex: i, Error: timeoutErr.Error()})
			run.mu.Unlock()
			c.finalize(ctx, run, schema.ExecutionStatusFailed, timeoutErr.Error())
			return
		}

		step := &wf.Steps[i]

		if len(step.Conditions) > 0 && !vars.EvaluateConditions(step.Conditions, f.scope, c.logger) {
			skipped := &StepResult{
				StepIndex:   i,
				StepName:    step.Name,
				Type:        step.Type,
				Status:      schema.StepStatusSkipped,
				Success:     false,
				CompletedAt: time.Now().UTC(),
			}
			run.mu.Lock()
			exec.Results = append(exec.Results, skipped)
			exec.CurrentStep = i + 1
			run.mu.Unlock()
			c.publishStep(ctx, exec, schema.EventStepSkipped, skipped)
			continue
		}

		c.publishStep(ctx, exec, schema.EventStepStarted, &StepResult{
			StepIndex: i, StepName: step.Name, Type: step.Type,
		})

		res := c.interp.ExecuteStep(ctx, f, i, step)

		run.mu.Lock()
		if exec.Status.Terminal() {
			// A racing cancel retired the execution while this step was in
			// flight; its state is immutable now.
			run.mu.Unlock()
			return
		}
		exec.Results = append(exec.Results, res)
		exec.CurrentStep = i + 1
		// The controller alone applies output patches to the shared scope.
		if res.Success && len(res.Outputs) > 0 {
			exec.Variables.Merge(res.Outputs)
		}
		if res.Status == schema.StepStatusError {
			exec.Errors = append(exec.Errors, ExecutionError{StepIndex: i, Error: res.Error})
		}
		run.mu.Unlock()

		switch {
		case res.Status == schema.StepStatusError:
			c.publishStep(ctx, exec, schema.EventStepFailed, res)
			c.logger.WarnContext(ctx, "step raised error",
				"step_index", i, "step", step.Name, "error", res.Error)
			if !step.Optional {
				c.finalizeFromResults(ctx, run)
				return
			}
		case !res.Success:
			c.publishStep(ctx, exec, schema.EventStepFailed, res)
			c.logger.WarnContext(ctx, "step failed",
				"step_index", i, "step", step.Name, "error", res.Error)
			if step.ShouldStopOnFailure() {
				c.finalizeFromResults(ctx, run)
				return
			}
		default:
			c.publishStep(ctx, exec, schema.EventStepCompleted, res)
		}
	}

	c.finalizeFromResults(ctx, run)
}

// finalizeFromResults derives the terminal status from the produced results:
// completed when every result is successful or skipped, failed otherwise.
func (c *Controller) finalizeFromResults(ctx context.Context, run *activeRun) {
	run.mu.Lock()
	success := true
	firstError := ""
	for _, r := range run.exec.Results {
		if !r.Success && !r.Skipped() {
			success = false
			if firstError == "" {
				firstError = r.Error
			}
		}
	}
	run.mu.Unlock()

	if success {
		c.finalize(ctx, run, schema.ExecutionStatusCompleted, "")
	} else {
		c.finalize(ctx, run, schema.ExecutionStatusFailed, firstError)
	}
}

// finalize retires an execution exactly once: sets the terminal status,
// removes it from the active set, and appends it to history. Late callers
// (a driver observing a cancellation it lost the race on) are no-ops.
func (c *Controller) finalize(ctx context.Context, run *activeRun, status schema.ExecutionStatus, topErr string) {
	c.mu.Lock()
	run.mu.Lock()
	exec := run.exec
	if exec.Status.Terminal() {
		run.mu.Unlock()
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	if topErr != "" {
		exec.Error = topErr
	}
	run.mu.Unlock()

	delete(c.active, exec.ID)
	c.history.Add(exec)
	switch status {
	case schema.ExecutionStatusCompleted:
		c.stats.Completed++
	case schema.ExecutionStatusCancelled:
		c.stats.Cancelled++
	default:
		c.stats.Failed++
	}
	c.mu.Unlock()

	close(run.done)

	event := schema.EventExecutionCompleted
	switch status {
	case schema.ExecutionStatusFailed, schema.ExecutionStatusError:
		event = schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		event = schema.EventExecutionCancelled
	}
	c.publish(ctx, exec, event, nil)
	c.logger.InfoContext(ctx, "execution finished",
		"status", string(status), "steps_run", exec.CurrentStep, "error", topErr)
}

// Cancel transitions a still-active execution directly to cancelled and
// retires it. It reports whether an active execution was found. In-flight
// step work is not interrupted; the driver observes the cancellation at its
// next step boundary.
func (c *Controller) Cancel(id string) bool {
	c.mu.Lock()
	run, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return false
	}

	run.cancel()
	c.finalize(context.Background(), run, schema.ExecutionStatusCancelled, "")
	return true
}

// Get returns a snapshot of the execution with the given ID, searching the
// active set first and then history.
func (c *Controller) Get(id string) (*Execution, bool) {
	c.mu.Lock()
	run, ok := c.active[id]
	c.mu.Unlock()
	if ok {
		return c.snapshotRun(run), true
	}

	if exec, ok := c.history.Get(id); ok {
		return exec, true
	}
	return nil, false
}

// Active returns snapshots of all running executions.
func (c *Controller) Active() []*Execution {
	c.mu.Lock()
	runs := make([]*activeRun, 0, len(c.active))
	for _, run := range c.active {
		runs = append(runs, run)
	}
	c.mu.Unlock()

	out := make([]*Execution, 0, len(runs))
	for _, run := range runs {
		out = append(out, c.snapshotRun(run))
	}
	return out
}

// GetHistory returns retired executions, most-recent first.
func (c *Controller) GetHistory() []*Execution {
	return c.history.List()
}

// ClearHistory drops all retired executions.
func (c *Controller) ClearHistory() {
	c.history.Clear()
}

// GetStats returns a point-in-time activity summary.
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Active = len(c.active)
	s.HistorySize = c.history.Len()
	return s
}

// Wait blocks until the execution with the given ID leaves the running
// status, then returns its terminal state. Already-retired executions return
// immediately.
func (c *Controller) Wait(ctx context.Context, id string) (*Execution, error) {
	c.mu.Lock()
	run, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		if exec, found := c.history.Get(id); found {
			return exec, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}

	select {
	case <-run.done:
		return run.exec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown cancels every active execution and waits for their drivers to
// retire them, or until the context expires.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	runs := make([]*activeRun, 0, len(c.active))
	for _, run := range c.active {
		runs = append(runs, run)
	}
	c.mu.Unlock()

	for _, run := range runs {
		run.cancel()
		c.finalize(ctx, run, schema.ExecutionStatusCancelled, "")
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Controller) snapshotRun(run *activeRun) *Execution {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.exec.snapshot()
}

func (c *Controller) publish(ctx context.Context, exec *Execution, eventType string, payload any) {
	if payload == nil {
		payload = map[string]any{
			"status":    string(exec.Status),
			"workflow":  exec.WorkflowName,
			"trigger":   exec.Metadata.Trigger,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
	}
	_ = c.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		EventType:   eventType,
		Payload:     payload,
	})
}

func (c *Controller) publishStep(ctx context.Context, exec *Execution, eventType string, res *StepResult) {
	_ = c.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepIndex:   res.StepIndex,
		StepName:    res.StepName,
		EventType:   eventType,
		Payload:     res,
	})
}
