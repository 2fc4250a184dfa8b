package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/runbookd/runbook/internal/store"
	"github.com/runbookd/runbook/internal/streaming"
	"github.com/runbookd/runbook/pkg/schema"
)

// Recorder persists the event stream and archives finished executions.
// The controller's in-memory history is bounded and volatile; the recorder
// gives runs and events a durable home in the store.
type Recorder struct {
	store      store.Store
	hub        streaming.EventHub
	controller *Controller
	logger     *slog.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewRecorder creates a Recorder wired to the given hub and store.
func NewRecorder(s store.Store, hub streaming.EventHub, controller *Controller, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:      s,
		hub:        hub,
		controller: controller,
		logger:     logger,
	}
}

// Start subscribes to all execution events and pumps them to the store until
// Stop is called or ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) error {
	recCtx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := r.hub.Subscribe(recCtx, streaming.EventFilter{})
	if err != nil {
		cancel()
		return err
	}
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		defer unsubscribe()
		for {
			select {
			case <-recCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.record(recCtx, ev)
			}
		}
	}()
	return nil
}

// Stop shuts down the pump and waits for it to drain.
func (r *Recorder) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}

func (r *Recorder) record(ctx context.Context, ev streaming.StreamEvent) {
	var payload []byte
	if ev.Payload != nil {
		if raw, err := json.Marshal(ev.Payload); err == nil {
			payload = raw
		}
	}
	if err := r.store.AppendEvent(ctx, &store.Event{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		EventType:   ev.EventType,
		StepIndex:   ev.StepIndex,
		Payload:     payload,
	}); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist event",
			"execution_id", ev.ExecutionID, "event_type", ev.EventType, "error", err.Error())
	}

	if isTerminalEvent(ev.EventType) {
		r.archive(ctx, ev.ExecutionID)
	}
}

// archive writes the retired execution into the run table.
func (r *Recorder) archive(ctx context.Context, executionID string) {
	exec, ok := r.controller.Get(executionID)
	if !ok {
		r.logger.WarnContext(ctx, "terminal event for unknown execution", "execution_id", executionID)
		return
	}
	if !exec.Status.Terminal() {
		// The hub delivered the terminal event before the snapshot settled;
		// skip rather than archive a still-running view.
		r.logger.WarnContext(ctx, "terminal event for running execution", "execution_id", executionID)
		return
	}

	run := &store.Run{
		ID:           exec.ID,
		WorkflowID:   exec.WorkflowID,
		WorkflowName: exec.WorkflowName,
		Status:       string(exec.Status),
		Trigger:      exec.Metadata.Trigger,
		UserID:       exec.Metadata.UserID,
		Mode:         exec.Metadata.Mode,
		StartedAt:    exec.StartedAt,
		CompletedAt:  exec.CompletedAt,
		Error:        exec.Error,
	}
	if len(exec.Results) > 0 {
		if raw, err := json.Marshal(exec.Results); err == nil {
			run.Results = raw
		}
	}
	if len(exec.Errors) > 0 {
		if raw, err := json.Marshal(exec.Errors); err == nil {
			run.Errors = raw
		}
	}

	if err := r.store.SaveRun(ctx, run); err != nil {
		r.logger.ErrorContext(ctx, "failed to archive run",
			"execution_id", executionID, "error", err.Error())
	}
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	}
	return false
}
