package engine

import (
	"time"

	"github.com/runbookd/runbook/internal/vars"
	"github.com/runbookd/runbook/pkg/schema"
)

// StepResult is the structured outcome of interpreting one step.
type StepResult struct {
	StepIndex   int               `json:"step_index"`
	StepName    string            `json:"step_name,omitempty"`
	Type        schema.StepType   `json:"type"`
	Status      schema.StepStatus `json:"status"`
	Success     bool              `json:"success"`
	Outputs     map[string]any    `json:"outputs,omitempty"`
	Error       string            `json:"error,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
	CompletedAt time.Time         `json:"completed_at"`

	// Variant-specific fields.
	ConditionMet *bool         `json:"condition_met,omitempty"`
	BranchTaken  string        `json:"branch_taken,omitempty"`
	Iterations   int           `json:"iterations,omitempty"`
	Results      []*StepResult `json:"results,omitempty"`
}

// Skipped reports whether the step was skipped by its pre-conditions.
func (r *StepResult) Skipped() bool {
	return r.Status == schema.StepStatusSkipped
}

// ExecutionError is one entry of an execution's error list: a step index
// paired with the error raised while evaluating it.
type ExecutionError struct {
	StepIndex int    `json:"step_index"`
	Error     string `json:"error"`
}

// Metadata records who and what triggered an execution and under which
// operating mode and timeout budget it runs.
type Metadata struct {
	Trigger string        `json:"trigger,omitempty"`
	UserID  string        `json:"user_id,omitempty"`
	Mode    string        `json:"mode,omitempty"`
	Timeout time.Duration `json:"timeout"`
}

// Execution is one runtime instance of a workflow being processed. It is
// mutated only by the controller that owns it and becomes immutable once it
// leaves the running status.
type Execution struct {
	ID           string                 `json:"id"`
	WorkflowID   string                 `json:"workflow_id"`
	WorkflowName string                 `json:"workflow_name"`
	Status       schema.ExecutionStatus `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	CurrentStep  int                    `json:"current_step"`
	TotalSteps   int                    `json:"total_steps"`
	Variables    vars.Scope             `json:"variables"`
	Results      []*StepResult          `json:"results"`
	Errors       []ExecutionError       `json:"errors,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metadata     Metadata               `json:"metadata"`
}

// snapshot returns a copy safe to hand to callers while the driver keeps
// mutating the original. Result pointers are shared; results are never
// mutated after being appended.
func (e *Execution) snapshot() *Execution {
	cp := *e
	cp.Variables = e.Variables.Clone()
	cp.Results = append([]*StepResult(nil), e.Results...)
	cp.Errors = append([]ExecutionError(nil), e.Errors...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// SubmitOptions carries per-submission overrides.
type SubmitOptions struct {
	// Variables overrides workflow defaults on key conflict.
	Variables map[string]any
	// Timeout overrides the controller's default execution timeout.
	Timeout time.Duration
	// Trigger identifies the submission source (api, schedule, manual).
	Trigger string
	// UserID identifies the submitting user, when known.
	UserID string
}
