package store

import (
	"encoding/json"
	"time"
)

// WorkflowRecord is a persisted workflow definition. Source holds the
// normalized JSON document the engine's Workflow shape is decoded from.
type WorkflowRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Source      json.RawMessage `json:"source"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	EnabledOnly bool
	Limit       int
}

// Run is the archived terminal snapshot of one execution. The in-memory
// history is the authoritative recent view; the archive outlives it.
type Run struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       string          `json:"status"`
	Trigger      string          `json:"trigger,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Results      json.RawMessage `json:"results,omitempty"`
	Errors       json.RawMessage `json:"errors,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	Status     string
	Limit      int
}

// Event is one archived lifecycle event.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	EventType   string          `json:"event_type"`
	StepIndex   int             `json:"step_index"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Schedule is a cron-triggered submission of a stored workflow.
type Schedule struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	CronExpr   string          `json:"cron_expr"`
	Variables  json.RawMessage `json:"variables,omitempty"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
}
