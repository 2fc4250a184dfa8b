package schema

// Lifecycle event types published on the event hub. Delivery order is causal
// within a single execution (started, then per-step events in step order, then
// exactly one terminal event); events from different executions interleave
// arbitrarily.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventManualStepRequired = "manual_step_required"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusError     ExecutionStatus = "error"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final. Executions become immutable
// once terminal; only history eviction removes them afterwards.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionStatusRunning
}

// StepStatus represents the outcome of interpreting one step.
// "failed" is a normal unsuccessful result; "error" marks a step whose
// strategy raised rather than returned.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusError     StepStatus = "error"
)
