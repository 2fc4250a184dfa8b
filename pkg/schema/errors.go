package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodeUnknownStepType  = "UNKNOWN_STEP_TYPE"
	ErrCodeToolNotFound     = "TOOL_NOT_FOUND"
	ErrCodeToolNotPermitted = "TOOL_NOT_PERMITTED"
	ErrCodeFileRestricted   = "FILE_RESTRICTED"
	ErrCodeInvalidLoopItems = "INVALID_LOOP_ITEMS"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeStore            = "STORE_ERROR"
)

// EngineError is the structured error type for all runbook operations.
// StepIndex is -1 when the error is not tied to a particular step.
type EngineError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepIndex int            `json:"step_index"`
	Cause     error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepIndex >= 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.StepIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message, StepIndex: -1}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...), StepIndex: -1}
}

// WithStep attaches a zero-based step index to the error.
func (e *EngineError) WithStep(index int) *EngineError {
	e.StepIndex = index
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
