package schema

// Workflow is the normalized, immutable workflow format handed to the engine.
// Storage frontends (JSON, YAML, markdown) normalize into this shape before submit.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []Step         `json:"steps"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeTool        StepType = "tool"
	StepTypeCommand     StepType = "command"
	StepTypeConditional StepType = "conditional"
	StepTypeLoop        StepType = "loop"
	StepTypeParallel    StepType = "parallel"
	StepTypeDelay       StepType = "delay"
	StepTypeManual      StepType = "manual"
)

// Step is one unit of work within a workflow. Type selects exactly one of the
// variant config blocks; the interpreter rejects steps whose variant block is
// missing or mismatched.
//
// StopOnFailure is a *bool because the default is to stop: only an explicit
// false opts a step out of halting the execution on failure.
type Step struct {
	Name          string      `json:"name,omitempty"`
	Description   string      `json:"description,omitempty"`
	Type          StepType    `json:"type"`
	Conditions    []Condition `json:"conditions,omitempty"`
	Optional      bool        `json:"optional,omitempty"`
	StopOnFailure *bool       `json:"stop_on_failure,omitempty"`

	Tool        *ToolConfig        `json:"tool,omitempty"`
	Command     *CommandConfig     `json:"command,omitempty"`
	Conditional *ConditionalConfig `json:"conditional,omitempty"`
	Loop        *LoopConfig        `json:"loop,omitempty"`
	Parallel    *ParallelConfig    `json:"parallel,omitempty"`
	Delay       *DelayConfig       `json:"delay,omitempty"`
	Manual      *ManualConfig      `json:"manual,omitempty"`
}

// ShouldStopOnFailure reports whether a failing step halts the execution.
// Unset means stop; only an explicit false continues.
func (s *Step) ShouldStopOnFailure() bool {
	return s.StopOnFailure == nil || *s.StopOnFailure
}

// ToolConfig invokes a named tool on the tool backend. Outputs maps a variable
// name to a dotted path into the backend's raw result.
type ToolConfig struct {
	ToolName   string            `json:"tool_name"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
}

// CommandConfig runs a shell command. It is a specialization of the tool step
// pinned to the shell-execution tool.
type CommandConfig struct {
	Command          string            `json:"command"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Outputs          map[string]string `json:"outputs,omitempty"`
}

// ConditionalConfig branches on a condition list. A conditional with no
// matching branch succeeds with branch "none".
type ConditionalConfig struct {
	Condition []Condition `json:"condition"`
	Then      *Step       `json:"then,omitempty"`
	Else      *Step       `json:"else,omitempty"`
}

// LoopConfig iterates a body step over a resolved item sequence. Items may be a
// literal list or a "{{name}}" reference resolving to one. ItemVariable and
// IndexVariable default to "item" and "index".
type LoopConfig struct {
	Items         any    `json:"items"`
	ItemVariable  string `json:"item_variable,omitempty"`
	IndexVariable string `json:"index_variable,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Step          *Step  `json:"step"`
}

// ParallelConfig runs sub-steps concurrently and joins on all of them.
type ParallelConfig struct {
	Steps []Step `json:"steps"`
}

// DelayConfig suspends the execution's step sequence. Delay is a number of
// milliseconds, a numeric string, or a Go duration string ("5s").
type DelayConfig struct {
	Delay any `json:"delay"`
}

// ManualConfig surfaces instructions to an operator channel.
type ManualConfig struct {
	Instructions string `json:"instructions"`
}

// Condition is one predicate of a step's pre-check or a conditional step's
// condition list. Lists combine with logical AND.
type Condition struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Condition operators. An unrecognized operator evaluates to true and is
// surfaced as a warning, never an error.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
)

// VariantConfigured reports whether the step carries the config block matching
// its declared type.
func (s *Step) VariantConfigured() bool {
	switch s.Type {
	case StepTypeTool:
		return s.Tool != nil
	case StepTypeCommand:
		return s.Command != nil
	case StepTypeConditional:
		return s.Conditional != nil
	case StepTypeLoop:
		return s.Loop != nil
	case StepTypeParallel:
		return s.Parallel != nil
	case StepTypeDelay:
		return s.Delay != nil
	case StepTypeManual:
		return s.Manual != nil
	default:
		return false
	}
}
