package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/runbookd/runbook/internal/logging"
	"github.com/runbookd/runbook/internal/permissions"
	"github.com/runbookd/runbook/internal/streaming"
	"github.com/runbookd/runbook/internal/tools"
	"github.com/runbookd/runbook/internal/vars"
	"github.com/runbookd/runbook/pkg/schema"
)

const (
	// DefaultMaxLoopIterations bounds loop steps without an explicit cap.
	DefaultMaxLoopIterations = 100

	defaultItemVariable  = "item"
	defaultIndexVariable = "index"

	// BranchThen and friends label which arm a conditional step took.
	BranchThen = "then"
	BranchElse = "else"
	BranchNone = "none"
)

// frame is the interpreter's view of one execution context: an identity plus
// the variable scope steps resolve against. Derived frames for loop
// iterations and parallel branches own a copied scope and never alias the
// parent's, so writes cannot propagate upward.
type frame struct {
	executionID string
	workflowID  string
	mode        string
	scope       vars.Scope
}

// derive returns a child frame whose scope is a copy of the parent's plus
// the given extra bindings.
func (f *frame) derive(extra map[string]any) *frame {
	child := *f
	child.scope = f.scope.Clone()
	child.scope.Merge(extra)
	return &child
}

// Interpreter dispatches a single step by its type tag to one of seven
// execution strategies. Every strategy error, panics included, is converted
// into an error-status StepResult so the controller only ever observes
// structured results.
type Interpreter struct {
	backend   tools.Backend
	authority permissions.Authority
	hub       streaming.EventHub
	logger    *slog.Logger

	maxLoopIterations int
}

// NewInterpreter creates an Interpreter. A nil authority allows every tool;
// a nil hub drops manual-step notifications.
func NewInterpreter(backend tools.Backend, authority permissions.Authority, hub streaming.EventHub, logger *slog.Logger) *Interpreter {
	if authority == nil {
		authority = permissions.AllowAll{}
	}
	if hub == nil {
		hub = streaming.NewMemoryHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		backend:           backend,
		authority:         authority,
		hub:               hub,
		logger:            logger,
		maxLoopIterations: DefaultMaxLoopIterations,
	}
}

// ExecuteStep interprets one step against the frame's scope and returns its
// result. It never returns an error and never panics: failures surface as
// failed results, raised errors and panics as error-status results.
func (in *Interpreter) ExecuteStep(ctx context.Context, f *frame, index int, step *schema.Step) (res *StepResult) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			in.logger.ErrorContext(ctx, "step strategy panicked",
				"step_index", index, "panic", fmt.Sprintf("%v", r))
			res = in.finishResult(&StepResult{
				StepIndex: index,
				StepName:  step.Name,
				Type:      step.Type,
				Status:    schema.StepStatusError,
				Success:   false,
				Error:     fmt.Sprintf("step panicked: %v", r),
			}, start)
		}
	}()

	ctx = logging.WithStepName(ctx, step.Name)

	result, err := in.runStrategy(ctx, f, index, step)
	if err != nil {
		return in.finishResult(&StepResult{
			StepIndex: index,
			StepName:  step.Name,
			Type:      step.Type,
			Status:    schema.StepStatusError,
			Success:   false,
			Error:     err.Error(),
		}, start)
	}

	result.StepIndex = index
	result.StepName = step.Name
	result.Type = step.Type
	return in.finishResult(result, start)
}

func (in *Interpreter) finishResult(r *StepResult, start time.Time) *StepResult {
	r.DurationMs = time.Since(start).Milliseconds()
	r.CompletedAt = time.Now().UTC()
	return r
}

// runStrategy dispatches on the step's type tag. The switch is exhaustive
// over the seven variants; anything else is an unknown step type.
func (in *Interpreter) runStrategy(ctx context.Context, f *frame, index int, step *schema.Step) (*StepResult, error) {
	switch step.Type {
	case schema.StepTypeTool:
		return in.executeTool(ctx, f, step)
	case schema.StepTypeCommand:
		return in.executeCommand(ctx, f, step)
	case schema.StepTypeConditional:
		return in.executeConditional(ctx, f, index, step)
	case schema.StepTypeLoop:
		return in.executeLoop(ctx, f, index, step)
	case schema.StepTypeParallel:
		return in.executeParallel(ctx, f, index, step)
	case schema.StepTypeDelay:
		return in.executeDelay(ctx, f, step)
	case schema.StepTypeManual:
		return in.executeManual(ctx, f, index, step)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType,
			"unknown step type %q", step.Type).WithStep(index)
	}
}

// executeTool resolves parameters, enforces permissions, invokes the tool
// backend, and maps its boolean success into the result.
func (in *Interpreter) executeTool(ctx context.Context, f *frame, step *schema.Step) (*StepResult, error) {
	cfg := step.Tool
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool step missing tool configuration")
	}

	params, _ := vars.Resolve(cfg.Parameters, f.scope).(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	if !in.backend.HasTool(cfg.ToolName) {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not found", cfg.ToolName)
	}
	if err := in.authority.IsToolAllowed(cfg.ToolName, params, f.mode); err != nil {
		// The authority's reason must reach the operator unmasked.
		return nil, err
	}

	raw, err := in.backend.ExecuteTool(ctx, cfg.ToolName, params)
	if err != nil {
		return nil, err
	}

	return in.toolResult(raw, cfg.Outputs), nil
}

// executeCommand is a specialization of the tool strategy fixed to the
// shell-execution tool.
func (in *Interpreter) executeCommand(ctx context.Context, f *frame, step *schema.Step) (*StepResult, error) {
	cfg := step.Command
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "command step missing command configuration")
	}

	params := map[string]any{
		"command": vars.ResolveString(cfg.Command, f.scope),
	}
	if cfg.WorkingDirectory != "" {
		params["cwd"] = vars.ResolveString(cfg.WorkingDirectory, f.scope)
	}

	if !in.backend.HasTool(tools.ShellToolName) {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not found", tools.ShellToolName)
	}
	if err := in.authority.IsToolAllowed(tools.ShellToolName, params, f.mode); err != nil {
		return nil, err
	}

	raw, err := in.backend.ExecuteTool(ctx, tools.ShellToolName, params)
	if err != nil {
		return nil, err
	}

	return in.toolResult(raw, cfg.Outputs), nil
}

// toolResult maps a backend result into a StepResult, extracting declared
// outputs by dotted-path lookup into the raw result.
func (in *Interpreter) toolResult(raw map[string]any, declared map[string]string) *StepResult {
	success, _ := raw["success"].(bool)

	res := &StepResult{
		Status:  schema.StepStatusCompleted,
		Success: success,
	}
	if !success {
		res.Status = schema.StepStatusFailed
		if msg, ok := raw["error"].(string); ok && msg != "" {
			res.Error = msg
		} else {
			res.Error = "tool reported failure"
		}
	}

	if len(declared) > 0 {
		outputs := make(map[string]any, len(declared))
		for name, path := range declared {
			if v, ok := lookupPath(raw, path); ok {
				outputs[name] = v
			}
		}
		if len(outputs) > 0 {
			res.Outputs = outputs
		}
	}
	return res
}

// executeConditional evaluates the condition and recursively interprets the
// matching branch. A conditional with no matching branch succeeds.
func (in *Interpreter) executeConditional(ctx context.Context, f *frame, index int, step *schema.Step) (*StepResult, error) {
	cfg := step.Conditional
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "conditional step missing configuration")
	}

	met := vars.EvaluateConditions(cfg.Condition, f.scope, in.logger)

	var branch *schema.Step
	taken := BranchNone
	if met && cfg.Then != nil {
		branch, taken = cfg.Then, BranchThen
	} else if !met && cfg.Else != nil {
		branch, taken = cfg.Else, BranchElse
	}

	res := &StepResult{
		Status:       schema.StepStatusCompleted,
		Success:      true,
		ConditionMet: &met,
		BranchTaken:  taken,
	}
	if branch == nil {
		return res, nil
	}

	sub := in.ExecuteStep(ctx, f, index, branch)
	res.Results = []*StepResult{sub}
	res.Success = sub.Success
	res.Status = sub.Status
	if sub.Status == schema.StepStatusSkipped {
		res.Status = schema.StepStatusCompleted
		res.Success = true
	}
	res.Error = sub.Error
	res.Outputs = sub.Outputs
	return res, nil
}

// executeLoop resolves items and interprets the body once per item against a
// derived frame. Outputs produced inside an iteration stay inside it.
func (in *Interpreter) executeLoop(ctx context.Context, f *frame, index int, step *schema.Step) (*StepResult, error) {
	cfg := step.Loop
	if cfg == nil || cfg.Step == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop step missing body configuration")
	}

	resolved := vars.Resolve(cfg.Items, f.scope)
	items, ok := resolved.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidLoopItems,
			"loop items resolved to %T, want a sequence", resolved)
	}

	itemVar := cfg.ItemVariable
	if itemVar == "" {
		itemVar = defaultItemVariable
	}
	indexVar := cfg.IndexVariable
	if indexVar == "" {
		indexVar = defaultIndexVariable
	}

	max := cfg.MaxIterations
	if max <= 0 {
		max = in.maxLoopIterations
	}
	count := len(items)
	if count > max {
		count = max
	}

	res := &StepResult{
		Status:  schema.StepStatusCompleted,
		Success: true,
	}
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "loop aborted: execution cancelled").WithCause(err)
		}

		iterFrame := f.derive(map[string]any{
			itemVar:  items[i],
			indexVar: i,
		})
		iter := in.ExecuteStep(ctx, iterFrame, index, cfg.Step)
		res.Results = append(res.Results, iter)
		res.Iterations++

		if !iter.Success && !iter.Skipped() {
			res.Success = false
			res.Status = schema.StepStatusFailed
			res.Error = fmt.Sprintf("iteration %d failed: %s", i, iter.Error)
			// Unlike top-level continuation, the loop keeps iterating on
			// failure unless stop_on_failure is explicitly true.
			if step.StopOnFailure != nil && *step.StopOnFailure {
				break
			}
		}
	}
	return res, nil
}

// executeParallel interprets every sub-step concurrently against its own
// scope snapshot and joins on all of them. A failing branch never aborts its
// siblings, and branch outputs are not merged upward.
func (in *Interpreter) executeParallel(ctx context.Context, f *frame, index int, step *schema.Step) (*StepResult, error) {
	cfg := step.Parallel
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "parallel step missing configuration")
	}

	results := make([]*StepResult, len(cfg.Steps))
	var wg sync.WaitGroup
	for i := range cfg.Steps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			branchFrame := f.derive(nil)
			// Each branch writes only its own slot.
			results[i] = in.ExecuteStep(ctx, branchFrame, index, &cfg.Steps[i])
		}(i)
	}
	wg.Wait()

	res := &StepResult{
		Status:  schema.StepStatusCompleted,
		Success: true,
		Results: results,
	}
	var failures []string
	for i, branch := range results {
		if !branch.Success && !branch.Skipped() {
			failures = append(failures, fmt.Sprintf("branch %d: %s", i, branch.Error))
		}
	}
	if len(failures) > 0 {
		res.Success = false
		res.Status = schema.StepStatusFailed
		res.Error = strings.Join(failures, "; ")
	}
	return res, nil
}

// executeDelay resolves the delay value and suspends this execution's step
// sequence for that duration.
func (in *Interpreter) executeDelay(ctx context.Context, f *frame, step *schema.Step) (*StepResult, error) {
	cfg := step.Delay
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "delay step missing configuration")
	}

	d, err := parseDelay(vars.Resolve(cfg.Delay, f.scope))
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "delay aborted: execution cancelled").WithCause(ctx.Err())
	}

	return &StepResult{
		Status:  schema.StepStatusCompleted,
		Success: true,
	}, nil
}

// executeManual surfaces the instructions to external observers and reports
// success immediately. Waiting for operator acknowledgment requires a
// suspend/resume mechanism this engine does not provide.
func (in *Interpreter) executeManual(ctx context.Context, f *frame, index int, step *schema.Step) (*StepResult, error) {
	cfg := step.Manual
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "manual step missing configuration")
	}

	_ = in.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: f.executionID,
		WorkflowID:  f.workflowID,
		StepIndex:   index,
		StepName:    step.Name,
		EventType:   schema.EventManualStepRequired,
		Payload: map[string]any{
			"instructions": vars.ResolveString(cfg.Instructions, f.scope),
			"description":  step.Description,
		},
	})

	return &StepResult{
		Status:  schema.StepStatusCompleted,
		Success: true,
		Outputs: map[string]any{"acknowledged": false},
	}, nil
}

// parseDelay accepts a numeric millisecond count, a numeric string, or a Go
// duration string ("30s").
func parseDelay(v any) (time.Duration, error) {
	switch d := v.(type) {
	case int:
		return time.Duration(d) * time.Millisecond, nil
	case int64:
		return time.Duration(d) * time.Millisecond, nil
	case float64:
		return time.Duration(d * float64(time.Millisecond)), nil
	case string:
		if ms, err := strconv.ParseFloat(strings.TrimSpace(d), 64); err == nil {
			return time.Duration(ms * float64(time.Millisecond)), nil
		}
		if dur, err := time.ParseDuration(strings.TrimSpace(d)); err == nil {
			return dur, nil
		}
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "unparseable delay %q", d)
	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "unparseable delay of type %T", v)
	}
}

// lookupPath traverses a dotted path ("body.items.0.id") through nested maps
// and slices.
func lookupPath(root map[string]any, path string) (any, bool) {
	var current any = root
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
