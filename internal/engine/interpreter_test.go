package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbookd/runbook/internal/streaming"
	"github.com/runbookd/runbook/internal/vars"
	"github.com/runbookd/runbook/pkg/schema"
)

// scriptedBackend is a tools.Backend whose behavior is scripted per tool name.
type scriptedBackend struct {
	mu      sync.Mutex
	results map[string]map[string]any
	errs    map[string]error
	panics  map[string]bool
	block   map[string]chan struct{}
	calls   []call
}

type call struct {
	tool   string
	params map[string]any
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		results: map[string]map[string]any{},
		errs:    map[string]error{},
		panics:  map[string]bool{},
		block:   map[string]chan struct{}{},
	}
}

func (b *scriptedBackend) succeed(name string, result map[string]any) {
	if result == nil {
		result = map[string]any{}
	}
	result["success"] = true
	b.results[name] = result
}

func (b *scriptedBackend) fail(name, msg string) {
	b.results[name] = map[string]any{"success": false, "error": msg}
}

func (b *scriptedBackend) raise(name string, err error) { b.errs[name] = err }

func (b *scriptedBackend) HasTool(name string) bool {
	_, r := b.results[name]
	_, e := b.errs[name]
	_, p := b.panics[name]
	return r || e || p
}

func (b *scriptedBackend) ExecuteTool(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	b.mu.Lock()
	b.calls = append(b.calls, call{tool: name, params: params})
	blocker := b.block[name]
	b.mu.Unlock()

	if blocker != nil {
		select {
		case <-blocker:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.panics[name] {
		panic("scripted panic in " + name)
	}
	if err := b.errs[name]; err != nil {
		return nil, err
	}
	out := make(map[string]any, len(b.results[name]))
	for k, v := range b.results[name] {
		out[k] = v
	}
	return out, nil
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestInterpreter(backend *scriptedBackend) *Interpreter {
	return NewInterpreter(backend, nil, streaming.NewMemoryHub(), nil)
}

func testFrame(scope vars.Scope) *frame {
	if scope == nil {
		scope = vars.Scope{}
	}
	return &frame{executionID: "exec-test", workflowID: "wf-test", scope: scope}
}

func toolStep(name, tool string, params map[string]any, outputs map[string]string) schema.Step {
	return schema.Step{
		Name: name,
		Type: schema.StepTypeTool,
		Tool: &schema.ToolConfig{ToolName: tool, Parameters: params, Outputs: outputs},
	}
}

func TestToolStepResolvesParameters(t *testing.T) {
	backend := newScriptedBackend()
	backend.succeed("deploy", map[string]any{"version": "1.2.3"})
	in := newTestInterpreter(backend)

	step := toolStep("deploy", "deploy",
		map[string]any{"target": "{{env}}"},
		map[string]string{"deployed_version": "version"})
	res := in.ExecuteStep(context.Background(), testFrame(vars.Scope{"env": "prod"}), 0, &step)

	require.Equal(t, schema.StepStatusCompleted, res.Status)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"deployed_version": "1.2.3"}, res.Outputs)
	assert.Equal(t, map[string]any{"target": "prod"}, backend.calls[0].params)
}

func TestToolStepNotFound(t *testing.T) {
	in := newTestInterpreter(newScriptedBackend())

	step := toolStep("x", "absent", nil, nil)
	res := in.ExecuteStep(context.Background(), testFrame(nil), 2, &step)

	assert.Equal(t, schema.StepStatusError, res.Status)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "absent")
	assert.Equal(t, 2, res.StepIndex)
}

func TestToolStepBackendFailure(t *testing.T) {
	backend := newScriptedBackend()
	backend.fail("restart", "service not running")
	in := newTestInterpreter(backend)

	step := toolStep("restart", "restart", nil, nil)
	res := in.ExecuteStep(context.Background(), testFrame(nil), 0, &step)

	assert.Equal(t, schema.StepStatusFailed, res.Status)
	assert.False(t, res.Success)
	assert.Equal(t, "service not running", res.Error)
}

func TestToolStepBackendErrorBecomesErrorStatus(t *testing.T) {
	backend := newScriptedBackend()
	backend.raise("flaky", errors.New("connection refused"))
	in := newTestInterpreter(backend)

	step := toolStep("flaky", "flaky", nil, nil)
	res := in.ExecuteStep(context.Background(), testFrame(nil), 0, &step)

	assert.Equal(t, schema.StepStatusError, res.Status)
	assert.Contains(t, res.Error, "connection refused")
}

func TestPanicRecoveredAsErrorResult(t *testing.T) {
	backend := newScriptedBackend()
	backend.panics["boom"] = true
	in := newTestInterpreter(backend)

	step := toolStep("boom", "boom", nil, nil)
	res := in.ExecuteStep(context.Background(), testFrame(nil), 0, &step)

	assert.Equal(t, schema.StepStatusError, res.Status)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
}

func TestUnknownStepType(t *testing.T) {
	in := newTestInterpreter(newScriptedBackend())

	step := schema.Step{Name: "odd", Type: schema.StepType("teleport")}
	res := in.ExecuteStep(context.Background(), testFrame(nil), 0, &step)

	assert.Equal(t, schema.StepStatusError, res.Status)
	assert.Contains(t, res.Error, "teleport")
}

func TestConditionalTakesThenBranch(t *testing.T) {
	backend := newScriptedBackend()
	backend.succeed("notify", nil)
	in := newTestInterpreter(backend)

	inner := toolStep("notify", "notify", nil, nil)
	step := schema.Step{
		Name: "check",
		Type: schema.StepTypeConditional,
		Conditional: &schema.ConditionalConfig{
			Condition: []schema.Condition{{Variable: "env", Operator: schema.OpEquals, Value: "prod"}},
			Then:      &inner,
		},
	}
	res := in.ExecuteStep(context.Background(), testFrame(vars.Scope{"env": "prod"}), 0, &step)

	require.NotNil(t, res.ConditionMet)
	assert.True(t, *res.ConditionMet)
	assert.Equal(t, BranchThen, res.BranchTaken)
	assert.True(t, res.Success)
	require.Len(t, res.Results, 1)
}

func TestConditionalNoMatchingBranchSucceeds(t *testing.T) {
	in := newTestInterpreter(newScriptedBackend())

	step := schema.Step{
		Name: "check",
		Type: schema.StepTypeConditional,
		Conditional: &schema.ConditionalConfig{
			Condition: []schema.Condition{{Variable: "env", Operator: schema.OpEquals, Value: "prod"}},
			Then:      nil,
		},
	}
	res := in.ExecuteStep(context.Background(), testFrame(vars.Scope{"env": "dev"}), 0, &step)

	assert.Equal(t, BranchNone, res.BranchTaken)
	assert.True(t, res.Success)
	assert.Equal(t, schema.StepStatusCompleted, res.Status)
}

func TestLoopIteratesWithDerivedScope(t *testing.T) {
	backend := newScriptedBackend()
	backend.succeed("ping", nil)
	in := newTestInterpreter(backend)

	body := toolStep("ping", "ping", map[string]any{"host": "{{server}}", "i": "{{index}}"}, nil)
	step := schema.Step{
		Name: "ping all",
		Type: schema.StepTypeLoop,
		Loop: &schema.LoopConfig{
			Items:        "{{servers}}",
			ItemVariable: "server",
			Step:         &body,
		},
	}
	scope := vars.Scope{"servers": []any{"a", "b", "c"}}
	res := in.ExecuteStep(context.Background(), testFrame(scope), 0, &step)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Iterations)
	require.Len(t, backend.calls, 3)
	assert.Equal(t, map[string]any{"host": "b", "i": 1}, backend.calls[1].params)
	// Loop bookkeeping never leaks into the parent scope.
	assert.NotContains(t, scope, "server")
	assert.NotContains(t, scope, "index")
}

func TestLoopInvalidItems(t *testing.T) {
	in := newTestInterpreter(newScriptedBackend())

	body := toolStep("x", "x", nil, nil)
	step := schema.Step{
		Type: schema.StepTypeLoop,
		Loop: &schema.LoopConfig{Items: "not-a-list", Step: &body},
	}
	res := in.ExecuteStep(context.Background(), testFrame(nil), 0, &step)

	assert.Equal(t, schema.StepStatusError, res.Status)
	assert.Contains(t, res.Error, "loop items")
}

func TestLoopMaxIterationsBounds(t *testing.T) {
	backend := newScriptedBackend()
	backend.succeed("tick", nil)
	in := newTestInterpreter(backend)

	items := make([]any, 10)
	for i := range items {
		items[i] = i
	}
	body := toolStep("tick", "tick", nil, nil)
	step := schema.Step{
		Type: schema.StepTypeLoop,
		Loop: &schema.LoopConfig{Items: items, MaxIterations: 4, Step: &body},
	}
	res := in.ExecuteStep(context.Background(), testFrame(nil), 0, &step)

	assert.Equal(t, 4, res.Iterations)
	assert.Equal(t, 4, backend.callCount())
}

func TestLoopStopOnFailureHaltsIteration(t *testing.T) {
	backend := newScriptedBackend()
	backend.fail("always", "nope")
	in := newTestInterpreter(backend)

	stop := true
	body := toolStep("always", "always", nil, nil)
	step := schema.Step{
		Type:          schema.StepTypeLoop,
		StopOnFailure: &stop,
		Loop:          &schema.LoopConfig{Items: []any{1, 2, 3}, Step: &body},
	}
	res := in.ExecuteStep(context.Background(), testFrame(nil), 0, &step)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Iterations)
}

func TestLoopContinuesThroughFailuresByDefault(t *testing.T) {
	backend := newScriptedBackend()
	backend.fail("always", "nope")
	in := newTestInterpreter(backend)

	body := toolStep("always", "always", nil, nil)
	step := schema.Step{
		Type: schema.StepTypeLoop,
		Loop: &schema.LoopConfig{Items: []any{1, 2, 3}, Step: &body},
	}
	res := in.ExecuteStep(context.Background(), testFrame(nil), 0, &step)

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Iterations)
	require.Len(t, res.Results, 3)
	assert.Equal(t, 3, backend.callCount())
}

func TestParallelJoinsAllBranches(t *testing.T) {
	backend := newScriptedBackend()
	backend.succeed("ok", map[string]any{"note": "done"})
	backend.raise("bad", errors.New("exploded"))
	in := newTestInterpreter(backend)

	step := schema.Step{
		Name: "fan out",
		Type: schema.StepTypeParallel,
		Parallel: &schema.ParallelConfig{Steps: []schema.Step{
			toolStep("ok", "ok", nil, map[string]string{"note": "note"}),
			toolStep("bad", "bad", nil, nil),
		}},
	}
	res := in.ExecuteStep(context.Background(), testFrame(nil), 0, &step)

	assert.False(t, res.Success)
	assert.Equal(t, schema.StepStatusFailed, res.Status)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, map[string]any{"note": "done"}, res.Results[0].Outputs)
	assert.False(t, res.Results[1].Success)
	assert.Contains(t, res.Results[1].Error, "exploded")
	assert.Contains(t, res.Error, "branch 1")
}

func TestDelayStepSuspends(t *testing.T) {
	in := newTestInterpreter(newScriptedBackend())

	step := schema.Step{
		Type:  schema.StepTypeDelay,
		Delay: &schema.DelayConfig{Delay: float64(30)},
	}
	start := time.Now()
	res := in.ExecuteStep(context.Background(), testFrame(nil), 0, &step)

	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDelayResolvesFromScope(t *testing.T) {
	in := newTestInterpreter(newScriptedBackend())

	step := schema.Step{
		Type:  schema.StepTypeDelay,
		Delay: &schema.DelayConfig{Delay: "{{pause}}"},
	}
	res := in.ExecuteStep(context.Background(), testFrame(vars.Scope{"pause": "10"}), 0, &step)

	assert.True(t, res.Success)
}

func TestManualStepPublishesAndSucceeds(t *testing.T) {
	hub := streaming.NewMemoryHub()
	in := NewInterpreter(newScriptedBackend(), nil, hub, nil)

	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventManualStepRequired},
	})
	require.NoError(t, err)
	defer cancel()

	step := schema.Step{
		Name:   "confirm",
		Type:   schema.StepTypeManual,
		Manual: &schema.ManualConfig{Instructions: "verify {{service}} is healthy"},
	}
	res := in.ExecuteStep(context.Background(), testFrame(vars.Scope{"service": "api"}), 1, &step)

	assert.True(t, res.Success)

	select {
	case ev := <-ch:
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, "verify api is healthy", payload["instructions"])
	case <-time.After(time.Second):
		t.Fatal("expected manual_step_required event")
	}
}

func TestParseDelay(t *testing.T) {
	cases := []struct {
		in   any
		want time.Duration
	}{
		{float64(1500), 1500 * time.Millisecond},
		{42, 42 * time.Millisecond},
		{"250", 250 * time.Millisecond},
		{"2s", 2 * time.Second},
	}
	for _, tc := range cases {
		got, err := parseDelay(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := parseDelay("soon")
	assert.Error(t, err)
	_, err = parseDelay([]any{1})
	assert.Error(t, err)
}

func TestLookupPath(t *testing.T) {
	raw := map[string]any{
		"body": map[string]any{
			"items": []any{
				map[string]any{"id": "a"},
				map[string]any{"id": "b"},
			},
		},
		"status": 200,
	}

	v, ok := lookupPath(raw, "body.items.1.id")
	require.True(t, ok)
	assert.Equal(t, "b", v)

	v, ok = lookupPath(raw, "status")
	require.True(t, ok)
	assert.Equal(t, 200, v)

	_, ok = lookupPath(raw, "body.missing")
	assert.False(t, ok)
	_, ok = lookupPath(raw, "body.items.9.id")
	assert.False(t, ok)
}
