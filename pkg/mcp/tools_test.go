package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbookd/runbook/internal/engine"
	"github.com/runbookd/runbook/internal/permissions"
	"github.com/runbookd/runbook/internal/store"
	"github.com/runbookd/runbook/internal/streaming"
	"github.com/runbookd/runbook/internal/tools"
	"github.com/runbookd/runbook/internal/validation"
	"github.com/runbookd/runbook/pkg/schema"
)

// --- Mock store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	workflows []*store.WorkflowRecord
	runs      []*store.Run
	events    []*store.Event
	schedules []*store.Schedule
}

func (m *mockStore) PutWorkflow(_ context.Context, wf *store.WorkflowRecord) error {
	m.workflows = append(m.workflows, wf)
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.WorkflowRecord, error) {
	for _, wf := range m.workflows {
		if wf.ID == id {
			return wf, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.WorkflowRecord, error) {
	result := m.workflows
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	result := make([]*store.Run, 0)
	for _, r := range m.runs {
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, executionID string) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.ExecutionID == executionID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *mockStore) CreateSchedule(_ context.Context, sched *store.Schedule) error {
	m.schedules = append(m.schedules, sched)
	return nil
}

func (m *mockStore) ListSchedules(_ context.Context, _ bool) ([]*store.Schedule, error) {
	return m.schedules, nil
}

// --- Stub tool ---

type noopTool struct{}

func (noopTool) Name() string              { return "noop" }
func (noopTool) Schema() tools.ToolSchema  { return tools.ToolSchema{Description: "does nothing"} }
func (noopTool) Validate(map[string]any) error { return nil }
func (noopTool) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"success": true, "echo": params["value"]}, nil
}

// --- Helpers ---

func newTestServer(t *testing.T, st store.Store) *RunbookServer {
	t.Helper()
	logger := slog.Default()

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(noopTool{}))

	hub := streaming.NewMemoryHub()
	interp := engine.NewInterpreter(registry, permissions.AllowAll{}, hub, logger)
	controller := engine.NewController(engine.Config{}, interp, hub, permissions.StaticMode("auto"), logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = controller.Shutdown(ctx)
	})

	validator, err := validation.NewWorkflowValidator(registry)
	require.NoError(t, err)

	return NewRunbookServer(RunbookServerDeps{
		Controller: controller,
		Store:      st,
		Validator:  validator,
		Registry:   registry,
		Hub:        hub,
		Logger:     logger,
	})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func inlineWorkflow() map[string]any {
	return map[string]any{
		"name": "greet",
		"steps": []any{
			map[string]any{
				"name": "call",
				"type": "tool",
				"tool": map[string]any{
					"tool_name":  "noop",
					"parameters": map[string]any{"value": "{{who}}"},
				},
			},
		},
	}
}

func resultPayload(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &payload))
	return payload
}

// --- Tests ---

func TestSubmitInlineWorkflow(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	req := buildRequest("runbook.submit", map[string]any{
		"workflow":  inlineWorkflow(),
		"variables": map[string]any{"who": "world"},
		"user_id":   "user-1",
	})

	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	payload := resultPayload(t, result)
	executionID := payload["execution_id"].(string)
	require.NotEmpty(t, executionID)
	assert.Equal(t, "greet", payload["workflow_name"])

	// Wait for completion and check the resolved parameter flowed through.
	waitReq := buildRequest("runbook.wait", map[string]any{
		"execution_id": executionID,
		"timeout":      "5s",
	})
	waitResult, err := s.handleWait(context.Background(), waitReq)
	require.NoError(t, err)
	require.False(t, waitResult.IsError)

	exec := resultPayload(t, waitResult)
	assert.Equal(t, string(schema.ExecutionStatusCompleted), exec["status"])
}

func TestSubmitStoredWorkflow(t *testing.T) {
	source, _ := json.Marshal(inlineWorkflow())
	ms := &mockStore{workflows: []*store.WorkflowRecord{
		{ID: "wf-1", Name: "greet", Source: source, Enabled: true},
	}}
	s := newTestServer(t, ms)

	req := buildRequest("runbook.submit", map[string]any{"workflow_id": "wf-1"})
	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestSubmitDisabledWorkflowRejected(t *testing.T) {
	source, _ := json.Marshal(inlineWorkflow())
	ms := &mockStore{workflows: []*store.WorkflowRecord{
		{ID: "wf-1", Name: "greet", Source: source, Enabled: false},
	}}
	s := newTestServer(t, ms)

	result, err := s.handleSubmit(context.Background(), buildRequest("runbook.submit", map[string]any{"workflow_id": "wf-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSubmitInvalidWorkflowRejected(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	req := buildRequest("runbook.submit", map[string]any{
		"workflow": map[string]any{"name": "bad", "steps": []any{}},
	})
	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSubmitRequiresWorkflowOrID(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleSubmit(context.Background(), buildRequest("runbook.submit", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusUnknownExecution(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleStatus(context.Background(), buildRequest("runbook.status", map[string]any{
		"execution_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelNotRunning(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleCancel(context.Background(), buildRequest("runbook.cancel", map[string]any{
		"execution_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDefineStoresValidWorkflow(t *testing.T) {
	ms := &mockStore{}
	s := newTestServer(t, ms)

	req := buildRequest("runbook.define", map[string]any{
		"workflow":    inlineWorkflow(),
		"description": "greeting runbook",
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.Len(t, ms.workflows, 1)
	assert.Equal(t, "greet", ms.workflows[0].Name)
	assert.Equal(t, "greeting runbook", ms.workflows[0].Description)
	assert.True(t, ms.workflows[0].Enabled)
}

func TestDefineRejectsUnknownTool(t *testing.T) {
	ms := &mockStore{}
	s := newTestServer(t, ms)

	wf := map[string]any{
		"name": "bad",
		"steps": []any{
			map[string]any{
				"type": "tool",
				"tool": map[string]any{"tool_name": "missing"},
			},
		},
	}
	result, err := s.handleDefine(context.Background(), buildRequest("runbook.define", map[string]any{"workflow": wf}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.workflows)
}

func TestScheduleValidatesCron(t *testing.T) {
	source, _ := json.Marshal(inlineWorkflow())
	ms := &mockStore{workflows: []*store.WorkflowRecord{
		{ID: "wf-1", Name: "greet", Source: source, Enabled: true},
	}}
	s := newTestServer(t, ms)

	result, err := s.handleSchedule(context.Background(), buildRequest("runbook.schedule", map[string]any{
		"workflow_id": "wf-1",
		"cron":        "not valid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleSchedule(context.Background(), buildRequest("runbook.schedule", map[string]any{
		"workflow_id": "wf-1",
		"cron":        "0 2 * * *",
		"variables":   map[string]any{"env": "prod"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, ms.schedules, 1)
	assert.Equal(t, "wf-1", ms.schedules[0].WorkflowID)
	assert.JSONEq(t, `{"env":"prod"}`, string(ms.schedules[0].Variables))
}

func TestScheduleUnknownWorkflow(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleSchedule(context.Background(), buildRequest("runbook.schedule", map[string]any{
		"workflow_id": "missing",
		"cron":        "0 2 * * *",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryResources(t *testing.T) {
	ms := &mockStore{
		runs:   []*store.Run{{ID: "run-1", WorkflowID: "wf-1", Status: "completed"}},
		events: []*store.Event{{ID: 1, ExecutionID: "exec-1", EventType: "execution_started"}},
	}
	s := newTestServer(t, ms)

	for _, resource := range []string{"workflows", "active", "history", "schedules", "tools", "stats"} {
		result, err := s.handleQuery(context.Background(), buildRequest("runbook.query", map[string]any{
			"resource": resource,
		}))
		require.NoError(t, err, resource)
		assert.False(t, result.IsError, resource)
	}

	result, err := s.handleQuery(context.Background(), buildRequest("runbook.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"workflow_id": "wf-1"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	payload := resultPayload(t, result)
	assert.Len(t, payload["runs"], 1)

	result, err = s.handleQuery(context.Background(), buildRequest("runbook.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": "exec-1"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	// Events without an execution_id filter are rejected.
	result, err = s.handleQuery(context.Background(), buildRequest("runbook.query", map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryToolsListsRegistry(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleQuery(context.Background(), buildRequest("runbook.query", map[string]any{
		"resource": "tools",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	payload := resultPayload(t, result)
	list := payload["tools"].([]any)
	require.Len(t, list, 1)
	info := list[0].(map[string]any)
	assert.Equal(t, "noop", info["name"])
}

func TestClearHistory(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleClearHistory(context.Background(), buildRequest("runbook.clear_history", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, true, resultPayload(t, result)["cleared"])
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 50, extractInt(nil, "limit", 50))
	assert.Equal(t, 10, extractInt(map[string]any{"limit": float64(10)}, "limit", 50))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": "7"}, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{"limit": "x"}, "limit", 50))
}
