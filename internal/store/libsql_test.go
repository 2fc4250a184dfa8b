package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbookd/runbook/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := "file:" + filepath.Join(t.TempDir(), "runbook.db")
	s, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	source, _ := json.Marshal(map[string]any{"name": "deploy", "steps": []any{}})
	wf := &WorkflowRecord{
		ID:          "wf-1",
		Name:        "deploy",
		Description: "deploy the service",
		Source:      source,
		Enabled:     true,
	}
	require.NoError(t, s.PutWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "deploy", got.Name)
	assert.Equal(t, "deploy the service", got.Description)
	assert.JSONEq(t, string(source), string(got.Source))
	assert.True(t, got.Enabled)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestPutWorkflowUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &WorkflowRecord{ID: "wf-1", Name: "v1", Source: []byte(`{}`), Enabled: true}
	require.NoError(t, s.PutWorkflow(ctx, wf))

	wf.Name = "v2"
	require.NoError(t, s.PutWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestListWorkflowsEnabledOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutWorkflow(ctx, &WorkflowRecord{ID: "a", Name: "a", Source: []byte(`{}`), Enabled: true}))
	require.NoError(t, s.PutWorkflow(ctx, &WorkflowRecord{ID: "b", Name: "b", Source: []byte(`{}`), Enabled: false}))

	enabled, err := s.ListWorkflows(ctx, WorkflowFilter{EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "a", enabled[0].ID)
}

func TestSetWorkflowEnabledAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutWorkflow(ctx, &WorkflowRecord{ID: "a", Name: "a", Source: []byte(`{}`), Enabled: true}))
	require.NoError(t, s.SetWorkflowEnabled(ctx, "a", false))

	got, err := s.GetWorkflow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, s.DeleteWorkflow(ctx, "a"))
	_, err = s.GetWorkflow(ctx, "a")
	assert.Error(t, err)

	err = s.DeleteWorkflow(ctx, "a")
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	run := &Run{
		ID:           "run-1",
		WorkflowID:   "wf-1",
		WorkflowName: "deploy",
		Status:       string(schema.ExecutionStatusRunning),
		Trigger:      "manual",
		UserID:       "ops",
		Mode:         "interactive",
		StartedAt:    started,
	}
	require.NoError(t, s.SaveRun(ctx, run))

	// Complete the run and upsert.
	completed := started.Add(2 * time.Second)
	run.Status = string(schema.ExecutionStatusCompleted)
	run.CompletedAt = &completed
	run.Results = []byte(`[{"step_index":0,"success":true}]`)
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, string(schema.ExecutionStatusCompleted), got.Status)
	assert.Equal(t, "manual", got.Trigger)
	assert.Equal(t, "ops", got.UserID)
	require.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, string(run.Results), string(got.Results))
	assert.Nil(t, got.Errors)
}

func TestListRunsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, st := range []string{"completed", "failed", "completed"} {
		wfID := "wf-1"
		if i == 2 {
			wfID = "wf-2"
		}
		require.NoError(t, s.SaveRun(ctx, &Run{
			ID:         "run-" + string(rune('a'+i)),
			WorkflowID: wfID,
			Status:     st,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	byWorkflow, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	completed, err := s.ListRuns(ctx, RunFilter{Status: "completed"})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	// Most recent first.
	assert.Equal(t, "run-c", limited[0].ID)
}

func TestEventLogOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, et := range []string{"execution_started", "step_started", "step_completed"} {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			ExecutionID: "exec-1",
			WorkflowID:  "wf-1",
			EventType:   et,
			StepIndex:   i - 1,
			Payload:     []byte(`{"n":` + string(rune('0'+i)) + `}`),
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "exec-2", EventType: "execution_started", StepIndex: -1}))

	events, err := s.GetEvents(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "execution_started", events[0].EventType)
	assert.Equal(t, "step_completed", events[2].EventType)
	assert.Greater(t, events[1].ID, events[0].ID)
}

func TestScheduleLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutWorkflow(ctx, &WorkflowRecord{ID: "wf-1", Name: "nightly", Source: []byte(`{}`), Enabled: true}))

	sched := &Schedule{
		ID:         "sched-1",
		WorkflowID: "wf-1",
		CronExpr:   "0 2 * * *",
		Variables:  []byte(`{"env":"prod"}`),
		Enabled:    true,
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	got, err := s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", got.CronExpr)
	assert.JSONEq(t, `{"env":"prod"}`, string(got.Variables))
	assert.Nil(t, got.LastRunAt)

	require.NoError(t, s.TouchSchedule(ctx, "sched-1"))
	got, err = s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)

	require.NoError(t, s.SetScheduleEnabled(ctx, "sched-1", false))
	enabled, err := s.ListSchedules(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := s.ListSchedules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteSchedule(ctx, "sched-1"))
	_, err = s.GetSchedule(ctx, "sched-1")
	assert.Error(t, err)
}

func TestScheduleCascadeOnWorkflowDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutWorkflow(ctx, &WorkflowRecord{ID: "wf-1", Name: "n", Source: []byte(`{}`), Enabled: true}))
	require.NoError(t, s.CreateSchedule(ctx, &Schedule{ID: "s-1", WorkflowID: "wf-1", CronExpr: "* * * * *", Enabled: true}))

	require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))

	_, err := s.GetSchedule(ctx, "s-1")
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}
