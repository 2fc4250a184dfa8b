package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbookd/runbook/internal/store"
	"github.com/runbookd/runbook/pkg/schema"
)

// recordingStore captures events and runs in memory.
type recordingStore struct {
	store.Store
	mu     sync.Mutex
	events []*store.Event
	runs   map[string]*store.Run
}

func newRecordingStore() *recordingStore {
	return &recordingStore{runs: make(map[string]*store.Run)}
}

func (m *recordingStore) AppendEvent(_ context.Context, ev *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *recordingStore) SaveRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *recordingStore) eventTypes(executionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.ExecutionID == executionID {
			out = append(out, ev.EventType)
		}
	}
	return out
}

func (m *recordingStore) run(id string) *store.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRecorderPersistsEventsAndArchivesRun(t *testing.T) {
	backend := newScriptedBackend()
	backend.succeed("step", map[string]any{"success": true})

	c, hub := newTestController(backend, Config{})
	rs := newRecordingStore()

	rec := NewRecorder(rs, hub, c, c.logger)
	require.NoError(t, rec.Start(context.Background()))
	defer rec.Stop()

	exec, err := c.Submit(context.Background(), simpleWorkflow(
		toolStep("archived", "step", nil, nil),
	), SubmitOptions{
		Trigger: "test",
		UserID:  "user-1",
	})
	require.NoError(t, err)
	waitDone(t, c, exec.ID)

	waitFor(t, func() bool { return rs.run(exec.ID) != nil })

	run := rs.run(exec.ID)
	assert.Equal(t, string(schema.ExecutionStatusCompleted), run.Status)
	assert.Equal(t, "test", run.Trigger)
	assert.Equal(t, "user-1", run.UserID)
	assert.NotNil(t, run.CompletedAt)
	assert.NotEmpty(t, run.Results)

	types := rs.eventTypes(exec.ID)
	assert.Contains(t, types, schema.EventExecutionStarted)
	assert.Contains(t, types, schema.EventStepStarted)
	assert.Contains(t, types, schema.EventStepCompleted)
	assert.Contains(t, types, schema.EventExecutionCompleted)
}

func TestRecorderArchivesFailedRun(t *testing.T) {
	backend := newScriptedBackend()
	backend.fail("boom", "it broke")

	c, hub := newTestController(backend, Config{})
	rs := newRecordingStore()

	rec := NewRecorder(rs, hub, c, c.logger)
	require.NoError(t, rec.Start(context.Background()))
	defer rec.Stop()

	exec, err := c.Submit(context.Background(), simpleWorkflow(
		toolStep("failing", "boom", nil, nil),
	), SubmitOptions{})
	require.NoError(t, err)
	waitDone(t, c, exec.ID)

	waitFor(t, func() bool { return rs.run(exec.ID) != nil })
	assert.Equal(t, string(schema.ExecutionStatusFailed), rs.run(exec.ID).Status)
}

func TestRecorderStopDrains(t *testing.T) {
	backend := newScriptedBackend()
	c, hub := newTestController(backend, Config{})
	rs := newRecordingStore()

	rec := NewRecorder(rs, hub, c, c.logger)
	require.NoError(t, rec.Start(context.Background()))
	rec.Stop()
	// Stop twice is a no-op.
	rec.Stop()
}
