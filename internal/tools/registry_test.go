package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbookd/runbook/pkg/schema"
)

type fakeTool struct {
	name   string
	result map[string]any
	err    error
}

func (f *fakeTool) Name() string                          { return f.name }
func (f *fakeTool) Schema() ToolSchema                    { return ToolSchema{Description: "fake"} }
func (f *fakeTool) Validate(params map[string]any) error  { return nil }
func (f *fakeTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f.result, f.err
}

func TestRegistryRegisterAndExecute(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeTool{name: "noop", result: map[string]any{"x": 1}}))

	assert.True(t, reg.HasTool("noop"))
	assert.False(t, reg.HasTool("absent"))

	out, err := reg.ExecuteTool(context.Background(), "noop", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out["x"])
	assert.Equal(t, true, out["success"])
}

func TestRegistryDuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeTool{name: "dup"}))

	err := reg.Register(&fakeTool{name: "dup"})
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeConflict, ee.Code)
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.ExecuteTool(context.Background(), "missing", nil)
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeToolNotFound, ee.Code)
}

func TestRegistryPreservesExplicitSuccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeTool{
		name:   "failing",
		result: map[string]any{"success": false, "reason": "boom"},
	}))

	out, err := reg.ExecuteTool(context.Background(), "failing", nil)
	require.NoError(t, err)
	assert.Equal(t, false, out["success"])
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterAll([]Tool{
		&fakeTool{name: "zeta"},
		&fakeTool{name: "alpha"},
	}))

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "zeta", infos[1].Name)
	assert.Equal(t, 2, reg.Count())
}
