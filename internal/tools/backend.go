package tools

import (
	"context"
	"encoding/json"
)

// Backend is the engine's view of the tool-invocation surface. The engine
// treats Execute as opaque and possibly slow; it never retries.
type Backend interface {
	HasTool(name string) bool
	ExecuteTool(ctx context.Context, name string, params map[string]any) (map[string]any, error)
}

// Tool is an executable unit of work invocable from a workflow step.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
	Validate(params map[string]any) error
}

// ToolSchema describes the input/output contract of a tool.
type ToolSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ToolInfo is a summary of a registered tool for listing.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
