package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runbookd/runbook/internal/expressions"
	"github.com/runbookd/runbook/pkg/schema"
)

// NewEvalTool returns the eval tool. It evaluates an expression against the
// given data using one of the registered expression engines (cel, expr, jq).
func NewEvalTool(engines ...expressions.Engine) (Tool, error) {
	if len(engines) == 0 {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, fmt.Errorf("create eval tool: %w", err)
		}
		engines = []expressions.Engine{
			cel,
			expressions.NewExprEngine(),
			expressions.NewGoJQEngine(),
		}
	}

	byName := make(map[string]expressions.Engine, len(engines))
	for _, e := range engines {
		byName[e.Name()] = e
	}
	return &evalTool{engines: byName}, nil
}

const evalInputSchema = `{
  "type": "object",
  "properties": {
    "engine": {"type": "string", "enum": ["cel", "expr", "jq"], "default": "expr"},
    "expression": {"type": "string"},
    "data": {"type": "object"}
  },
  "required": ["expression"]
}`

type evalTool struct {
	engines map[string]expressions.Engine
}

func (t *evalTool) Name() string { return "eval" }

func (t *evalTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Evaluate an expression (cel, expr, or jq) against structured data.",
		InputSchema: json.RawMessage(evalInputSchema),
	}
}

func (t *evalTool) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "eval: missing required param 'expression'")
	}
	name := stringParam(params, "engine", "expr")
	if _, ok := t.engines[name]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "eval: unknown engine %q", name)
	}
	return nil
}

func (t *evalTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	if err := t.Validate(params); err != nil {
		return nil, err
	}

	engine := t.engines[stringParam(params, "engine", "expr")]
	expression := stringParam(params, "expression", "")
	data := mapParam(params, "data")

	result, err := engine.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"result":  result,
		"engine":  engine.Name(),
		"success": true,
	}, nil
}
