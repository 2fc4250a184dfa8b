package expressions

import "context"

// Engine evaluates expressions against execution variables. Three
// implementations back the eval builtin tool: CEL (predicates), GoJQ
// (transforms), Expr (general logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
