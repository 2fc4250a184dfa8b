package vars

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/runbookd/runbook/pkg/schema"
)

// EvaluateConditions reports whether every condition in the list holds
// against the scope. An empty list is vacuously true. Unknown operators are
// treated as satisfied so a typo in one guard cannot silently mask a step;
// the miss is logged at warning level.
func EvaluateConditions(conds []schema.Condition, scope Scope, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	for _, c := range conds {
		if !evaluateCondition(c, scope, logger) {
			return false
		}
	}
	return true
}

func evaluateCondition(c schema.Condition, scope Scope, logger *slog.Logger) bool {
	actual, bound := scope[c.Variable]
	want := Resolve(c.Value, scope)

	switch c.Operator {
	case schema.OpExists:
		return bound && actual != nil
	case schema.OpNotExists:
		return !bound || actual == nil
	case schema.OpEquals, "==":
		return bound && looseEqual(actual, want)
	case schema.OpNotEquals, "!=":
		return !bound || !looseEqual(actual, want)
	case schema.OpGreaterThan, ">":
		a, aok := toFloat(actual)
		b, bok := toFloat(want)
		return bound && aok && bok && a > b
	case schema.OpLessThan, "<":
		a, aok := toFloat(actual)
		b, bok := toFloat(want)
		return bound && aok && bok && a < b
	case schema.OpContains:
		if !bound {
			return false
		}
		return containsValue(actual, want)
	default:
		logger.Warn("unknown condition operator, treating as satisfied",
			"operator", c.Operator,
			"variable", c.Variable)
		return true
	}
}

// looseEqual compares with numeric coercion: values that both read as numbers
// compare numerically ("5" equals 5), everything else compares by string
// form.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return Stringify(a) == Stringify(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// containsValue checks substring membership for strings and element
// membership for slices.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, Stringify(needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(Stringify(haystack), Stringify(needle))
	}
}
