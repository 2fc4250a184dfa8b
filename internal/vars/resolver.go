package vars

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Scope is the flat key/value mapping visible to templating and condition
// evaluation at a given point in an execution.
type Scope map[string]any

// Clone returns a shallow copy of the scope. Derived frames for loop
// iterations and parallel branches start from a clone so writes never reach
// the parent.
func (s Scope) Clone() Scope {
	cp := make(Scope, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// Merge overwrites the scope with all entries of other. Later steps can
// overwrite earlier step outputs; nothing is ever deleted.
func (s Scope) Merge(other map[string]any) {
	for k, v := range other {
		s[k] = v
	}
}

var (
	placeholderRe = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	wholeRe       = regexp.MustCompile(`^\{\{([^{}]*)\}\}$`)
)

// Resolve substitutes {{name}} placeholders in value against the scope.
// Strings resolve placeholder-wise, sequences element-wise, mappings
// value-wise; everything else passes through. Unmatched placeholders stay
// verbatim. Resolve never mutates its input.
func Resolve(value any, scope Scope) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, scope)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, scope)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, scope)
		}
		return out
	default:
		return value
	}
}

// ResolveString is Resolve restricted to strings, for callers that need the
// string form back (command lines, working directories).
func ResolveString(s string, scope Scope) string {
	resolved := resolveString(s, scope)
	if str, ok := resolved.(string); ok {
		return str
	}
	return Stringify(resolved)
}

// resolveString handles the two placeholder positions: a string that is
// exactly one placeholder resolves to the typed scope value (so loop items can
// reference a list), while embedded placeholders stringify inline.
func resolveString(s string, scope Scope) any {
	if m := wholeRe.FindStringSubmatch(s); m != nil {
		name := strings.TrimSpace(m[1])
		if val, ok := scope[name]; ok {
			return val
		}
		return s
	}

	return placeholderRe.ReplaceAllStringFunc(s, func(token string) string {
		name := strings.TrimSpace(token[2 : len(token)-2])
		val, ok := scope[name]
		if !ok {
			return token
		}
		return Stringify(val)
	})
}

// Stringify renders a resolved value for inline embedding. Strings embed
// as-is; composites JSON-encode.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
