package permissions

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/runbookd/runbook/pkg/schema"
)

// pathParamKeys are the tool parameter names treated as filesystem paths and
// checked against restricted patterns.
var pathParamKeys = []string{"path", "file", "cwd", "directory", "working_directory"}

// ModePolicy is the tool and path policy for a single operating mode.
// Blocked patterns take precedence over allowed ones; an empty allowed list
// permits every tool not blocked.
type ModePolicy struct {
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	BlockedTools    []string `json:"blocked_tools,omitempty"`
	RestrictedPaths []string `json:"restricted_paths,omitempty"`
}

// PolicyAuthority is an Authority backed by per-mode policies. Modes without
// a policy fall back to the default policy; with no default either, the mode
// is unrestricted.
type PolicyAuthority struct {
	modes       map[string]ModePolicy
	defaultMode *ModePolicy
}

// NewPolicyAuthority creates a PolicyAuthority from per-mode policies.
func NewPolicyAuthority(modes map[string]ModePolicy) *PolicyAuthority {
	if modes == nil {
		modes = map[string]ModePolicy{}
	}
	return &PolicyAuthority{modes: modes}
}

// WithDefault sets the fallback policy applied to modes without an explicit
// entry.
func (a *PolicyAuthority) WithDefault(policy ModePolicy) *PolicyAuthority {
	a.defaultMode = &policy
	return a
}

// IsToolAllowed checks the tool name against the mode's allow/block patterns
// and every path-like parameter against the mode's restricted path patterns.
func (a *PolicyAuthority) IsToolAllowed(name string, params map[string]any, mode string) error {
	policy, ok := a.modes[mode]
	if !ok {
		if a.defaultMode == nil {
			return nil
		}
		policy = *a.defaultMode
	}

	for _, pattern := range policy.BlockedTools {
		if matchesToolPattern(name, strings.TrimPrefix(pattern, "!")) {
			return schema.NewErrorf(schema.ErrCodeToolNotPermitted,
				"tool %q is blocked in mode %q", name, mode)
		}
	}

	if len(policy.AllowedTools) > 0 {
		allowed := false
		for _, pattern := range policy.AllowedTools {
			if matchesToolPattern(name, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return schema.NewErrorf(schema.ErrCodeToolNotPermitted,
				"tool %q is not allowed in mode %q", name, mode)
		}
	}

	if len(policy.RestrictedPaths) > 0 {
		for _, key := range pathParamKeys {
			raw, ok := params[key]
			if !ok {
				continue
			}
			path, ok := raw.(string)
			if !ok || path == "" {
				continue
			}
			if pattern, hit := matchRestrictedPath(policy.RestrictedPaths, path); hit {
				return schema.NewErrorf(schema.ErrCodeFileRestricted,
					"tool %q may not access %q in mode %q: path matches restricted pattern %q",
					name, path, mode, pattern)
			}
		}
	}

	return nil
}

// matchesToolPattern checks a tool name against a glob pattern like "shell.*"
// or an exact name. Invalid patterns fall back to exact comparison.
func matchesToolPattern(toolName, pattern string) bool {
	if toolName == pattern {
		return true
	}
	matched, err := doublestar.Match(pattern, toolName)
	if err != nil {
		return false
	}
	return matched
}

func matchRestrictedPath(patterns []string, path string) (string, bool) {
	normalized := normalizePath(path)
	for _, pattern := range patterns {
		matched, err := doublestar.Match(normalizePath(pattern), normalized)
		if err != nil {
			continue
		}
		if matched {
			return pattern, true
		}
	}
	return "", false
}

// normalizePath converts to forward slashes and strips a leading ./ so
// patterns match consistently across platforms.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.TrimPrefix(path, "./")
}

var _ Authority = (*PolicyAuthority)(nil)
