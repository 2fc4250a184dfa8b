package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbookd/runbook/pkg/schema"
)

func TestUnknownModeIsUnrestricted(t *testing.T) {
	auth := NewPolicyAuthority(nil)

	assert.NoError(t, auth.IsToolAllowed("shell.exec", nil, "anything"))
}

func TestBlockedPatternTakesPrecedence(t *testing.T) {
	auth := NewPolicyAuthority(map[string]ModePolicy{
		"safe": {
			AllowedTools: []string{"*"},
			BlockedTools: []string{"shell.*"},
		},
	})

	err := auth.IsToolAllowed("shell.exec", nil, "safe")
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeToolNotPermitted, ee.Code)

	assert.NoError(t, auth.IsToolAllowed("http.request", nil, "safe"))
}

func TestAllowListRestricts(t *testing.T) {
	auth := NewPolicyAuthority(map[string]ModePolicy{
		"readonly": {AllowedTools: []string{"http.request", "eval"}},
	})

	assert.NoError(t, auth.IsToolAllowed("eval", nil, "readonly"))
	assert.Error(t, auth.IsToolAllowed("shell.exec", nil, "readonly"))
}

func TestRestrictedPathCarriesReason(t *testing.T) {
	auth := NewPolicyAuthority(map[string]ModePolicy{
		"safe": {RestrictedPaths: []string{"/etc/**", "**/*.pem"}},
	})

	err := auth.IsToolAllowed("shell.exec", map[string]any{"cwd": "/etc/nginx"}, "safe")
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeFileRestricted, ee.Code)
	assert.Contains(t, ee.Message, "/etc/nginx")
	assert.Contains(t, ee.Message, "/etc/**")

	assert.NoError(t, auth.IsToolAllowed("shell.exec", map[string]any{"cwd": "/srv/app"}, "safe"))
	assert.Error(t, auth.IsToolAllowed("shell.exec", map[string]any{"path": "keys/server.pem"}, "safe"))
}

func TestDefaultPolicyFallback(t *testing.T) {
	auth := NewPolicyAuthority(map[string]ModePolicy{}).
		WithDefault(ModePolicy{BlockedTools: []string{"shell.exec"}})

	assert.Error(t, auth.IsToolAllowed("shell.exec", nil, "unknown-mode"))
	assert.NoError(t, auth.IsToolAllowed("eval", nil, "unknown-mode"))
}

func TestStaticMode(t *testing.T) {
	assert.Equal(t, "interactive", StaticMode("interactive").CurrentMode())
}
