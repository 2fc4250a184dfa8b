package permissions

// Authority decides whether a tool invocation may run under the active
// operating mode. A nil return allows the call; denials carry a
// human-readable reason that step results must surface unmasked.
type Authority interface {
	IsToolAllowed(name string, params map[string]any, mode string) error
}

// ModeProvider reports the identifier of the active operating mode. The
// engine records it on every execution and hands it to the Authority.
type ModeProvider interface {
	CurrentMode() string
}

// StaticMode is a ModeProvider pinned to a single mode identifier.
type StaticMode string

// CurrentMode returns the pinned mode identifier.
func (m StaticMode) CurrentMode() string { return string(m) }

// AllowAll is an Authority that permits every tool in every mode.
type AllowAll struct{}

// IsToolAllowed always returns nil.
func (AllowAll) IsToolAllowed(name string, params map[string]any, mode string) error { return nil }
