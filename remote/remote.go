// Package remote defines the narrow surface the runner needs from a browser
// session provider.
package remote

import (
	"context"

	"github.com/gantrylabs/gantry/types"
)

// Session is one live browser session.
type Session interface {
	// ID is the provider-assigned session identifier.
	ID() string
	// Capabilities are the capabilities the provider actually granted.
	Capabilities() types.Capabilities
	// Get navigates the session to url.
	Get(ctx context.Context, url string) error
	// Quit closes the session.
	Quit(ctx context.Context) error
}

// Provider opens sessions for resolved environments.
type Provider interface {
	NewSession(ctx context.Context, env types.Environment) (Session, error)
}

// CoverageSource is implemented by sessions that can report the coverage
// accumulated in their browser context. It is queried after functional
// suites finish, before the session closes.
type CoverageSource interface {
	Coverage(ctx context.Context) ([]byte, error)
}

// Remote pairs a live session with the environment it was opened for. Tests
// reach it through their suite to drive the browser.
type Remote struct {
	Session

	Env types.Environment
}
