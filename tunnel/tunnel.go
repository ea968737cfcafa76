// Package tunnel abstracts the secure tunnel that exposes the local test
// server to a remote browser provider.
package tunnel

import (
	"context"

	"github.com/ethereum/go-ethereum/log"

	"github.com/gantrylabs/gantry/types"
)

// Event is a progress or status notification from a starting tunnel.
type Event interface {
	tunnelEvent()
}

// StatusEvent reports a human-readable tunnel state change.
type StatusEvent struct {
	Status string
}

// DownloadProgressEvent reports bytes received while fetching the tunnel
// executable. Total is zero when the size is unknown.
type DownloadProgressEvent struct {
	Received int64
	Total    int64
}

func (StatusEvent) tunnelEvent()           {}
func (DownloadProgressEvent) tunnelEvent() {}

// Tunnel is a provider-specific secure tunnel. Implementations register
// themselves by name via Register.
type Tunnel interface {
	// Start launches the tunnel, downloading its executable first when
	// needed, and returns once the tunnel is ready to carry traffic.
	Start(ctx context.Context) error
	// Stop shuts the tunnel down. Stopping a tunnel that never started is
	// a no-op.
	Stop(ctx context.Context) error

	// Environments lists the environments the provider can supply so
	// requested environments can be validated and expanded. A nil list
	// means the provider does not publish its catalog.
	Environments(ctx context.Context) ([]types.Environment, error)

	// SendJobState reports a finished session's verdict to the provider.
	SendJobState(ctx context.Context, sessionID string, passed bool) error

	// ClientURL is the URL remote browsers use to reach the local server
	// through the tunnel.
	ClientURL() string

	// ExtraCapabilities are capabilities every session must carry so the
	// provider routes its traffic through this tunnel.
	ExtraCapabilities() types.Capabilities

	// Events delivers status and download progress. The channel closes
	// when the tunnel stops.
	Events() <-chan Event
}

// Options configures tunnel construction.
type Options struct {
	Logger log.Logger

	// ClientURL is the local server's externally visible URL, used by
	// tunnels that do not rewrite addresses themselves.
	ClientURL string

	// Raw carries provider-specific settings from the tunnelOptions
	// config block.
	Raw map[string]any
}
