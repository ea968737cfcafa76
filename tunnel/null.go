package tunnel

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/gantrylabs/gantry/types"
)

func init() {
	Register("null", func(opts Options) (Tunnel, error) {
		logger := opts.Logger
		if logger == nil {
			logger = log.Root()
		}
		return &NullTunnel{
			log:       logger,
			clientURL: opts.ClientURL,
			events:    make(chan Event, 4),
		}, nil
	})
}

// NullTunnel is the default tunnel. It carries no traffic: sessions are
// assumed to reach the local server directly. It still reports readiness so
// the run lifecycle is identical with and without a real tunnel.
type NullTunnel struct {
	log       log.Logger
	clientURL string

	mu      sync.Mutex
	started bool
	stopped bool
	events  chan Event
}

func (t *NullTunnel) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("tunnel already started")
	}
	t.started = true
	t.log.Debug("Null tunnel ready", "clientURL", t.clientURL)
	t.events <- StatusEvent{Status: "ready"}
	return nil
}

func (t *NullTunnel) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	close(t.events)
	return nil
}

func (t *NullTunnel) Environments(ctx context.Context) ([]types.Environment, error) {
	return nil, nil
}

func (t *NullTunnel) SendJobState(ctx context.Context, sessionID string, passed bool) error {
	t.log.Debug("Session verdict", "sessionID", sessionID, "passed", passed)
	return nil
}

func (t *NullTunnel) ClientURL() string { return t.clientURL }

func (t *NullTunnel) ExtraCapabilities() types.Capabilities { return nil }

func (t *NullTunnel) Events() <-chan Event { return t.events }
