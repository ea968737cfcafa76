package tunnel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a tunnel from options.
type Factory func(opts Options) (Tunnel, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a tunnel implementation available under name. It panics if
// name is already taken, since registration happens from package init.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("tunnel: Register called twice for " + name)
	}
	factories[name] = f
}

// New builds the tunnel registered under name.
func New(name string, opts Options) (Tunnel, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tunnel %q (registered: %s)", name, strings.Join(Names(), ", "))
	}
	return f(opts)
}

// Names lists the registered tunnel names in sorted order.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
