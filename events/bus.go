package events

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// Bus is a synchronous fan-out of run events. Subscribers are invoked on the
// publishing goroutine, so handlers must be fast and must not block on the
// Bus itself.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]func(Event)
	next int
	log  log.Logger
}

// NewBus creates a Bus that reports undeliverable failures to logger.
func NewBus(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.Root()
	}
	return &Bus{
		subs: make(map[int]func(Event)),
		log:  logger,
	}
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes the subscription. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Emit delivers ev to every current subscriber. Delivery order between
// subscribers is not guaranteed.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// HasSubscribers reports whether any subscription is active.
func (b *Bus) HasSubscribers() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) > 0
}

// Fail wraps err in an immutable UncaughtError carrying prefix and publishes
// it as an Error event. When nothing is subscribed the failure is surfaced on
// the diagnostic logger instead so it cannot disappear silently.
func (b *Bus) Fail(prefix string, err error) {
	if err == nil {
		return
	}
	wrapped := &UncaughtError{Prefix: prefix, Err: err}
	if !b.HasSubscribers() {
		b.log.Error("uncaught failure with no error subscriber", "err", wrapped)
		return
	}
	b.Emit(Error{Err: wrapped})
}
