package coverage

import "sync"

// HookPoint identifies one of the two module-load interception points.
type HookPoint int

const (
	// HookPreload intercepts sources the harness evaluates ahead of time,
	// before any session runs.
	HookPreload HookPoint = iota
	// HookServe intercepts sources loaded on demand through the test server.
	HookServe
)

// Hooks binds the instrumentation gate to the load points. Loaders consult
// the hook slot rather than the gate directly, so removal cleanly detaches
// instrumentation even while loads are still arriving.
type Hooks struct {
	mu        sync.Mutex
	gate      *Gate
	installed [2]bool
}

// InstallHooks attaches gate to both interception points.
func InstallHooks(gate *Gate) *Hooks {
	h := &Hooks{gate: gate}
	h.installed[HookPreload] = true
	h.installed[HookServe] = true
	return h
}

// Installed reports whether the given point is currently attached.
func (h *Hooks) Installed(p HookPoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installed[p]
}

// Eligible reports whether path would be transformed at point p.
func (h *Hooks) Eligible(p HookPoint, path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installed[p] && h.gate != nil && h.gate.Eligible(path)
}

// Transform runs code through the gate when the point is installed and the
// path is eligible; otherwise the code passes through untouched.
func (h *Hooks) Transform(p HookPoint, path string, code []byte) []byte {
	h.mu.Lock()
	gate := h.gate
	active := h.installed[p]
	h.mu.Unlock()

	if !active || gate == nil || !gate.Eligible(path) {
		return code
	}
	return gate.Instrument(code, path)
}

// Remove detaches both interception points. It is idempotent and always safe
// to call during teardown, even if installation never completed.
func (h *Hooks) Remove() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.installed[HookPreload] = false
	h.installed[HookServe] = false
	h.gate = nil
	h.mu.Unlock()
}
