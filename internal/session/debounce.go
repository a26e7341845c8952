package session

import (
	"sync"
	"time"
)

// debouncer owns at most one pending timer. A new schedule within the
// quiet period cancels and replaces the pending call (trailing-edge
// debounce), and cancel makes teardown deterministic: no write fires
// after the owning cache is closed.
type debouncer struct {
	mu    sync.Mutex
	quiet time.Duration
	timer *time.Timer
}

func newDebouncer(quiet time.Duration) *debouncer {
	return &debouncer{quiet: quiet}
}

// schedule arranges for fn to run once the quiet period elapses without
// another schedule call.
func (d *debouncer) schedule(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, fn)
}

// cancel stops any pending call.
func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
