package backend

import (
	"sync"

	"github.com/google/uuid"
)

// sessionWatch is a single-producer, single-reader cell carrying the
// session id of whichever request currently holds a connection leased out
// of the pool. It plays the role of Rust's tokio::sync::watch here: Send
// never blocks and always overwrites, Load always observes the latest
// value, and a changed-flag lets the reader skip redundant wakeups.
type sessionWatch struct {
	mu      sync.Mutex
	current uuid.UUID
	changed chan struct{}
}

func newSessionWatch(initial uuid.UUID) *sessionWatch {
	return &sessionWatch{
		current: initial,
		changed: make(chan struct{}, 1),
	}
}

// Send rebinds the watched session id. It never blocks: the changed signal
// is a buffered channel of size one, so a send that arrives while a prior
// signal is still unconsumed simply coalesces with it.
func (w *sessionWatch) Send(id uuid.UUID) {
	w.mu.Lock()
	w.current = id
	w.mu.Unlock()
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// Changed returns the channel the driver loop selects on to learn a new
// session id is available.
func (w *sessionWatch) Changed() <-chan struct{} {
	return w.changed
}

// Load returns the most recently sent session id.
func (w *sessionWatch) Load() uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
