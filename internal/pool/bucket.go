package pool

import (
	"time"

	"github.com/sqlgateway/connpool/internal/backend"
)

// poolEntry is one idle connection sitting in a bucket.
type poolEntry struct {
	conn       *backend.Conn
	lastAccess time.Time
}

// bucket holds every idle connection opened for one (dbname, username)
// pair within an endpoint, plus the cached password hash that gates
// whether a new request's password is trusted to reuse one without
// re-running the backend auth handshake. conns is a LIFO stack: the most
// recently returned connection is reused first, which keeps whichever
// connections are actually busy warm (TCP, TLS, server-side caches) and
// lets genuinely idle ones age out of use even though nothing here times
// them out explicitly.
type bucket struct {
	conns        []*poolEntry
	passwordHash string // empty means "no cached hash"
}

func (b *bucket) push(e *poolEntry) {
	b.conns = append(b.conns, e)
}

// pop removes and returns the most recently pushed entry, or nil if empty.
func (b *bucket) pop() *poolEntry {
	n := len(b.conns)
	if n == 0 {
		return nil
	}
	e := b.conns[n-1]
	b.conns[n-1] = nil
	b.conns = b.conns[:n-1]
	return e
}

func (b *bucket) len() int {
	return len(b.conns)
}
