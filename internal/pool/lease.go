package pool

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sqlgateway/connpool/internal/backend"
)

// ReadyState is the protocol-level signal CheckIdle inspects: whether the
// backend reported readiness to accept the next query in a clean
// transaction-idle state, or left a transaction open, or errored.
type ReadyState int

const (
	ReadyIdle ReadyState = iota
	ReadyInTransaction
	ReadyInFailedTransaction
)

// Lease is an owned handle to a backend connection borrowed from the pool
// for the duration of one request. It decides on return/drop whether the
// connection is still fit to be pooled.
type Lease struct {
	connID uuid.UUID
	conn   *backend.Conn
	info   ConnInfo
	index  *GlobalIndex

	mu         sync.Mutex
	returnable bool // back-reference still present
	returned   bool // Close/discard already resolved this lease
}

func newLease(conn *backend.Conn, info ConnInfo, index *GlobalIndex, returnable bool) *Lease {
	return &Lease{
		connID:     conn.ID(),
		conn:       conn,
		info:       info,
		index:      index,
		returnable: returnable,
	}
}

// Query runs sql against the leased connection. Any failure is a transport
// error: the lease should be discarded rather than considered for reuse.
func (l *Lease) Query(ctx context.Context, sql string) (backend.QueryResult, error) {
	result, err := l.conn.Query(ctx, sql)
	if err != nil {
		return result, &TransportError{Err: err}
	}
	return result, nil
}

// ProcessID returns the backend process id of the leased connection, for
// attaching to request logs.
func (l *Lease) ProcessID() uint32 {
	return l.conn.ProcessID()
}

// CheckIdle revokes poolability if the connection did not come back to a
// clean idle state at a transaction boundary. The connection remains
// usable for the rest of this lease; only its eligibility for return is
// affected.
func (l *Lease) CheckIdle(state ReadyState) {
	if state != ReadyIdle {
		l.mu.Lock()
		wasReturnable := l.returnable
		l.returnable = false
		l.mu.Unlock()
		if wasReturnable {
			l.index.logger.Info("pool: discarding connection, not idle", "conn_info", l.info.String(), "conn_id", l.connID)
		}
	}
}

// Discard forcibly revokes poolability, e.g. after a SQL error whose
// effect on server-side state is unknown.
func (l *Lease) Discard() {
	l.mu.Lock()
	wasReturnable := l.returnable
	l.returnable = false
	l.mu.Unlock()
	if wasReturnable {
		l.index.logger.Info("pool: discarding connection, potentially broken", "conn_info", l.info.String(), "conn_id", l.connID)
	}
}

// Close resolves the lease: if still returnable, the connection is handed
// back to the index; otherwise it is closed outright. Safe to call more
// than once; only the first call has any effect. The return happens on a
// spawned goroutine so a caller running on a request-handling goroutine
// never blocks handing a connection back.
func (l *Lease) Close() {
	l.mu.Lock()
	if l.returned {
		l.mu.Unlock()
		return
	}
	l.returned = true
	returnable := l.returnable
	l.mu.Unlock()

	if !returnable {
		l.index.closeConn(l.conn)
		return
	}

	conn, info, index := l.conn, l.info, l.index
	go func() {
		index.put(info, conn)
	}()
}
