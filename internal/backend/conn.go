// Package backend owns the connection to a compute node: dialing, the
// startup/auth handshake (cleartext, MD5, SCRAM-SHA-256), and the
// background driver task that pumps the connection's asynchronous
// message channel for as long as the connection lives, whether idle in
// a pool bucket or leased out to a request.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Ids identifies the compute node a Conn is attached to, for logging and
// metrics labels.
type Ids struct {
	EndpointID string
	BranchID   string
}

// DialParams carries everything needed to open and authenticate a new
// backend connection.
type DialParams struct {
	Address     string // host:port
	User        string
	Database    string
	Password    string
	AppName     string
	Options     string
	DialTimeout time.Duration
	Ids         Ids
	Logger      *slog.Logger
}

// QueryResult is the minimal result shape a simple-query exchange
// produces: enough to report success/failure without buffering row data
// the request layer discards anyway in the stateless SQL-over-HTTP path.
type QueryResult struct {
	CommandTag string
	Error      error
}

// Conn is a live, authenticated connection to a compute node, plus the
// background driver goroutine pumping its asynchronous message stream.
// It implements the Backend Connection contract: a query channel,
// process id, closed-state, and async message poll.
type Conn struct {
	raw        net.Conn
	connID     uuid.UUID
	ids        Ids
	processID  uint32
	secretKey  uint32
	session    *sessionWatch
	queryCh    chan queryRequest
	closed     atomic.Bool
	fatalErr   atomic.Value // error
	logger     *slog.Logger
	driverDone chan struct{}
	mu         sync.Mutex // serializes Query calls; a Conn is never queried concurrently
}

type queryRequest struct {
	sql    string
	respCh chan QueryResult
}

// Dial opens a TCP connection to p.Address, completes the Postgres startup
// and auth handshake, and spawns the driver task. The returned Conn is
// ready to accept queries.
func Dial(ctx context.Context, p DialParams) (*Conn, error) {
	dialer := net.Dialer{Timeout: p.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", p.Address, err)
	}
	return newConn(raw, p)
}

// newConn runs the startup/auth handshake over an already-open raw
// connection and spawns the driver. Split out of Dial so tests (and any
// future transport besides net.Dialer, e.g. a Unix socket or a
// pre-established TLS conn) can drive the same handshake/driver wiring
// without a real TCP dial.
func newConn(raw net.Conn, p DialParams) (*Conn, error) {
	result, err := performHandshake(raw, p.User, p.Database, p.Password, p.AppName, p.Options)
	if err != nil {
		raw.Close()
		return nil, err
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connID := uuid.New()
	c := &Conn{
		raw:        raw,
		connID:     connID,
		ids:        p.Ids,
		processID:  result.processID,
		secretKey:  result.secretKey,
		session:    newSessionWatch(uuid.Nil),
		queryCh:    make(chan queryRequest),
		logger:     logger.With("conn_id", connID, "endpoint_id", p.Ids.EndpointID),
		driverDone: make(chan struct{}),
	}

	go c.runDriver()
	return c, nil
}

// ID returns the connection's locally-minted identifier (distinct from the
// backend's process id, used purely for log correlation on this side).
func (c *Conn) ID() uuid.UUID { return c.connID }

// ProcessID returns the backend-reported process id, used in logs and as
// part of a future CancelRequest.
func (c *Conn) ProcessID() uint32 { return c.processID }

// IsClosed reports whether the driver has observed the stream end or a
// fatal protocol error. Once true, the connection must not be reused.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// FatalError returns the error that caused IsClosed to become true, if any.
func (c *Conn) FatalError() error {
	if v := c.fatalErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// RebindSession updates the session id the driver tags its log lines with.
// Called once per acquire on the reuse branch, per spec: a connection
// popped from idle and handed to a new request should have its async
// notices attributed to that request from the moment of handoff.
func (c *Conn) RebindSession(id uuid.UUID) {
	c.session.Send(id)
}

// Close terminates the connection. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		err := c.raw.Close()
		<-c.driverDone
		return err
	}
	return nil
}

// Query runs sql as a Postgres simple-query and waits for ReadyForQuery.
// Concurrent calls on the same Conn are serialized; the pool never does
// this (a Lease owns exclusive use of a Conn), but the lock keeps the type
// safe to misuse.
func (c *Conn) Query(ctx context.Context, sql string) (QueryResult, error) {
	if c.IsClosed() {
		return QueryResult{}, fmt.Errorf("query on closed connection: %w", c.FatalError())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := queryRequest{sql: sql, respCh: make(chan QueryResult, 1)}

	// Register the pending request with the driver before writing the
	// query to the wire. c.queryCh is unbuffered, so this send does not
	// return until the driver's select has taken it and stored it as
	// pending — guaranteeing the driver is ready to route the response
	// before the backend could possibly produce one.
	select {
	case c.queryCh <- req:
	case <-c.driverDone:
		return QueryResult{}, fmt.Errorf("connection closed before query could be dispatched")
	}

	if err := writeMessage(c.raw, 'Q', append([]byte(sql), 0)); err != nil {
		return QueryResult{}, fmt.Errorf("sending query: %w", err)
	}

	select {
	case resp := <-req.respCh:
		return resp, resp.Error
	case <-ctx.Done():
		return QueryResult{}, ctx.Err()
	case <-c.driverDone:
		return QueryResult{}, fmt.Errorf("connection closed while query in flight")
	}
}

// runDriver is the C8 connection driver: it owns the only reader of raw and
// pumps every message the backend sends, whether or not a query is
// currently in flight. NoticeResponse and NotificationResponse are logged
// immediately under the currently-bound session id; everything from a
// simple-query response cycle is forwarded to whichever Query() call is
// waiting, if any. The task outlives any single lease: it keeps running
// while the connection sits idle in a pool bucket, which is what lets
// server-pushed notices get logged instead of queuing up for the next
// query to stumble over.
func (c *Conn) runDriver() {
	defer close(c.driverDone)
	defer c.raw.Close()

	msgCh := make(chan message)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			msg, err := readMessage(c.raw)
			if err != nil {
				readErrCh <- err
				return
			}
			msgCh <- msg
		}
	}()

	var pending *queryRequest
	var pendingResult QueryResult

	for {
		var msg message
		select {
		case <-c.session.Changed():
			// Next log call picks up the new session id via c.session.Load().
			continue
		case req := <-c.queryCh:
			pending = &req
			pendingResult = QueryResult{}
			continue
		case err := <-readErrCh:
			c.markClosed(err)
			if pending != nil {
				pending.respCh <- QueryResult{Error: err}
			}
			return
		case msg = <-msgCh:
		}

		switch msg.kind {
		case 'N': // NoticeResponse
			c.logger.Info("backend notice", "session_id", c.session.Load(), "text", parseErrorMessage(msg.payload))
		case 'A': // NotificationResponse
			c.logger.Warn("backend notification", "session_id", c.session.Load(), "pid", c.processID)
		case 'E': // ErrorResponse
			text := parseErrorMessage(msg.payload)
			if pending != nil {
				pendingResult.Error = fmt.Errorf("backend error: %s", text)
			} else {
				c.logger.Error("backend error outside query", "text", text)
			}
		case 'C': // CommandComplete
			if pending != nil {
				pendingResult.CommandTag = string(bytes.TrimSuffix(msg.payload, []byte{0}))
			}
		case 'Z': // ReadyForQuery
			if pending != nil {
				pending.respCh <- pendingResult
				pending = nil
			}
		default:
			// RowDescription/DataRow/EmptyQueryResponse and friends: the
			// stateless SQL-over-HTTP request layer reads results off the
			// client-facing response writer directly, not through this
			// struct, so the driver only needs to track query boundaries.
		}
	}
}

func (c *Conn) markClosed(err error) {
	c.fatalErr.Store(err)
	c.closed.Store(true)
}
