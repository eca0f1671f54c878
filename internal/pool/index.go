package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sqlgateway/connpool/internal/backend"
	"github.com/sqlgateway/connpool/internal/compute"
	"github.com/sqlgateway/connpool/internal/credential"
	"github.com/sqlgateway/connpool/internal/metrics"
)

// DialFunc opens and authenticates a connection to a backend. Overridable
// in tests; production wiring points it at backend.Dial.
type DialFunc func(ctx context.Context, p backend.DialParams) (*backend.Conn, error)

// Options configures a GlobalIndex.
type Options struct {
	MaxConnsPerEndpoint   int
	DisableIPCheckForHTTP bool
	DialTimeout           time.Duration
	CredentialParams      credential.Params
	AppName               string
	Dial                  DialFunc // defaults to backend.Dial
	Compute               *compute.Directory
	Metrics               *metrics.Collector
	Logger                *slog.Logger
}

// GlobalIndex is the top-level connection pool index: hostname ->
// endpointPool. The outer map is guarded by one RWMutex rather than the
// original's sharded concurrent map — two endpoints still don't block each
// other's bucket-level operations, since the map lock is only held long
// enough to find-or-create the *endpointPool pointer, never across a dial
// or a hash check.
type GlobalIndex struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointPool
	size      atomic.Int64

	maxConnsPerEndpoint int
	disableIPCheck      bool
	dialTimeout         time.Duration
	credParams          credential.Params
	appName             string
	dial                DialFunc
	compute             *compute.Directory
	metrics             *metrics.Collector
	logger              *slog.Logger

	closed atomic.Bool
}

// New constructs a GlobalIndex from the supplied options.
func New(opts Options) *GlobalIndex {
	if opts.Dial == nil {
		opts.Dial = backend.Dial
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AppName == "" {
		opts.AppName = "/sql_over_http"
	}
	if opts.MaxConnsPerEndpoint <= 0 {
		opts.MaxConnsPerEndpoint = 20
	}
	return &GlobalIndex{
		endpoints:           make(map[string]*endpointPool),
		maxConnsPerEndpoint: opts.MaxConnsPerEndpoint,
		disableIPCheck:      opts.DisableIPCheckForHTTP,
		dialTimeout:         opts.DialTimeout,
		credParams:          opts.CredentialParams,
		appName:             opts.AppName,
		dial:                opts.Dial,
		compute:             opts.Compute,
		metrics:             opts.Metrics,
		logger:              opts.Logger,
	}
}

// getOrCreateEndpointPool returns the endpointPool for host, creating one
// if this is the first time it's been seen. Fast path takes the read lock;
// the slow path re-checks under the write lock in case of a concurrent
// creator (same get-or-create-then-recheck shape as a sync.Map.LoadOrStore).
func (g *GlobalIndex) getOrCreateEndpointPool(host string) *endpointPool {
	g.mu.RLock()
	ep, ok := g.endpoints[host]
	g.mu.RUnlock()
	if ok {
		return ep
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if ep, ok := g.endpoints[host]; ok {
		return ep
	}
	ep = newEndpointPool()
	g.endpoints[host] = ep
	size := g.size.Add(1)
	g.logger.Info("pool: created new endpoint pool", "endpoint", host, "global_pool_size", size)
	return ep
}

// Acquire implements the 7-step acquire algorithm: peek a cached password
// hash, verify it off-thread, pop a connection if the hash checked out,
// and fall back to a fresh dial on any miss. See the per-step comments
// below; they mirror the steps of the algorithm this was ported from.
func (g *GlobalIndex) Acquire(ctx context.Context, info ConnInfo, forceNew bool, sessionID uuid.UUID, peerAddr string) (*Lease, error) {
	start := time.Now()
	key := info.dbAndUser()

	var ep *endpointPool
	if !forceNew {
		ep = g.getOrCreateEndpointPool(info.Hostname)
	}

	var hashValid bool
	var popped *poolEntry

	if !forceNew {
		// Step 2: peek hash under shared lock.
		hash, hasHash := ep.peekHash(key)
		if hasHash {
			// Step 3: verify off-thread.
			ok, err := credential.VerifyAsync(ctx, info.Password, hash)
			if err != nil {
				return nil, &HashError{Err: err}
			}
			hashValid = ok
		}
		if hashValid {
			// Step 4: pop under exclusive lock, re-checking the hash is
			// still present (another acquirer may have invalidated it
			// between the peek and here).
			popped = ep.popIfHashStillValid(key)
		}
	}

	if popped != nil && !popped.conn.IsClosed() {
		// Step 5: reuse branch.
		popped.conn.RebindSession(sessionID)
		g.recordAcquire(true, time.Since(start))
		g.logger.Info("pool: reusing connection", "conn_info", info.String(), "session_id", sessionID, "pid", popped.conn.ProcessID())
		return newLease(popped.conn, info, g, true), nil
	}
	if popped != nil {
		// The driver already exited on its own; closeConn is a no-op on the
		// connection itself but still decrements the gauge it incremented
		// at dial time. Falls through to a fresh dial.
		g.logger.Info("pool: cached connection is closed, dialing fresh", "conn_info", info.String())
		g.closeConn(popped.conn)
	}

	// Step 6: miss branch — dial a fresh connection.
	conn, dialErr := g.dialFresh(ctx, info, peerAddr)

	// Step 7: hash maintenance.
	if dialErr != nil {
		if hashValid && backend.IsAuthFailed(dialErr) {
			ep.invalidateHash(key)
			g.recordAuthFailure(info.Hostname)
		}
		g.recordAcquire(false, time.Since(start))
		return nil, dialErr
	}
	if !forceNew && !hashValid {
		newHash, err := credential.HashAsync(ctx, info.Password, g.credParams)
		if err != nil {
			g.closeConn(conn)
			return nil, &HashError{Err: err}
		}
		g.getOrCreateEndpointPool(info.Hostname).storeHash(key, newHash)
	}

	g.recordAcquire(false, time.Since(start))
	g.logger.Info("pool: dialed new connection", "conn_info", info.String(), "session_id", sessionID, "pid", conn.ProcessID())
	return newLease(conn, info, g, true), nil
}

func (g *GlobalIndex) recordAcquire(poolHit bool, d time.Duration) {
	if g.metrics != nil {
		g.metrics.AcquireCompleted(poolHit, d)
	}
}

func (g *GlobalIndex) recordAuthFailure(endpointID string) {
	if g.metrics != nil {
		g.metrics.AuthFailure(endpointID)
	}
}

func (g *GlobalIndex) dialFresh(ctx context.Context, info ConnInfo, peerAddr string) (*backend.Conn, error) {
	node, allowed, err := g.resolveAndAuthorize(info.Hostname, peerAddr)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &AuthorizationError{PeerAddr: peerAddr, EndpointID: info.Hostname}
	}

	conn, err := g.dial(ctx, backend.DialParams{
		Address:     node.Address(),
		User:        info.Username,
		Database:    info.Dbname,
		Password:    info.Password,
		AppName:     g.appName,
		Options:     info.Options,
		DialTimeout: g.dialTimeout,
		Ids:         backend.Ids{EndpointID: node.EndpointID},
		Logger:      g.logger,
	})
	if err != nil {
		if g.metrics != nil {
			g.metrics.DialError(info.Hostname, "dial")
		}
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.ConnOpened("http")
	}
	return conn, nil
}

func (g *GlobalIndex) resolveAndAuthorize(endpointID, peerAddr string) (compute.NodeInfo, bool, error) {
	if g.compute == nil {
		return compute.NodeInfo{Host: endpointID, EndpointID: endpointID}, true, nil
	}
	if !g.disableIPCheck {
		allowed, err := g.compute.CheckAllowed(endpointID, peerAddr)
		if err != nil {
			return compute.NodeInfo{}, false, &ConfigurationError{Message: err.Error()}
		}
		if !allowed {
			return compute.NodeInfo{}, false, nil
		}
	}
	node, err := g.compute.WakeCompute(endpointID)
	if err != nil {
		return compute.NodeInfo{}, false, &WakeComputeError{EndpointID: endpointID, Err: err}
	}
	return node, true, nil
}

// put returns conn to the pool for reuse, or discards it. See §4.6: closed
// index, closed connection, and pool-at-capacity are all silent discards.
func (g *GlobalIndex) put(info ConnInfo, conn *backend.Conn) {
	if g.closed.Load() {
		g.logger.Info("pool: discarding connection, pool is closed", "conn_info", info.String())
		g.closeConn(conn)
		return
	}
	if conn.IsClosed() {
		g.logger.Info("pool: discarding connection, already closed", "conn_info", info.String())
		g.closeConn(conn)
		return
	}

	ep := g.getOrCreateEndpointPool(info.Hostname)
	entry := &poolEntry{conn: conn, lastAccess: time.Now()}
	accepted, total, bucketSize := ep.put(info.dbAndUser(), entry, g.maxConnsPerEndpoint)

	if accepted {
		g.logger.Info("pool: returning connection", "conn_info", info.String(), "total_conns", total, "bucket_size", bucketSize)
		return
	}
	g.logger.Info("pool: discarding connection, pool at capacity", "conn_info", info.String(), "total_conns", total)
	g.closeConn(conn)
}

func (g *GlobalIndex) closeConn(conn *backend.Conn) {
	conn.Close()
	if g.metrics != nil {
		g.metrics.ConnClosed("http")
	}
}

// Shutdown marks the index closed and drains every endpoint pool's idle
// connections. In-flight leases may still complete after this call; their
// put observes closed==true and discards instead of racing the drain.
func (g *GlobalIndex) Shutdown() {
	g.closed.Store(true)

	g.mu.Lock()
	endpoints := g.endpoints
	g.endpoints = make(map[string]*endpointPool)
	g.mu.Unlock()

	for _, ep := range endpoints {
		for _, entry := range ep.drain() {
			g.closeConn(entry.conn)
		}
	}
}
