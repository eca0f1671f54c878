// Package health runs a background liveness prober over the endpoints in
// the compute directory, feeding a gauge the operator can alert on. This is
// deliberately separate from the pool's idle-timeout reaping: the pool
// never reaps idle connections by design (non-goal), and this checker
// never touches a pool's idle stacks — it only answers "is this endpoint
// reachable right now", by dialing and running the Postgres startup
// handshake directly against the compute address, independent of whatever
// connections happen to be pooled for it.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sqlgateway/connpool/internal/backend"
	"github.com/sqlgateway/connpool/internal/compute"
	"github.com/sqlgateway/connpool/internal/config"
	"github.com/sqlgateway/connpool/internal/metrics"
)

// Status is the liveness verdict for one endpoint.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// EndpointHealth is the liveness state tracked for one endpoint id.
type EndpointHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker periodically probes every endpoint in a compute.Directory and
// reports liveness via a Prometheus gauge.
type Checker struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointHealth

	directory *compute.Directory
	metrics   *metrics.Collector
	cfg       config.HealthConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker builds a Checker bound to dir. dir is queried fresh on each
// check round, so endpoints added by a config reload are picked up
// automatically.
func NewChecker(dir *compute.Directory, m *metrics.Collector, cfg config.HealthConfig) *Checker {
	return &Checker{
		endpoints: make(map[string]*EndpointHealth),
		directory: dir,
		metrics:   m,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic checking in a background goroutine.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.cfg.Interval, "threshold", c.cfg.FailureThreshold)
}

// Stop halts the checker. Safe to call more than once.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

const maxHealthCheckWorkers = 10

func (c *Checker) checkAll() {
	endpoints := c.directory.List()

	var g errgroup.Group
	g.SetLimit(maxHealthCheckWorkers)

	for _, node := range endpoints {
		node := node
		g.Go(func() error {
			healthy := c.pingEndpoint(node)
			c.updateStatus(node.EndpointID, healthy)
			return nil
		})
	}
	g.Wait()
}

// pingEndpoint runs the Postgres startup exchange far enough to see
// AuthenticationOk/CleartextPassword/MD5/SASL or an ErrorResponse: any of
// those means the backend is alive and speaking protocol, which is a
// stronger signal than a bare TCP connect.
func (c *Checker) pingEndpoint(node compute.NodeInfo) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	conn, err := backend.Dial(ctx, backend.DialParams{
		Address:     node.Address(),
		User:        "healthcheck",
		Database:    "healthcheck",
		DialTimeout: c.cfg.Timeout,
		Ids:         backend.Ids{EndpointID: node.EndpointID},
	})
	if err != nil {
		// An AuthError means the backend answered the handshake and
		// rejected the probe's made-up credentials — that is itself
		// proof of liveness, not a failure.
		var authErr *backend.AuthError
		if errors.As(err, &authErr) {
			return true
		}
		c.setLastError(node.EndpointID, err.Error())
		return false
	}
	conn.Close()
	return true
}

func (c *Checker) setLastError(endpointID, errMsg string) {
	c.mu.Lock()
	eh := c.getOrCreate(endpointID)
	if errMsg != "" {
		eh.LastError = errMsg
	}
	c.mu.Unlock()
}

func (c *Checker) updateStatus(endpointID string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eh := c.getOrCreate(endpointID)
	eh.LastCheck = time.Now()

	if healthy {
		if eh.ConsecutiveFailures > 0 {
			slog.Info("endpoint recovered", "endpoint_id", endpointID, "failures", eh.ConsecutiveFailures)
		}
		eh.Status = StatusHealthy
		eh.ConsecutiveFailures = 0
		eh.LastError = ""
	} else {
		eh.ConsecutiveFailures++
		if eh.ConsecutiveFailures >= c.cfg.FailureThreshold {
			if eh.Status != StatusUnhealthy {
				slog.Warn("endpoint marked unhealthy", "endpoint_id", endpointID, "failures", eh.ConsecutiveFailures, "error", eh.LastError)
			}
			eh.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetEndpointHealth(endpointID, eh.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(endpointID string) *EndpointHealth {
	eh, ok := c.endpoints[endpointID]
	if !ok {
		eh = &EndpointHealth{Status: StatusUnknown}
		c.endpoints[endpointID] = eh
	}
	return eh
}

// IsHealthy reports whether endpointID is currently considered healthy. An
// endpoint never checked yet is treated as healthy so a fresh process
// doesn't reject traffic before its first probe round completes.
func (c *Checker) IsHealthy(endpointID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eh, ok := c.endpoints[endpointID]
	if !ok {
		return true
	}
	return eh.Status != StatusUnhealthy
}

// GetStatus returns the tracked health state for endpointID.
func (c *Checker) GetStatus(endpointID string) EndpointHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eh, ok := c.endpoints[endpointID]
	if !ok {
		return EndpointHealth{Status: StatusUnknown}
	}
	return *eh
}

// GetAllStatuses returns a snapshot of every tracked endpoint's health.
func (c *Checker) GetAllStatuses() map[string]EndpointHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]EndpointHealth, len(c.endpoints))
	for id, eh := range c.endpoints {
		result[id] = *eh
	}
	return result
}

// OverallHealthy reports whether every tracked endpoint is currently healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, eh := range c.endpoints {
		if eh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveEndpoint drops tracked state for an endpoint no longer present
// after a config reload.
func (c *Checker) RemoveEndpoint(endpointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.endpoints, endpointID)
	slog.Info("removed health state", "endpoint_id", endpointID)
}
