// Package metrics exposes the Prometheus series the pool and its
// surrounding HTTP surface emit, following the teacher's pattern of a
// single Collector holding an independent registry (safe to construct more
// than once, e.g. in tests).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the gateway emits.
type Collector struct {
	Registry *prometheus.Registry

	numDBConnections *prometheus.GaugeVec
	acquireDuration  *prometheus.HistogramVec
	endpointHealth   *prometheus.GaugeVec
	dialErrors       *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
}

// New creates and registers all metrics against a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		numDBConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "num_db_connections",
				Help: "Number of backend connections currently open, by protocol",
			},
			[]string{"protocol"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlgateway_acquire_duration_seconds",
				Help:    "Time spent in the acquire path, split by whether it was a pool hit",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"outcome"}, // "pool_hit" | "dial"
		),
		endpointHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlgateway_endpoint_health",
				Help: "Liveness of a configured endpoint (1=healthy, 0=unhealthy)",
			},
			[]string{"endpoint_id"},
		),
		dialErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlgateway_dial_errors_total",
				Help: "Backend dial failures by endpoint and cause",
			},
			[]string{"endpoint_id", "cause"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlgateway_auth_failures_total",
				Help: "Backend authentication failures by endpoint",
			},
			[]string{"endpoint_id"},
		),
	}

	reg.MustRegister(
		c.numDBConnections,
		c.acquireDuration,
		c.endpointHealth,
		c.dialErrors,
		c.authFailures,
	)

	return c
}

// ConnOpened increments the live-connection gauge for protocol (always
// "http" today; kept as a label because the pool this was adapted from
// shares the gauge with a non-HTTP wire-protocol path this deployment
// doesn't implement).
func (c *Collector) ConnOpened(protocol string) {
	c.numDBConnections.WithLabelValues(protocol).Inc()
}

func (c *Collector) ConnClosed(protocol string) {
	c.numDBConnections.WithLabelValues(protocol).Dec()
}

// AcquireCompleted records how long an acquire call took and whether it
// was satisfied from the pool or required a fresh dial.
func (c *Collector) AcquireCompleted(poolHit bool, d time.Duration) {
	outcome := "dial"
	if poolHit {
		outcome = "pool_hit"
	}
	c.acquireDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetEndpointHealth records the liveness prober's latest verdict for an endpoint.
func (c *Collector) SetEndpointHealth(endpointID string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.endpointHealth.WithLabelValues(endpointID).Set(val)
}

func (c *Collector) DialError(endpointID, cause string) {
	c.dialErrors.WithLabelValues(endpointID, cause).Inc()
}

func (c *Collector) AuthFailure(endpointID string) {
	c.authFailures.WithLabelValues(endpointID).Inc()
}
