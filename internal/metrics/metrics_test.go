package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry so
// tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return New()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func getHistogramSampleCount(o prometheus.Observer) uint64 {
	m := &dto.Metric{}
	o.(prometheus.Histogram).Write(m)
	return m.GetHistogram().GetSampleCount()
}

func TestConnOpenedAndClosed(t *testing.T) {
	c := newTestCollector(t)

	c.ConnOpened("http")
	c.ConnOpened("http")
	c.ConnClosed("http")

	val := getGaugeValue(c.numDBConnections.WithLabelValues("http"))
	if val != 1 {
		t.Errorf("expected num_db_connections=1, got %v", val)
	}
}

func TestAcquireCompletedSplitsByOutcome(t *testing.T) {
	c := newTestCollector(t)

	c.AcquireCompleted(true, 2*time.Millisecond)
	c.AcquireCompleted(false, 20*time.Millisecond)
	c.AcquireCompleted(true, 1*time.Millisecond)

	hitCount := getHistogramSampleCount(c.acquireDuration.WithLabelValues("pool_hit"))
	if hitCount != 2 {
		t.Errorf("expected 2 pool_hit observations, got %d", hitCount)
	}
	dialCount := getHistogramSampleCount(c.acquireDuration.WithLabelValues("dial"))
	if dialCount != 1 {
		t.Errorf("expected 1 dial observation, got %d", dialCount)
	}
}

func TestSetEndpointHealth(t *testing.T) {
	c := newTestCollector(t)

	c.SetEndpointHealth("ep1", true)
	if v := getGaugeValue(c.endpointHealth.WithLabelValues("ep1")); v != 1 {
		t.Errorf("expected healthy=1, got %v", v)
	}

	c.SetEndpointHealth("ep1", false)
	if v := getGaugeValue(c.endpointHealth.WithLabelValues("ep1")); v != 0 {
		t.Errorf("expected healthy=0, got %v", v)
	}
}

func TestDialErrorAndAuthFailureCounters(t *testing.T) {
	c := newTestCollector(t)

	c.DialError("ep1", "timeout")
	c.DialError("ep1", "timeout")
	c.AuthFailure("ep1")

	if v := getCounterValue(c.dialErrors.WithLabelValues("ep1", "timeout")); v != 2 {
		t.Errorf("expected 2 dial errors, got %v", v)
	}
	if v := getCounterValue(c.authFailures.WithLabelValues("ep1")); v != 1 {
		t.Errorf("expected 1 auth failure, got %v", v)
	}
}
