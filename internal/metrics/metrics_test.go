package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.RecordDecision("admitted", 0.001)
	a.RecordDecision("throttled", 0.002)
	a.RecordThrottle("user")
	a.RecordEscalation("ip", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.decisions.WithLabelValues("throttled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.throttles.WithLabelValues("user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.escalations.WithLabelValues("ip", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.decisions.WithLabelValues("throttled")))
}

func TestMetrics_StoreHealthGauge(t *testing.T) {
	m := New()

	m.SetStoreHealthy("redis", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.storeHealthy.WithLabelValues("redis")))

	m.SetStoreHealthy("redis", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeHealthy.WithLabelValues("redis")))
}
