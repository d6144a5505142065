// Package metrics holds the Prometheus collectors for the gate, the history
// sink and the tuner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains every collector this service exports. Each instance owns
// its registry so tests can build as many as they like. Methods are no-ops
// on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	throttles        *prometheus.CounterVec
	burstActivations prometheus.Counter
	storeFallbacks   *prometheus.CounterVec
	decisionDuration prometheus.Histogram

	historyWrites  *prometheus.CounterVec
	historyDropped *prometheus.CounterVec
	escalations    *prometheus.CounterVec

	tunerAdjustments *prometheus.CounterVec
	tunerDuration    prometheus.Histogram

	breakerState *prometheus.GaugeVec
	storeHealthy *prometheus.GaugeVec
}

// New creates a Metrics instance with its own registry, including the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rateguard_decisions_total",
			Help: "Gate decisions by outcome",
		}, []string{"outcome"}),

		throttles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rateguard_throttles_total",
			Help: "Throttled requests by the kind of identity that was limited",
		}, []string{"identity_kind"}),

		burstActivations: f.NewCounter(prometheus.CounterOpts{
			Name: "rateguard_burst_activations_total",
			Help: "Transitions from normal to burst mode",
		}),

		storeFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rateguard_store_fallbacks_total",
			Help: "Decisions that fell back because a store was unavailable",
		}, []string{"store", "operation"}),

		decisionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rateguard_decision_duration_seconds",
			Help:    "Time spent deciding one request",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~0.8s
		}),

		historyWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rateguard_history_writes_total",
			Help: "History records written, by result",
		}, []string{"result"}),

		historyDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rateguard_history_dropped_total",
			Help: "History records dropped because the buffer and the overflow writers were full",
		}, []string{"decision"}),

		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rateguard_escalations_total",
			Help: "Automatic deny-list escalations, by scope and result",
		}, []string{"scope", "result"}),

		tunerAdjustments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rateguard_tuner_adjustments_total",
			Help: "Budget changes made by the adaptive tuner",
		}, []string{"direction"}),

		tunerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rateguard_tuner_tick_duration_seconds",
			Help:    "Duration of one tuner tick",
			Buckets: prometheus.DefBuckets,
		}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rateguard_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),

		storeHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rateguard_store_healthy",
			Help: "1 when the last check of a store succeeded",
		}, []string{"store"}),
	}
}

func (m *Metrics) RecordDecision(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
	m.decisionDuration.Observe(seconds)
}

func (m *Metrics) RecordThrottle(identityKind string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(identityKind).Inc()
}

func (m *Metrics) RecordBurstActivation() {
	if m == nil {
		return
	}
	m.burstActivations.Inc()
}

func (m *Metrics) RecordStoreFallback(store, operation string) {
	if m == nil {
		return
	}
	m.storeFallbacks.WithLabelValues(store, operation).Inc()
}

func (m *Metrics) RecordHistoryWrite(ok bool, n int) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.historyWrites.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) RecordHistoryDropped(throttled bool) {
	if m == nil {
		return
	}
	m.historyDropped.WithLabelValues(decisionLabel(throttled)).Inc()
}

func (m *Metrics) RecordEscalation(scope string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.escalations.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) RecordTunerAdjustment(direction string) {
	if m == nil {
		return
	}
	m.tunerAdjustments.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordTunerTick(seconds float64) {
	if m == nil {
		return
	}
	m.tunerDuration.Observe(seconds)
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) SetStoreHealthy(store string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.storeHealthy.WithLabelValues(store).Set(v)
}

// HistoryDropped exposes the drop counter for "admitted" or "throttled"
// records.
func (m *Metrics) HistoryDropped(decision string) prometheus.Counter {
	return m.historyDropped.WithLabelValues(decision)
}

func decisionLabel(throttled bool) string {
	if throttled {
		return "throttled"
	}
	return "admitted"
}

// StoreHealthy exposes the health gauge for one store.
func (m *Metrics) StoreHealthy(store string) prometheus.Gauge {
	return m.storeHealthy.WithLabelValues(store)
}
