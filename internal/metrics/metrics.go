package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
)

var outcomeKinds = map[string]struct{}{
	OutcomeCommitted: {},
	OutcomeAborted:   {},
}

// Metrics holds Prometheus metrics for the transaction coordinator.
type Metrics struct {
	TxnOutcomes       *prometheus.CounterVec
	PrepareLatency    prometheus.Histogram
	Phase2Latency     prometheus.Histogram
	InFlight          prometheus.Gauge
	Phase2Retries     prometheus.Counter
	Phase2Escalations prometheus.Counter
	RecoveryResolved  *prometheus.CounterVec
	gatherer          prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		TxnOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txn_outcomes_total",
			Help: "Total finished transactions by outcome.",
		}, []string{"outcome"}),
		PrepareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txn_prepare_latency_seconds",
			Help:    "Prepare phase latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		Phase2Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txn_phase2_latency_seconds",
			Help:    "Commit/abort phase latency in seconds, including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "txn_in_flight",
			Help: "Number of transactions currently coordinated.",
		}),
		Phase2Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txn_phase2_retries_total",
			Help: "Total phase-2 delivery retries across all participants.",
		}),
		Phase2Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txn_phase2_escalations_total",
			Help: "Total participants whose phase-2 delivery crossed the escalation threshold.",
		}),
		RecoveryResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txn_recovery_resolved_total",
			Help: "Total in-doubt transactions resolved during recovery by decision.",
		}, []string{"decision"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.TxnOutcomes,
		m.PrepareLatency,
		m.Phase2Latency,
		m.InFlight,
		m.Phase2Retries,
		m.Phase2Escalations,
		m.RecoveryResolved,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncOutcome increments the counter for a transaction outcome.
func (m *Metrics) IncOutcome(outcome string) error {
	if _, ok := outcomeKinds[outcome]; !ok {
		return fmt.Errorf("unknown transaction outcome: %s", outcome)
	}
	m.TxnOutcomes.WithLabelValues(outcome).Inc()
	return nil
}

// ObservePrepareLatency records prepare phase latency.
func (m *Metrics) ObservePrepareLatency(d time.Duration) {
	m.PrepareLatency.Observe(d.Seconds())
}

// ObservePhase2Latency records phase-2 latency.
func (m *Metrics) ObservePhase2Latency(d time.Duration) {
	m.Phase2Latency.Observe(d.Seconds())
}

// IncRecoveryResolved increments the recovery counter for a decision.
func (m *Metrics) IncRecoveryResolved(decision string) {
	m.RecoveryResolved.WithLabelValues(decision).Inc()
}
