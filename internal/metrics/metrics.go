// Package metrics exposes Prometheus collectors for step saves, decisions and
// upstream latency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
	OutcomeBlocked = "blocked"
)

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	stepOperations   *prometheus.CounterVec
	saveBatches      *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	gatherer         prometheus.Gatherer
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stepOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wf_step_operations_total",
				Help: "Step create, patch and delete calls issued by Save",
			},
			[]string{"kind", "outcome"},
		),
		saveBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wf_save_batches_total",
				Help: "Save batches by outcome",
			},
			[]string{"outcome"},
		),
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wf_decisions_total",
				Help: "Approve and reject submissions by outcome",
			},
			[]string{"decision", "outcome"},
		),
		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wf_upstream_request_duration_seconds",
				Help:    "Latency of calls to the workflow API",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status"},
		),
		gatherer: reg,
	}
}

// StepOperation counts one step call; kind is create, patch or delete.
func (m *Metrics) StepOperation(kind string, err error) {
	if m == nil {
		return
	}
	m.stepOperations.WithLabelValues(kind, outcome(err)).Inc()
}

// SaveBatch counts one Save.
func (m *Metrics) SaveBatch(outcome string) {
	if m == nil {
		return
	}
	m.saveBatches.WithLabelValues(outcome).Inc()
}

// Decision counts one decision attempt.
func (m *Metrics) Decision(decision, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, outcome).Inc()
}

// ObserveUpstream matches httpclient.Observer.
func (m *Metrics) ObserveUpstream(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
