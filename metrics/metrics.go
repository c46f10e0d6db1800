// Package metrics provides Prometheus instrumentation for the case ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks ledger operations, revisions and forwarded events.
type Metrics struct {
	Operations        *prometheus.CounterVec
	Placements        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	EventsForwarded   *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
}

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// New registers every ledger metric with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "case_ledger_operations_total",
			Help: "Ledger operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		Placements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "case_ledger_case_placements_total",
			Help: "Created cases by placement (first, merged, reused, split)",
		}, []string{"placement"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "case_ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations including storage",
			Buckets: durationBuckets,
		}, []string{"operation"}),
		EventsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "case_ledger_events_forwarded_total",
			Help: "Domain events handled by the forwarder by event name and result",
		}, []string{"event", "result"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "case_ledger_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// ObserveOperation records one ledger operation.
// Call with time.Now() taken at the start of the operation.
func (m *Metrics) ObserveOperation(operation, outcome string, start time.Time) {
	m.Operations.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// IncrementPlacement records where a created case was placed.
func (m *Metrics) IncrementPlacement(placement string) {
	m.Placements.WithLabelValues(placement).Inc()
}

// IncrementForwarded records one handled domain event.
func (m *Metrics) IncrementForwarded(event, result string) {
	m.EventsForwarded.WithLabelValues(event, result).Inc()
}

// IncrementHTTPRequest records one served HTTP request.
func (m *Metrics) IncrementHTTPRequest(route, code string) {
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}
