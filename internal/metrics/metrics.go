package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. Register one instance per
// registry; tests use a fresh prometheus.NewRegistry().
type Metrics struct {
	// Selections counts adaptive selections.
	// Labels: path (sampled|single|scoped)
	Selections *prometheus.CounterVec

	// TrackingEvents counts accepted tracking events.
	// Labels: action, namespace (adaptive|experiment)
	TrackingEvents *prometheus.CounterVec

	// Assignments counts experiment assignment outcomes.
	// Labels: outcome (existing|new|fallback)
	Assignments *prometheus.CounterVec

	// LifecycleTransitions counts successful status changes.
	// Labels: to
	LifecycleTransitions *prometheus.CounterVec

	// InvariantViolations counts operations rejected to keep counters consistent
	InvariantViolations prometheus.Counter

	// HTTPRequestDuration measures API latency in seconds.
	// Labels: method, route, status
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Selections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "variantlab",
			Name:      "selections_total",
			Help:      "Adaptive variant selections by decision path.",
		}, []string{"path"}),
		TrackingEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "variantlab",
			Name:      "tracking_events_total",
			Help:      "Tracking events folded into counters.",
		}, []string{"action", "namespace"}),
		Assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "variantlab",
			Name:      "assignments_total",
			Help:      "Experiment assignment resolutions by outcome.",
		}, []string{"outcome"}),
		LifecycleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "variantlab",
			Name:      "lifecycle_transitions_total",
			Help:      "Experiment status transitions by target status.",
		}, []string{"to"}),
		InvariantViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "variantlab",
			Name:      "invariant_violations_total",
			Help:      "Operations rejected because counters would become inconsistent.",
		}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "variantlab",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route", "status"}),
	}
}

// NewUnregistered returns collectors bound to a private registry
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
