// Package metrics holds the prometheus instruments for route guarding and
// request augmentation. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Guard decision outcomes.
const (
	DecisionAllowed  = "allowed"
	DecisionDenied   = "denied"
	DecisionRedirect = "redirect"
	DecisionError    = "error"
)

// Augmenter outcomes.
const (
	RequestAugmented = "augmented"
	RequestSkipped   = "skipped"
	RequestUnmatched = "unmatched"
	RequestNoToken   = "no_token"
	RequestError     = "error"
)

type Metrics struct {
	GuardDecisions        *prometheus.CounterVec
	GuardDuration         prometheus.Histogram
	AugmentRequests       *prometheus.CounterVec
	PrefixResolveDuration prometheus.Histogram
}

// New registers the instruments on reg. Use prometheus.NewRegistry() in
// tests to avoid clashing with the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GuardDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcflow_guard_decisions_total",
			Help: "Route activation decisions by outcome",
		}, []string{"outcome"}),
		GuardDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "oidcflow_guard_duration_seconds",
			Help:    "Duration of route activation checks, including the login round trip",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		AugmentRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcflow_augment_requests_total",
			Help: "Outgoing requests seen by the bearer token transport, by outcome",
		}, []string{"outcome"}),
		PrefixResolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "oidcflow_prefix_resolve_duration_seconds",
			Help:    "Duration of URL prefix resolution for one request",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

// ObserveGuard records one activation decision. Call with time.Now() at the
// start of the check.
func (m *Metrics) ObserveGuard(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.GuardDecisions.WithLabelValues(outcome).Inc()
	m.GuardDuration.Observe(time.Since(start).Seconds())
}

// IncrementAugment records one outgoing request.
func (m *Metrics) IncrementAugment(outcome string) {
	if m == nil {
		return
	}
	m.AugmentRequests.WithLabelValues(outcome).Inc()
}

// ObservePrefixResolve records the duration of a prefix resolution.
func (m *Metrics) ObservePrefixResolve(start time.Time) {
	if m == nil {
		return
	}
	m.PrefixResolveDuration.Observe(time.Since(start).Seconds())
}
