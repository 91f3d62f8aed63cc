// Package metrics exposes Prometheus counters for fetches and accessibility checks.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "referral_probe"

// Fetch attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailure = "failure"
)

type Metrics struct {
	fetchAttempts *prometheus.CounterVec
	checks        *prometheus.CounterVec
	bulkErrors    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Fetch attempts by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Accessibility checks by classification.",
		}, []string{"classification"}),
		bulkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_check_errors_total",
			Help:      "Bulk check items that failed outright.",
		}),
	}
	for _, c := range []prometheus.Collector{m.fetchAttempts, m.checks, m.bulkErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) FetchAttempt(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) Check(classification string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(classification).Inc()
}

func (m *Metrics) BulkError() {
	if m == nil {
		return
	}
	m.bulkErrors.Inc()
}
