package leaseguard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts coordination outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	leaseChecks    *prometheus.CounterVec
	leaseRenewals  *prometheus.CounterVec
	taskClaims     *prometheus.CounterVec
	storeConflicts prometheus.Counter
}

// NewMetrics registers the coordination counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var factory = promauto.With(reg)

	return &Metrics{
		leaseChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leaseguard_lease_checks_total",
			Help: "Lease ensure calls by outcome (cached, skipped, claimed).",
		}, []string{"lease", "outcome"}),
		leaseRenewals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leaseguard_lease_renewals_total",
			Help: "External renewal attempts made after winning a claim, by result.",
		}, []string{"lease", "result"}),
		taskClaims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leaseguard_task_transitions_total",
			Help: "Task claim guard transitions by outcome (won, lost, released, completed).",
		}, []string{"outcome"}),
		storeConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "leaseguard_store_conflicts_total",
			Help: "Transactions retried because of a write conflict.",
		}),
	}
}

func (m *Metrics) leaseCheck(lease, outcome string) {
	if m == nil {
		return
	}
	m.leaseChecks.WithLabelValues(lease, outcome).Inc()
}

func (m *Metrics) leaseRenewal(lease, result string) {
	if m == nil {
		return
	}
	m.leaseRenewals.WithLabelValues(lease, result).Inc()
}

func (m *Metrics) taskTransition(outcome string) {
	if m == nil {
		return
	}
	m.taskClaims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) storeConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}
