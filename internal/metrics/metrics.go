// Package metrics exposes Prometheus collectors for the trust engine.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics handle without branching at every call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by every trust context.
type Metrics struct {
	transitions  *prometheus.CounterVec
	escrowFetch  *prometheus.CounterVec
	recheck      *prometheus.CounterVec
	operations   *prometheus.CounterVec
	settingsSent prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_state_transitions_total",
			Help: "Trust state machine transitions by source and destination state.",
		}, []string{"from", "to"}),
		escrowFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_escrow_fetch_total",
			Help: "Escrow record cache reads by fetch source and outcome.",
		}, []string{"source", "outcome"}),
		recheck: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_cloud_recheck_total",
			Help: "Out-of-band cloud account status queries by outcome.",
		}, []string{"outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_operations_total",
			Help: "Trust RPC operations by name and result.",
		}, []string{"operation", "result"}),
		settingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustsync_settings_published_total",
			Help: "Account-wide setting updates published to the replication backend.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.escrowFetch, m.recheck, m.operations, m.settingsSent)
	}
	return m
}

// ObserveTransition counts a state machine transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveEscrowFetch counts an escrow cache read.
// outcome is one of "hit", "miss", "fetched", "error".
func (m *Metrics) ObserveEscrowFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.escrowFetch.WithLabelValues(source, outcome).Inc()
}

// ObserveRecheck counts a cloud status recheck.
// outcome is one of "available", "no_account", "transient", "error".
func (m *Metrics) ObserveRecheck(outcome string) {
	if m == nil {
		return
	}
	m.recheck.WithLabelValues(outcome).Inc()
}

// ObserveOperation counts a completed RPC operation.
func (m *Metrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

// ObserveSettingsPublished counts a settings publish.
func (m *Metrics) ObserveSettingsPublished() {
	if m == nil {
		return
	}
	m.settingsSent.Inc()
}

// Transitions exposes the transition counter for assertions.
func (m *Metrics) Transitions() *prometheus.CounterVec { return m.transitions }

// EscrowFetches exposes the escrow fetch counter for assertions.
func (m *Metrics) EscrowFetches() *prometheus.CounterVec { return m.escrowFetch }

// Rechecks exposes the recheck counter for assertions.
func (m *Metrics) Rechecks() *prometheus.CounterVec { return m.recheck }

// Operations exposes the operation counter for assertions.
func (m *Metrics) Operations() *prometheus.CounterVec { return m.operations }

// SettingsPublished exposes the settings publish counter for assertions.
func (m *Metrics) SettingsPublished() prometheus.Counter { return m.settingsSent }
