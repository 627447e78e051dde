// Package metrics holds the Prometheus collectors for the custody core.
//
// A nil *Metrics is valid and records nothing, so components can take one unconditionally.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "custody"

// Metrics holds custody-related Prometheus metrics.
type Metrics struct {
	UnlockAttempts   *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	SessionProposals *prometheus.CounterVec
	SessionRequests  *prometheus.CounterVec
	SessionsActive   *prometheus.GaugeVec
	RequestsPending  *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		UnlockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_attempts_total",
			Help:      "Account unlock attempts by result.",
		}, []string{"result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Resource cache lookups by cache and result (hit, miss, error, stale).",
		}, []string{"cache", "result"}),
		SessionProposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_proposals_total",
			Help:      "Session proposals by protocol version and outcome.",
		}, []string{"version", "outcome"}),
		SessionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_requests_total",
			Help:      "Peer requests by protocol version and outcome.",
		}, []string{"version", "outcome"}),
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Established sessions by protocol version.",
		}, []string{"version"}),
		RequestsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_pending",
			Help:      "Peer requests awaiting a user decision by protocol version.",
		}, []string{"version"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.UnlockAttempts, m.CacheLookups, m.SessionProposals,
		m.SessionRequests, m.SessionsActive, m.RequestsPending,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveUnlock counts an unlock attempt. result is "success", "invalid_password" or "error".
func (m *Metrics) ObserveUnlock(result string) {
	if m == nil {
		return
	}
	m.UnlockAttempts.WithLabelValues(result).Inc()
}

// ObserveCacheLookup counts a cache lookup.
func (m *Metrics) ObserveCacheLookup(cache, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

// ObserveProposal counts a proposal outcome: received, accepted, denied, failed.
func (m *Metrics) ObserveProposal(version, outcome string) {
	if m == nil {
		return
	}
	m.SessionProposals.WithLabelValues(version, outcome).Inc()
}

// ObserveRequest counts a request outcome: received, accepted, denied, failed, rate_limited.
func (m *Metrics) ObserveRequest(version, outcome string) {
	if m == nil {
		return
	}
	m.SessionRequests.WithLabelValues(version, outcome).Inc()
}

// SetSessionCounts publishes the current session and pending request counts for a version.
func (m *Metrics) SetSessionCounts(version string, sessions, requests int) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(version).Set(float64(sessions))
	m.RequestsPending.WithLabelValues(version).Set(float64(requests))
}
