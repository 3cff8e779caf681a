// Package metrics provides Prometheus metrics for the scheduling pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low-cardinality: no fingerprints, event ids or addresses.

var (
	// PolicyDecisions counts working-hours verdicts.
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afterhours_policy_decisions_total",
		Help: "Working-hours policy decisions, by classification and reason.",
	}, []string{"classification", "reason"})

	// Mutations counts finished calendar mutations.
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afterhours_mutations_total",
		Help: "Calendar mutations, by action and final state.",
	}, []string{"action", "state"})

	// CalendarAttempts counts individual backend calls including retries.
	CalendarAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afterhours_calendar_attempts_total",
		Help: "Calendar backend call attempts, by operation and result (ok, transient, permanent).",
	}, []string{"op", "result"})

	// CalendarLatency observes backend call latency.
	CalendarLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "afterhours_calendar_call_seconds",
		Help:    "Calendar backend call latency, by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ConflictChecks counts conflict detections.
	ConflictChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afterhours_conflict_checks_total",
		Help: "Conflict checks, by result (clear, conflict, error).",
	}, []string{"result"})

	// IdempotencyOutcomes counts Begin outcomes.
	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afterhours_idempotency_outcomes_total",
		Help: "Idempotency slot checks, by outcome (proceed, in_flight, completed).",
	}, []string{"outcome"})

	// CredentialRefreshes counts OAuth refresh round-trips.
	CredentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afterhours_credential_refreshes_total",
		Help: "OAuth token refreshes, by result (ok, rejected, error).",
	}, []string{"result"})

	// CredentialState reports the current credential state as a one-hot gauge.
	CredentialState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afterhours_credential_state",
		Help: "Current OAuth credential state (1 for the active state).",
	}, []string{"state"})

	// Notifications counts delivery attempts.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afterhours_notifications_total",
		Help: "Notification deliveries, by channel and result.",
	}, []string{"channel", "result"})

	// NotificationsDropped counts notifications dropped because the queue was full.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "afterhours_notifications_dropped_total",
		Help: "Notifications dropped because the dispatch queue was full.",
	})

	// ParserRequests counts language-parser calls.
	ParserRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afterhours_parser_requests_total",
		Help: "Natural-language parser calls, by result.",
	}, []string{"result"})

	// RateLimited counts requests rejected by the HTTP rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "afterhours_http_rate_limited_total",
		Help: "HTTP requests rejected by the per-client rate limiter.",
	})
)

// SetCredentialState marks state as the active credential state.
func SetCredentialState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		CredentialState.WithLabelValues(s).Set(v)
	}
}
