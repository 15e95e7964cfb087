// Package metrics holds the Prometheus collectors shared across gatekeeper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RateLimitDecisions counts rate window decisions by endpoint class.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate window decisions by endpoint class and result (allowed/rejected).",
	}, []string{"class", "result"})

	// RateStoreErrors counts shared store failures that were failed open.
	RateStoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "ratelimit",
		Name:      "store_errors_total",
		Help:      "Shared rate store errors; affected requests are allowed.",
	})

	// AuthFailures counts identity gate rejections by kind.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "identity",
		Name:      "auth_failures_total",
		Help:      "Identity gate failures by kind (missing/expired/invalid/no_user/provider).",
	}, []string{"kind"})

	// ReconcileOutcomes counts reconciliation operations by operation and outcome.
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "reconcile",
		Name:      "operations_total",
		Help:      "Reconciler operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	// ReconcileStepFailures counts tolerated step failures during multi-step operations.
	ReconcileStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "reconcile",
		Name:      "step_failures_total",
		Help:      "Non-fatal step failures by operation and step.",
	}, []string{"operation", "step"})

	// QuotaRejections counts scenario saves rejected by the free-tier quota.
	QuotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "quota",
		Name:      "rejections_total",
		Help:      "Scenario saves rejected by quota, by tool.",
	}, []string{"tool_id"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatekeeper",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ProviderCalls tracks outbound billing provider calls by method and result.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "billing",
		Name:      "provider_calls_total",
		Help:      "Billing provider calls by method and result (ok/error/not_found).",
	}, []string{"method", "result"})

	// HTTPRequests counts handled API requests by route and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Handled API requests by route and HTTP status.",
	}, []string{"route", "status"})
)
