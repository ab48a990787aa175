package cpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "saferiskx"
	subsystem = "access"
)

var (
	// SubscriptionsByStatus tracks the number of subscription rows in each status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "subscriptions_by_status",
		Help:      "Number of subscriptions by lifecycle status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SubscriptionTransitions counts applied status transitions.
	SubscriptionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "subscription_transitions_total",
		Help:      "Subscription status transitions by from/to status.",
	}, []string{"from", "to"})

	// RoleOperations counts premium role operations against the guild.
	RoleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "role_operations_total",
		Help:      "Premium role operations by operation and outcome.",
	}, []string{"op", "outcome"})

	// Expirations counts subscriptions moved to expired, by what noticed it.
	Expirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "expirations_total",
		Help:      "Subscriptions expired by detection source (request or sweep).",
	}, []string{"source"})

	// RateLimited counts requests rejected by the per-route rate limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rate_limited_total",
		Help:      "Requests rejected with 429 by route scope.",
	}, []string{"scope"})

	// CommunityBreakerState reports the Discord circuit breaker state
	// (0 closed, 1 half-open, 2 open).
	CommunityBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "community_breaker_state",
		Help:      "Discord circuit breaker state (0 closed, 1 half-open, 2 open).",
	})
)
