// Package metrics declares the Prometheus collectors shared by the API and
// the dispatcher worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cashcount_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	SessionWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashcount_session_writes_total",
			Help: "Session document writes by outcome",
		},
		[]string{"outcome"}, // accepted, rejected, forbidden, invalid, duplicate_date, error
	)

	FeedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cashcount_feed_subscribers",
			Help: "Open WebSocket snapshot subscriptions",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashcount_notifications_sent_total",
			Help: "Push deliveries by transition kind and per-recipient outcome",
		},
		[]string{"kind", "outcome"}, // outcome: delivered, failed
	)

	NotificationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashcount_notifications_skipped_total",
			Help: "Session updates that produced no push",
		},
		[]string{"reason"}, // ignored, empty_audience, no_tokens
	)

	TokensRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cashcount_delivery_tokens_revoked_total",
			Help: "Delivery tokens deleted after a permanent delivery failure",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cashcount_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashcount_circuit_breaker_requests_total",
			Help: "Requests through a circuit breaker by result",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)
)
