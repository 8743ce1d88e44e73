package prometheus

import (
	"strconv"
	"time"

	"calsync/pkg/config"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Webhook metrics
	WebhookCounter *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileCounter   *prometheus.CounterVec
	ReconcileHistogram *prometheus.HistogramVec

	// Credential bridge metrics
	TokenRefreshCounter *prometheus.CounterVec

	// Outbound API metrics
	OutboundCallCounter *prometheus.CounterVec

	// Database operation metrics
	DBOperationHistogram *prometheus.HistogramVec

	// Request metrics
	RequestDurationHistogram *prometheus.HistogramVec
	APIRequestCounter        *prometheus.CounterVec
	APIErrorCounter          *prometheus.CounterVec

	// Namespace prefix for metrics
	namespace string
)

// InitMetrics initializes all Prometheus metrics
func InitMetrics(cfg *config.Config) {
	namespace = cfg.Metrics.Prefix

	WebhookCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_notifications_total",
			Help:      "Total number of inbound webhook notifications",
		},
		[]string{"event", "outcome"},
	)

	ReconcileCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of booking reconciliations",
		},
		[]string{"transition", "outcome"},
	)

	ReconcileHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of booking reconciliations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transition"},
	)

	TokenRefreshCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Total number of OAuth token refresh exchanges",
		},
		[]string{"platform", "outcome"},
	)

	OutboundCallCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_calls_total",
			Help:      "Total number of outbound platform API calls",
		},
		[]string{"platform", "operation", "outcome"},
	)

	DBOperationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Duration of database operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	RequestDurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	APIRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "path"},
	)

	APIErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Total number of API errors",
		},
		[]string{"method", "path", "status"},
	)
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			if APIRequestCounter != nil {
				APIRequestCounter.With(prometheus.Labels{
					"method": c.Request().Method,
					"path":   c.Path(),
				}).Inc()
			}

			err := next(c)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(c.Response().Status)
			if RequestDurationHistogram != nil {
				RequestDurationHistogram.With(prometheus.Labels{
					"method": c.Request().Method,
					"path":   c.Path(),
					"status": status,
				}).Observe(duration)
			}

			if c.Response().Status >= 400 && APIErrorCounter != nil {
				APIErrorCounter.With(prometheus.Labels{
					"method": c.Request().Method,
					"path":   c.Path(),
					"status": status,
				}).Inc()
			}

			return err
		}
	}
}

// HandlerFunc returns a HTTP handler for metrics endpoint
func HandlerFunc() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// TrackDBOperation returns a function that tracks database operation duration
func TrackDBOperation(operation string) func(time.Time) {
	return func(startTime time.Time) {
		if DBOperationHistogram == nil {
			return
		}
		DBOperationHistogram.With(prometheus.Labels{
			"operation": operation,
		}).Observe(time.Since(startTime).Seconds())
	}
}

// RecordWebhook increments the webhook notification counter
func RecordWebhook(event, outcome string) {
	if WebhookCounter == nil {
		return
	}
	WebhookCounter.With(prometheus.Labels{"event": event, "outcome": outcome}).Inc()
}

// RecordReconcile increments the reconciliation counter
func RecordReconcile(transition, outcome string) {
	if ReconcileCounter == nil {
		return
	}
	ReconcileCounter.With(prometheus.Labels{"transition": transition, "outcome": outcome}).Inc()
}

// ObserveReconcile tracks the duration of one reconciliation
func ObserveReconcile(transition string, start time.Time) {
	if ReconcileHistogram == nil {
		return
	}
	ReconcileHistogram.With(prometheus.Labels{"transition": transition}).Observe(time.Since(start).Seconds())
}

// RecordTokenRefresh increments the token refresh counter
func RecordTokenRefresh(platform, outcome string) {
	if TokenRefreshCounter == nil {
		return
	}
	TokenRefreshCounter.With(prometheus.Labels{"platform": platform, "outcome": outcome}).Inc()
}

// RecordOutboundCall increments the outbound API call counter
func RecordOutboundCall(platform, operation, outcome string) {
	if OutboundCallCounter == nil {
		return
	}
	OutboundCallCounter.With(prometheus.Labels{"platform": platform, "operation": operation, "outcome": outcome}).Inc()
}
