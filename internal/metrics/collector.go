// Package metrics exposes the Prometheus collectors of the service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashmanager_auth_operations_total",
			Help: "Total number of session operations labeled by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	authOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cashmanager_auth_operation_duration_seconds",
			Help:    "Duration of session operations including identity provider round trips",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	tokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashmanager_token_refreshes_total",
			Help: "Total number of access token renewals labeled by outcome",
		},
		[]string{"outcome"},
	)
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cashmanager_active_sessions",
			Help: "Number of sessions with a scheduled token renewal",
		},
	)
	settingsChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashmanager_settings_changes_total",
			Help: "Total number of persisted preference changes labeled by field",
		},
		[]string{"field"},
	)
	authEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashmanager_auth_events_total",
			Help: "Total number of auth events labeled by type and delivery status",
		},
		[]string{"type", "status"},
	)
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashmanager_http_requests_total",
			Help: "Total number of HTTP requests labeled by method, route and status",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cashmanager_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cashmanager_rate_limited_requests_total",
			Help: "Total number of requests rejected by the per-client rate limit",
		},
	)
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashmanager_cache_lookups_total",
			Help: "Total number of in-process cache lookups labeled by cache and result",
		},
		[]string{"cache", "result"},
	)
	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashmanager_cache_evictions_total",
			Help: "Total number of cache entries dropped labeled by cache and reason",
		},
		[]string{"cache", "reason"},
	)
	suspiciousRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cashmanager_suspicious_requests_total",
			Help: "Total number of requests matching a known attack pattern",
		},
	)
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeNoop    = "noop"
)

// RecordAuth counts a session operation and records its duration.
func RecordAuth(operation, outcome string, duration time.Duration) {
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	authOperationsTotal.WithLabelValues(operation, outcome).Inc()
	authOperationDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRefresh counts a token renewal.
func RecordRefresh(outcome string) {
	tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// SetActiveSessions sets the number of sessions with a pending renewal.
func SetActiveSessions(n int) {
	if n < 0 {
		n = 0
	}
	activeSessions.Set(float64(n))
}

// RecordSettingsChange counts a persisted preference change.
func RecordSettingsChange(field string) {
	settingsChangesTotal.WithLabelValues(field).Inc()
}

// RecordAuthEvent counts an auth event handed to the event pipeline.
func RecordAuthEvent(eventType, status string) {
	authEventsTotal.WithLabelValues(eventType, status).Inc()
}

// RecordHTTPRequest counts a served request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRateLimited counts a rejected request.
func RecordRateLimited() {
	rateLimitedTotal.Inc()
}

// RecordSuspiciousRequest counts a request flagged by the detector.
func RecordSuspiciousRequest() {
	suspiciousRequestsTotal.Inc()
}

// RecordCacheLookup counts a hit or a miss of the named cache.
func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordCacheEviction counts entries dropped for capacity or expiry.
func RecordCacheEviction(cache, reason string, n int) {
	if n <= 0 {
		return
	}
	cacheEvictionsTotal.WithLabelValues(cache, reason).Add(float64(n))
}
