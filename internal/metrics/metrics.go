// Package metrics provides Prometheus instrumentation for Promptforge.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptforge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptforge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OptimizationsTotal counts prompt optimizations by outcome.
	OptimizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptforge",
			Name:      "optimizations_total",
			Help:      "Total prompt optimization requests by outcome.",
		},
		[]string{"outcome"},
	)

	// CompletionDuration observes upstream completion API latency.
	CompletionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "promptforge",
		Name:      "completion_duration_seconds",
		Help:      "Upstream completion API call duration in seconds.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// QuotaDenialsTotal counts requests denied for exhausted monthly quota, by tier.
	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptforge",
			Name:      "quota_denials_total",
			Help:      "Total requests denied because the monthly quota was exhausted, by tier.",
		},
		[]string{"tier"},
	)

	// RateLimitDenialsTotal counts requests rejected by the request throttle.
	RateLimitDenialsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "promptforge",
		Name:      "rate_limit_denials_total",
		Help:      "Total requests rejected by the fixed-window rate limiter.",
	})

	// UsageIncrementFailures counts usage increments that failed after a
	// successful optimization (logged and swallowed, so a counter is the
	// only visibility into them).
	UsageIncrementFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "promptforge",
		Name:      "usage_increment_failures_total",
		Help:      "Total usage increments that failed after a successful optimization.",
	})

	// WebhookEventsTotal counts received Stripe webhook events by type and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptforge",
			Name:      "webhook_events_total",
			Help:      "Total Stripe webhook events by event type and processing result.",
		},
		[]string{"event_type", "result"},
	)

	// TierChangesTotal counts tier transitions applied by the reconciler.
	TierChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptforge",
			Name:      "tier_changes_total",
			Help:      "Total tier transitions applied from billing events, by new tier.",
		},
		[]string{"tier"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "promptforge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "promptforge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "promptforge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "promptforge", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "promptforge", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "promptforge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OptimizationsTotal,
		CompletionDuration,
		QuotaDenialsTotal,
		RateLimitDenialsTotal,
		UsageIncrementFailures,
		WebhookEventsTotal,
		TierChangesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
