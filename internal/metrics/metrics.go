// Package metrics owns the Prometheus collectors for HTTP traffic and for the chat
// turn pipeline. Collection is off until SetEnabled(true); every recorder is a cheap
// no-op while disabled.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatengine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatengine_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_turns_total",
			Help: "Chat turns by terminal state",
		},
		[]string{"model", "state"},
	)

	turnDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatengine_turn_duration_seconds",
			Help:    "Wall time of a chat turn from provider open to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"model"},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_frames_total",
			Help: "Wire frames emitted to clients by kind",
		},
		[]string{"kind"},
	)

	tokenUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_token_usage_total",
			Help: "Billable tokens by model and type",
		},
		[]string{"model", "type"},
	)

	summaryCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatengine_summary_cache_hits_total",
			Help: "Summary cache hits",
		},
	)
	summaryCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatengine_summary_cache_misses_total",
			Help: "Summary cache misses",
		},
	)
	summaryCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatengine_summary_cache_size",
			Help: "Current number of cached summaries",
		},
	)

	estimatorFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_token_estimator_fallbacks_total",
			Help: "Token estimates served by the character heuristic",
		},
		[]string{"model"},
	)

	persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_persist_failures_total",
			Help: "Failed post-stream persistence calls",
		},
		[]string{"target"},
	)

	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// SetEnabled toggles Prometheus metrics collection.
func SetEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
	if enabled {
		Register()
	}
}

// IsEnabled reports whether metrics are enabled.
func IsEnabled() bool {
	return metricsEnabled.Load()
}

// Register registers all collectors with the default registry.
// It is safe to call multiple times; metrics will only be registered once.
func Register() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		activeConnections,
		turnsTotal,
		turnDurationSeconds,
		framesTotal,
		tokenUsage,
		summaryCacheHits,
		summaryCacheMisses,
		summaryCacheSize,
		estimatorFallbacks,
		persistFailures,
	)
}

// Middleware returns a Gin middleware that records request count, duration and
// in-flight connections.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsEnabled() || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		activeConnections.Inc()
		defer activeConnections.Dec()

		// FullPath is the route template, which keeps room ids out of labels.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordTurn records a finished turn's terminal state and duration.
func RecordTurn(model, state string, d time.Duration) {
	if !IsEnabled() {
		return
	}
	turnsTotal.WithLabelValues(model, strings.ToLower(state)).Inc()
	turnDurationSeconds.WithLabelValues(model).Observe(d.Seconds())
}

// RecordFrame counts one emitted wire frame.
func RecordFrame(kind string) {
	if !IsEnabled() {
		return
	}
	framesTotal.WithLabelValues(kind).Inc()
}

// RecordTokenUsage records billable tokens. tokenType is input, output or reasoning.
func RecordTokenUsage(model, tokenType string, tokens int) {
	if !IsEnabled() || tokens <= 0 {
		return
	}
	tokenUsage.WithLabelValues(model, tokenType).Add(float64(tokens))
}

// RecordEstimatorFallback counts a heuristic token estimate.
func RecordEstimatorFallback(model string) {
	if !IsEnabled() {
		return
	}
	estimatorFallbacks.WithLabelValues(model).Inc()
}

// RecordPersistFailure counts a failed message or usage write.
func RecordPersistFailure(target string) {
	if !IsEnabled() {
		return
	}
	persistFailures.WithLabelValues(target).Inc()
}

// SummaryCacheObserver adapts the summary cache gauges to cache.Observer.
type SummaryCacheObserver struct{}

// Hit implements cache.Observer.
func (SummaryCacheObserver) Hit() {
	if IsEnabled() {
		summaryCacheHits.Inc()
	}
}

// Miss implements cache.Observer.
func (SummaryCacheObserver) Miss() {
	if IsEnabled() {
		summaryCacheMisses.Inc()
	}
}

// Size implements cache.Observer.
func (SummaryCacheObserver) Size(n int) {
	if IsEnabled() {
		summaryCacheSize.Set(float64(n))
	}
}
