package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Verification metrics
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration prometheus.Histogram

	// Rate limiting metrics
	RatelimitDecisions *prometheus.CounterVec
	AuthorityLatency   *prometheus.HistogramVec
	AuthorityFailures  *prometheus.CounterVec

	// Usage metering metrics
	UsageConsumed prometheus.Counter
	UsageDenied   prometheus.Counter

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Analytics metrics
	AnalyticsEmitted prometheus.Counter
	AnalyticsDropped prometheus.Counter

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		VerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_verifications_total",
				Help: "Total number of key verifications by outcome",
			},
			[]string{"outcome"},
		),
		VerificationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "key_verification_duration_seconds",
				Help:    "Key verification duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
		),

		RatelimitDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_decisions_total",
				Help: "Rate limit decisions by mode and result",
			},
			[]string{"mode", "allowed"},
		),
		AuthorityLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "counter_authority_latency_seconds",
				Help:    "Latency of counter authority operations",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"authority"},
		),
		AuthorityFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "counter_authority_failures_total",
				Help: "Counter authority failures by authority and applied policy",
			},
			[]string{"authority", "policy"},
		),

		UsageConsumed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "usage_credits_consumed_total",
				Help: "Total usage credits consumed",
			},
		),
		UsageDenied: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "usage_credits_denied_total",
				Help: "Total consume attempts denied for exhausted credits",
			},
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		AnalyticsEmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "analytics_events_emitted_total",
				Help: "Total analytics events handed to the sink",
			},
		),
		AnalyticsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "analytics_events_dropped_total",
				Help: "Total analytics events dropped because the buffer was full",
			},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"authority"},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordVerification records a verification outcome and its duration
func RecordVerification(outcome string, duration time.Duration) {
	Get().VerificationsTotal.WithLabelValues(outcome).Inc()
	Get().VerificationDuration.Observe(duration.Seconds())
}

// RecordRatelimitDecision records a rate limit decision
func RecordRatelimitDecision(mode string, allowed bool) {
	Get().RatelimitDecisions.WithLabelValues(mode, strconv.FormatBool(allowed)).Inc()
}

// RecordAuthorityLatency records the latency of a counter authority call
func RecordAuthorityLatency(authority string, duration time.Duration) {
	Get().AuthorityLatency.WithLabelValues(authority).Observe(duration.Seconds())
}

// RecordAuthorityFailure records an authority failure and the policy applied
func RecordAuthorityFailure(authority, policy string) {
	Get().AuthorityFailures.WithLabelValues(authority, policy).Inc()
}

// RecordUsageConsumed records consumed usage credits
func RecordUsageConsumed(cost float64) {
	Get().UsageConsumed.Add(cost)
}

// RecordUsageDenied records a denied consume attempt
func RecordUsageDenied() {
	Get().UsageDenied.Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	Get().CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	Get().CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordAnalyticsEmitted records an analytics event handed to the sink
func RecordAnalyticsEmitted() {
	Get().AnalyticsEmitted.Inc()
}

// RecordAnalyticsDropped records a dropped analytics event
func RecordAnalyticsDropped() {
	Get().AnalyticsDropped.Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(authority string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(authority).Set(state)
}
