package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names. All carry the custodian_ prefix.
const (
	MetricRateLimitRequests     = "custodian_rate_limit_requests_total"
	MetricRateLimitBlocked      = "custodian_rate_limit_blocked_total"
	MetricRateLimitRedisErrors  = "custodian_rate_limit_redis_errors_total"
	MetricAuthFailures          = "custodian_auth_failures_total"
	MetricHTTPRequestDuration   = "custodian_http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "custodian_http_requests_total"
	MetricHTTPRequestSizeBytes  = "custodian_http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "custodian_http_response_size_bytes"
)

var (
	limiterLabels = []string{"limiter", "key_type"}
	requestLabels = []string{"method", "route", "status"}

	// Ledger exports and verifications walk whole chains, so the duration
	// buckets reach well past typical API latencies.
	durationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 15, 30}
	// 100 B to ~100 MB.
	sizeBuckets = prometheus.ExponentialBuckets(100, 10, 7)
)

// Metrics holds the Prometheus collectors of the HTTP middleware.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	rateLimitRequests    *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitRedisErrors prometheus.Counter
	authFailures         *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestSize      *prometheus.HistogramVec
	httpResponseSize     *prometheus.HistogramVec
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		rateLimitRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitRequests,
			Help: "Rate limit checks by limiter and key type",
		}, limiterLabels),
		rateLimitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitBlocked,
			Help: "Requests rejected by a rate limiter",
		}, limiterLabels),
		rateLimitRedisErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitRedisErrors,
			Help: "Redis errors during rate limiting; each one let a request through",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAuthFailures,
			Help: "Rejected bearer tokens by reason",
		}, []string{"reason"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "HTTP request duration in seconds",
			Buckets: durationBuckets,
		}, requestLabels),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "HTTP requests by route and status",
		}, requestLabels),
		httpRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestSizeBytes,
			Help:    "HTTP request body size in bytes",
			Buckets: sizeBuckets,
		}, requestLabels),
		httpResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPResponseSizeBytes,
			Help:    "HTTP response body size in bytes",
			Buckets: sizeBuckets,
		}, requestLabels),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRateLimitRequests counts a rate limit check. keyType is "user" or "ip".
func (m *Metrics) IncRateLimitRequests(limiter, keyType string) {
	if m == nil {
		return
	}
	m.rateLimitRequests.WithLabelValues(limiter, keyType).Inc()
}

// IncRateLimitBlocked counts a rejected request.
func (m *Metrics) IncRateLimitBlocked(limiter, keyType string) {
	if m == nil {
		return
	}
	m.rateLimitBlocked.WithLabelValues(limiter, keyType).Inc()
}

// IncRateLimitRedisErrors counts a fail-open event.
func (m *Metrics) IncRateLimitRedisErrors() {
	if m == nil {
		return
	}
	m.rateLimitRedisErrors.Inc()
}

// IncAuthFailures counts a rejected request; reason is the error code sent
// to the client.
func (m *Metrics) IncAuthFailures(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest records one request. route is the matched route pattern.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, duration float64, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	m.httpRequestDuration.WithLabelValues(method, route, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpRequestSize.WithLabelValues(method, route, status).Observe(float64(requestSize))
	m.httpResponseSize.WithLabelValues(method, route, status).Observe(float64(responseSize))
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.rateLimitRedisErrors,
		m.authFailures,
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.httpRequestSize,
		m.httpResponseSize,
	}
}
