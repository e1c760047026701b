package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "mcprmm"

// MetricsManager manages Prometheus metrics. A nil *MetricsManager records nothing.
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime       prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	cacheLookups       *prometheus.CounterVec
	extractions        *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	stepFailures       *prometheus.CounterVec
	tokenExpiry        prometheus.Gauge

	apiCalls    *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewMetricsManager creates a new metrics manager on a private registry
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	mm := &MetricsManager{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the broker started in seconds",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests served by the observability listener",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Observability listener request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_lookups_total",
			Help:      "Token requests answered from the cache (hit) or needing extraction (miss)",
		},
		[]string{"result"},
	)

	mm.extractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Browser extraction runs by outcome and capture source",
		},
		[]string{"outcome", "source"},
	)

	mm.extractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Browser extraction run duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 240, 300, 400},
		},
		[]string{"outcome"},
	)

	mm.stepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_step_failures_total",
			Help:      "Login automation failures by the state that was not reached",
		},
		[]string{"state"},
	)

	mm.tokenExpiry = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "token_expiry_timestamp_seconds",
		Help:      "Unix time at which the cached bearer token expires",
	})

	mm.apiCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_calls_total",
			Help:      "Authenticated downstream API calls by method and status",
		},
		[]string{"method", "status"},
	)

	mm.apiDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_call_duration_seconds",
			Help:      "Authenticated downstream API call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.cacheLookups,
		mm.extractions,
		mm.extractionDuration,
		mm.stepFailures,
		mm.tokenExpiry,
		mm.apiCalls,
		mm.apiDuration,
	)

	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	if mm == nil {
		return
	}
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records a request to the observability listener
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if mm == nil {
		return
	}
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordCacheLookup counts a token request as a cache hit or miss
func (mm *MetricsManager) RecordCacheLookup(hit bool) {
	if mm == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	mm.cacheLookups.WithLabelValues(result).Inc()
}

// RecordExtraction records a finished extraction run. source is empty unless a token was captured.
func (mm *MetricsManager) RecordExtraction(outcome, source string, duration time.Duration) {
	if mm == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	mm.extractions.WithLabelValues(outcome, source).Inc()
	mm.extractionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStepFailure counts a login failure at state
func (mm *MetricsManager) RecordStepFailure(state string) {
	if mm == nil {
		return
	}
	mm.stepFailures.WithLabelValues(state).Inc()
}

// SetTokenExpiry publishes the expiry of the cached token
func (mm *MetricsManager) SetTokenExpiry(expiresAt time.Time) {
	if mm == nil {
		return
	}
	mm.tokenExpiry.Set(float64(expiresAt.Unix()))
}

// RecordAPICall records a downstream call. A nil status means a transport failure.
func (mm *MetricsManager) RecordAPICall(method string, status *int, duration time.Duration) {
	if mm == nil {
		return
	}
	label := "error"
	if status != nil {
		label = strconv.Itoa(*status)
	}
	mm.apiCalls.WithLabelValues(method, label).Inc()
	mm.apiDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// HTTPMiddleware returns middleware that records HTTP metrics
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			mm.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(ww.statusCode), time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
