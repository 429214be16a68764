package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var initOnce sync.Once

// HTTP metrics for the service's own surface.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Outbound Canvas API, cache and token metrics.
var (
	canvasRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_api_requests_total",
			Help: "Canvas API page requests by resource and HTTP status (0 = transport failure).",
		},
		[]string{"resource", "status"},
	)

	canvasRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canvas_api_request_duration_seconds",
			Help:    "Canvas API page request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Resource cache lookups by cache and result (hit, miss).",
		},
		[]string{"cache", "result"},
	)

	cacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Expired resource cache entries removed.",
		},
		[]string{"cache"},
	)

	oauthRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_refresh_total",
			Help: "Access token refresh attempts by result.",
		},
		[]string{"result"},
	)

	compileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groups_compile_duration_seconds",
			Help:    "Wall-clock duration of hierarchy compilation.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind", "outcome"},
	)
)

// Init registers all metrics in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			canvasRequestsTotal, canvasRequestDuration,
			cacheLookupsTotal, cacheEvictionsTotal,
			oauthRefreshTotal, compileDuration,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCanvasRequest records one Canvas API page request.
func ObserveCanvasRequest(resource string, status int, d time.Duration) {
	canvasRequestsTotal.WithLabelValues(resource, strconv.Itoa(status)).Inc()
	canvasRequestDuration.WithLabelValues(resource).Observe(d.Seconds())
}

// CacheLookup counts a cache hit or miss.
func CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// CacheEvicted counts expired entries removed from a cache.
func CacheEvicted(cache string, n int) {
	if n <= 0 {
		return
	}
	cacheEvictionsTotal.WithLabelValues(cache).Add(float64(n))
}

// RefreshResult counts a token refresh outcome ("ok", "failed", "skipped").
func RefreshResult(result string) {
	oauthRefreshTotal.WithLabelValues(result).Inc()
}

// ObserveCompile records an aggregation run.
func ObserveCompile(kind string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	compileDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "categories" && parts[3] == "export":
		return "/v1/categories/:id/export"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "errors":
		return "/v1/errors/:code"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
