// Package metrics provides Prometheus metrics for the request-defense pipeline
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guard"

// unmatchedRoute labels requests that hit no chi route so probing scanners
// cannot blow up label cardinality.
const unmatchedRoute = "unmatched"

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func gaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

var latencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// HTTP
var (
	HTTPRequestsTotal = counterVec("http", "requests_total",
		"Total number of HTTP requests by method, route and status code", "method", "path", "status")
	HTTPRequestDuration = histogramVec("http", "request_duration_seconds",
		"HTTP request duration in seconds", latencyBuckets, "method", "path")
	HTTPResponseSize = histogramVec("http", "response_size_bytes",
		"HTTP response size in bytes", []float64{100, 1000, 10000, 100000, 1000000, 10000000}, "method", "path")
	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_in_flight",
		Help: "Current number of HTTP requests being processed",
	})
)

// Database pools, labelled by pool (identity, audit)
var (
	DBConnectionsOpen    = gaugeVec("db", "connections_open", "Number of open database connections by pool", "pool")
	DBConnectionsInUse   = gaugeVec("db", "connections_in_use", "Number of database connections in use by pool", "pool")
	DBConnectionsIdle    = gaugeVec("db", "connections_idle", "Number of idle database connections by pool", "pool")
	DBConnectionsMaxOpen = gaugeVec("db", "connections_max_open", "Maximum number of open database connections by pool", "pool")
	DBQueryDuration      = histogramVec("db", "query_duration_seconds", "Database query duration in seconds", latencyBuckets[:11], "operation")
)

// Security pipeline
var (
	SecurityEventsTotal = counterVec("security", "events_total",
		"Total number of security events by type and severity", "type", "severity")
	RateLimitedTotal = counterVec("ratelimit", "rejected_total",
		"Total number of requests rejected by rate limit profile", "profile")
	// LoginAttemptsTotal results: success, invalid, locked, error
	LoginAttemptsTotal = counterVec("auth", "login_attempts_total",
		"Total number of login attempts by result", "result")
	CSRFFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "csrf", Name: "failures_total",
		Help: "Total number of requests rejected for a missing or invalid CSRF token",
	})
	// BreakerState: 0 closed, 1 half-open, 2 open
	BreakerState = gaugeVec("breaker", "state",
		"Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)", "name")
	AuditWriteFailures = counterVec("audit", "write_failures_total",
		"Total number of dropped audit writes by record kind", "kind")
)

// Middleware records request count, latency and response size per chi route
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(ww.BytesWritten()))
	})
}

// routePattern reads the pattern after the router has run; chi fills the
// shared route context in place.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
