// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency. Uploads and AI inspection calls
// on the backend can take tens of seconds, hence the long tail.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	RequestBytes     *prometheus.CounterVec
	ResponseBytes    *prometheus.CounterVec
	ClientAborts     *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ForwardedBodies *prometheus.CounterVec
	UploadedFiles   prometheus.Counter
	CleanupFailures prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goods_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "goods_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goods_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		RequestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goods_proxy_http_request_bytes_total",
			Help: "Declared inbound request body bytes.",
		}, []string{"path_prefix"}),

		ResponseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goods_proxy_http_response_bytes_total",
			Help: "Response body bytes written to clients.",
		}, []string{"path_prefix"}),

		ClientAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goods_proxy_client_aborts_total",
			Help: "Requests whose client went away before the response finished.",
		}, []string{"path_prefix"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "goods_proxy_upstream_request_duration_seconds",
			Help:    "Backend call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goods_proxy_upstream_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		ForwardedBodies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goods_proxy_forwarded_bodies_total",
			Help: "Request bodies forwarded to the backend by decoded kind.",
		}, []string{"kind"}),

		UploadedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goods_proxy_uploaded_files_total",
			Help: "Multipart files spooled to the temp upload directory.",
		}),

		CleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goods_proxy_upload_cleanup_failures_total",
			Help: "Temp upload files that could not be removed.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.RequestBytes,
		m.ResponseBytes,
		m.ClientAborts,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ForwardedBodies,
		m.UploadedFiles,
		m.CleanupFailures,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
// The backend routes are listed with and without the SPA's /api prefix.
var knownPrefixes = []string{
	"/api/goods", "/api/member", "/api/categories", "/api/forbidden-words",
	"/goods", "/member", "/categories", "/forbidden-words",
	"/healthz", "/proxy/status", "/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
