// Package metrics provides Prometheus collectors and HTTP middleware for the
// relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UpstreamBuckets covers chat completion latencies from 100ms to 2 minutes.
var UpstreamBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts HTTP requests by route pattern, method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loftrelay_http_requests_total",
			Help: "HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loftrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: UpstreamBuckets,
		},
		[]string{"route", "method"},
	)

	// RelaysTotal counts chat relays by mode (buffered/stream) and outcome.
	RelaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loftrelay_relays_total",
			Help: "Chat relays by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// UpstreamLatency records time to upstream response headers.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loftrelay_upstream_latency_seconds",
			Help:    "Time until upstream response headers",
			Buckets: UpstreamBuckets,
		},
		[]string{"mode", "model"},
	)

	// EventsRelayed counts SSE data frames forwarded to callers.
	EventsRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loftrelay_sse_events_relayed_total",
			Help: "SSE data frames forwarded",
		},
	)

	// EventsDropped counts malformed upstream SSE lines that were discarded.
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loftrelay_sse_events_dropped_total",
			Help: "Malformed upstream SSE lines discarded",
		},
	)

	// ActiveStreams tracks streaming relays in flight.
	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loftrelay_streams_active",
			Help: "Streaming relays in flight",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RelaysTotal,
		UpstreamLatency,
		EventsRelayed,
		EventsDropped,
		ActiveStreams,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and duration, labelled by the chi route
// pattern so that path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := strconv.Itoa(sw.status/100) + "xx"

		RequestsTotal.WithLabelValues(route, r.Method, status).Inc()
		RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Flush is required for SSE responses that pass through the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
