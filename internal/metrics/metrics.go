// Package metrics exposes Prometheus instrumentation for the HTTP
// surface, the view-model engine and the data sources.
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

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcal_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridcal_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	gridEmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridcal_grid_emissions_total",
		Help: "Total number of grid snapshots published to subscribers.",
	})

	eventFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcal_event_fetches_total",
		Help: "Total number of event fetch completions by result.",
	}, []string{"result"})
)

// GridEmitted records one published grid snapshot.
func GridEmitted() {
	gridEmissions.Inc()
}

// EventFetch records a fetch completion; result is "ok", "error" or
// "stale".
func EventFetch(result string) {
	eventFetches.WithLabelValues(result).Inc()
}

// Middleware records per-route request counts and latencies.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := routePattern(r)
			status := strconv.Itoa(ww.Status())
			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}
