package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Route label for requests no route matched, so probing random paths does
// not grow the series count.
const unmatchedRoute = "unmatched"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmcache_http_requests_total",
			Help: "HTTP requests by method, route pattern and status class",
		},
		[]string{"method", "route", "class"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmcache_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route pattern",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	commandsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmcache_http_commands_accepted_total",
			Help: "Commands handed to the task runner, by route pattern",
		},
		[]string{"route"},
	)
)

// Metrics records request counts and latency per chi route pattern. A 202
// response means a task was started, and is also counted as an accepted
// command.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		route := routeOf(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, statusClass(ww.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if ww.status == http.StatusAccepted {
			commandsAccepted.WithLabelValues(route).Inc()
		}
	})
}

func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
