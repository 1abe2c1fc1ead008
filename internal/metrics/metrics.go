// Package metrics exposes Prometheus collectors for missions and the HTTP API.
// All methods are safe on a nil *Metrics.
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

const namespace = "missionline"

type Metrics struct {
	MissionsDispatched  *prometheus.CounterVec
	MissionsFinished    *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	SchedulingFailures  *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	ExecutionsInFlight  prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		MissionsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "missions",
			Name:      "dispatched_total",
			Help:      "Missions handed to the worker pool, by agent",
		}, []string{"agent"}),
		MissionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "missions",
			Name:      "finished_total",
			Help:      "Missions reconciled to a terminal status",
		}, []string{"agent", "status"}),
		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "missions",
			Name:      "execution_duration_seconds",
			Help:      "Wall time from worker pickup to outcome",
			Buckets:   []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"agent", "status"}),
		SchedulingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "missions",
			Name:      "scheduling_failures_total",
			Help:      "Missions failed because the pool could not accept them",
		}, []string{"reason"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Reserved or queued jobs not yet picked up by a worker",
		}),
		ExecutionsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "executions_in_flight",
			Help:      "Executors currently running",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "method"}),
	}
}

func (m *Metrics) Dispatched(agent string) {
	if m == nil {
		return
	}
	m.MissionsDispatched.WithLabelValues(agent).Inc()
}

func (m *Metrics) Finished(agent, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.MissionsFinished.WithLabelValues(agent, status).Inc()
	m.ExecutionDuration.WithLabelValues(agent, status).Observe(d.Seconds())
}

func (m *Metrics) SchedulingFailed(reason string) {
	if m == nil {
		return
	}
	m.SchedulingFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) QueueDelta(n float64) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(n)
}

func (m *Metrics) InFlightDelta(n float64) {
	if m == nil {
		return
	}
	m.ExecutionsInFlight.Add(n)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// unmatchedRoute labels requests that matched no route.
const unmatchedRoute = "unmatched"

// Middleware records request counts and latency labelled by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := unmatchedRoute
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
