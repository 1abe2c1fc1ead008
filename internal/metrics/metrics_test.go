package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/metrics"
)

func TestCountersAndGauges(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.Dispatched("echo")
	m.Dispatched("echo")
	m.Finished("echo", "completed", 150*time.Millisecond)
	m.SchedulingFailed("queue full")
	m.QueueDelta(2)
	m.QueueDelta(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MissionsDispatched.WithLabelValues("echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MissionsFinished.WithLabelValues("echo", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulingFailures.WithLabelValues("queue full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *metrics.Metrics
	m.Dispatched("echo")
	m.Finished("echo", "failed", time.Second)
	m.InFlightDelta(1)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v0/missions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/missions/abc", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/v0/missions/{id}", "GET", "404")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "missionline_http_requests_total")
}

func TestMiddlewareCollapsesUnmatchedPaths(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v0/health", func(w http.ResponseWriter, r *http.Request) {})

	for _, path := range []string{"/a1", "/a2", "/a3"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequestsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("unmatched", "GET", "404")))
}
