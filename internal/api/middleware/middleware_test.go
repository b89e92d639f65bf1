package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogger_LogsStatusAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RequestLogger(logger))
	r.Get("/api/v1/instances", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/api/v1/instances", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
	assert.NotEmpty(t, line["request_id"])
}

func TestRequestLogger_ProbesAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Empty(t, buf.String())
}

func TestMetrics_PassesThroughStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Post("/api/v1/instances/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/instances/start", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMetrics_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/api/v1/regions/{region}/zones", func(w http.ResponseWriter, _ *http.Request) {})
	r.Post("/api/v1/instances/stop", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	zones := httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/regions/{region}/zones", "2xx")
	unmatched := httpRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "4xx")
	stops := commandsAccepted.WithLabelValues("/api/v1/instances/stop")
	zonesBefore, unmatchedBefore, stopsBefore := testutil.ToFloat64(zones), testutil.ToFloat64(unmatched), testutil.ToFloat64(stops)

	for _, region := range []string{"us-east-1", "eu-west-1"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/regions/"+region+"/zones", nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/no/such/path", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/instances/stop", nil))

	assert.Equal(t, zonesBefore+2, testutil.ToFloat64(zones))
	assert.Equal(t, unmatchedBefore+1, testutil.ToFloat64(unmatched))
	assert.Equal(t, stopsBefore+1, testutil.ToFloat64(stops))
}
