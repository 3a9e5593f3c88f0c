package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUpload(t *testing.T) {
	m := New("eltrur")
	m.RecordUpload(OutcomeStored, 120*time.Millisecond)
	m.RecordUpload(OutcomeStored, time.Second)
	m.RecordUpload(OutcomeUnauthorized, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues(OutcomeStored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues(OutcomeUnauthorized)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.UploadDuration))
}

func TestRecordStoredJob(t *testing.T) {
	m := New("eltrur")
	m.RecordStoredJob(5, 2, 1, true)
	m.RecordStoredJob(3, 0, 0, false)

	assert.Equal(t, 8.0, testutil.ToFloat64(m.TestsStored))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ArtifactsStored))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArtifactsDiscarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsReplaced))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordUpload(OutcomeStored, time.Second)
		m.RecordStoredJob(1, 1, 1, true)
		m.RecordPublishError()
	})
	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	assert.NotNil(t, m.Middleware(h))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New("eltrur")
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/build/{build}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, b := range []string{"1", "2", "3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/build/"+b, nil))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/build/{build}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `eltrur_http_requests_total{method="GET",route="/build/{build}",status="404"} 3`)
}
