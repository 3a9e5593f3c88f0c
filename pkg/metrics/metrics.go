// Package metrics exports Prometheus metrics for uploads and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload outcomes, used as the "outcome" label.
const (
	OutcomeStored       = "stored"
	OutcomeUnauthorized = "unauthorized"
	OutcomeInvalid      = "invalid"
	OutcomeBadReport    = "bad_report"
	OutcomeFailed       = "storage_failure"
)

// Metrics holds all collectors of the server. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion
	UploadsTotal       *prometheus.CounterVec
	UploadDuration     prometheus.Histogram
	TestsStored        prometheus.Counter
	ArtifactsStored    prometheus.Counter
	ArtifactsDiscarded prometheus.Counter
	JobsReplaced       prometheus.Counter
	EventPublishErrors prometheus.Counter
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Total report uploads by outcome",
			},
			[]string{"outcome"},
		),
		UploadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time from authentication to committed job",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		TestsStored: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tests_stored_total",
				Help:      "Total test results stored",
			},
		),
		ArtifactsStored: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_stored_total",
				Help:      "Total screenshots attached to a test",
			},
		),
		ArtifactsDiscarded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_discarded_total",
				Help:      "Total uploaded screenshots no test referenced",
			},
		),
		JobsReplaced: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_replaced_total",
				Help:      "Total uploads that replaced an existing job",
			},
		),
		EventPublishErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_publish_errors_total",
				Help:      "Total job events that could not be published",
			},
		),
	}
}

// RecordUpload records the outcome of one ingestion.
func (m *Metrics) RecordUpload(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeStored {
		m.UploadDuration.Observe(duration.Seconds())
	}
}

// RecordStoredJob records what a successful ingestion stored.
func (m *Metrics) RecordStoredJob(tests, artifacts, discarded int, replaced bool) {
	if m == nil {
		return
	}
	m.TestsStored.Add(float64(tests))
	m.ArtifactsStored.Add(float64(artifacts))
	m.ArtifactsDiscarded.Add(float64(discarded))
	if replaced {
		m.JobsReplaced.Inc()
	}
}

// RecordPublishError counts a job event that did not reach the broker.
func (m *Metrics) RecordPublishError() {
	if m == nil {
		return
	}
	m.EventPublishErrors.Inc()
}

// Middleware records request counts and latencies labelled by chi route
// pattern, which keeps build and job names out of the label values.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
