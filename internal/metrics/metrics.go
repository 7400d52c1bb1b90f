// Package metrics provides Prometheus instrumentation for the formz server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only formz metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the formz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	GRPCRequestsTotal       *prometheus.CounterVec
	GRPCRequestDuration     *prometheus.HistogramVec
	CacheSize               *prometheus.GaugeVec
	CacheLoadsTotal         prometheus.Counter
	CacheInvalidations      prometheus.Counter
	EvaluationsTotal        *prometheus.CounterVec
	EvaluationDuration      *prometheus.HistogramVec
	QuestionsEvaluatedTotal *prometheus.CounterVec
	ValidationFailuresTotal prometheus.Counter
	AuthFailuresTotal       prometheus.Counter
	ActiveStreams           *prometheus.GaugeVec
}

// New creates and registers all formz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formz_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formz_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "formz_cache_size",
			Help: "Number of questionnaires in the in-memory cache.",
		}, []string{"project_id"}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formz_cache_loads_total",
			Help: "Total number of full cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formz_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formz_evaluations_total",
			Help: "Total number of questionnaire evaluation passes.",
		}, []string{"source"}),

		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formz_evaluation_duration_seconds",
			Help:    "Latency of one questionnaire evaluation pass in seconds.",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"source"}),

		QuestionsEvaluatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formz_questions_evaluated_total",
			Help: "Total number of questions resolved by evaluation passes.",
		}, []string{"visibility"}),

		ValidationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formz_validation_failures_total",
			Help: "Total number of questionnaire documents rejected by validation.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "formz_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.CacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.QuestionsEvaluatedTotal,
		m.ValidationFailuresTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count and stream lifetime. ActiveStreams is maintained by the
// watch handlers themselves.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// RecordEvaluation records one evaluation pass: its source (stored or inline),
// its latency, and how many questions ended up visible and hidden.
func (m *Metrics) RecordEvaluation(source string, elapsed time.Duration, visible, hidden int) {
	m.EvaluationsTotal.WithLabelValues(source).Inc()
	m.EvaluationDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	m.QuestionsEvaluatedTotal.WithLabelValues("visible").Add(float64(visible))
	m.QuestionsEvaluatedTotal.WithLabelValues("hidden").Add(float64(hidden))
}

// IncValidationFailures increments the rejected document counter.
func (m *Metrics) IncValidationFailures() {
	m.ValidationFailuresTotal.Inc()
}

// SetCacheSize updates the cache size gauge for the given project.
func (m *Metrics) SetCacheSize(projectID string, size float64) {
	m.CacheSize.WithLabelValues(projectID).Set(size)
}

// ResetCacheSize drops every per-project cache size series, so projects that
// no longer have questionnaires stop being reported.
func (m *Metrics) ResetCacheSize() {
	m.CacheSize.Reset()
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}
