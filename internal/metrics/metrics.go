// Package metrics provides Prometheus instrumentation for the bucketz server.
//
// Collectors live in a private [prometheus.Registry]; /metrics serves that
// registry and nothing from the process-wide default.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/notification"
)

// requestBuckets spans 250µs to about 8s. Decisions served from memory finish
// well under a millisecond, so DefBuckets would put nearly all of them in
// the first bucket.
var requestBuckets = prometheus.ExponentialBuckets(0.00025, 2, 16)

// Metrics holds all Prometheus collectors used by the bucketz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	GRPCRequestsTotal      *prometheus.CounterVec
	GRPCRequestDuration    *prometheus.HistogramVec
	DecisionsTotal         *prometheus.CounterVec
	ProfileFailuresTotal   *prometheus.CounterVec
	ListenerFailuresTotal  *prometheus.CounterVec
	DatafileRefreshesTotal *prometheus.CounterVec
	DatafileRevision       *prometheus.GaugeVec
	DatafileLastUpdate     prometheus.Gauge
	EventsDroppedTotal     *prometheus.CounterVec
	AuthFailuresTotal      prometheus.Counter
	AuthThrottledTotal     prometheus.Counter
	ActiveStreams          *prometheus.GaugeVec

	// Pools reports connection stats for whichever SQL stores are open.
	Pools *PoolCollector
}

// New creates and registers all bucketz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_http_requests_total",
			Help: "HTTP requests served, by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bucketz_http_request_duration_seconds",
			Help:    "Time to serve an HTTP request.",
			Buckets: requestBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_grpc_requests_total",
			Help: "gRPC calls completed, by full method and status code.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bucketz_grpc_request_duration_seconds",
			Help:    "Time to complete a gRPC call. Streams are measured open to close.",
			Buckets: requestBuckets,
		}, []string{"method", "status"}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_decisions_total",
			Help: "Total number of experiment decisions by source.",
		}, []string{"source"}),

		ProfileFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_profile_failures_total",
			Help: "Total number of failed user profile operations.",
		}, []string{"op"}),

		ListenerFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_notification_listener_failures_total",
			Help: "Total number of notification listeners that returned an error or panicked.",
		}, []string{"type"}),

		DatafileRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_datafile_refreshes_total",
			Help: "Total number of datafile refresh attempts by result.",
		}, []string{"result"}),

		DatafileRevision: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucketz_datafile_revision_info",
			Help: "Currently installed datafile revision (always 1).",
		}, []string{"revision"}),

		DatafileLastUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bucketz_datafile_last_update_timestamp_seconds",
			Help: "Unix time the current datafile revision was installed.",
		}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_events_dropped_total",
			Help: "Total number of impression and conversion events dropped.",
		}, []string{"reason"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bucketz_auth_failures_total",
			Help: "Decision API requests rejected for missing or invalid credentials.",
		}),

		AuthThrottledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bucketz_auth_throttled_total",
			Help: "Total number of requests rejected because a client exceeded its auth failure budget.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucketz_active_streams",
			Help: "Open config watch streams, by transport (http for SSE, grpc).",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.DecisionsTotal,
		m.ProfileFailuresTotal,
		m.ListenerFailuresTotal,
		m.DatafileRefreshesTotal,
		m.DatafileRevision,
		m.DatafileLastUpdate,
		m.EventsDroppedTotal,
		m.AuthFailuresTotal,
		m.AuthThrottledTotal,
		m.ActiveStreams,
	)
	m.Pools = NewPoolCollector(reg)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// UnaryServerInterceptor counts and times unary calls.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor counts and times streams and tracks how many are
// open.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
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

// RecordDecision counts a decision by the pipeline step that produced it.
func (m *Metrics) RecordDecision(source core.DecisionSource) {
	m.DecisionsTotal.WithLabelValues(string(source)).Inc()
}

// RecordProfileFailure counts a failed profile lookup, save or remove.
func (m *Metrics) RecordProfileFailure(op string) {
	m.ProfileFailuresTotal.WithLabelValues(op).Inc()
}

// RecordListenerFailure counts a failing notification listener.
func (m *Metrics) RecordListenerFailure(t notification.Type) {
	m.ListenerFailuresTotal.WithLabelValues(string(t)).Inc()
}

// RecordRefresh counts a datafile refresh attempt.
func (m *Metrics) RecordRefresh(result string) {
	m.DatafileRefreshesTotal.WithLabelValues(result).Inc()
}

// SetRevision replaces the revision info series with the new revision.
func (m *Metrics) SetRevision(revision string) {
	m.DatafileRevision.Reset()
	m.DatafileRevision.WithLabelValues(revision).Set(1)
	m.DatafileLastUpdate.SetToCurrentTime()
}

// RecordEventDropped counts an event that never reached its sink.
func (m *Metrics) RecordEventDropped(reason string) {
	m.EventsDroppedTotal.WithLabelValues(reason).Inc()
}

// IncAuthFailures increments the auth failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// RecordAuthThrottled counts a client that hit its failure budget.
func (m *Metrics) RecordAuthThrottled(string) {
	m.AuthThrottledTotal.Inc()
}
