package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	cycleDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900}
	passDurationBuckets  = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Scheduler metrics
	CycleRunsTotal         *prometheus.CounterVec
	CycleDuration          prometheus.Histogram
	AccountsProcessedTotal *prometheus.CounterVec
	TriggersFiredTotal     *prometheus.CounterVec
	InstancesCreatedTotal  *prometheus.CounterVec
	InstancesDedupedTotal  *prometheus.CounterVec
	QueueDepth             prometheus.Gauge

	// Step metrics
	StepTransitionsTotal *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec

	// Evaluator metrics
	WakesTotal              *prometheus.CounterVec
	EvaluatorPassDuration   prometheus.Histogram
	EvaluatorTruncatedTotal prometheus.Counter

	// Catalog metrics
	CatalogEntries *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Scheduler
		CycleRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_cycle_runs_total",
			Help: "Total number of scheduler cycles.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "steward_cycle_duration_seconds",
			Help:    "Scheduler cycle duration in seconds.",
			Buckets: cycleDurationBuckets,
		}),
		AccountsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_accounts_processed_total",
			Help: "Total number of accounts processed by outcome.",
		}, []string{"outcome"}),
		TriggersFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_triggers_fired_total",
			Help: "Total number of workflow triggers fired.",
		}, []string{"kind"}),
		InstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_instances_created_total",
			Help: "Total number of workflow instances created.",
		}, []string{"workflow_definition_id"}),
		InstancesDedupedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_instances_deduped_total",
			Help: "Triggers suppressed because an open instance already existed.",
		}, []string{"workflow_definition_id"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "steward_queue_depth",
			Help: "Number of open workflow instances in the last ranking.",
		}),

		// Steps
		StepTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_step_transitions_total",
			Help: "Total number of step operations by action and result.",
		}, []string{"action", "result"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_notifications_total",
			Help: "Total number of step event deliveries.",
		}, []string{"result"}),

		// Evaluator
		WakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_wakes_total",
			Help: "Total number of snoozed steps woken by reason.",
		}, []string{"reason"}),
		EvaluatorPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "steward_evaluator_pass_duration_seconds",
			Help:    "Wake evaluator pass duration in seconds.",
			Buckets: passDurationBuckets,
		}),
		EvaluatorTruncatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_evaluator_truncated_total",
			Help: "Evaluator passes stopped by the wall-clock budget.",
		}),

		// Catalog
		CatalogEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_catalog_entries",
			Help: "Number of loaded catalog entries by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.CycleRunsTotal,
		m.CycleDuration,
		m.AccountsProcessedTotal,
		m.TriggersFiredTotal,
		m.InstancesCreatedTotal,
		m.InstancesDedupedTotal,
		m.QueueDepth,
		m.StepTransitionsTotal,
		m.NotificationsTotal,
		m.WakesTotal,
		m.EvaluatorPassDuration,
		m.EvaluatorTruncatedTotal,
		m.CatalogEntries,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordCycle records a finished scheduler cycle.
func (m *Metrics) RecordCycle(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CycleRunsTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(duration.Seconds())
}

// RecordAccount records the outcome of one account in a cycle.
func (m *Metrics) RecordAccount(outcome string) {
	if m == nil {
		return
	}
	m.AccountsProcessedTotal.WithLabelValues(outcome).Inc()
}

// RecordTrigger records a fired trigger.
func (m *Metrics) RecordTrigger(kind string) {
	if m == nil {
		return
	}
	m.TriggersFiredTotal.WithLabelValues(kind).Inc()
}

// RecordInstanceCreated records a created workflow instance.
func (m *Metrics) RecordInstanceCreated(definitionID string) {
	if m == nil {
		return
	}
	m.InstancesCreatedTotal.WithLabelValues(definitionID).Inc()
}

// RecordInstanceDeduped records a trigger suppressed by an open instance.
func (m *Metrics) RecordInstanceDeduped(definitionID string) {
	if m == nil {
		return
	}
	m.InstancesDedupedTotal.WithLabelValues(definitionID).Inc()
}

// SetQueueDepth sets the ranked queue size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordStepTransition records a step operation outcome.
func (m *Metrics) RecordStepTransition(action, result string) {
	if m == nil {
		return
	}
	m.StepTransitionsTotal.WithLabelValues(action, result).Inc()
}

// RecordNotification records a step event delivery attempt.
func (m *Metrics) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

// RecordWake records a step woken by the evaluator.
func (m *Metrics) RecordWake(reason string) {
	if m == nil {
		return
	}
	m.WakesTotal.WithLabelValues(reason).Inc()
}

// RecordEvaluatorPass records one evaluator pass.
func (m *Metrics) RecordEvaluatorPass(duration time.Duration, truncated bool) {
	if m == nil {
		return
	}
	m.EvaluatorPassDuration.Observe(duration.Seconds())
	if truncated {
		m.EvaluatorTruncatedTotal.Inc()
	}
}

// SetCatalogEntries sets the number of loaded stages and workflows.
func (m *Metrics) SetCatalogEntries(stages, workflows int) {
	if m == nil {
		return
	}
	m.CatalogEntries.WithLabelValues("stage").Set(float64(stages))
	m.CatalogEntries.WithLabelValues("workflow").Set(float64(workflows))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
