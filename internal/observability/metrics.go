package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	runDurationBuckets  = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the workflow service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// State-machine metrics
	InstancesStartedTotal  *prometheus.CounterVec
	InstancesFinishedTotal *prometheus.CounterVec
	ActiveInstances        *prometheus.GaugeVec
	TransitionsTotal       *prometheus.CounterVec

	// Flow-run metrics
	NodesExecutedTotal  *prometheus.CounterVec
	FlowRunDuration     *prometheus.HistogramVec
	TraversalLimitTotal *prometheus.CounterVec

	// Task metrics
	TaskMutationsTotal  *prometheus.CounterVec
	TasksEscalatedTotal *prometheus.CounterVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// State machines
		InstancesStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_instances_started_total",
			Help: "Total number of workflow instances started.",
		}, []string{"workflow_id"}),
		InstancesFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_instances_finished_total",
			Help: "Total number of workflow instances that reached a terminal status.",
		}, []string{"workflow_id", "status"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowcore_active_instances",
			Help: "Number of non-terminal workflow instances.",
		}, []string{"workflow_id"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_transitions_total",
			Help: "Total number of transition attempts by outcome.",
		}, []string{"workflow_id", "result"}),

		// Flow runs
		NodesExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_nodes_executed_total",
			Help: "Total number of flow nodes executed by outcome.",
		}, []string{"flow_id", "node_type", "result"}),
		FlowRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_flow_run_duration_seconds",
			Help:    "Flow run duration in seconds.",
			Buckets: runDurationBuckets,
		}, []string{"flow_id"}),
		TraversalLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_traversal_limit_total",
			Help: "Total number of flow runs stopped at the traversal limit.",
		}, []string{"flow_id"}),

		// Tasks
		TaskMutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_task_mutations_total",
			Help: "Total number of task mutations by operation.",
		}, []string{"operation"}),
		TasksEscalatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_tasks_escalated_total",
			Help: "Total number of overdue tasks escalated by the sweeper.",
		}, []string{"task_name"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowcore_definitions_loaded",
			Help: "Number of loaded definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// State machines
		m.InstancesStartedTotal,
		m.InstancesFinishedTotal,
		m.ActiveInstances,
		m.TransitionsTotal,
		// Flow runs
		m.NodesExecutedTotal,
		m.FlowRunDuration,
		m.TraversalLimitTotal,
		// Tasks
		m.TaskMutationsTotal,
		m.TasksEscalatedTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInstanceStart records an instance moving into the running status.
func (m *Metrics) RecordInstanceStart(workflowID string) {
	m.InstancesStartedTotal.WithLabelValues(workflowID).Inc()
	m.ActiveInstances.WithLabelValues(workflowID).Inc()
}

// RecordInstanceFinish records an instance reaching a terminal status.
func (m *Metrics) RecordInstanceFinish(workflowID, status string) {
	m.InstancesFinishedTotal.WithLabelValues(workflowID, status).Inc()
	m.ActiveInstances.WithLabelValues(workflowID).Dec()
}

// RecordFlowRunDuration records the wall time of a flow run.
func (m *Metrics) RecordFlowRunDuration(flowID string, duration time.Duration) {
	m.FlowRunDuration.WithLabelValues(flowID).Observe(duration.Seconds())
}

// RecordTaskMutation records a task service operation.
func (m *Metrics) RecordTaskMutation(operation string) {
	m.TaskMutationsTotal.WithLabelValues(operation).Inc()
}

// RecordTaskEscalation records a sweeper escalation.
func (m *Metrics) RecordTaskEscalation(taskName string) {
	m.TasksEscalatedTotal.WithLabelValues(taskName).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
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

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
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
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
