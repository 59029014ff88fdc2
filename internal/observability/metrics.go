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
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sweepDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300}
	batchSizeBuckets     = []float64{1, 2, 5, 10, 25, 50, 100, 250}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	InvalidTransitionsTotal  *prometheus.CounterVec
	SystemTouchesTotal       *prometheus.CounterVec

	// Notification metrics
	NotificationsSentTotal *prometheus.CounterVec
	BatchRecipientsTotal   prometheus.Counter
	BatchSize              prometheus.Histogram

	// Scheduled job metrics
	JobsScheduledTotal *prometheus.CounterVec
	JobsExecutedTotal  *prometheus.CounterVec
	StaleJobsSkipped   prometheus.Counter

	// Sweep metrics
	SweepRunsTotal *prometheus.CounterVec
	SweepDuration  prometheus.Histogram

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referralflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "referralflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referralflow_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"workflow_type"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referralflow_workflow_transitions_total",
			Help: "Total number of state transitions.",
		}, []string{"workflow_type", "state", "human"}),
		InvalidTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referralflow_workflow_invalid_transitions_total",
			Help: "Total number of rejected transition attempts.",
		}, []string{"workflow_type"}),
		SystemTouchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referralflow_workflow_system_touches_total",
			Help: "Total number of system-generated touch transitions.",
		}, []string{"workflow_type"}),

		// Notifications
		NotificationsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referralflow_notifications_sent_total",
			Help: "Total number of notification send attempts.",
		}, []string{"event_type", "outcome"}),
		BatchRecipientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "referralflow_batch_recipients_total",
			Help: "Total number of professionals emailed by overdue sweeps.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "referralflow_batch_size_referrals",
			Help:    "Number of overdue referrals per batch email.",
			Buckets: batchSizeBuckets,
		}),

		// Scheduled jobs
		JobsScheduledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referralflow_jobs_scheduled_total",
			Help: "Total number of deferred jobs enqueued.",
		}, []string{"function"}),
		JobsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referralflow_jobs_executed_total",
			Help: "Total number of deferred jobs executed.",
		}, []string{"function", "status"}),
		StaleJobsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "referralflow_jobs_stale_skipped_total",
			Help: "Total number of deferred jobs skipped because the instance moved on.",
		}),

		// Sweeps
		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referralflow_sweep_runs_total",
			Help: "Total number of overdue sweep runs.",
		}, []string{"status"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "referralflow_sweep_duration_seconds",
			Help:    "Overdue sweep duration in seconds.",
			Buckets: sweepDurationBuckets,
		}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "referralflow_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.InvalidTransitionsTotal,
		m.SystemTouchesTotal,
		// Notifications
		m.NotificationsSentTotal,
		m.BatchRecipientsTotal,
		m.BatchSize,
		// Jobs
		m.JobsScheduledTotal,
		m.JobsExecutedTotal,
		m.StaleJobsSkipped,
		// Sweeps
		m.SweepRunsTotal,
		m.SweepDuration,
		// System
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordWorkflowStart records a new workflow instance.
func (m *Metrics) RecordWorkflowStart(workflowType string) {
	m.WorkflowStartsTotal.WithLabelValues(workflowType).Inc()
}

// RecordTransition records a state transition.
func (m *Metrics) RecordTransition(workflowType, state string, human bool) {
	humanStr := "false"
	if human {
		humanStr = "true"
	}
	m.WorkflowTransitionsTotal.WithLabelValues(workflowType, state, humanStr).Inc()
}

// RecordInvalidTransition records a rejected transition attempt.
func (m *Metrics) RecordInvalidTransition(workflowType string) {
	m.InvalidTransitionsTotal.WithLabelValues(workflowType).Inc()
}

// RecordSystemTouch records a system-generated touch transition.
func (m *Metrics) RecordSystemTouch(workflowType string) {
	m.SystemTouchesTotal.WithLabelValues(workflowType).Inc()
}

// RecordNotificationSend records a notification send attempt.
func (m *Metrics) RecordNotificationSend(eventType, outcome string) {
	m.NotificationsSentTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordBatchEmail records one batch email and its referral count.
func (m *Metrics) RecordBatchEmail(referrals int) {
	m.BatchRecipientsTotal.Inc()
	m.BatchSize.Observe(float64(referrals))
}

// RecordJobScheduled records a deferred job enqueue.
func (m *Metrics) RecordJobScheduled(function string) {
	m.JobsScheduledTotal.WithLabelValues(function).Inc()
}

// RecordJobExecuted records a deferred job execution outcome.
func (m *Metrics) RecordJobExecuted(function, status string) {
	m.JobsExecutedTotal.WithLabelValues(function, status).Inc()
}

// RecordStaleJobSkipped records a deferred job skipped as stale.
func (m *Metrics) RecordStaleJobSkipped() {
	m.StaleJobsSkipped.Inc()
}

// RecordSweep records an overdue sweep run.
func (m *Metrics) RecordSweep(status string, duration time.Duration) {
	m.SweepRunsTotal.WithLabelValues(status).Inc()
	m.SweepDuration.Observe(duration.Seconds())
}

// SetDefinitionsLoaded sets the number of loaded workflow definitions.
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

		m.HTTPRequestsTotal.WithLabelValues(r.Method, pathPattern, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pathPattern).Observe(duration.Seconds())
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

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
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
	return w.ResponseWriter.Write(b)
}
