package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of chat-completion requests by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Chat-completion request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"model"},
	)
	LLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total prompt and completion tokens by model",
		},
		[]string{"model", "kind"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue", "name"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue", "name"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"queue", "name"},
	)

	ProgressEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_events_total",
			Help: "Progress-bus events published by type",
		},
		[]string{"type"},
	)
	CancelRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cancel_requests_total",
			Help: "Cancellation requests distributed on the cancel bus",
		},
	)
	GuardBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_blocks_total",
			Help: "Inbound messages blocked by guard rule",
		},
		[]string{"rule"},
	)
	VaultOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_ops_total",
			Help: "Vault operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)
	ScheduleFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedule_fires_total",
			Help: "Scheduled-job fires by kind",
		},
		[]string{"kind"},
	)
	ToolExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_executions_total",
			Help: "Tool executions by tool name and outcome",
		},
		[]string{"tool", "outcome"},
	)
	SubprocessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "subprocess_duration_seconds",
			Help:    "Skill subprocess wall time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"runtime"},
	)
	ProcessesRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "processes_registered",
			Help: "Live processes in the registry by type",
		},
		[]string{"type"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(LLMTokensTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(ProgressEventsTotal)
	prometheus.MustRegister(CancelRequestsTotal)
	prometheus.MustRegister(GuardBlocksTotal)
	prometheus.MustRegister(VaultOpsTotal)
	prometheus.MustRegister(ScheduleFiresTotal)
	prometheus.MustRegister(ToolExecutionsTotal)
	prometheus.MustRegister(SubprocessDuration)
	prometheus.MustRegister(ProcessesRegistered)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(queue, name string) {
	JobsEnqueuedTotal.WithLabelValues(queue, name).Inc()
}

func StartProcessingJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Inc()
}

func CompleteJob(queue, name string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsCompletedTotal.WithLabelValues(queue, name).Inc()
}

func FailJob(queue, name string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsFailedTotal.WithLabelValues(queue, name).Inc()
}

// ObserveLLMCall records one provider round trip.
func ObserveLLMCall(model, outcome string, dur time.Duration) {
	LLMRequestsTotal.WithLabelValues(model, outcome).Inc()
	LLMRequestDuration.WithLabelValues(model).Observe(dur.Seconds())
}
