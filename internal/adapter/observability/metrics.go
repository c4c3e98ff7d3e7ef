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

	ForgeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_requests_total",
			Help: "Total number of forge requests by path and operation",
		},
		[]string{"path", "operation"},
	)
	ForgeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_request_duration_seconds",
			Help:    "Forge request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"path", "operation"},
	)
	ForgeFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_fallbacks_total",
			Help: "Total number of compound-to-fine-grained fallbacks",
		},
	)
	ForgePointsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_points_saved_total",
			Help: "Cost-budget points saved by compound queries",
		},
	)

	GovernorRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_budget_remaining",
			Help: "Most recently observed remaining cost budget",
		},
	)
	GovernorAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_alerts_total",
			Help: "Total number of governor alerts by level",
		},
		[]string{"level"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of capture jobs enqueued",
		},
		[]string{"kind", "backend"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of capture jobs currently processing",
		},
		[]string{"kind"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of capture jobs completed",
		},
		[]string{"kind"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of capture jobs failed",
		},
		[]string{"kind"},
	)
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Capture job duration from claim to terminal status",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600, 7200},
		},
		[]string{"kind", "status"},
	)

	// Capture outcome distributions
	CaptureItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_items_total",
			Help: "Total number of captured items by outcome",
		},
		[]string{"outcome"},
	)
	CaptureItemsPerJob = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capture_items_per_job",
			Help:    "Distribution of items handled per capture job",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ForgeRequestsTotal)
	prometheus.MustRegister(ForgeRequestDuration)
	prometheus.MustRegister(ForgeFallbacksTotal)
	prometheus.MustRegister(ForgePointsSavedTotal)
	prometheus.MustRegister(GovernorRemaining)
	prometheus.MustRegister(GovernorAlertsTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDurationSeconds)
	prometheus.MustRegister(CaptureItemsTotal)
	prometheus.MustRegister(CaptureItemsPerJob)
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

func EnqueueJob(kind, backend string) {
	JobsEnqueuedTotal.WithLabelValues(kind, backend).Inc()
}

func StartProcessingJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Inc()
}

func CompleteJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsCompletedTotal.WithLabelValues(kind).Inc()
}

func FailJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsFailedTotal.WithLabelValues(kind).Inc()
}

// ObserveJobDuration records how long one job took to reach a terminal state.
func ObserveJobDuration(kind, status string, seconds float64) {
	JobDurationSeconds.WithLabelValues(kind, status).Observe(seconds)
}

// ObserveCaptureRun records item outcomes for one finished job.
func ObserveCaptureRun(processed, failed int) {
	if processed > 0 {
		CaptureItemsTotal.WithLabelValues("processed").Add(float64(processed))
	}
	if failed > 0 {
		CaptureItemsTotal.WithLabelValues("failed").Add(float64(failed))
	}
	if total := processed + failed; total > 0 {
		CaptureItemsPerJob.Observe(float64(total))
	}
}

// ObserveGovernorSample projects the latest budget observation onto gauges.
func ObserveGovernorSample(remaining int) {
	GovernorRemaining.Set(float64(remaining))
}
