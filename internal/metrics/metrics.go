package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private Prometheus registry for the service.
// All recording methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	submissions        *prometheus.CounterVec
	admissionRejected  prometheus.Counter
	jobsFinished       *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	stageDuration      *prometheus.HistogramVec
	scriptRetries      prometheus.Counter
	activeJobs         prometheus.Gauge
	storeFlushes       *prometheus.CounterVec
	storeEvictions     prometheus.Counter
	renderPollRequests *prometheus.CounterVec
}

func New() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fischat_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fischat_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fischat_video_submissions_total",
			Help: "Video job submissions by outcome.",
		}, []string{"outcome"}),
		admissionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fischat_video_admission_rejections_total",
			Help: "Video submissions rejected by the admission window.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fischat_video_jobs_finished_total",
			Help: "Video jobs that reached a terminal status.",
		}, []string{"backend", "status", "stage"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fischat_video_job_duration_seconds",
			Help:    "Time from job start to terminal status.",
			Buckets: []float64{5, 15, 30, 60, 120, 240, 480, 900},
		}, []string{"backend", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fischat_video_stage_duration_seconds",
			Help:    "Duration of each pipeline stage before polling.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		scriptRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fischat_video_script_retries_total",
			Help: "Script generation attempts beyond the first.",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fischat_video_jobs_active",
			Help: "Video jobs currently running.",
		}),
		storeFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fischat_job_store_flushes_total",
			Help: "Job store snapshot flushes by result.",
		}, []string{"result"}),
		storeEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fischat_job_store_evictions_total",
			Help: "Job records evicted after their TTL.",
		}),
		renderPollRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fischat_render_status_checks_total",
			Help: "Render status checks by backend and reported state.",
		}, []string{"backend", "state"}),
	}
	registry.MustRegister(
		c.requestTotal,
		c.requestDuration,
		c.submissions,
		c.admissionRejected,
		c.jobsFinished,
		c.jobDuration,
		c.stageDuration,
		c.scriptRetries,
		c.activeJobs,
		c.storeFlushes,
		c.storeEvictions,
		c.renderPollRequests,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// GinMiddleware records request count and latency per matched route.
func (c *Collector) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		if c == nil {
			return
		}

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(ctx.Writer.Status())
		c.requestTotal.WithLabelValues(ctx.Request.Method, route, status).Inc()
		c.requestDuration.WithLabelValues(ctx.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

func (c *Collector) SubmissionObserved(outcome string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(outcome).Inc()
}

func (c *Collector) AdmissionRejected() {
	if c == nil {
		return
	}
	c.admissionRejected.Inc()
}

func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.activeJobs.Inc()
}

// JobFinished records a terminal transition. stage is where the job stopped.
func (c *Collector) JobFinished(backend, status, stage string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.activeJobs.Dec()
	c.jobsFinished.WithLabelValues(backend, status, stage).Inc()
	c.jobDuration.WithLabelValues(backend, status).Observe(elapsed.Seconds())
}

// JobAbandoned releases the active gauge for a job that ended without a
// terminal write, for example after its record was evicted.
func (c *Collector) JobAbandoned() {
	if c == nil {
		return
	}
	c.activeJobs.Dec()
}

func (c *Collector) StageObserved(stage string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (c *Collector) ScriptRetried() {
	if c == nil {
		return
	}
	c.scriptRetries.Inc()
}

func (c *Collector) RenderPolled(backend, state string) {
	if c == nil {
		return
	}
	c.renderPollRequests.WithLabelValues(backend, state).Inc()
}

func (c *Collector) StoreFlushed(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.storeFlushes.WithLabelValues(result).Inc()
}

func (c *Collector) RecordsEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.storeEvictions.Add(float64(n))
}
