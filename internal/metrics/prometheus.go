package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "scanwatch"

	subsystemJobs   = "jobs"
	subsystemHub    = "hub"
	subsystemExport = "export"
	subsystemAPI    = "api"
	subsystemSystem = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors.
type PrometheusMetrics struct {
	// Job metrics
	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsRunning   prometheus.Gauge
	jobsQueued    prometheus.Gauge
	findings      *prometheus.CounterVec

	// Hub metrics
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	sessionsEvicted *prometheus.CounterVec
	sessions        prometheus.Gauge

	// Export metrics
	exports        *prometheus.CounterVec
	exportDuration *prometheus.HistogramVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime time.Time
	mu        sync.Mutex
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a metrics instance with its own registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initJobMetrics()
	pm.initHubMetrics()
	pm.initExportMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	registry.MustRegister(
		pm.jobsSubmitted, pm.jobsFinished, pm.jobDuration, pm.jobsRunning, pm.jobsQueued, pm.findings,
		pm.eventsPublished, pm.eventsDropped, pm.sessionsEvicted, pm.sessions,
		pm.exports, pm.exportDuration,
		pm.httpRequests, pm.httpDuration,
		pm.goroutines, pm.uptime,
	)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initJobMetrics() {
	pm.jobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemJobs,
		Name:      "submitted_total",
		Help:      "Total number of accepted job submissions",
	})

	pm.jobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemJobs,
		Name:      "finished_total",
		Help:      "Total number of jobs that reached a terminal state, by outcome",
	}, []string{"outcome"})

	pm.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemJobs,
		Name:      "duration_seconds",
		Help:      "Wall time from start to terminal state",
		Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"outcome"})

	pm.jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemJobs,
		Name:      "running",
		Help:      "Jobs currently running",
	})

	pm.jobsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemJobs,
		Name:      "queued",
		Help:      "Jobs waiting for an admission slot",
	})

	pm.findings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemJobs,
		Name:      "findings_total",
		Help:      "Vulnerability findings reported, by severity",
	}, []string{"severity"})
}

func (pm *PrometheusMetrics) initHubMetrics() {
	pm.eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemHub,
		Name:      "events_published_total",
		Help:      "Events published to the hub, by type",
	}, []string{"type"})

	pm.eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemHub,
		Name:      "events_dropped_total",
		Help:      "Events dropped from full session queues, by type",
	}, []string{"type"})

	pm.sessionsEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemHub,
		Name:      "sessions_evicted_total",
		Help:      "Sessions disconnected by the hub, by reason",
	}, []string{"reason"})

	pm.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemHub,
		Name:      "sessions",
		Help:      "Connected sessions",
	})
}

func (pm *PrometheusMetrics) initExportMetrics() {
	pm.exports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemExport,
		Name:      "generated_total",
		Help:      "Artifacts generated, by format",
	}, []string{"format"})

	pm.exportDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemExport,
		Name:      "duration_seconds",
		Help:      "Time spent rendering an artifact",
		Buckets:   prometheus.DefBuckets,
	}, []string{"format"})
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemAPI,
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	pm.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemAPI,
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "goroutines",
		Help:      "Current number of goroutines",
	})

	pm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "uptime_seconds",
		Help:      "Application uptime in seconds",
	})
}

// GetRegistry returns the Prometheus registry for the HTTP handler.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// JobSubmitted implements Recorder.
func (pm *PrometheusMetrics) JobSubmitted() {
	pm.jobsSubmitted.Inc()
}

// JobFinished implements Recorder.
func (pm *PrometheusMetrics) JobFinished(outcome string, duration time.Duration) {
	pm.jobsFinished.WithLabelValues(outcome).Inc()
	pm.jobDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetJobsRunning implements Recorder.
func (pm *PrometheusMetrics) SetJobsRunning(n int) {
	pm.jobsRunning.Set(float64(n))
}

// SetJobsQueued implements Recorder.
func (pm *PrometheusMetrics) SetJobsQueued(n int) {
	pm.jobsQueued.Set(float64(n))
}

// FindingRecorded implements Recorder.
func (pm *PrometheusMetrics) FindingRecorded(severity string) {
	pm.findings.WithLabelValues(severity).Inc()
}

// EventPublished implements Recorder.
func (pm *PrometheusMetrics) EventPublished(eventType string) {
	pm.eventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped implements Recorder.
func (pm *PrometheusMetrics) EventDropped(eventType string) {
	pm.eventsDropped.WithLabelValues(eventType).Inc()
}

// SessionEvicted implements Recorder.
func (pm *PrometheusMetrics) SessionEvicted(reason string) {
	pm.sessionsEvicted.WithLabelValues(reason).Inc()
}

// SetSessions implements Recorder.
func (pm *PrometheusMetrics) SetSessions(n int) {
	pm.sessions.Set(float64(n))
}

// ExportGenerated implements Recorder.
func (pm *PrometheusMetrics) ExportGenerated(format string, duration time.Duration) {
	pm.exports.WithLabelValues(format).Inc()
	pm.exportDuration.WithLabelValues(format).Observe(duration.Seconds())
}

// HTTPRequest implements Recorder.
func (pm *PrometheusMetrics) HTTPRequest(method, route, status string, duration time.Duration) {
	pm.httpRequests.WithLabelValues(method, route, status).Inc()
	pm.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes the goroutine and uptime gauges.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// GetUptime returns the application uptime.
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// StartPeriodicUpdates refreshes system metrics every interval until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}
