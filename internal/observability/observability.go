// Package observability provides the Prometheus metrics for the
// transcription service.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all metric collectors for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Job lifecycle
	JobsTotal    *prometheus.CounterVec
	JobsActive   prometheus.Gauge
	JobDuration  *prometheus.HistogramVec
	QueueWait    prometheus.Histogram
	AudioSeconds prometheus.Counter

	// Chunk pipeline
	ChunksTotal       *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	RealTimeFactor    prometheus.Histogram

	// Model runtime
	ModelLoadTotal    *prometheus.CounterVec
	ModelLoadDuration prometheus.Histogram
	ModelLoadedGauge  prometheus.Gauge

	// Notifications
	NotifyTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}
	m.initMetrics()

	all := []prometheus.Collector{
		m.JobsTotal, m.JobsActive, m.JobDuration, m.QueueWait, m.AudioSeconds,
		m.ChunksTotal, m.InferenceDuration, m.RealTimeFactor,
		m.ModelLoadTotal, m.ModelLoadDuration, m.ModelLoadedGauge,
		m.NotifyTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range all {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxflow_jobs_total",
			Help: "Total number of transcription jobs by terminal status.",
		},
		[]string{"status"},
	)
	m.JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxflow_jobs_active",
			Help: "Number of jobs currently admitted for processing.",
		},
	)
	m.JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxflow_job_duration_seconds",
			Help:    "Wall-clock time from admission to terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"status"},
	)
	m.QueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxflow_queue_wait_seconds",
			Help:    "Time jobs spend waiting for an admission slot.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	m.AudioSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxflow_audio_seconds_total",
			Help: "Total seconds of audio accepted for transcription.",
		},
	)
	m.ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxflow_chunks_total",
			Help: "Total chunks processed by outcome.",
		},
		[]string{"status"},
	)
	m.InferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxflow_inference_duration_seconds",
			Help:    "Model inference time per chunk.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		},
	)
	m.RealTimeFactor = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxflow_real_time_factor",
			Help:    "Inference time divided by audio duration per chunk.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
	m.ModelLoadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxflow_model_load_total",
			Help: "Model load attempts by strategy and status.",
		},
		[]string{"strategy", "status"},
	)
	m.ModelLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxflow_model_load_duration_seconds",
			Help:    "Time taken to load the model.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	m.ModelLoadedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxflow_model_loaded",
			Help: "Whether a model is currently loaded (1) or not (0).",
		},
	)
	m.NotifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxflow_notifications_total",
			Help: "Status notifications sent by outcome.",
		},
		[]string{"outcome"},
	)
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordJobFinished updates the terminal-state counters for a job.
func (m *Metrics) RecordJobFinished(status string, durationSecs float64) {
	m.JobsTotal.WithLabelValues(status).Inc()
	m.JobDuration.WithLabelValues(status).Observe(durationSecs)
}

// RecordChunk updates the chunk pipeline metrics.
func (m *Metrics) RecordChunk(status string, inferenceSecs, audioSecs float64) {
	m.ChunksTotal.WithLabelValues(status).Inc()
	m.InferenceDuration.Observe(inferenceSecs)
	if audioSecs > 0 {
		m.RealTimeFactor.Observe(inferenceSecs / audioSecs)
	}
}
