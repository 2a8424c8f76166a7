// Package metric exposes the pipeline's telemetry as prometheus collectors.
// The counters here mirror the diagnostics snapshots; scraping /metrics and
// reading /status must tell the same story.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the service-level prometheus collectors.
type Metrics struct {
	FramesCaptured  prometheus.Counter
	FramesProcessed prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	CaptureErrors   prometheus.Counter

	QueueDepth    prometheus.Gauge
	QueueCapacity prometheus.Gauge
	PressureLevel prometheus.Gauge
	ContextsOpen  prometheus.Gauge

	StageDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New builds a registry with all pipeline metrics plus the Go runtime
// collectors.
func New() *Metrics {
	m := &Metrics{
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "skywatch",
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Total frames captured from the sensor",
		}),
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "skywatch",
			Subsystem: "pipeline",
			Name:      "frames_processed_total",
			Help:      "Total frames stacked, filtered and published",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skywatch",
			Subsystem: "pipeline",
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped, by stage",
		}, []string{"stage"}),
		CaptureErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "skywatch",
			Subsystem: "capture",
			Name:      "errors_total",
			Help:      "Total capture failures",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "skywatch",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current background stacker queue depth",
		}),
		QueueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "skywatch",
			Subsystem: "queue",
			Name:      "capacity",
			Help:      "Current background stacker queue capacity",
		}),
		PressureLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "skywatch",
			Subsystem: "queue",
			Name:      "pressure_level",
			Help:      "Queue pressure level (0-3)",
		}),
		ContextsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "skywatch",
			Subsystem: "render",
			Name:      "contexts_open",
			Help:      "Issued but unreleased frame contexts",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skywatch",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage processing duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.FramesCaptured,
		m.FramesProcessed,
		m.FramesDropped,
		m.CaptureErrors,
		m.QueueDepth,
		m.QueueCapacity,
		m.PressureLevel,
		m.ContextsOpen,
		m.StageDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
