// Package metrics provides the Prometheus metrics of a migration run. A run
// is a short-lived batch, so the registry is written once to a node-exporter
// textfile instead of being scraped.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/andresmejia3/photosift/internal/pipeline"
)

// RunMetrics contains all metrics of one run. It implements pipeline.Observer.
type RunMetrics struct {
	BundlesTotal    *prometheus.CounterVec
	MatchesTotal    prometheus.Counter
	UploadAttempts  *prometheus.CounterVec
	UploadedBytes   prometheus.Counter
	PhaseDuration   *prometheus.HistogramVec
	LastRunSuccess  prometheus.Gauge
	LastRunFinished prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the metrics and registers them in registry.
func New(registry *prometheus.Registry) (*RunMetrics, error) {
	m := &RunMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register run metrics: %w", err)
	}
	return m, nil
}

func (m *RunMetrics) initMetrics() {
	m.BundlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photosift_bundles_total",
			Help: "Bundles handled in this run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
	m.MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "photosift_matched_photos_total",
		Help: "Photos relocated to the result directory.",
	})
	m.UploadAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photosift_upload_attempts_total",
			Help: "Upload attempts, partitioned by result.",
		},
		[]string{"result"},
	)
	m.UploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "photosift_uploaded_bytes_total",
		Help: "Bytes of remainder archives uploaded and verified.",
	})
	m.PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photosift_phase_duration_seconds",
			Help:    "Time spent in each bundle phase.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		},
		[]string{"phase"},
	)
	m.LastRunSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "photosift_last_run_success",
		Help: "1 if the last run finished without halting, 0 otherwise.",
	})
	m.LastRunFinished = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "photosift_last_run_timestamp_seconds",
		Help: "Unix time the last run finished.",
	})
}

// Describe implements prometheus.Collector.
func (m *RunMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.BundlesTotal.Describe(ch)
	m.MatchesTotal.Describe(ch)
	m.UploadAttempts.Describe(ch)
	m.UploadedBytes.Describe(ch)
	m.PhaseDuration.Describe(ch)
	m.LastRunSuccess.Describe(ch)
	m.LastRunFinished.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *RunMetrics) Collect(ch chan<- prometheus.Metric) {
	m.BundlesTotal.Collect(ch)
	m.MatchesTotal.Collect(ch)
	m.UploadAttempts.Collect(ch)
	m.UploadedBytes.Collect(ch)
	m.PhaseDuration.Collect(ch)
	m.LastRunSuccess.Collect(ch)
	m.LastRunFinished.Collect(ch)
}

func (m *RunMetrics) PhaseDone(phase pipeline.Phase, d time.Duration) {
	m.PhaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}

func (m *RunMetrics) BundleFinished(outcome pipeline.Outcome) {
	m.BundlesTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *RunMetrics) Matched(n int) {
	m.MatchesTotal.Add(float64(n))
}

func (m *RunMetrics) UploadAttempt(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.UploadAttempts.WithLabelValues(result).Inc()
}

func (m *RunMetrics) Uploaded(bytes int64) {
	m.UploadedBytes.Add(float64(bytes))
}

// Finish records the end of the run.
func (m *RunMetrics) Finish(success bool, at time.Time) {
	if success {
		m.LastRunSuccess.Set(1)
	} else {
		m.LastRunSuccess.Set(0)
	}
	m.LastRunFinished.Set(float64(at.Unix()))
}

// WriteTextfile writes every registered metric to path in the text format.
// The file is written to a temporary name and renamed.
func (m *RunMetrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
