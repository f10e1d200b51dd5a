package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus instrumentation for the driver's batch loop.
//
// One process runs one store and one driver, so these series are
// process-wide gauges/counters rather than labeled per run.
type Metrics struct {
	BatchSize      prometheus.Gauge
	ActiveTargets  prometheus.Gauge
	StepLatency    prometheus.Histogram
	Attempts       prometheus.Counter
	OrphansReaped  prometheus.Counter
	ProcessErrors  prometheus.Counter
	KillsRequested prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// NewMetrics returns the process-wide Metrics instance, registered with
// the default Prometheus registerer on first use. One process runs one
// driver, so repeated construction shares the same series rather than
// attempting a duplicate registration.
func NewMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetricsWith(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWith registers driver metrics with a caller-supplied registry,
// so tests can use an isolated prometheus.NewRegistry() instead of the
// global one.
func NewMetricsWith(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		BatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "targetflow",
			Name:      "batch_size",
			Help:      "Number of targets selected for the most recent driver batch",
		}),
		ActiveTargets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "targetflow",
			Name:      "active_targets",
			Help:      "Number of targets currently in non-terminal, activated states",
		}),
		StepLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "targetflow",
			Name:      "step_latency_ms",
			Help:      "Wall-clock duration of a single target's processTarget pass, in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}),
		Attempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "targetflow",
			Name:      "attempts_total",
			Help:      "Cumulative count of retry attempts recorded across all targets",
		}),
		OrphansReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "targetflow",
			Name:      "orphans_reaped_total",
			Help:      "Cumulative count of alive targets reaped by the orphan sweep",
		}),
		ProcessErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "targetflow",
			Name:      "process_errors_total",
			Help:      "Cumulative count of driver-internal errors encountered processing a target",
		}),
		KillsRequested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "targetflow",
			Name:      "kills_requested_total",
			Help:      "Cumulative count of Kill_targets requests accepted by the driver",
		}),
	}
}

// RecordStepLatency observes the duration of a processTarget pass.
func (m *Metrics) RecordStepLatency(d time.Duration) {
	m.StepLatency.Observe(float64(d.Milliseconds()))
}
