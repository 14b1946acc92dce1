package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the prometheus metrics for the scheduler
type Metrics struct {
	RunsStarted   *prometheus.CounterVec
	RunsRejected  *prometheus.CounterVec
	RunsCompleted *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
	RunDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers the scheduler metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speedprobe_runs_started_total",
				Help: "Probe runs accepted by the scheduler",
			},
			[]string{"profile"},
		),

		RunsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speedprobe_runs_rejected_total",
				Help: "Probe runs rejected by the scheduler",
			},
			[]string{"profile", "reason"},
		),

		RunsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speedprobe_runs_completed_total",
				Help: "Finished probe runs by outcome",
			},
			[]string{"profile", "outcome", "quality"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "speedprobe_active_runs",
				Help: "Probe runs currently in progress",
			},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "speedprobe_run_duration_seconds",
				Help:    "Duration of probe runs in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
			},
			[]string{"profile", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RunsStarted,
			m.RunsRejected,
			m.RunsCompleted,
			m.ActiveRuns,
			m.RunDuration,
		)
	}

	return m
}
