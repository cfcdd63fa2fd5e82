package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	taskDuration *prometheus.HistogramVec
	tasksTotal   *prometheus.CounterVec
	runsTotal    *prometheus.CounterVec
	tasksRunning prometheus.Gauge
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.HistogramVec, *prometheus.CounterVec, *prometheus.CounterVec, prometheus.Gauge) {
	dur := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wqforecast_task_duration_seconds",
			Help:    "Duration of forecast graph tasks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	tasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wqforecast_tasks_total",
			Help: "Number of finished graph tasks",
		},
		[]string{"op", "status"},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wqforecast_runs_total",
			Help: "Number of runs per terminal state",
		},
		[]string{"state"},
	)
	running := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wqforecast_tasks_running",
			Help: "Number of graph tasks currently executing",
		},
	)
	return dur, tasks, runs, running
}

func init() {
	taskDuration, tasksTotal, runsTotal, tasksRunning = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers scheduler metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(taskDuration, tasksTotal, runsTotal, tasksRunning)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	taskDuration, tasksTotal, runsTotal, tasksRunning = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
