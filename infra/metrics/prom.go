package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	coremetrics "github.com/kilianp07/wqforecast/core/metrics"
)

// PromConfig configures the Prometheus sink. When PushURL is set the
// collectors are pushed to a Pushgateway once a run finishes, since a batch
// run usually exits before it can be scraped.
type PromConfig struct {
	PushURL string `json:"push_url"`
	Job     string `json:"job"`
}

// PromSink records task and run outcomes in Prometheus metrics.
type PromSink struct {
	tasks   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	runs    *prometheus.CounterVec
	runTime prometheus.Gauge

	pushURL string
	job     string
}

// NewPromSink registers run metrics on the default Prometheus registerer.
func NewPromSink(cfg PromConfig) (*PromSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(cfg PromConfig, reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forecast_task_events_total",
		Help: "Finished forecast tasks by operation and outcome",
	}, []string{"run_id", "op", "failed"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forecast_task_latency_seconds",
		Help:    "Wall time of forecast tasks",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forecast_run_events_total",
		Help: "Finished forecast runs by model and final state",
	}, []string{"model", "state"})
	runTime := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "forecast_last_run_duration_seconds",
		Help: "Duration of the last finished run",
	})

	var err error
	if tasks, err = register(reg, tasks); err != nil {
		return nil, err
	}
	if latency, err = register(reg, latency); err != nil {
		return nil, err
	}
	if runs, err = register(reg, runs); err != nil {
		return nil, err
	}
	if runTime, err = register(reg, runTime); err != nil {
		return nil, err
	}
	job := cfg.Job
	if job == "" {
		job = "wqforecast"
	}
	return &PromSink{tasks: tasks, latency: latency, runs: runs, runTime: runTime, pushURL: cfg.PushURL, job: job}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordTask increments the task counter and observes its latency.
func (s *PromSink) RecordTask(ev coremetrics.TaskEvent) error {
	s.tasks.WithLabelValues(ev.RunID, ev.Op, fmt.Sprint(ev.Failed)).Inc()
	s.latency.WithLabelValues(ev.Op).Observe(ev.Duration.Seconds())
	return nil
}

// RecordRun counts the run and pushes to the gateway when configured.
func (s *PromSink) RecordRun(ev coremetrics.RunEvent) error {
	s.runs.WithLabelValues(ev.Model, ev.State).Inc()
	s.runTime.Set(ev.Duration.Seconds())
	if s.pushURL == "" {
		return nil
	}
	err := push.New(s.pushURL, s.job).
		Grouping("run_id", ev.RunID).
		Collector(s.tasks).
		Collector(s.latency).
		Collector(s.runs).
		Collector(s.runTime).
		Push()
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
