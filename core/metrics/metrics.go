package metrics

import "time"

// TaskEvent is the outcome of one graph task.
type TaskEvent struct {
	RunID    string
	Task     string
	Op       string
	Start    time.Time
	Duration time.Duration
	Failed   bool
}

// MetricsSink records task outcomes for observability purposes.
type MetricsSink interface {
	RecordTask(ev TaskEvent) error
}

// RunEvent summarises a finished run.
type RunEvent struct {
	RunID    string
	Model    string
	State    string
	Tasks    int
	Chunks   int
	Start    time.Time
	Duration time.Duration
	Err      string
}

// RunRecorder records finished runs.
type RunRecorder interface {
	RecordRun(ev RunEvent) error
}

// NopSink implements MetricsSink with no-op methods.
type NopSink struct{}

func (NopSink) RecordTask(TaskEvent) error { return nil }
func (NopSink) RecordRun(RunEvent) error   { return nil }
