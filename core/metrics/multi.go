package metrics

// MultiSink fans events out to several sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordTask forwards the event to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordTask(ev TaskEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordTask(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordRun forwards run events to the sinks supporting them.
func (m *MultiSink) RecordRun(ev RunEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(RunRecorder); ok {
			if err := rec.RecordRun(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordRun forwards ev to s when it records runs.
func RecordRun(s MetricsSink, ev RunEvent) error {
	if rec, ok := s.(RunRecorder); ok {
		return rec.RecordRun(ev)
	}
	return nil
}

// Close closes the sinks holding connections.
func (m *MultiSink) Close() {
	for _, s := range m.Sinks {
		Close(s)
	}
}

// Close releases s when it holds resources.
func Close(s MetricsSink) {
	if c, ok := s.(interface{ Close() }); ok {
		c.Close()
	}
}
