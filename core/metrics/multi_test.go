package metrics

import (
	"errors"
	"testing"
)

type recordSink struct {
	tasks, runs int
	err         error
}

func (r *recordSink) RecordTask(TaskEvent) error {
	r.tasks++
	return r.err
}

func (r *recordSink) RecordRun(RunEvent) error {
	r.runs++
	return r.err
}

type taskOnly struct{ tasks int }

func (s *taskOnly) RecordTask(TaskEvent) error {
	s.tasks++
	return nil
}

// TestMultiSink ensures events are forwarded to all sinks.
func TestMultiSink(t *testing.T) {
	s1 := &recordSink{}
	s2 := &taskOnly{}
	m := NewMultiSink(s1, s2)
	if err := m.RecordTask(TaskEvent{Task: "load[0,0]"}); err != nil {
		t.Fatalf("record task: %v", err)
	}
	if err := m.RecordRun(RunEvent{State: "completed"}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if s1.tasks != 1 || s1.runs != 1 || s2.tasks != 1 {
		t.Fatalf("events not forwarded: %+v %+v", s1, s2)
	}
}

func TestMultiSinkStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	first := &recordSink{err: boom}
	second := &recordSink{}
	m := NewMultiSink(first, second)
	if err := m.RecordTask(TaskEvent{}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if second.tasks != 0 {
		t.Fatalf("second sink should not be reached")
	}
}

func TestRecordRunSkipsTaskOnlySinks(t *testing.T) {
	if err := RecordRun(&taskOnly{}, RunEvent{}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	rec := &recordSink{}
	if err := RecordRun(rec, RunEvent{}); err != nil || rec.runs != 1 {
		t.Fatalf("run not recorded: %v", err)
	}
}

type closingSink struct {
	taskOnly
	closed bool
}

func (c *closingSink) Close() { c.closed = true }

func TestMultiSinkClose(t *testing.T) {
	c := &closingSink{}
	m := NewMultiSink(&taskOnly{}, c)
	m.Close()
	if !c.closed {
		t.Fatalf("closable sink not closed")
	}
	Close(NopSink{})
}
