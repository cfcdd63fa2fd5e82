// Package monitoring is the error reporting hook of the processor. The
// process installs one Monitor at start-up and packages report through the
// package level functions.
package monitoring

import (
	"errors"
	"sync"
	"time"

	"github.com/kilianp07/wqforecast/core/errdefs"
)

// Monitor receives errors worth a human look.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	Flush(timeout time.Duration)
}

type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) Flush(time.Duration)                       {}

var (
	mu      sync.RWMutex
	current Monitor = NopMonitor{}
)

// Init sets the global monitor. A nil monitor restores the no-op one.
func Init(m Monitor) {
	if m == nil {
		m = NopMonitor{}
	}
	mu.Lock()
	current = m
	mu.Unlock()
}

func monitor() Monitor {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// CaptureException records a non-nil error with optional tags.
func CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	monitor().CaptureException(err, tags)
}

// Flush waits up to d for buffered events to be sent.
func Flush(d time.Duration) { monitor().Flush(d) }

// Tags returns the tags of an error reported by module: its kind, and the
// failing task for execution errors.
func Tags(module string, err error) map[string]string {
	tags := map[string]string{"module": module, "kind": "unexpected"}
	if k := errdefs.KindOf(err); k != nil {
		tags["kind"] = k.Error()
	}
	var te *errdefs.TaskError
	if errors.As(err, &te) {
		tags["task"] = te.Task
	}
	return tags
}
