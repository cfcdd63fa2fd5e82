package scheduler

import (
	"time"

	"github.com/kilianp07/wqforecast/core/graph"
)

// Event reports a state change or a finished task. Task is empty for state
// changes.
type Event struct {
	RunID string
	State State
	Task  string
	Op    graph.Op
	Done  int
	Total int
	Err   error
	Time  time.Time
}
