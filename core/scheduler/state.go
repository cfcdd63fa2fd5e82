package scheduler

import "fmt"

// State is the lifecycle position of a run.
type State int

const (
	Idle State = iota
	Planning
	Executing
	Completed
	Failed
	Cancelled
)

var stateNames = [...]string{"idle", "planning", "executing", "completed", "failed", "cancelled"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s >= Completed }

// allowed lists the legal transitions.
var allowed = map[State][]State{
	Idle:      {Planning},
	Planning:  {Executing, Failed, Cancelled},
	Executing: {Completed, Failed, Cancelled},
}

func canMove(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
