package engine

import "time"

// State is a job's position in the erase state machine.
type State int

const (
	StateCreated State = iota
	StateProbing
	StateMethodSelected
	StateRunning
	StateVerifying
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateProbing:
		return "probing"
	case StateMethodSelected:
		return "method-selected"
	case StateRunning:
		return "running"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// next lists the legal successors of each non-terminal state. Failed is
// reachable from all of them and is not listed.
var next = map[State][]State{
	StateCreated:        {StateProbing},
	StateProbing:        {StateMethodSelected},
	StateMethodSelected: {StateRunning},
	StateRunning:        {StateVerifying, StateCompleted, StateCancelled},
	StateVerifying:      {StateCompleted, StateCancelled},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition records one state change.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}
