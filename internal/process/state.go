package process

// State is the lifecycle state of a supervised service.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

func (s State) String() string { return string(s) }

var allowedTransitions = map[State][]State{
	StateStarting: {StateReady, StateFailed, StateStopping},
	StateReady:    {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateFailed, StateStopping},
	StateFailed:   {StateStopping, StateStopped},
	StateStopping: {StateStopped},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
// Stopped is terminal.
func (s State) CanTransitionTo(next State) bool {
	for _, st := range allowedTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}
