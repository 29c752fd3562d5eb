package orchestrator

// State is the phase of a run. Phases only move forward.
type State int32

const (
	StateIdle State = iota
	StateStartingServices
	StateWaitingReady
	StateRunningScenarios
	StateReporting
	StateCleaningUp
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStartingServices:
		return "starting_services"
	case StateWaitingReady:
		return "waiting_ready"
	case StateRunningScenarios:
		return "running_scenarios"
	case StateReporting:
		return "reporting"
	case StateCleaningUp:
		return "cleaning_up"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}
