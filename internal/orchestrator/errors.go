package orchestrator

import (
	"errors"
	"fmt"
)

// ErrSuiteTimeout is the cancellation cause when the whole run exceeds its budget.
var ErrSuiteTimeout = errors.New("suite timeout exceeded")

// SetupKind classifies a fatal error before scenarios run.
type SetupKind string

const (
	KindServiceStartFailure SetupKind = "ServiceStartFailure"
	KindReadinessTimeout    SetupKind = "ReadinessTimeout"
	KindScenarioDiscovery   SetupKind = "ScenarioDiscoveryFailure"
)

// SetupError carries the failed service and its captured output.
type SetupError struct {
	Kind    SetupKind
	Service string
	Err     error
	Output  string
}

func (e *SetupError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Service, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }
