package scenario

import "time"

// FailureKind classifies why a scenario did not pass.
type FailureKind string

const (
	FailureNone        FailureKind = "none"
	FailureAssertion   FailureKind = "assertion"
	FailureTimeout     FailureKind = "timeout"
	FailureInterrupted FailureKind = "interrupted"
	FailureInvocation  FailureKind = "invocation"
)

// Result is the immutable outcome of one scenario.
type Result struct {
	Name      string        `json:"name" yaml:"name"`
	Path      string        `json:"path" yaml:"path"`
	Pass      bool          `json:"pass" yaml:"pass"`
	Kind      FailureKind   `json:"kind" yaml:"kind"`
	ExitCode  int           `json:"exit_code" yaml:"exit_code"`
	Stdout    string        `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	Attempts  int           `json:"attempts" yaml:"attempts"`
	RunID     string        `json:"scenario_run_id" yaml:"scenario_run_id"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Err       string        `json:"error,omitempty" yaml:"error,omitempty"`
}
