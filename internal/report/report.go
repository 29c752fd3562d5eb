package report

import (
	"time"

	"github.com/loykin/itharness/internal/scenario"
)

// Outcome summarizes how a run ended.
type Outcome string

const (
	OutcomePassed      Outcome = "passed"
	OutcomeFailed      Outcome = "failed"
	OutcomeSetupFailed Outcome = "setup_failed"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomePanicked    Outcome = "panicked"
)

// SetupFailure describes a fatal error before any scenario ran.
type SetupFailure struct {
	Kind    string `json:"kind" yaml:"kind"`
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
	Message string `json:"message" yaml:"message"`
	Output  string `json:"output,omitempty" yaml:"output,omitempty"`
}

// Report is built incrementally by the orchestrator and finalized once.
type Report struct {
	RunID       string            `json:"run_id" yaml:"run_id"`
	Mode        string            `json:"mode" yaml:"mode"`
	Policy      string            `json:"failure_policy" yaml:"failure_policy"`
	StartedAt   time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time         `json:"finished_at" yaml:"finished_at"`
	Results     []scenario.Result `json:"results" yaml:"results"`
	Skipped     []string          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Total       int               `json:"total" yaml:"total"`
	Failed      int               `json:"failed" yaml:"failed"`
	FailedNames []string          `json:"failed_names,omitempty" yaml:"failed_names,omitempty"`
	Setup       *SetupFailure     `json:"setup_failure,omitempty" yaml:"setup_failure,omitempty"`
	Outcome     Outcome           `json:"outcome" yaml:"outcome"`
	ExitCode    int               `json:"exit_code" yaml:"exit_code"`
}

func New(runID string) *Report {
	return &Report{RunID: runID, StartedAt: time.Now()}
}

// Add appends one scenario result in execution order.
func (r *Report) Add(res scenario.Result) {
	r.Results = append(r.Results, res)
	r.Total++
	if !res.Pass {
		r.Failed++
		r.FailedNames = append(r.FailedNames, res.Name)
	}
}

// Skip records scenarios that were never executed.
func (r *Report) Skip(names ...string) {
	r.Skipped = append(r.Skipped, names...)
}

func (r *Report) Passed() int { return r.Total - r.Failed }

// Finish stamps the end of the run.
func (r *Report) Finish(outcome Outcome, exitCode int) {
	r.Outcome = outcome
	r.ExitCode = exitCode
	r.FinishedAt = time.Now()
}

func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
