package orchestrator

import (
	"fmt"
	"strings"

	"github.com/loykin/itharness/internal/report"
)

// FailurePolicy decides whether scenario failures fail the process.
type FailurePolicy string

const (
	PolicyStrict     FailurePolicy = "strict"
	PolicyReportOnly FailurePolicy = "report-only"
)

func ParsePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyReportOnly, "report_only":
		return PolicyReportOnly, nil
	}
	return "", fmt.Errorf("unknown failure policy %q (want %s or %s)", s, PolicyStrict, PolicyReportOnly)
}

// ExitCode maps how a run ended to the process exit status. Only scenario
// failures (including an empty scenario set) are subject to the policy.
func (p FailurePolicy) ExitCode(o report.Outcome) int {
	switch o {
	case report.OutcomePassed:
		return 0
	case report.OutcomeFailed:
		if p == PolicyReportOnly {
			return 0
		}
		return 1
	default:
		return 1
	}
}
