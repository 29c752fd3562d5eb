package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/itharness/internal/metrics"
	"github.com/loykin/itharness/internal/process"
	"github.com/loykin/itharness/internal/readiness"
	"github.com/loykin/itharness/internal/scenario"
)

// Service is the orchestrator's view of a launched dependency.
type Service interface {
	Name() string
	Output() string
	Exited() bool
	MarkReady() error
	MarkRunning() error
	MarkFailed() error
}

// Supervisor launches and stops services.
type Supervisor interface {
	Start(ctx context.Context, spec process.Spec) (Service, error)
	Stop(svc Service) error
	CleanupStale(pattern string) int
}

// Prober blocks until spec's readiness signals pass. svc is nil for
// pre-provisioned services.
type Prober interface {
	Probe(ctx context.Context, spec process.Spec, svc Service) error
}

// ScenarioRunner executes one scenario file.
type ScenarioRunner interface {
	Run(ctx context.Context, f scenario.File, vars scenario.Variables) scenario.Result
}

// ProcessSupervisor adapts *process.Supervisor to Supervisor.
func ProcessSupervisor(s *process.Supervisor) Supervisor { return procSupervisor{s} }

type procSupervisor struct{ s *process.Supervisor }

func (p procSupervisor) Start(ctx context.Context, spec process.Spec) (Service, error) {
	h, err := p.s.Start(ctx, spec)
	if h == nil {
		return nil, err
	}
	return h, err
}

func (p procSupervisor) Stop(svc Service) error {
	h, ok := svc.(*process.Handle)
	if !ok {
		return fmt.Errorf("%w: %s is not a supervised process", process.ErrCleanup, svc.Name())
	}
	return p.s.Stop(h)
}

func (p procSupervisor) CleanupStale(pattern string) int { return p.s.CleanupStale(pattern) }

// ReadinessProber probes the network signals of a spec with package readiness.
// All checks of one spec share its ReadyTimeout.
type ReadinessProber struct {
	Interval time.Duration
	Logger   *slog.Logger
}

func (p ReadinessProber) Probe(ctx context.Context, spec process.Spec, svc Service) error {
	checks := Checks(spec)
	timeout := spec.ReadyTimeout
	if timeout <= 0 {
		timeout = process.DefaultReadyTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	for _, c := range checks {
		if svc != nil {
			c = exitGuard{Check: c, svc: svc}
		}
		err := readiness.WaitReady(ctx, c, readiness.Options{
			Deadline: deadline,
			Interval: p.Interval,
			Name:     spec.Name,
			Logger:   p.Logger,
		})
		if err != nil {
			metrics.ObserveReadiness(spec.Name, time.Since(start).Seconds(), false)
			return err
		}
	}
	metrics.ObserveReadiness(spec.Name, time.Since(start).Seconds(), true)
	return nil
}

// Checks returns the network readiness checks configured on spec, in the
// order port, HTTP, command.
func Checks(spec process.Spec) []readiness.Check {
	var out []readiness.Check
	if spec.Port > 0 {
		host := spec.Host
		if host == "" {
			host = process.DefaultHost
		}
		out = append(out, readiness.PortCheck{Host: host, Port: spec.Port})
	}
	if spec.HealthURL != "" {
		out = append(out, readiness.HTTPCheck{URL: spec.HealthURL, ExpectStatus: spec.ExpectStatus})
	}
	if spec.ReadyCommand != "" {
		out = append(out, readiness.CommandCheck{Command: spec.ReadyCommand})
	}
	return out
}

// describe summarizes how readiness was established, for the console.
func describe(spec process.Spec) string {
	var parts []string
	if spec.WaitForOutput != "" {
		parts = append(parts, fmt.Sprintf("output %q", spec.WaitForOutput))
	}
	for _, c := range Checks(spec) {
		parts = append(parts, c.Describe())
	}
	if len(parts) == 0 {
		return "started"
	}
	return strings.Join(parts, ", ")
}

// exitGuard stops polling as soon as the probed process is gone.
type exitGuard struct {
	readiness.Check
	svc Service
}

func (g exitGuard) Ready(ctx context.Context) (bool, error) {
	if g.svc.Exited() {
		return false, readiness.Abort(fmt.Errorf("%w: %s exited while waiting for %s", process.ErrExitedEarly, g.svc.Name(), g.Check.Describe()))
	}
	return g.Check.Ready(ctx)
}
