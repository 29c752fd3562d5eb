package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loykin/itharness/internal/history"
	"github.com/loykin/itharness/internal/metrics"
	"github.com/loykin/itharness/internal/process"
	"github.com/loykin/itharness/internal/report"
	"github.com/loykin/itharness/internal/scenario"
)

const (
	ModeMock = "mock"
	ModeLive = "live"
)

// publishTimeout bounds history publication, which runs after the run
// context may already be cancelled.
const publishTimeout = 10 * time.Second

// Options configure one run.
type Options struct {
	Specs []process.Spec
	// Mode "live" skips MockOnly services.
	Mode string
	// SkipServices treats services as pre-provisioned: nothing is started or
	// stopped, network readiness is still probed.
	SkipServices bool

	Pattern       string
	Variables     map[string]string
	Policy        FailurePolicy
	StopOnFailure bool
	SuiteTimeout  time.Duration

	ReportFile  string
	MetricsFile string
	Sinks       []history.Sink

	Console      *report.Console
	Logger       *slog.Logger
	IDs          *scenario.IDGenerator
	OnTransition func(from, to State)
}

type started struct {
	spec  process.Spec
	svc   Service
	ready bool
}

// Orchestrator drives a single run: start services, wait until they are
// ready, run scenarios, report, and always clean up.
type Orchestrator struct {
	opts   Options
	sup    Supervisor
	prober Prober
	runner ScenarioRunner
	log    *slog.Logger
	con    *report.Console

	mu      sync.Mutex
	state   State
	started []*started

	rep         *report.Report
	reported    bool
	cleanupOnce sync.Once
}

// New builds an orchestrator. A nil prober probes with package readiness.
func New(sup Supervisor, prober Prober, runner ScenarioRunner, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Console == nil {
		opts.Console = report.NewConsole(io.Discard, report.ConsoleOptions{NoColor: true})
	}
	if opts.IDs == nil {
		opts.IDs = scenario.NewIDGenerator()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyStrict
	}
	if opts.Mode == "" {
		opts.Mode = ModeMock
	}
	if opts.Pattern == "" {
		opts.Pattern = scenario.DefaultPattern
	}
	if prober == nil {
		prober = ReadinessProber{Logger: opts.Logger}
	}
	return &Orchestrator{
		opts:   opts,
		sup:    sup,
		prober: prober,
		runner: runner,
		log:    opts.Logger,
		con:    opts.Console,
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(next State) {
	o.mu.Lock()
	prev := o.state
	if next <= prev {
		o.mu.Unlock()
		return
	}
	o.state = next
	o.mu.Unlock()

	o.log.Debug("Run phase", "from", prev.String(), "to", next.String())
	if o.opts.OnTransition != nil {
		o.opts.OnTransition(prev, next)
	}
}

// Run executes the whole run and returns the report and the process exit
// code. Services started by Run are stopped before it returns, whatever the
// outcome, and the final console line is the PASS/FAIL banner.
func (o *Orchestrator) Run(ctx context.Context) (rep *report.Report, code int) {
	testID := o.opts.IDs.Next()
	o.rep = report.New(testID)
	o.rep.Mode = o.opts.Mode
	o.rep.Policy = string(o.opts.Policy)
	rep = o.rep

	if o.opts.SuiteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.opts.SuiteTimeout, ErrSuiteTimeout)
		defer cancel()
	}

	outcome := report.OutcomePanicked
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("Run aborted by panic", "panic", p, "stack", string(debug.Stack()))
			outcome = report.OutcomePanicked
		}
		if !o.reported {
			o.rep.Finish(outcome, o.opts.Policy.ExitCode(outcome))
			if outcome == report.OutcomeInterrupted || outcome == report.OutcomeTimedOut {
				o.con.Summary(o.rep)
			}
			o.writeArtifacts()
		}
		o.Cleanup()
		o.transition(StateDone)
		o.con.Banner(o.rep)
		code = o.rep.ExitCode
	}()

	outcome = o.run(ctx, testID)
	if outcome == report.OutcomePassed || outcome == report.OutcomeFailed {
		o.transition(StateReporting)
		o.rep.Finish(outcome, o.opts.Policy.ExitCode(outcome))
		o.con.Summary(o.rep)
		o.writeArtifacts()
		o.reported = true
	}
	return rep, code
}

func (o *Orchestrator) run(ctx context.Context, testID string) report.Outcome {
	if err := o.setup(ctx); err != nil {
		if ctx.Err() != nil {
			return o.cancelledOutcome(ctx)
		}
		o.setupFailed(err)
		return report.OutcomeSetupFailed
	}

	o.transition(StateRunningScenarios)
	for _, s := range o.startedServices() {
		if err := s.svc.MarkRunning(); err != nil {
			o.log.Warn("Service state", "service", s.spec.Name, "error", err)
		}
	}

	files, err := scenario.Discover(o.opts.Pattern)
	if err != nil {
		o.setupFailed(&SetupError{Kind: KindScenarioDiscovery, Err: err})
		return report.OutcomeSetupFailed
	}
	if len(files) == 0 {
		o.con.Warn("No scenario files match %s", o.opts.Pattern)
		return report.OutcomeFailed
	}

	o.con.Phase("Running %d scenario(s)...", len(files))
	vars := scenario.Variables(o.opts.Variables).With(scenario.VarTestID, testID)
	for i, f := range files {
		if ctx.Err() != nil {
			o.rep.Skip(names(files[i:])...)
			return o.cancelledOutcome(ctx)
		}
		o.con.ScenarioStarted(f)
		res := o.runner.Run(ctx, f, vars.With(scenario.VarScenarioRunID, o.opts.IDs.Next()))
		o.rep.Add(res)
		o.con.ScenarioFinished(res)
		metrics.ObserveScenario(res.Name, string(res.Kind), res.Duration.Seconds())

		if ctx.Err() != nil {
			o.rep.Skip(names(files[i+1:])...)
			return o.cancelledOutcome(ctx)
		}
		if !res.Pass && o.opts.StopOnFailure && i+1 < len(files) {
			o.rep.Skip(names(files[i+1:])...)
			o.log.Info("Stopping after first failure", "scenario", res.Name, "skipped", len(files)-i-1)
			break
		}
	}
	if o.rep.Failed > 0 {
		return report.OutcomeFailed
	}
	return report.OutcomePassed
}

// setup starts (or, when pre-provisioned, only probes) every service.
func (o *Orchestrator) setup(ctx context.Context) error {
	o.transition(StateStartingServices)
	if o.opts.SkipServices {
		o.con.Phase("Using pre-provisioned services...")
		o.transition(StateWaitingReady)
		for _, spec := range o.opts.Specs {
			if !spec.HasNetworkReadiness() {
				continue
			}
			if err := o.prober.Probe(ctx, spec, nil); err != nil {
				return &SetupError{Kind: KindReadinessTimeout, Service: spec.Name, Err: err}
			}
			o.con.ServiceReady(spec.Name, describe(spec))
		}
		return nil
	}

	o.con.Phase("Starting services...")
	var specs []process.Spec
	for _, spec := range o.opts.Specs {
		if spec.MockOnly && o.opts.Mode == ModeLive {
			o.log.Info("Skipping mock-only service", "service", spec.Name)
			continue
		}
		specs = append(specs, spec)
	}
	// Stale cleanup finishes before anything starts so no pattern can match
	// a service launched by this run.
	for _, spec := range specs {
		if spec.StalePattern == "" {
			continue
		}
		if n := o.sup.CleanupStale(spec.StalePattern); n > 0 {
			o.log.Info("Terminated stale processes", "service", spec.Name, "count", n)
		}
	}
	for _, spec := range specs {
		svc, err := o.sup.Start(ctx, spec)
		var st *started
		if svc != nil {
			st = &started{spec: spec, svc: svc}
			o.mu.Lock()
			o.started = append(o.started, st)
			o.mu.Unlock()
		}
		if err != nil {
			kind := KindServiceStartFailure
			if errors.Is(err, process.ErrOutputTimeout) {
				kind = KindReadinessTimeout
			}
			return o.serviceError(kind, spec, svc, err)
		}
		if spec.ReadyBeforeNext {
			if err := o.probe(ctx, st); err != nil {
				return err
			}
		}
	}

	o.transition(StateWaitingReady)
	for _, st := range o.startedServices() {
		if st.ready {
			continue
		}
		if err := o.probe(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) probe(ctx context.Context, st *started) error {
	if err := o.prober.Probe(ctx, st.spec, st.svc); err != nil {
		kind := KindReadinessTimeout
		if errors.Is(err, process.ErrExitedEarly) {
			kind = KindServiceStartFailure
		}
		return o.serviceError(kind, st.spec, st.svc, err)
	}
	if err := st.svc.MarkReady(); err != nil {
		o.log.Warn("Service state", "service", st.spec.Name, "error", err)
	}
	st.ready = true
	o.con.ServiceReady(st.spec.Name, describe(st.spec))
	return nil
}

func (o *Orchestrator) serviceError(kind SetupKind, spec process.Spec, svc Service, err error) *SetupError {
	se := &SetupError{Kind: kind, Service: spec.Name, Err: err}
	if svc != nil {
		se.Output = svc.Output()
		_ = svc.MarkFailed()
	}
	return se
}

func (o *Orchestrator) setupFailed(err error) {
	var se *SetupError
	if !errors.As(err, &se) {
		se = &SetupError{Kind: KindServiceStartFailure, Err: err}
	}
	o.log.Error("Setup failed", "kind", string(se.Kind), "service", se.Service, "error", se.Err)
	f := report.SetupFailure{Kind: string(se.Kind), Service: se.Service, Message: se.Err.Error(), Output: se.Output}
	o.rep.Setup = &f
	o.con.SetupFailed(f)
}

func (o *Orchestrator) cancelledOutcome(ctx context.Context) report.Outcome {
	if errors.Is(context.Cause(ctx), ErrSuiteTimeout) {
		o.con.Warn("Suite timeout of %s exceeded", o.opts.SuiteTimeout)
		return report.OutcomeTimedOut
	}
	o.con.Warn("Interrupted, cleaning up")
	return report.OutcomeInterrupted
}

// Cleanup stops every started service in reverse start order. Only the
// first call has any effect.
func (o *Orchestrator) Cleanup() {
	o.cleanupOnce.Do(func() {
		o.transition(StateCleaningUp)
		svcs := o.startedServices()
		if len(svcs) == 0 {
			return
		}
		o.con.Phase("Stopping services...")
		for i := len(svcs) - 1; i >= 0; i-- {
			if err := o.sup.Stop(svcs[i].svc); err != nil {
				o.log.Error("Cleanup failure", "service", svcs[i].spec.Name, "error", err)
			}
		}
	})
}

func (o *Orchestrator) startedServices() []*started {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*started, len(o.started))
	copy(out, o.started)
	return out
}

// writeArtifacts exports the finished report. Failures are logged only.
func (o *Orchestrator) writeArtifacts() {
	metrics.IncRun(string(o.rep.Outcome))
	if o.opts.ReportFile != "" {
		if err := report.WriteFile(o.opts.ReportFile, o.rep); err != nil {
			o.log.Error("Report file not written", "path", o.opts.ReportFile, "error", err)
		} else {
			o.log.Info("Report written", "path", o.opts.ReportFile)
		}
	}
	if len(o.opts.Sinks) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := history.Publish(ctx, o.opts.Sinks, history.EventsFromReport(o.rep)); err != nil {
			o.log.Warn("History not recorded", "error", err)
		}
	}
	if o.opts.MetricsFile != "" {
		if err := metrics.WriteTextfile(o.opts.MetricsFile, nil); err != nil {
			o.log.Error("Metrics file not written", "error", err)
		}
	}
}

func names(files []scenario.File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}
