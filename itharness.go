package itharness

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/itharness/internal/config"
	"github.com/loykin/itharness/internal/env"
	"github.com/loykin/itharness/internal/history"
	"github.com/loykin/itharness/internal/history/factory"
	"github.com/loykin/itharness/internal/metrics"
	"github.com/loykin/itharness/internal/mockserver"
	"github.com/loykin/itharness/internal/orchestrator"
	"github.com/loykin/itharness/internal/process"
	"github.com/loykin/itharness/internal/report"
	"github.com/loykin/itharness/internal/scenario"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Report = report.Report

type ScenarioResult = scenario.Result

// Options control console output of a run. Nil writers default to the
// process stdout/stderr.
type Options struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Quiet   bool
	Verbose bool // scenario stdout and service output echoed with a [name] prefix
	NoColor bool
	Logger  *slog.Logger
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return cfg.Default() }

// Run executes one suite described by c and returns the report together
// with the process exit code. The error is non-nil only when the run could
// not be assembled; failures during the run are reported through the code.
func Run(ctx context.Context, c *Config, opts Options) (*Report, int, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if err := c.Validate(); err != nil {
		return nil, 1, err
	}
	log := opts.Logger
	if log == nil {
		log = c.Log.NewSloggerTo(opts.Stderr)
	}
	if err := RegisterMetricsDefault(); err != nil {
		log.Warn("Metrics registration failed", "error", err)
	}

	policy, err := orchestrator.ParsePolicy(c.Run.FailurePolicy)
	if err != nil {
		return nil, 1, err
	}
	globalEnv, err := c.GlobalEnv()
	if err != nil {
		return nil, 1, err
	}
	e := env.New()
	e.FromOS()
	e.SetAll(globalEnv)
	if exe, err := os.Executable(); err == nil {
		e.Set(cfg.HarnessBinVar, exe)
	}
	vars := c.ResolveVariables(e.Lookup)
	specs, err := c.Specs(vars)
	if err != nil {
		return nil, 1, err
	}

	sinks, err := factory.NewSinks(c.Run.HistoryDSNs)
	if err != nil {
		log.Warn("History disabled", "error", err)
		sinks = nil
	}
	defer history.Close(sinks)

	var echo io.Writer
	if opts.Verbose && !opts.Quiet {
		echo = opts.Stderr
	}
	sup := process.NewSupervisor(process.Options{Logger: log, Env: e, Echo: echo})
	runner := scenario.NewRunner(c.Scenarios.Config, log)
	con := report.NewConsole(opts.Stdout, report.ConsoleOptions{Quiet: opts.Quiet, Verbose: opts.Verbose, NoColor: opts.NoColor})

	o := orchestrator.New(
		orchestrator.ProcessSupervisor(sup),
		orchestrator.ReadinessProber{Interval: c.Run.PollInterval, Logger: log},
		runner,
		orchestrator.Options{
			Specs:         specs,
			Mode:          c.Mode,
			SkipServices:  c.SkipServices,
			Pattern:       c.Scenarios.Pattern,
			Variables:     vars,
			Policy:        policy,
			StopOnFailure: c.Run.StopOnFailure,
			SuiteTimeout:  c.Run.Timeout,
			ReportFile:    c.Run.ReportFile,
			MetricsFile:   c.Run.MetricsFile,
			Sinks:         sinks,
			Console:       con,
			Logger:        log,
		},
	)
	rep, code := o.Run(ctx)
	return rep, code, nil
}

// ServeWebhook runs the mock webhook receiver on addr until ctx is done.
// The readiness line is written to out once the listener is open.
func ServeWebhook(ctx context.Context, addr, basePath string, out io.Writer, log *slog.Logger) error {
	return mockserver.NewRouter(basePath, log).Serve(ctx, addr, out)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
