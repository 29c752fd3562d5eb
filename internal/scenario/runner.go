package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// Defaults for Config fields left zero.
const (
	DefaultCommand       = "hurl"
	DefaultTimeout       = 60 * time.Second
	DefaultRetries       = 3
	DefaultRetryInterval = 2 * time.Second
	DefaultVerbosity     = VerbosityVeryVerbose
)

// exitRuntimeError is hurl's exit code for a run that did not complete
// (assertion failures exit 4).
const exitRuntimeError = 3

// killDelay bounds how long a cancelled invocation may keep its pipes open.
const killDelay = 2 * time.Second

type Verbosity string

const (
	VerbosityNone        Verbosity = "none"
	VerbosityVerbose     Verbosity = "verbose"
	VerbosityVeryVerbose Verbosity = "very-verbose"
)

// RetryPolicy applies when an invocation fails to complete (it could not be
// started, or the assertion engine reported a runtime error).
type RetryPolicy struct {
	Retries  int           `mapstructure:"retries"`
	Interval time.Duration `mapstructure:"interval"`
	Native   bool          `mapstructure:"native"` // delegate to --retry/--retry-interval
}

type Config struct {
	Command   string        `mapstructure:"command"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retry     RetryPolicy   `mapstructure:"retry"`
	Verbosity Verbosity     `mapstructure:"verbosity"`
	ExtraArgs []string      `mapstructure:"extra_args"`
	WorkDir   string        `mapstructure:"work_dir"`
	Env       []string      `mapstructure:"-"` // full environment for the command; nil inherits
}

func DefaultConfig() Config {
	return Config{
		Command:   DefaultCommand,
		Timeout:   DefaultTimeout,
		Retry:     RetryPolicy{Retries: DefaultRetries, Interval: DefaultRetryInterval, Native: true},
		Verbosity: DefaultVerbosity,
	}
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retry.Retries < 0 {
		c.Retry.Retries = 0
	}
	if c.Retry.Interval <= 0 {
		c.Retry.Interval = DefaultRetryInterval
	}
	if c.Verbosity == "" {
		c.Verbosity = DefaultVerbosity
	}
	return c
}

// Runner invokes the assertion engine once per scenario file.
type Runner struct {
	cfg Config
	log *slog.Logger
}

func NewRunner(cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg.withDefaults(), log: log}
}

// Args returns the argv (without the command) used to run f.
func (r *Runner) Args(f File, vars Variables) []string {
	args := []string{"--test"}
	if r.cfg.Retry.Native && r.cfg.Retry.Retries > 0 {
		args = append(args,
			"--retry", strconv.Itoa(r.cfg.Retry.Retries),
			"--retry-interval", strconv.FormatInt(r.cfg.Retry.Interval.Milliseconds(), 10))
	}
	switch r.cfg.Verbosity {
	case VerbosityVerbose:
		args = append(args, "--verbose")
	case VerbosityVeryVerbose:
		args = append(args, "--very-verbose")
	}
	args = append(args, r.cfg.ExtraArgs...)
	args = append(args, vars.Args()...)
	return append(args, f.Path)
}

// Run executes one scenario bounded by the configured timeout. Cancelling
// ctx abandons the invocation and kills its process group.
func (r *Runner) Run(ctx context.Context, f File, vars Variables) Result {
	res := Result{Name: f.Name, Path: f.Path, RunID: vars[VarScenarioRunID], StartedAt: time.Now(), ExitCode: -1}
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := r.Args(f, vars)
	maxAttempts := 1
	if !r.cfg.Retry.Native {
		maxAttempts += r.cfg.Retry.Retries
	}
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		r.log.Debug("Running scenario", "scenario", f.Name, "attempt", attempt, "command", r.cfg.Command, "args", args)
		code, stdout, stderr, err := r.invoke(runCtx, args)
		res.ExitCode, res.Stdout, res.Stderr = code, stdout, stderr

		if kind, ok := cancelled(ctx, runCtx); ok {
			res.Kind = kind
			res.Err = context.Cause(runCtx).Error()
			if kind == FailureTimeout {
				res.Err = fmt.Sprintf("scenario exceeded %s", r.cfg.Timeout)
			}
			return res
		}
		retryable := false
		switch {
		case err != nil:
			res.Kind = FailureInvocation
			res.Err = err.Error()
			retryable = true
		case code == 0:
			res.Pass = true
			res.Kind = FailureNone
			res.Err = ""
			return res
		default:
			res.Kind = FailureAssertion
			res.Err = ""
			retryable = code == exitRuntimeError
		}
		if !retryable || attempt >= maxAttempts {
			return res
		}
		r.log.Warn("Scenario invocation did not complete, retrying", "scenario", f.Name, "attempt", attempt, "exit", code, "interval", r.cfg.Retry.Interval)
		select {
		case <-time.After(r.cfg.Retry.Interval):
		case <-runCtx.Done():
			res.Kind, _ = cancelled(ctx, runCtx)
			res.Err = context.Cause(runCtx).Error()
			return res
		}
	}
}

// cancelled reports whether the run ended by interrupt or timeout.
func cancelled(parent, run context.Context) (FailureKind, bool) {
	if parent.Err() != nil {
		return FailureInterrupted, true
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return FailureTimeout, true
	}
	return FailureNone, false
}

// invoke runs the command once. err is non-nil only when the command could
// not be started or waited on; a non-zero exit is reported through code.
func (r *Runner) invoke(ctx context.Context, args []string) (code int, stdout, stderr string, err error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Dir = r.cfg.WorkDir
	if r.cfg.Env != nil {
		cmd.Env = r.cfg.Env
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	configureGroupKill(cmd)
	cmd.WaitDelay = killDelay

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr == nil {
		return 0, stdout, stderr, nil
	}
	var ee *exec.ExitError
	if errors.As(runErr, &ee) {
		return ee.ExitCode(), stdout, stderr, nil
	}
	return -1, stdout, stderr, fmt.Errorf("invoke %s: %w", r.cfg.Command, runErr)
}
