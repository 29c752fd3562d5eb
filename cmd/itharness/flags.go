package main

import (
	"time"

	"github.com/spf13/cobra"
)

// RunFlags decouple cobra from the run logic. Zero values mean "use the
// config"; a flag only overrides the config when it was set explicitly.
type RunFlags struct {
	ConfigPath    string
	Pattern       string
	Mode          string
	SkipServices  bool
	Quiet         bool
	Verbose       bool
	NoColor       bool
	StopOnFailure bool
	FailurePolicy string
	Timeout       time.Duration
	ReportFile    string
	HistoryDSNs   []string
	MetricsFile   string
	LogLevel      string
	LogFormat     string
}

type WebhookFlags struct {
	Addr     string
	BasePath string
}

func bindRunFlags(cmd *cobra.Command, f *RunFlags) {
	fs := cmd.Flags()
	fs.StringVar(&f.ConfigPath, "config", "", "path to TOML config file (optional)")
	fs.StringVar(&f.Pattern, "pattern", "", "glob selecting scenario files (default test/integration/*.hurl)")
	fs.StringVar(&f.Mode, "mode", "", "mock or live; live skips mock-only services (env HARNESS_MODE)")
	fs.BoolVar(&f.SkipServices, "skip-services", false, "services are already running; only probe them (env DOCKER_ENV)")
	fs.BoolVarP(&f.Quiet, "quiet", "q", false, "print only failures, stderr, the summary and the result")
	fs.BoolVarP(&f.Verbose, "verbose", "v", false, "show scenario stdout and service output")
	fs.BoolVar(&f.NoColor, "no-color", false, "disable colored output")
	fs.BoolVar(&f.StopOnFailure, "stop-on-failure", false, "stop after the first failing scenario")
	fs.StringVar(&f.FailurePolicy, "failure-policy", "", "strict or report-only")
	fs.DurationVar(&f.Timeout, "timeout", 0, "bound for the whole suite (0 disables)")
	fs.StringVar(&f.ReportFile, "report-file", "", "write the run report as JSON, or YAML for .yaml/.yml")
	fs.StringArrayVar(&f.HistoryDSNs, "history-dsn", nil, "record results (sqlite://, postgres://, clickhouse://, opensearch://); repeatable")
	fs.StringVar(&f.MetricsFile, "metrics-file", "", "write Prometheus metrics in textfile format")
	fs.StringVar(&f.LogLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.LogFormat, "log-format", "", "text or json")
}
