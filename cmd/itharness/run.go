package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/loykin/itharness"
	"github.com/loykin/itharness/internal/logger"
)

func runCommand(cmd *cobra.Command, f *RunFlags, stdout, stderr io.Writer) error {
	c, err := itharness.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, f, c)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, code, err := itharness.Run(ctx, c, itharness.Options{
		Stdout:  stdout,
		Stderr:  stderr,
		Quiet:   f.Quiet,
		Verbose: f.Verbose,
		NoColor: f.NoColor,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return exitCode(code)
	}
	return nil
}

// applyRunFlags overrides config values with the flags that were set.
func applyRunFlags(cmd *cobra.Command, f *RunFlags, c *itharness.Config) {
	changed := cmd.Flags().Changed
	if changed("pattern") {
		c.Scenarios.Pattern = f.Pattern
	}
	if changed("mode") {
		c.Mode = f.Mode
	}
	if changed("skip-services") {
		c.SkipServices = f.SkipServices
	}
	if changed("stop-on-failure") {
		c.Run.StopOnFailure = f.StopOnFailure
	}
	if changed("failure-policy") {
		c.Run.FailurePolicy = f.FailurePolicy
	}
	if changed("timeout") {
		c.Run.Timeout = f.Timeout
	}
	if changed("report-file") {
		c.Run.ReportFile = f.ReportFile
	}
	if changed("history-dsn") {
		c.Run.HistoryDSNs = f.HistoryDSNs
	}
	if changed("metrics-file") {
		c.Run.MetricsFile = f.MetricsFile
	}
	if changed("log-level") {
		c.Log.Slog.Level = logger.Level(f.LogLevel)
	}
	if changed("log-format") {
		c.Log.Slog.Format = logger.Format(f.LogFormat)
	}
	if f.NoColor {
		c.Log.Slog.Color = false
	}
}

func runWebhook(ctx context.Context, f *WebhookFlags, stdout, stderr io.Writer) error {
	gin.SetMode(gin.ReleaseMode)
	log := logger.DefaultConfig().NewSloggerTo(stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return itharness.ServeWebhook(ctx, f.Addr, f.BasePath, stdout, log)
}
