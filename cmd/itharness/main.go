package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// exitCode lets a command choose the process status without printing an error.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := buildRoot(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	_, _ = fmt.Fprintln(stderr, "Error:", err)
	return 1
}

func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	runFlags := &RunFlags{}
	root := &cobra.Command{
		Use:   "itharness",
		Short: "Integration test harness",
		Long: `itharness starts the services a test suite depends on, waits until they
are ready, runs the Hurl scenarios against them and always tears the
services down again.

Examples:
  itharness                                  # run with built-in defaults
  itharness run --config itharness.toml --report-file out/report.json
  itharness run --skip-services --pattern 'test/integration/auth_*.hurl'
  itharness webhook --addr :9090             # mock webhook receiver`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, runFlags, stdout, stderr)
		},
	}
	bindRunFlags(root, runFlags)
	root.AddCommand(createRunCommand(stdout, stderr), createWebhookCommand(stdout, stderr))
	return root
}

func createRunCommand(stdout, stderr io.Writer) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start services, run scenarios and report (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, f, stdout, stderr)
		},
	}
	bindRunFlags(cmd, f)
	return cmd
}

func createWebhookCommand(stdout, stderr io.Writer) *cobra.Command {
	f := &WebhookFlags{}
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Serve the mock webhook receiver",
		Long: `Serve a webhook receiver that records every call for scenarios to inspect.

Endpoints:
  POST /webhook          record a call
  GET  /webhooks         list recorded calls
  GET  /webhooks/latest  most recent call (404 when none)
  POST /reset            forget recorded calls
  GET  /health           liveness`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWebhook(cmd.Context(), f, stdout, stderr)
		},
	}
	cmd.Flags().StringVar(&f.Addr, "addr", ":9090", "listen address")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "path prefix for all endpoints")
	return cmd
}
