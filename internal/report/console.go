package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/loykin/itharness/internal/scenario"
)

const rule = "=================================================="

// ConsoleOptions controls what the operator sees.
type ConsoleOptions struct {
	Quiet   bool // only failures, the summary and the banner
	Verbose bool // stdout of passing scenarios too
	NoColor bool
}

// Console prints human-readable progress. Every line goes to one writer so
// the final banner is always the last line.
type Console struct {
	w    io.Writer
	opts ConsoleOptions

	info  *color.Color
	ok    *color.Color
	fail  *color.Color
	warn  *color.Color
	faint *color.Color
}

func NewConsole(w io.Writer, opts ConsoleOptions) *Console {
	c := &Console{
		w:     w,
		opts:  opts,
		info:  color.New(color.FgBlue),
		ok:    color.New(color.FgGreen),
		fail:  color.New(color.FgRed),
		warn:  color.New(color.FgYellow),
		faint: color.New(color.Faint),
	}
	for _, col := range []*color.Color{c.info, c.ok, c.fail, c.warn, c.faint} {
		if opts.NoColor {
			col.DisableColor()
		} else {
			col.EnableColor()
		}
	}
	return c
}

// Phase announces a step of the run ("Starting services...").
func (c *Console) Phase(format string, args ...any) {
	if c.opts.Quiet {
		return
	}
	_, _ = c.info.Fprintf(c.w, "\n"+format+"\n", args...)
}

func (c *Console) ServiceReady(name, via string) {
	if c.opts.Quiet {
		return
	}
	_, _ = c.ok.Fprintf(c.w, "✓ %s is ready (%s)\n", name, via)
}

func (c *Console) Warn(format string, args ...any) {
	_, _ = c.warn.Fprintf(c.w, "⚠ "+format+"\n", args...)
}

func (c *Console) ScenarioStarted(f scenario.File) {
	if c.opts.Quiet {
		return
	}
	_, _ = c.info.Fprintf(c.w, "\n%s\nRunning: %s\n%s\n", rule, f.Path, rule)
}

// ScenarioFinished prints the one-line verdict. stderr is always shown, even
// when quiet; stdout only for failures unless verbose.
func (c *Console) ScenarioFinished(res scenario.Result) {
	if res.Stderr != "" {
		label := "STDERR"
		if c.opts.Quiet && res.Pass {
			label += " (" + res.Name + ")"
		}
		_, _ = fmt.Fprintf(c.w, "%s: %s\n", label, strings.TrimRight(res.Stderr, "\n"))
	}
	if res.Pass {
		if !c.opts.Quiet {
			_, _ = c.ok.Fprintf(c.w, "✓ Test passed: %s (%s)\n", res.Name, res.Duration.Round(time.Millisecond))
		}
		if c.opts.Verbose && res.Stdout != "" {
			_, _ = c.faint.Fprintf(c.w, "\nOutput:\n%s\n", strings.TrimRight(res.Stdout, "\n"))
		}
		return
	}
	detail := string(res.Kind)
	if res.Attempts > 1 {
		detail += fmt.Sprintf(", %d attempts", res.Attempts)
	}
	_, _ = c.fail.Fprintf(c.w, "✗ Test failed: %s (%s)\n", res.Name, detail)
	if res.Err != "" {
		_, _ = c.fail.Fprintf(c.w, "  %s\n", res.Err)
	}
	if res.Stdout != "" {
		_, _ = fmt.Fprintf(c.w, "\nOutput:\n%s\n", strings.TrimRight(res.Stdout, "\n"))
	}
}

// SetupFailed prints what failed during setup together with the captured
// service output.
func (c *Console) SetupFailed(f SetupFailure) {
	what := f.Kind
	if f.Service != "" {
		what += ": " + f.Service
	}
	_, _ = c.fail.Fprintf(c.w, "\n✗ %s\n  %s\n", what, f.Message)
	if out := strings.TrimRight(f.Output, "\n"); out != "" {
		_, _ = c.faint.Fprintf(c.w, "--- %s output ---\n%s\n---\n", f.Service, out)
	}
}

// Summary prints the counts table and the names of failed scenarios.
func (c *Console) Summary(r *Report) {
	_, _ = c.info.Fprintf(c.w, "\n%s\n", rule)
	if len(r.Results) > 0 {
		c.table(r)
	}
	if r.Failed > 0 {
		_, _ = c.fail.Fprintf(c.w, "✗ %d test(s) failed:\n", r.Failed)
		for _, n := range r.FailedNames {
			_, _ = c.fail.Fprintf(c.w, "  - %s\n", n)
		}
	} else if r.Total > 0 {
		_, _ = c.ok.Fprintln(c.w, "✓ All tests passed!")
	}
	if len(r.Skipped) > 0 {
		_, _ = c.warn.Fprintf(c.w, "%d test(s) not run: %s\n", len(r.Skipped), strings.Join(r.Skipped, ", "))
	}
}

func (c *Console) table(r *Report) {
	t := table.NewWriter()
	t.SetOutputMirror(c.w)
	t.AppendHeader(table.Row{"Scenario", "Result", "Kind", "Exit", "Attempts", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Scenario", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Exit", Align: text.AlignRight},
		{Name: "Attempts", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})
	for _, res := range r.Results {
		status := "PASS"
		if !res.Pass {
			status = "FAIL"
		}
		t.AppendRow(table.Row{res.Name, status, res.Kind, res.ExitCode, res.Attempts, res.Duration.Round(time.Millisecond)})
	}
	t.AppendFooter(table.Row{"TOTAL", fmt.Sprintf("%d/%d passed", r.Passed(), r.Total), "", "", "", r.Duration().Round(time.Millisecond)})
	switch {
	case c.opts.NoColor:
		t.SetStyle(table.StyleLight)
	case r.Failed > 0:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}
	t.Style().Format.Footer = text.FormatDefault
	t.Render()
}

// Banner prints the final PASS/FAIL line of the run.
func (c *Console) Banner(r *Report) {
	if r.ExitCode == 0 {
		_, _ = c.ok.Fprintf(c.w, "\nPASS: %s\n", bannerText(r))
		return
	}
	_, _ = c.fail.Fprintf(c.w, "\nFAIL: %s\n", bannerText(r))
}

func bannerText(r *Report) string {
	switch r.Outcome {
	case OutcomeSetupFailed:
		return "setup failed, no scenarios run"
	case OutcomeInterrupted:
		return fmt.Sprintf("interrupted after %d scenario(s)", r.Total)
	case OutcomeTimedOut:
		return fmt.Sprintf("suite timed out after %d scenario(s)", r.Total)
	case OutcomePanicked:
		return "harness aborted unexpectedly"
	}
	if r.Total == 0 {
		return "no scenarios found"
	}
	if r.Failed > 0 {
		msg := fmt.Sprintf("%d of %d scenario(s) failed", r.Failed, r.Total)
		if r.ExitCode == 0 {
			msg += " (report-only)"
		}
		return msg
	}
	return fmt.Sprintf("all %d scenario(s) passed", r.Total)
}
