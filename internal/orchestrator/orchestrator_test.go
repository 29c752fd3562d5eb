package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/itharness/internal/history"
	"github.com/loykin/itharness/internal/process"
	"github.com/loykin/itharness/internal/report"
	"github.com/loykin/itharness/internal/scenario"
)

type harness struct {
	j      *journal
	sup    *fakeSupervisor
	prober *fakeProber
	runner *fakeRunner
	out    *bytes.Buffer

	mu          sync.Mutex
	transitions []string
}

func newHarness() *harness {
	j := &journal{}
	return &harness{
		j:      j,
		sup:    newFakeSupervisor(j),
		prober: &fakeProber{j: j, err: map[string]error{}},
		runner: &fakeRunner{j: j},
		out:    &bytes.Buffer{},
	}
}

func (h *harness) orchestrator(opts Options) *Orchestrator {
	opts.Console = report.NewConsole(h.out, report.ConsoleOptions{NoColor: true})
	opts.OnTransition = func(_, to State) {
		h.mu.Lock()
		h.transitions = append(h.transitions, to.String())
		h.mu.Unlock()
	}
	return New(h.sup, h.prober, h.runner, opts)
}

func (h *harness) lastLine() string {
	lines := strings.Split(strings.TrimRight(h.out.String(), "\n"), "\n")
	return lines[len(lines)-1]
}

func twoServices() []process.Spec {
	return []process.Spec{
		{Name: "webhook", Command: "mock", Port: 9090},
		{Name: "api", Command: "api", HealthURL: "http://localhost:8080/health"},
	}
}

func TestRun_AllPass(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness()
	pattern := scenarioDir(t, "b.hurl", "a.hurl", "c.hurl")

	rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: pattern, Variables: map[string]string{"base_url": "http://x"}}).Run(context.Background())

	assert.Equal(t, 0, code)
	assert.Equal(t, report.OutcomePassed, rep.Outcome)
	assert.Equal(t, 3, rep.Total)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, []string{"webhook", "api"}, h.j.with("start:"))
	assert.Equal(t, []string{"api", "webhook"}, h.j.with("stop:"), "reverse start order")
	assert.Equal(t, []string{"a.hurl", "b.hurl", "c.hurl"}, h.j.with("run:"), "lexicographic order")
	assert.Equal(t, []string{
		"starting_services", "waiting_ready", "running_scenarios", "reporting", "cleaning_up", "done",
	}, h.transitions)
	assert.True(t, strings.HasPrefix(h.lastLine(), "PASS:"), h.lastLine())

	// Every scenario sees the same test_id and a fresh scenario_run_id.
	require.Len(t, h.runner.vars, 3)
	seen := map[string]bool{}
	for _, v := range h.runner.vars {
		assert.Equal(t, rep.RunID, v[scenario.VarTestID])
		assert.Equal(t, "http://x", v["base_url"])
		id := v[scenario.VarScenarioRunID]
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate scenario_run_id %s", id)
		seen[id] = true
	}
	assert.Equal(t, []string{"ready", "running"}, h.sup.service("api").states)
}

func TestRun_ScenarioFailure(t *testing.T) {
	for _, tc := range []struct {
		policy FailurePolicy
		code   int
		banner string
	}{
		{PolicyStrict, 1, "FAIL:"},
		{PolicyReportOnly, 0, "PASS:"},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			h := newHarness()
			h.runner.fn = func(_ context.Context, f scenario.File) scenario.Result {
				if f.Name == "b.hurl" {
					return failWith(scenario.FailureAssertion)
				}
				return scenario.Result{Pass: true, Kind: scenario.FailureNone}
			}
			pattern := scenarioDir(t, "a.hurl", "b.hurl", "c.hurl")
			rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: pattern, Policy: tc.policy}).Run(context.Background())

			assert.Equal(t, tc.code, code)
			assert.Equal(t, report.OutcomeFailed, rep.Outcome)
			assert.Equal(t, 3, rep.Total)
			assert.Equal(t, 1, rep.Failed)
			assert.Equal(t, []string{"b.hurl"}, rep.FailedNames)
			assert.Len(t, h.j.with("run:"), 3, "no stop-on-failure: all scenarios run")
			assert.Len(t, h.j.with("stop:"), 2)
			assert.Contains(t, h.out.String(), "assert failed", "stderr of the failure is shown")
			assert.True(t, strings.HasPrefix(h.lastLine(), tc.banner), h.lastLine())
		})
	}
}

func TestRun_StopOnFailure(t *testing.T) {
	h := newHarness()
	h.runner.fn = func(_ context.Context, f scenario.File) scenario.Result {
		if f.Name == "b.hurl" {
			return failWith(scenario.FailureAssertion)
		}
		return scenario.Result{Pass: true}
	}
	pattern := scenarioDir(t, "a.hurl", "b.hurl", "c.hurl", "d.hurl")
	rep, code := h.orchestrator(Options{Pattern: pattern, StopOnFailure: true}).Run(context.Background())

	assert.Equal(t, 1, code)
	assert.Equal(t, []string{"a.hurl", "b.hurl"}, h.j.with("run:"))
	assert.Equal(t, 2, rep.Total)
	assert.Equal(t, []string{"c.hurl", "d.hurl"}, rep.Skipped)
}

func TestRun_ServiceStartFailure(t *testing.T) {
	h := newHarness()
	h.sup.startErr["api"] = errBoom
	pattern := scenarioDir(t, "a.hurl")

	rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: pattern}).Run(context.Background())

	assert.Equal(t, 1, code)
	assert.Equal(t, report.OutcomeSetupFailed, rep.Outcome)
	require.NotNil(t, rep.Setup)
	assert.Equal(t, string(KindServiceStartFailure), rep.Setup.Kind)
	assert.Equal(t, "api", rep.Setup.Service)
	assert.Equal(t, "api boot log", rep.Setup.Output)
	assert.Empty(t, h.j.with("run:"), "no scenario runs after a setup failure")
	assert.Empty(t, h.j.with("probe:"))
	assert.Equal(t, []string{"api", "webhook"}, h.j.with("stop:"), "the failed service is stopped too")
	assert.Equal(t, []string{"failed"}, h.sup.service("api").states)
	assert.Contains(t, h.out.String(), "api boot log")
	assert.Equal(t, []string{"starting_services", "cleaning_up", "done"}, h.transitions)
	assert.True(t, strings.HasPrefix(h.lastLine(), "FAIL:"), h.lastLine())
}

func TestRun_ServiceStartFailureWithoutHandle(t *testing.T) {
	h := newHarness()
	h.sup.startErr["webhook"] = errBoom
	h.sup.noHandle = true

	rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())

	assert.Equal(t, 1, code)
	assert.Equal(t, "webhook", rep.Setup.Service)
	assert.Empty(t, rep.Setup.Output)
	assert.Equal(t, []string{"webhook"}, h.j.with("start:"), "later services are not started")
	assert.Empty(t, h.j.with("stop:"))
}

func TestRun_OutputTimeoutIsReadinessFailure(t *testing.T) {
	h := newHarness()
	h.sup.startErr["webhook"] = process.ErrOutputTimeout

	rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())
	assert.Equal(t, 1, code)
	assert.Equal(t, string(KindReadinessTimeout), rep.Setup.Kind)
}

func TestRun_ReadinessTimeout(t *testing.T) {
	h := newHarness()
	h.prober.err["api"] = errBoom
	rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())

	assert.Equal(t, 1, code)
	require.NotNil(t, rep.Setup)
	assert.Equal(t, string(KindReadinessTimeout), rep.Setup.Kind)
	assert.Equal(t, "api", rep.Setup.Service)
	assert.Empty(t, h.j.with("run:"))
	assert.Equal(t, []string{"api", "webhook"}, h.j.with("stop:"))
	assert.Equal(t, []string{"starting_services", "waiting_ready", "cleaning_up", "done"}, h.transitions)
}

func TestRun_ExitDuringProbeIsStartFailure(t *testing.T) {
	h := newHarness()
	h.prober.err["webhook"] = process.ErrExitedEarly
	rep, _ := h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())
	assert.Equal(t, string(KindServiceStartFailure), rep.Setup.Kind)
}

func TestRun_ReadyBeforeNext(t *testing.T) {
	h := newHarness()
	specs := twoServices()
	specs[0].ReadyBeforeNext = true

	_, code := h.orchestrator(Options{Specs: specs, Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())
	require.Equal(t, 0, code)

	var order []string
	for _, e := range h.j.all() {
		if strings.HasPrefix(e, "start:") || strings.HasPrefix(e, "probe:") {
			order = append(order, e)
		}
	}
	assert.Equal(t, []string{"start:webhook", "probe:webhook", "start:api", "probe:api"}, order)
}

func TestRun_ProbesAfterAllStarted(t *testing.T) {
	h := newHarness()
	_, _ = h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())

	var order []string
	for _, e := range h.j.all() {
		if strings.HasPrefix(e, "start:") || strings.HasPrefix(e, "probe:") {
			order = append(order, e)
		}
	}
	assert.Equal(t, []string{"start:webhook", "start:api", "probe:webhook", "probe:api"}, order)
}

func TestRun_StaleCleanupBeforeStart(t *testing.T) {
	h := newHarness()
	specs := twoServices()
	specs[1].StalePattern = "gleam run"
	_, _ = h.orchestrator(Options{Specs: specs, Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())

	all := h.j.all()
	stale, start := -1, -1
	for i, e := range all {
		switch e {
		case "stale:gleam run":
			stale = i
		case "start:api":
			start = i
		}
	}
	require.NotEqual(t, -1, stale)
	assert.Less(t, stale, start)
}

func TestRun_StaleCleanupPrecedesEveryStart(t *testing.T) {
	h := newHarness()
	specs := twoServices()
	specs[0].StalePattern = "mock"
	specs[1].StalePattern = "api"
	_, _ = h.orchestrator(Options{Specs: specs, Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())

	var order []string
	for _, e := range h.j.all() {
		if strings.HasPrefix(e, "stale:") || strings.HasPrefix(e, "start:") {
			order = append(order, e)
		}
	}
	assert.Equal(t, []string{"stale:mock", "stale:api", "start:webhook", "start:api"}, order)
}

func TestRun_LiveModeSkipsMockOnly(t *testing.T) {
	h := newHarness()
	specs := twoServices()
	specs[0].MockOnly = true

	_, code := h.orchestrator(Options{Specs: specs, Mode: ModeLive, Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"api"}, h.j.with("start:"))

	h = newHarness()
	_, _ = h.orchestrator(Options{Specs: specs, Mode: ModeMock, Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())
	assert.Equal(t, []string{"webhook", "api"}, h.j.with("start:"))
}

func TestRun_SkipServices(t *testing.T) {
	h := newHarness()
	specs := append(twoServices(), process.Spec{Name: "worker", Command: "worker", WaitForOutput: "up"})

	_, code := h.orchestrator(Options{Specs: specs, SkipServices: true, Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())

	assert.Equal(t, 0, code)
	assert.Empty(t, h.j.with("start:"))
	assert.Empty(t, h.j.with("stop:"))
	assert.Equal(t, []string{"webhook(external)", "api(external)"}, h.j.with("probe:"), "only network readiness is probed")
}

func TestRun_SkipServicesUnreachable(t *testing.T) {
	h := newHarness()
	h.prober.err["api"] = errBoom
	rep, code := h.orchestrator(Options{Specs: twoServices(), SkipServices: true, Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())
	assert.Equal(t, 1, code)
	assert.Equal(t, "api", rep.Setup.Service)
	assert.Empty(t, h.j.with("run:"))
}

func TestRun_NoScenarios(t *testing.T) {
	for _, tc := range []struct {
		policy FailurePolicy
		code   int
	}{{PolicyStrict, 1}, {PolicyReportOnly, 0}} {
		h := newHarness()
		rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t), Policy: tc.policy}).Run(context.Background())
		assert.Equal(t, tc.code, code, tc.policy)
		assert.Zero(t, rep.Total)
		assert.Contains(t, h.out.String(), "No scenario files match")
		assert.Len(t, h.j.with("stop:"), 2)
	}
}

func TestRun_BadPattern(t *testing.T) {
	h := newHarness()
	rep, code := h.orchestrator(Options{Pattern: "[invalid"}).Run(context.Background())
	assert.Equal(t, 1, code)
	require.NotNil(t, rep.Setup)
	assert.Equal(t, string(KindScenarioDiscovery), rep.Setup.Kind)
}

func TestRun_Interrupted(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runner.fn = func(ctx context.Context, f scenario.File) scenario.Result {
		if f.Name == "b.hurl" {
			cancel()
			<-ctx.Done()
			return failWith(scenario.FailureInterrupted)
		}
		return scenario.Result{Pass: true}
	}
	pattern := scenarioDir(t, "a.hurl", "b.hurl", "c.hurl")

	rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: pattern, Policy: PolicyReportOnly}).Run(ctx)

	assert.Equal(t, 1, code, "interrupts fail the run under any policy")
	assert.Equal(t, report.OutcomeInterrupted, rep.Outcome)
	assert.Equal(t, []string{"a.hurl", "b.hurl"}, h.j.with("run:"))
	assert.Equal(t, []string{"c.hurl"}, rep.Skipped)
	assert.Equal(t, scenario.FailureInterrupted, rep.Results[1].Kind)
	assert.Equal(t, []string{"api", "webhook"}, h.j.with("stop:"))
	assert.NotContains(t, h.transitions, "reporting")
	assert.Contains(t, h.out.String(), "1 test(s) not run: c.hurl")
	assert.NotContains(t, h.out.String(), "stop-on-failure")
	assert.True(t, strings.HasPrefix(h.lastLine(), "FAIL: interrupted"), h.lastLine())
}

func TestRun_InterruptedBeforeStart(t *testing.T) {
	h := newHarness()
	h.prober.err["webhook"] = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t, "a.hurl")}).Run(ctx)
	assert.Equal(t, 1, code)
	assert.Equal(t, report.OutcomeInterrupted, rep.Outcome)
	assert.Nil(t, rep.Setup)
	assert.Len(t, h.j.with("stop:"), 2)
}

func TestRun_SuiteTimeout(t *testing.T) {
	h := newHarness()
	h.runner.fn = func(ctx context.Context, _ scenario.File) scenario.Result {
		<-ctx.Done()
		return failWith(scenario.FailureInterrupted)
	}
	start := time.Now()
	rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t, "a.hurl", "b.hurl"), SuiteTimeout: 50 * time.Millisecond}).Run(context.Background())

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, code)
	assert.Equal(t, report.OutcomeTimedOut, rep.Outcome)
	assert.Equal(t, []string{"b.hurl"}, rep.Skipped)
	assert.Len(t, h.j.with("stop:"), 2)
	assert.True(t, strings.HasPrefix(h.lastLine(), "FAIL: suite timed out"), h.lastLine())
}

func TestRun_PanicStillCleansUp(t *testing.T) {
	h := newHarness()
	h.runner.fn = func(context.Context, scenario.File) scenario.Result { panic("runner exploded") }

	rep, code := h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t, "a.hurl")}).Run(context.Background())

	assert.Equal(t, 1, code)
	assert.Equal(t, report.OutcomePanicked, rep.Outcome)
	assert.Equal(t, []string{"api", "webhook"}, h.j.with("stop:"))
	assert.True(t, strings.HasPrefix(h.lastLine(), "FAIL:"), h.lastLine())
}

func TestCleanup_Once(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t, "a.hurl")})
	_, _ = o.Run(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Cleanup()
		}()
	}
	wg.Wait()
	assert.Len(t, h.j.with("stop:"), 2)
	assert.Equal(t, StateDone, o.State())
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func TestRun_Artifacts(t *testing.T) {
	h := newHarness()
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "out", "report.json")
	metricsPath := filepath.Join(dir, "itharness.prom")
	sink := &memSink{}

	rep, code := h.orchestrator(Options{
		Specs:       twoServices(),
		Pattern:     scenarioDir(t, "a.hurl", "b.hurl"),
		ReportFile:  reportPath,
		MetricsFile: metricsPath,
		Sinks:       []history.Sink{sink},
	}).Run(context.Background())
	require.Equal(t, 0, code)

	b, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, rep.RunID, got["run_id"])
	assert.EqualValues(t, 2, got["total"])
	assert.Equal(t, "passed", got["outcome"])

	_, err = os.Stat(metricsPath)
	assert.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.events, 3, "one event per scenario plus the run")
}

func TestRun_ArtifactsOnSetupFailure(t *testing.T) {
	h := newHarness()
	h.prober.err["webhook"] = errBoom
	reportPath := filepath.Join(t.TempDir(), "report.yaml")

	_, code := h.orchestrator(Options{Specs: twoServices(), Pattern: scenarioDir(t, "a.hurl"), ReportFile: reportPath}).Run(context.Background())
	require.Equal(t, 1, code)
	b, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "outcome: setup_failed")
	assert.Contains(t, string(b), "ReadinessTimeout")
}
