package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loykin/itharness/internal/process"
	"github.com/loykin/itharness/internal/scenario"
)

// journal records calls across fakes so tests can assert global ordering.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) with(prefix string) []string {
	var out []string
	for _, e := range j.all() {
		if len(e) > len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e[len(prefix):])
		}
	}
	return out
}

type fakeService struct {
	name   string
	output string

	mu     sync.Mutex
	exited bool
	states []string
}

func (s *fakeService) Name() string   { return s.name }
func (s *fakeService) Output() string { return s.output }
func (s *fakeService) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}
func (s *fakeService) mark(st string) error {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
	return nil
}
func (s *fakeService) MarkReady() error   { return s.mark("ready") }
func (s *fakeService) MarkRunning() error { return s.mark("running") }
func (s *fakeService) MarkFailed() error  { return s.mark("failed") }

type fakeSupervisor struct {
	j *journal
	// startErr makes Start fail for the named service; the handle is still
	// returned, like a process that launched and then died.
	startErr map[string]error
	// noHandle makes a failing Start return no service at all.
	noHandle bool

	mu   sync.Mutex
	svcs map[string]*fakeService
}

func newFakeSupervisor(j *journal) *fakeSupervisor {
	return &fakeSupervisor{j: j, startErr: map[string]error{}, svcs: map[string]*fakeService{}}
}

func (f *fakeSupervisor) Start(_ context.Context, spec process.Spec) (Service, error) {
	f.j.add("start:%s", spec.Name)
	if err, ok := f.startErr[spec.Name]; ok && f.noHandle {
		return nil, err
	}
	svc := &fakeService{name: spec.Name, output: spec.Name + " boot log"}
	f.mu.Lock()
	f.svcs[spec.Name] = svc
	f.mu.Unlock()
	return svc, f.startErr[spec.Name]
}

func (f *fakeSupervisor) Stop(svc Service) error {
	f.j.add("stop:%s", svc.Name())
	return nil
}

func (f *fakeSupervisor) CleanupStale(pattern string) int {
	f.j.add("stale:%s", pattern)
	return 0
}

func (f *fakeSupervisor) service(name string) *fakeService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.svcs[name]
}

type fakeProber struct {
	j   *journal
	err map[string]error
}

func (p *fakeProber) Probe(_ context.Context, spec process.Spec, svc Service) error {
	if svc == nil {
		p.j.add("probe:%s(external)", spec.Name)
	} else {
		p.j.add("probe:%s", spec.Name)
	}
	return p.err[spec.Name]
}

type fakeRunner struct {
	j *journal
	// fn decides the outcome per scenario name; nil means pass.
	fn func(ctx context.Context, f scenario.File) scenario.Result

	mu   sync.Mutex
	vars []scenario.Variables
}

func (r *fakeRunner) Run(ctx context.Context, f scenario.File, vars scenario.Variables) scenario.Result {
	r.j.add("run:%s", f.Name)
	r.mu.Lock()
	r.vars = append(r.vars, vars)
	r.mu.Unlock()
	if r.fn != nil {
		res := r.fn(ctx, f)
		res.Name, res.Path = f.Name, f.Path
		return res
	}
	return scenario.Result{Name: f.Name, Path: f.Path, Pass: true, Kind: scenario.FailureNone, Attempts: 1}
}

func failWith(kind scenario.FailureKind) scenario.Result {
	return scenario.Result{Pass: false, Kind: kind, ExitCode: 4, Attempts: 1, Stderr: "assert failed"}
}

// scenarioDir creates empty scenario files and returns their glob pattern.
func scenarioDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("GET http://localhost\n"), 0o644))
	}
	return filepath.Join(dir, "*.hurl")
}

var errBoom = errors.New("boom")
