package scenario

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require /bin/sh")
	}
}

// fakeHurl writes an executable that echoes its argv and then sources the
// scenario file (its last argument) as a shell script.
func fakeHurl(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hurl")
	script := "#!/bin/sh\nfor a; do f=$a; done\necho \"argv: $*\"\n. \"$f\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeScenario(t *testing.T, dir, name, body string) File {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return File{Path: p, Name: name}
}

func testConfig(t *testing.T) Config {
	return Config{
		Command:   fakeHurl(t),
		Timeout:   5 * time.Second,
		Retry:     RetryPolicy{Retries: 2, Interval: 10 * time.Millisecond},
		Verbosity: VerbosityNone,
	}
}

func TestDiscoverSortsLexicographically(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"c.hurl", "a.hurl", "b.hurl", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o644))
	}
	files, err := Discover(filepath.Join(dir, "*.hurl"))
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, []string{"a.hurl", "b.hurl", "c.hurl"}, []string{files[0].Name, files[1].Name, files[2].Name})
	assert.Equal(t, filepath.Join(dir, "a.hurl"), files[0].Path)

	again, err := Discover(filepath.Join(dir, "*.hurl"))
	require.NoError(t, err)
	assert.Equal(t, files, again)
}

func TestDiscoverBadPatternAndEmpty(t *testing.T) {
	_, err := Discover("[")
	require.Error(t, err)

	files, err := Discover(filepath.Join(t.TempDir(), "*.hurl"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestVariablesArgsSortedAndWithCopies(t *testing.T) {
	v := Variables{"TRACKTAGS_URL": "http://localhost:8080", "ADMIN_SECRET_KEY": "k"}
	w := v.With(VarTestID, "42")
	assert.NotContains(t, v, VarTestID)
	assert.Equal(t, []string{
		"--variable", "ADMIN_SECRET_KEY=k",
		"--variable", "TRACKTAGS_URL=http://localhost:8080",
		"--variable", "test_id=42",
	}, w.Args())
}

func TestIDGeneratorNeverRepeats(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	g := &IDGenerator{now: func() time.Time { return fixed }}
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := g.Next()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	first := &IDGenerator{now: func() time.Time { return fixed }}
	assert.Equal(t, "1700000000000", first.Next())
	assert.Equal(t, "1700000000001", first.Next())

	// Separate generators (separate runs) diverge once the clock advances.
	a := NewIDGenerator().Next()
	time.Sleep(2 * time.Millisecond)
	assert.NotEqual(t, a, NewIDGenerator().Next())
}

func TestArgsNativeRetryAndVerbosity(t *testing.T) {
	r := NewRunner(Config{
		Retry:     RetryPolicy{Retries: 3, Interval: 2 * time.Second, Native: true},
		Verbosity: VerbosityVeryVerbose,
	}, nil)
	args := r.Args(File{Path: "t/a.hurl", Name: "a.hurl"}, Variables{"test_id": "1"})
	assert.Equal(t, []string{
		"--test", "--retry", "3", "--retry-interval", "2000", "--very-verbose",
		"--variable", "test_id=1", "t/a.hurl",
	}, args)

	r = NewRunner(Config{Retry: RetryPolicy{Retries: 3}, Verbosity: VerbosityVerbose, ExtraArgs: []string{"--color"}}, nil)
	args = r.Args(File{Path: "a.hurl"}, nil)
	assert.Equal(t, []string{"--test", "--verbose", "--color", "a.hurl"}, args)
}

func TestRunPassCapturesOutput(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	f := writeScenario(t, dir, "ok.hurl", "echo to-stderr 1>&2\nexit 0\n")
	res := NewRunner(testConfig(t), nil).Run(context.Background(), f, Variables{VarTestID: "77", VarScenarioRunID: "78"})
	assert.True(t, res.Pass)
	assert.Equal(t, FailureNone, res.Kind)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "78", res.RunID)
	assert.Contains(t, res.Stdout, "--variable test_id=77")
	assert.Contains(t, res.Stderr, "to-stderr")
	assert.Equal(t, "ok.hurl", res.Name)
}

func TestRunAssertionFailureNotRetried(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	f := writeScenario(t, dir, "b.hurl", "echo 'assert failed'\nexit 4\n")
	res := NewRunner(testConfig(t), nil).Run(context.Background(), f, nil)
	assert.False(t, res.Pass)
	assert.Equal(t, FailureAssertion, res.Kind)
	assert.Equal(t, 4, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Stdout, "assert failed")
}

func TestRunRetriesRuntimeErrorUntilSuccess(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	body := "n=$(cat " + counter + " 2>/dev/null || echo 0)\nn=$((n+1))\necho $n > " + counter + "\n[ $n -lt 3 ] && exit 3\nexit 0\n"
	f := writeScenario(t, dir, "flaky.hurl", body)
	res := NewRunner(testConfig(t), nil).Run(context.Background(), f, nil)
	assert.True(t, res.Pass, res.Stdout)
	assert.Equal(t, 3, res.Attempts)
}

func TestRunRetriesExhausted(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	f := writeScenario(t, dir, "down.hurl", "exit 3\n")
	res := NewRunner(testConfig(t), nil).Run(context.Background(), f, nil)
	assert.False(t, res.Pass)
	assert.Equal(t, FailureAssertion, res.Kind)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, 3, res.Attempts)
}

func TestRunNativeRetryInvokesOnce(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	f := writeScenario(t, dir, "down.hurl", "exit 3\n")
	cfg := testConfig(t)
	cfg.Retry.Native = true
	res := NewRunner(cfg, nil).Run(context.Background(), f, nil)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Stdout, "--retry 2 --retry-interval 10")
}

func TestRunMissingCommandIsInvocationFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Command = filepath.Join(dir, "no-such-hurl")
	res := NewRunner(cfg, nil).Run(context.Background(), File{Path: "x.hurl", Name: "x.hurl"}, nil)
	assert.False(t, res.Pass)
	assert.Equal(t, FailureInvocation, res.Kind)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, 3, res.Attempts)
	assert.NotEmpty(t, res.Err)
}

func TestRunTimeout(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	f := writeScenario(t, dir, "slow.hurl", "sleep 30\n")
	cfg := testConfig(t)
	cfg.Timeout = 300 * time.Millisecond
	start := time.Now()
	res := NewRunner(cfg, nil).Run(context.Background(), f, nil)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.Pass)
	assert.Equal(t, FailureTimeout, res.Kind)
	assert.True(t, strings.Contains(res.Err, "exceeded"))
}

func TestRunInterrupted(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	f := writeScenario(t, dir, "slow.hurl", "sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	start := time.Now()
	res := NewRunner(testConfig(t), nil).Run(ctx, f, nil)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, FailureInterrupted, res.Kind)
	assert.False(t, res.Pass)
}
