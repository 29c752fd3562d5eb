package process

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/itharness/internal/logger"
)

// Defaults applied when a Spec leaves the field zero.
const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultStopGrace    = 3 * time.Second
	DefaultHost         = "localhost"
)

// Spec describes one managed dependency of the test run.
// It is a value type: the supervisor copies it into the Handle at start.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`  // command to start the service (shell-aware)
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // KEY=VALUE overlay on top of the harness environment

	// Readiness. Any combination may be set; all configured checks must pass.
	Host          string `json:"host"`            // host for the port check (default localhost)
	Port          int    `json:"port"`            // TCP port that accepts connections once ready
	HealthURL     string `json:"health_url"`      // GET endpoint answering 2xx once ready
	ExpectStatus  int    `json:"expect_status"`   // exact status for HealthURL instead of any 2xx
	ReadyCommand  string `json:"ready_command"`   // command exiting 0 once ready
	WaitForOutput string `json:"wait_for_output"` // substring of the combined output signalling readiness

	ReadyTimeout time.Duration `json:"ready_timeout"` // bound for every readiness signal
	StartupGrace time.Duration `json:"startup_grace"` // the process must survive this long after launch
	StopGrace    time.Duration `json:"stop_grace"`    // SIGTERM -> SIGKILL escalation delay

	StalePattern    string `json:"stale_pattern"`     // command-line substring of leftovers to kill before start
	MockOnly        bool   `json:"mock_only"`         // only started in mock mode
	ReadyBeforeNext bool   `json:"ready_before_next"` // probe before launching the next service

	Log logger.FileConfig `json:"log"`
}

// Validate reports configuration errors that would make the spec unusable.
func (s Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\") {
		return fmt.Errorf("service %q: name contains whitespace or path separators", name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %q requires command", name)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("service %q: port %d out of range", name, s.Port)
	}
	if s.ReadyTimeout < 0 || s.StartupGrace < 0 || s.StopGrace < 0 {
		return fmt.Errorf("service %q: durations cannot be negative", name)
	}
	for i, kv := range s.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("service %q: env[%d] %q must be KEY=VALUE", name, i, kv)
		}
	}
	return nil
}

// HasNetworkReadiness reports whether the spec can be probed without owning
// the process (port, health URL or command).
func (s Spec) HasNetworkReadiness() bool {
	return s.Port > 0 || s.HealthURL != "" || s.ReadyCommand != ""
}

func (s Spec) readyTimeout() time.Duration {
	if s.ReadyTimeout <= 0 {
		return DefaultReadyTimeout
	}
	return s.ReadyTimeout
}

func (s Spec) stopGrace() time.Duration {
	if s.StopGrace <= 0 {
		return DefaultStopGrace
	}
	return s.StopGrace
}

// BuildCommand constructs an *exec.Cmd for s.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script verbatim, with one pair of wrapping quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
