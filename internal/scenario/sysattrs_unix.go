//go:build !windows

package scenario

import (
	"os/exec"
	"syscall"
)

// configureGroupKill runs the command in its own process group and makes
// context cancellation kill the whole group.
func configureGroupKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
