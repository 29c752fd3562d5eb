//go:build windows

package scenario

import "os/exec"

func configureGroupKill(cmd *exec.Cmd) {}
