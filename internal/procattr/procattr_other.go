//go:build !linux

// Package procattr configures subprocesses for orphan prevention and
// group-wide signaling.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the child in its own process group. Pdeathsig is unavailable
// off Linux; the group still enables kill -<signal> -<pgid> cleanup.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
