//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the executor in its own process group so the whole
// tree can be signalled together.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the executor's process group.
func terminateProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the executor's process group.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
