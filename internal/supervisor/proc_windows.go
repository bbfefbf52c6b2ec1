//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

// Windows has no process groups in the Unix sense; signal the process
// directly. Kill is the only reliable termination.
func terminateProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func killProcessGroup(pid int) error {
	return terminateProcessGroup(pid)
}
