package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Check is one preflight verification.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// PreflightReport summarizes whether the runner can execute tasks.
type PreflightReport struct {
	Ready  bool    `json:"ready"`
	Checks []Check `json:"checks"`
}

// Preflight verifies the executor command resolves, the working
// directory exists and the state directory is writable.
func (s *Supervisor) Preflight() PreflightReport {
	var checks []Check

	executorCheck := Check{Name: "executor_command", OK: true, Detail: s.cfg.Command}
	if _, err := exec.LookPath(s.cfg.Command); err != nil {
		executorCheck.OK = false
		executorCheck.Detail = fmt.Sprintf("%q not found in PATH", s.cfg.Command)
	}
	checks = append(checks, executorCheck)

	if s.cfg.WorkDir != "" {
		workDirCheck := Check{Name: "work_dir", OK: true, Detail: s.cfg.WorkDir}
		if info, err := os.Stat(s.cfg.WorkDir); err != nil || !info.IsDir() {
			workDirCheck.OK = false
			workDirCheck.Detail = fmt.Sprintf("%q is not a directory", s.cfg.WorkDir)
		}
		checks = append(checks, workDirCheck)
	}

	stateCheck := Check{Name: "state_dir", OK: true, Detail: s.stateDir}
	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		stateCheck.OK = false
		stateCheck.Detail = err.Error()
	} else {
		probe := filepath.Join(s.stateDir, ".preflight")
		if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
			stateCheck.OK = false
			stateCheck.Detail = fmt.Sprintf("not writable: %v", err)
		} else {
			os.Remove(probe)
		}
	}
	checks = append(checks, stateCheck)

	buildCheck := Check{Name: "build_command", OK: true}
	if s.cfg.BuildCommand == "" {
		buildCheck.Detail = "not configured; builds disabled"
	} else {
		buildCheck.Detail = s.cfg.BuildCommand
	}
	checks = append(checks, buildCheck)

	report := PreflightReport{Ready: true, Checks: checks}
	for _, c := range checks {
		if !c.OK {
			report.Ready = false
		}
	}
	return report
}
