//go:build !windows

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/randalmurphal/pmrunner/internal/config"
	pmerrors "github.com/randalmurphal/pmrunner/internal/errors"
	"github.com/randalmurphal/pmrunner/internal/stream"
)

func newTestSupervisor(t *testing.T, cfg config.ExecutorConfig) *Supervisor {
	t.Helper()
	out := stream.NewLog("S-1", 1000)
	s, err := New(cfg, t.TempDir(), out)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
	})
	return s
}

func TestStartStopLifecycle(t *testing.T) {
	s := newTestSupervisor(t, config.ExecutorConfig{
		Command:     "sleep",
		Args:        []string{"60"},
		StopTimeout: 5 * time.Second,
	})
	ctx := context.Background()

	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("initial state = %s", st.State)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := s.Status()
	if st.State != StateRunning || !st.IsRunning {
		t.Errorf("state after start = %s", st.State)
	}
	if st.PID <= 0 {
		t.Errorf("pid = %d", st.PID)
	}

	// Idempotent start.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st = s.Status()
	if st.State != StateStopped || st.PID != 0 {
		t.Errorf("state after stop = %+v", st)
	}

	// Stopping a stopped executor is a no-op.
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStartUnknownCommand(t *testing.T) {
	s := newTestSupervisor(t, config.ExecutorConfig{Command: "definitely-not-a-binary-xyz"})

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	re := pmerrors.AsRunnerError(err)
	if re == nil || re.Code != pmerrors.CodeExecutorUnavailable {
		t.Errorf("expected EXECUTOR_UNAVAILABLE, got %v", err)
	}
	if st := s.Status(); st.State != StateStopped {
		t.Errorf("state after failed start = %s", st.State)
	}
}

func TestBuildUpdatesMetaAtomically(t *testing.T) {
	s := newTestSupervisor(t, config.ExecutorConfig{
		Command:      "sleep",
		BuildCommand: "echo building",
		BuildTimeout: 30 * time.Second,
	})
	ctx := context.Background()

	meta, err := s.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(meta.BuildSHA) != 12 {
		t.Errorf("build_sha = %q, want 12 hex chars", meta.BuildSHA)
	}
	if meta.BuildTimestamp == "" {
		t.Error("build_timestamp missing")
	}

	st := s.Status()
	if st.BuildSHA != meta.BuildSHA {
		t.Errorf("status build_sha = %q, want %q", st.BuildSHA, meta.BuildSHA)
	}

	// Meta survives a supervisor restart via build-meta.json.
	reloaded, err := New(s.cfg, s.stateDir, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.BuildMeta() != meta {
		t.Errorf("persisted meta = %+v, want %+v", reloaded.BuildMeta(), meta)
	}
}

func TestBuildFailureLeavesMetaUntouched(t *testing.T) {
	s := newTestSupervisor(t, config.ExecutorConfig{
		Command:      "sleep",
		BuildCommand: "echo building",
		BuildTimeout: 30 * time.Second,
	})
	ctx := context.Background()

	good, err := s.Build(ctx)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}

	s.cfg.BuildCommand = "echo broken >&2; exit 1"
	_, err = s.Build(ctx)
	if err == nil {
		t.Fatal("expected build failure")
	}
	re := pmerrors.AsRunnerError(err)
	if re == nil || re.Code != pmerrors.CodeBuildFailed {
		t.Errorf("expected BUILD_FAILED, got %v", err)
	}

	if s.BuildMeta() != good {
		t.Errorf("failed build changed meta: %+v", s.BuildMeta())
	}
	if st := s.Status(); st.State != StateStopped {
		t.Errorf("state after failed build = %s", st.State)
	}
}

func TestRestartChangesPID(t *testing.T) {
	s := newTestSupervisor(t, config.ExecutorConfig{
		Command:     "sleep",
		Args:        []string{"60"},
		StopTimeout: 5 * time.Second,
	})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	oldPID := s.PID()

	res, err := s.Restart(ctx, RestartOptions{})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !res.Success {
		t.Error("restart must report success")
	}
	if res.OldPID != oldPID {
		t.Errorf("old pid = %d, want %d", res.OldPID, oldPID)
	}
	if res.NewPID == 0 || res.NewPID == oldPID {
		t.Errorf("new pid = %d must differ from old %d", res.NewPID, oldPID)
	}
}

func TestRestartWithFailingBuildPreservesState(t *testing.T) {
	s := newTestSupervisor(t, config.ExecutorConfig{
		Command:      "sleep",
		Args:         []string{"60"},
		BuildCommand: "exit 1",
		StopTimeout:  5 * time.Second,
		BuildTimeout: 30 * time.Second,
	})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	metaBefore := s.BuildMeta()

	res, err := s.Restart(ctx, RestartOptions{Build: true})
	if err == nil {
		t.Fatal("expected restart to fail on build")
	}
	if res.Success {
		t.Error("failed restart must not report success")
	}
	if s.BuildMeta() != metaBefore {
		t.Error("failed build during restart changed meta")
	}
}

func TestSendWhenStopped(t *testing.T) {
	s := newTestSupervisor(t, config.ExecutorConfig{Command: "sleep"})

	err := s.Send("hello")
	re := pmerrors.AsRunnerError(err)
	if re == nil || re.Code != pmerrors.CodeRunnerStopped {
		t.Errorf("expected RUNNER_STOPPED, got %v", err)
	}
}

func TestStdoutLinesReachHandler(t *testing.T) {
	s := newTestSupervisor(t, config.ExecutorConfig{
		Command:     "sh",
		Args:        []string{"-c", "echo one; echo two; sleep 60"},
		StopTimeout: 5 * time.Second,
	})

	lines := make(chan string, 10)
	s.SetLineHandler(func(line string) { lines <- line })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("line = %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestPreflight(t *testing.T) {
	s := newTestSupervisor(t, config.ExecutorConfig{Command: "sleep"})

	report := s.Preflight()
	if !report.Ready {
		t.Errorf("preflight not ready: %+v", report.Checks)
	}

	s.cfg.Command = "definitely-not-a-binary-xyz"
	report = s.Preflight()
	if report.Ready {
		t.Error("preflight must fail for a missing executor")
	}
}
