// Package supervisor owns the single executor child process: starting,
// stopping, building and restarting it, and tracking build identity.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/randalmurphal/pmrunner/internal/config"
	pmerrors "github.com/randalmurphal/pmrunner/internal/errors"
	"github.com/randalmurphal/pmrunner/internal/stream"
)

// State is the supervisor's view of the executor process.
type State string

const (
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateBuilding State = "building"
	StateStarting State = "starting"
	StateStopping State = "stopping"
)

// statusTryTimeout bounds how long a status query waits for the
// operation lock before reporting the last known state.
const statusTryTimeout = 100 * time.Millisecond

// Status is a point-in-time snapshot of the executor.
type Status struct {
	State          State  `json:"state"`
	IsRunning      bool   `json:"isRunning"`
	PID            int    `json:"pid,omitempty"`
	UptimeMs       int64  `json:"uptime_ms,omitempty"`
	BuildSHA       string `json:"build_sha,omitempty"`
	BuildTimestamp string `json:"build_timestamp,omitempty"`
}

// RestartResult reports the outcome of a restart.
type RestartResult struct {
	Success   bool       `json:"success"`
	OldPID    int        `json:"oldPid"`
	NewPID    int        `json:"newPid,omitempty"`
	BuildMeta *BuildMeta `json:"buildMeta,omitempty"`
}

// Supervisor manages exactly one executor child process. All mutating
// operations (start, stop, build, restart) are serialized through an
// operation semaphore; the field mutex is only ever held for short
// reads and writes, never across a process wait, so status queries
// stay responsive even during a hung build.
type Supervisor struct {
	cfg      config.ExecutorConfig
	stateDir string
	out      *stream.Log
	logger   *slog.Logger

	ops chan struct{}

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	pid         int
	startedAt   time.Time
	stdin       io.WriteCloser
	lineHandler func(string)
	buildMeta   BuildMeta
	done        chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates a supervisor for the configured executor. Build meta is
// loaded from stateDir if a previous build recorded it.
func New(cfg config.ExecutorConfig, stateDir string, out *stream.Log, opts ...Option) (*Supervisor, error) {
	meta, err := loadBuildMeta(stateDir)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:       cfg,
		stateDir:  stateDir,
		out:       out,
		logger:    slog.Default(),
		ops:       make(chan struct{}, 1),
		state:     StateStopped,
		buildMeta: meta,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() {
	<-s.ops
}

// Status returns a snapshot without waiting on in-flight operations.
// If an operation holds the lock past the try window, the snapshot's
// transitional state (building, stopping, ...) is what gets reported.
func (s *Supervisor) Status() Status {
	select {
	case s.ops <- struct{}{}:
		defer s.release()
	case <-time.After(statusTryTimeout):
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:          s.state,
		IsRunning:      s.state == StateRunning,
		BuildSHA:       s.buildMeta.BuildSHA,
		BuildTimestamp: s.buildMeta.BuildTimestamp,
	}
	if s.pid > 0 {
		st.PID = s.pid
		st.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	return st
}

// BuildMeta returns the current build identity.
func (s *Supervisor) BuildMeta() BuildMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildMeta
}

// PID returns the executor PID, or 0 when stopped.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// SetLineHandler installs the consumer for executor stdout lines.
// Lines arriving with no handler installed land in the output log
// unattributed.
func (s *Supervisor) SetLineHandler(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineHandler = fn
}

// Send writes one line to the executor's stdin.
func (s *Supervisor) Send(line string) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()

	if stdin == nil {
		return pmerrors.ErrRunnerStopped()
	}
	if _, err := io.WriteString(stdin, line+"\n"); err != nil {
		return fmt.Errorf("write to executor: %w", err)
	}
	return nil
}

// Start launches the executor if it is not already running.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setStopped()
		return fmt.Errorf("executor stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setStopped()
		return fmt.Errorf("executor stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setStopped()
		return fmt.Errorf("executor stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.setStopped()
		return pmerrors.ErrExecutorUnavailable(s.cfg.Command).WithCause(err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.stdin = stdin
	s.state = StateRunning
	s.done = done
	s.mu.Unlock()

	s.logger.Info("executor started", "pid", cmd.Process.Pid, "command", s.cfg.Command)

	go s.readStdout(stdout)
	go s.readStderr(stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			s.logger.Warn("executor exited", "pid", cmd.Process.Pid, "error", err)
		} else {
			s.logger.Info("executor exited", "pid", cmd.Process.Pid)
		}
		s.mu.Lock()
		if s.cmd == cmd {
			s.cmd = nil
			s.pid = 0
			s.stdin = nil
			s.state = StateStopped
		}
		s.mu.Unlock()
		close(done)
	}()
	return nil
}

func (s *Supervisor) setStopped() {
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
}

func (s *Supervisor) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		handler := s.lineHandler
		s.mu.Unlock()
		if handler != nil {
			handler(line)
		} else if s.out != nil {
			s.out.Append(stream.Chunk{Stream: stream.KindStdout, Text: line})
		}
	}
}

func (s *Supervisor) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if s.out != nil {
			s.out.Append(stream.Chunk{Stream: stream.KindStderr, Text: scanner.Text()})
		}
	}
}

// Stop terminates the executor: SIGTERM to the process group, wait up
// to StopTimeout, then SIGKILL. Always leaves the supervisor stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	s.mu.Lock()
	pid := s.pid
	done := s.done
	if pid == 0 {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	if err := terminateProcessGroup(pid); err != nil {
		s.logger.Warn("SIGTERM failed", "pid", pid, "error", err)
	}

	stopTimeout := s.cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.logger.Warn("executor ignored SIGTERM, killing", "pid", pid)
		if err := killProcessGroup(pid); err != nil {
			s.logger.Warn("SIGKILL failed", "pid", pid, "error", err)
		}
		<-done
	}

	s.setStopped()
	s.logger.Info("executor stopped", "pid", pid)
	return nil
}

// Build runs the configured build command under a hard timeout. On
// success the build meta is replaced atomically; on failure it is left
// exactly as it was.
func (s *Supervisor) Build(ctx context.Context) (BuildMeta, error) {
	if err := s.acquire(ctx); err != nil {
		return BuildMeta{}, err
	}
	defer s.release()
	return s.buildLocked(ctx)
}

func (s *Supervisor) buildLocked(ctx context.Context) (BuildMeta, error) {
	if s.cfg.BuildCommand == "" {
		return BuildMeta{}, pmerrors.ErrConfigMissing("executor.build_command")
	}

	s.mu.Lock()
	prevState := s.state
	s.state = StateBuilding
	s.mu.Unlock()
	restore := func() {
		s.mu.Lock()
		s.state = prevState
		s.mu.Unlock()
	}

	timeout := s.cfg.BuildTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("executor build started", "command", s.cfg.BuildCommand)
	cmd := exec.CommandContext(buildCtx, "sh", "-c", s.cfg.BuildCommand)
	cmd.Dir = s.cfg.WorkDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		restore()
		s.logger.Error("executor build failed", "error", err)
		return s.BuildMeta(), pmerrors.ErrBuildFailed(string(output)).WithCause(err)
	}

	now := time.Now().UTC()
	meta := BuildMeta{
		BuildSHA:       buildSHA(s.cfg.Command, output, now),
		BuildTimestamp: now.Format(time.RFC3339),
	}
	if err := saveBuildMeta(s.stateDir, meta); err != nil {
		restore()
		return s.BuildMeta(), err
	}

	s.mu.Lock()
	s.buildMeta = meta
	s.state = prevState
	s.mu.Unlock()

	s.logger.Info("executor build succeeded", "build_sha", meta.BuildSHA)
	return meta, nil
}

// RestartOptions controls a restart.
type RestartOptions struct {
	Build bool `json:"build"`
}

// Restart stops the executor, optionally rebuilds it, and starts it
// again. A build failure aborts the restart and leaves the last good
// executable and build meta in place. A successful restart always
// reports a new PID different from the old one.
func (s *Supervisor) Restart(ctx context.Context, opts RestartOptions) (RestartResult, error) {
	if err := s.acquire(ctx); err != nil {
		return RestartResult{}, err
	}
	defer s.release()

	result := RestartResult{OldPID: s.PID()}

	if err := s.stopLocked(); err != nil {
		return result, err
	}

	if opts.Build {
		meta, err := s.buildLocked(ctx)
		if err != nil {
			return result, err
		}
		result.BuildMeta = &meta
	}

	if err := s.startLocked(ctx); err != nil {
		return result, err
	}

	result.NewPID = s.PID()
	if result.NewPID == result.OldPID {
		// A fresh process must have a fresh PID; anything else means
		// the stop did not actually happen.
		return result, fmt.Errorf("restart produced identical pid %d", result.NewPID)
	}
	result.Success = true
	s.logger.Info("executor restarted", "old_pid", result.OldPID, "new_pid", result.NewPID)
	return result, nil
}
