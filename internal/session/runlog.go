package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle of one dev-console command run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
)

// Run is the persisted metadata of one dev-console command invocation.
type Run struct {
	RunID      string     `json:"run_id"`
	Namespace  string     `json:"namespace"`
	Command    string     `json:"command"`
	Status     RunStatus  `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunLogLine is one appended log record for a run.
type RunLogLine struct {
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type runIndex struct {
	RunIDs []string `json:"run_ids"`
}

func (s *Store) runDir(namespace string) string {
	return filepath.Join(s.stateDir, namespace, "devconsole", "cmd")
}

func (s *Store) runPath(namespace, runID string) string {
	return filepath.Join(s.runDir(namespace), runID+".json")
}

func (s *Store) runLogPath(namespace, runID string) string {
	return filepath.Join(s.runDir(namespace), runID+".log.jsonl")
}

func (s *Store) runIndexPath(namespace string) string {
	return filepath.Join(s.runDir(namespace), "index.json")
}

func (s *Store) loadRunIndex(namespace string) (*runIndex, error) {
	data, err := os.ReadFile(s.runIndexPath(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return &runIndex{}, nil
		}
		return nil, fmt.Errorf("read run index: %w", err)
	}
	var idx runIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse run index: %w", err)
	}
	return &idx, nil
}

func (s *Store) saveRunIndex(namespace string, idx *runIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run index: %w", err)
	}
	if err := os.WriteFile(s.runIndexPath(namespace), data, 0644); err != nil {
		return fmt.Errorf("write run index: %w", err)
	}
	return nil
}

func (s *Store) saveRun(run *Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.RunID, err)
	}
	if err := os.WriteFile(s.runPath(run.Namespace, run.RunID), data, 0644); err != nil {
		return fmt.Errorf("write run %s: %w", run.RunID, err)
	}
	return nil
}

// StartRun records a new dev-console run and adds it to the index.
func (s *Store) StartRun(namespace, command string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.runDir(namespace), 0755); err != nil {
		return nil, fmt.Errorf("create devconsole directory: %w", err)
	}

	run := &Run{
		RunID:     uuid.NewString(),
		Namespace: namespace,
		Command:   command,
		Status:    RunRunning,
		StartedAt: s.now().UTC(),
	}
	if err := s.saveRun(run); err != nil {
		return nil, err
	}

	idx, err := s.loadRunIndex(namespace)
	if err != nil {
		return nil, err
	}
	idx.RunIDs = append(idx.RunIDs, run.RunID)
	if err := s.saveRunIndex(namespace, idx); err != nil {
		return nil, err
	}
	return run, nil
}

// AppendRunLog appends one log line to a run's JSONL log.
func (s *Store) AppendRunLog(namespace, runID, stream, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := RunLogLine{Stream: stream, Text: text, Timestamp: s.now().UTC()}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal run log line: %w", err)
	}

	f, err := os.OpenFile(s.runLogPath(namespace, runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// FinishRun marks a run finished with its exit code.
func (s *Store) FinishRun(namespace, runID string, exitCode int) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.loadRun(namespace, runID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	run.Status = RunFinished
	run.ExitCode = &exitCode
	run.FinishedAt = &now
	if err := s.saveRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) loadRun(namespace, runID string) (*Run, error) {
	data, err := os.ReadFile(s.runPath(namespace, runID))
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse run %s: %w", runID, err)
	}
	return &run, nil
}

// Run returns one run's metadata.
func (s *Store) Run(namespace, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRun(namespace, runID)
}

// Runs returns the namespace's run IDs in start order.
func (s *Store) Runs(namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadRunIndex(namespace)
	if err != nil {
		return nil, err
	}
	return idx.RunIDs, nil
}

// RunLog reads back a run's log lines.
func (s *Store) RunLog(namespace, runID string) ([]RunLogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.runLogPath(namespace, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	var lines []RunLogLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line RunLogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}
	return lines, nil
}
