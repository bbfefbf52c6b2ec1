package retry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TraceEntry is one line of a task's append-only JSONL trace.
type TraceEntry struct {
	Timestamp   time.Time   `json:"timestamp"`
	TaskID      string      `json:"task_id"`
	Kind        string      `json:"kind"`
	Attempt     int         `json:"attempt,omitempty"`
	FailureType FailureType `json:"failure_type,omitempty"`
	Action      Action      `json:"action,omitempty"`
	DelayMs     int         `json:"delay_ms,omitempty"`
	Detail      string      `json:"detail,omitempty"`
}

// TraceWriter appends trace entries to stateDir/traces/<task_id>.jsonl.
// The file is the audit trail referenced by escalation reports; it is
// never truncated or rewritten.
type TraceWriter struct {
	stateDir string
}

// NewTraceWriter creates a trace writer rooted at stateDir.
func NewTraceWriter(stateDir string) *TraceWriter {
	return &TraceWriter{stateDir: stateDir}
}

// Append writes one entry to the task's trace file, creating it and
// its parent directory on first use.
func (w *TraceWriter) Append(taskID string, entry TraceEntry) error {
	entry.TaskID = taskID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	path := TraceFilePath(w.stateDir, taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create traces directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal trace entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write trace entry: %w", err)
	}
	return nil
}
