package executor

import (
	"sync"
	"time"
)

// Category classifies supervisor log entries.
type Category string

const (
	CategoryTaskTypeDetection Category = "TASK_TYPE_DETECTION"
	CategoryWritePermission   Category = "WRITE_PERMISSION"
	CategoryGuardDecision     Category = "GUARD_DECISION"
	CategoryRetryResume       Category = "RETRY_RESUME"
	CategoryTemplateSelection Category = "TEMPLATE_SELECTION"
	CategoryExecutionStart    Category = "EXECUTION_START"
	CategoryExecutionEnd      Category = "EXECUTION_END"
	CategoryValidation        Category = "VALIDATION"
	CategoryError             Category = "ERROR"
)

// SupLogEntry is one supervisor decision record.
type SupLogEntry struct {
	Sequence  int64     `json:"sequence"`
	Category  Category  `json:"category"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SupLog is a bounded in-memory log of supervisor decisions, the
// counterpart of the executor output log for control-plane reasoning.
type SupLog struct {
	mu      sync.Mutex
	max     int
	seq     int64
	entries []SupLogEntry
	now     func() time.Time
}

// NewSupLog creates a supervisor log retaining up to max entries.
func NewSupLog(max int) *SupLog {
	return &SupLog{max: max, now: time.Now}
}

// Append records one entry.
func (l *SupLog) Append(category Category, taskID, message string) SupLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	entry := SupLogEntry{
		Sequence:  l.seq,
		Category:  category,
		TaskID:    taskID,
		Message:   message,
		Timestamp: l.now().UTC(),
	}
	l.entries = append(l.entries, entry)
	if l.max > 0 && len(l.entries) > l.max {
		n := copy(l.entries, l.entries[len(l.entries)-l.max:])
		l.entries = l.entries[:n]
	}
	return entry
}

// GetRecent returns a copy of the newest n entries.
func (l *SupLog) GetRecent(n int) []SupLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	return append([]SupLogEntry(nil), l.entries[len(l.entries)-n:]...)
}

// GetByTaskID returns all retained entries for one task.
func (l *SupLog) GetByTaskID(taskID string) []SupLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SupLogEntry
	for _, e := range l.entries {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// GetSince returns entries with sequence > since.
func (l *SupLog) GetSince(since int64) []SupLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SupLogEntry
	for _, e := range l.entries {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out
}
