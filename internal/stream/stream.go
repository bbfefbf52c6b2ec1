// Package stream holds the in-memory, bounded, append-only log of
// executor output and its fan-out to subscribers.
package stream

import (
	"log/slog"
	"sync"
	"time"
)

// Kind is the origin of an output chunk.
type Kind string

const (
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	KindSystem Kind = "system"
	KindError  Kind = "error"
)

// Chunk is one piece of executor output. Sequence is strictly
// increasing per process; chunks are never mutated after append.
type Chunk struct {
	Sequence      int64     `json:"sequence"`
	SessionID     string    `json:"session_id"`
	TaskID        string    `json:"task_id,omitempty"`
	TaskCreatedAt time.Time `json:"task_created_at,omitempty"`
	Stream        Kind      `json:"stream"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
}

// Subscriber receives chunks in sequence order. Callbacks run outside
// the log's lock; a panicking subscriber is isolated from the others.
type Subscriber func(Chunk)

type subscription struct {
	id int64
	fn Subscriber
}

// Log is a single-producer-many-consumer output log. One executor
// reader appends; SSE handlers and tests read copies.
type Log struct {
	mu        sync.Mutex
	maxChunks int
	sessionID string
	seq       int64
	chunks    []Chunk
	subs      []subscription
	nextSubID int64
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the log's logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) { lg.logger = l }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(lg *Log) { lg.now = now }
}

// NewLog creates a bounded output log for one runner session.
func NewLog(sessionID string, maxChunks int, opts ...Option) *Log {
	l := &Log{
		maxChunks: maxChunks,
		sessionID: sessionID,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores a chunk, assigns its sequence and notifies every
// subscriber in registration order. Returns the stored chunk.
func (l *Log) Append(c Chunk) Chunk {
	l.mu.Lock()
	l.seq++
	c.Sequence = l.seq
	c.SessionID = l.sessionID
	if c.Timestamp.IsZero() {
		c.Timestamp = l.now().UTC()
	}
	l.chunks = append(l.chunks, c)
	if l.maxChunks > 0 && len(l.chunks) > l.maxChunks {
		// FIFO eviction. Copy down so the backing array does not pin
		// evicted chunks.
		n := copy(l.chunks, l.chunks[len(l.chunks)-l.maxChunks:])
		l.chunks = l.chunks[:n]
	}
	subs := make([]subscription, len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, s := range subs {
		l.notify(s, c)
	}
	return c
}

func (l *Log) notify(s subscription, c Chunk) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("output subscriber panicked", "subscriber", s.id, "panic", r)
		}
	}()
	s.fn(c)
}

// Subscribe registers a subscriber and returns its unsubscribe func.
func (l *Log) Subscribe(fn Subscriber) func() {
	l.mu.Lock()
	l.nextSubID++
	id := l.nextSubID
	l.subs = append(l.subs, subscription{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
	}
}

// GetAll returns a copy of every retained chunk.
func (l *Log) GetAll() []Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Chunk(nil), l.chunks...)
}

// GetRecent returns a copy of the newest n chunks.
func (l *Log) GetRecent(n int) []Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.chunks) {
		n = len(l.chunks)
	}
	return append([]Chunk(nil), l.chunks[len(l.chunks)-n:]...)
}

// GetByTaskID returns all retained chunks carrying the task ID.
func (l *Log) GetByTaskID(taskID string) []Chunk {
	return l.filter(func(c Chunk) bool { return c.TaskID == taskID })
}

// GetByTaskIDFiltered returns the task's chunks with stale output
// dropped: a chunk whose task_created_at precedes taskCreatedAt came
// from an earlier task that reused the ID. Chunks without a
// task_created_at are dropped too when a filter time is given — when
// in doubt, drop.
func (l *Log) GetByTaskIDFiltered(taskID string, taskCreatedAt time.Time) []Chunk {
	if taskCreatedAt.IsZero() {
		return l.GetByTaskID(taskID)
	}
	return l.filter(func(c Chunk) bool {
		return c.TaskID == taskID && !Stale(c, taskID, taskCreatedAt)
	})
}

// Stale reports whether a chunk is stale output relative to the
// current task context.
func Stale(c Chunk, currentTaskID string, currentTaskCreatedAt time.Time) bool {
	if c.TaskID != currentTaskID || currentTaskCreatedAt.IsZero() {
		return false
	}
	if c.TaskCreatedAt.IsZero() {
		return true
	}
	return c.TaskCreatedAt.Before(currentTaskCreatedAt)
}

// GetSince returns all retained chunks with sequence > since. Getting
// fewer chunks than expected means eviction ran.
func (l *Log) GetSince(since int64) []Chunk {
	return l.filter(func(c Chunk) bool { return c.Sequence > since })
}

// Clear drops all retained chunks. The sequence counter keeps going.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chunks = nil
}

// ClearTask drops all retained chunks for one task.
func (l *Log) ClearTask(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.chunks[:0]
	for _, c := range l.chunks {
		if c.TaskID != taskID {
			kept = append(kept, c)
		}
	}
	l.chunks = kept
}

// ActiveTasks returns the distinct task IDs in the log, in first-seen
// order.
func (l *Log) ActiveTasks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	var tasks []string
	for _, c := range l.chunks {
		if c.TaskID != "" && !seen[c.TaskID] {
			seen[c.TaskID] = true
			tasks = append(tasks, c.TaskID)
		}
	}
	return tasks
}

// SubscriberCount returns the number of registered subscribers.
func (l *Log) SubscriberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// SessionID returns the session this log belongs to.
func (l *Log) SessionID() string {
	return l.sessionID
}

func (l *Log) filter(keep func(Chunk) bool) []Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Chunk
	for _, c := range l.chunks {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
