// Package queue implements the durable task queue for pmrunner.
//
// Tasks are keyed by (namespace, task_id) and move through a closed
// state machine. The QUEUED→RUNNING claim is a compare-and-set on the
// stored status, which is the sole mechanism preventing double
// execution.
package queue

import (
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusQueued           Status = "QUEUED"
	StatusRunning          Status = "RUNNING"
	StatusComplete         Status = "COMPLETE"
	StatusError            Status = "ERROR"
	StatusCancelled        Status = "CANCELLED"
	StatusAwaitingResponse Status = "AWAITING_RESPONSE"
)

// TaskType categorizes a task. It drives write permissions and the
// timeout profile used for the executor deadline.
type TaskType string

const (
	TaskTypeReadInfo       TaskType = "READ_INFO"
	TaskTypeImplementation TaskType = "IMPLEMENTATION"
	TaskTypeReport         TaskType = "REPORT"
)

// allowedTransitions is the closed transition table. Anything not
// listed fails with an InvalidTransition error and leaves the record
// unchanged.
var allowedTransitions = map[Status][]Status{
	StatusQueued:           {StatusRunning, StatusCancelled},
	StatusRunning:          {StatusComplete, StatusError, StatusCancelled, StatusAwaitingResponse},
	StatusAwaitingResponse: {StatusQueued, StatusRunning, StatusCancelled, StatusError},
	StatusComplete:         {},
	StatusError:            {},
	StatusCancelled:        {},
}

// CanTransition reports whether from→to is an allowed status change.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status accepts no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Message is one entry of a task's conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is an append-only progress event attached to a task.
// Events survive terminal states; they are the one write a COMPLETE,
// ERROR or CANCELLED task still accepts.
type Event struct {
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Clarification is the payload attached when the executor needs input
// from the user before it can continue.
type Clarification struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Context  string   `json:"context,omitempty"`
}

// Task is a durable queue record.
type Task struct {
	Namespace           string         `json:"namespace"`
	TaskID              string         `json:"task_id"`
	TaskGroupID         string         `json:"task_group_id"`
	SessionID           string         `json:"session_id"`
	Status              Status         `json:"status"`
	TaskType            TaskType       `json:"task_type"`
	ColorTag            string         `json:"color_tag,omitempty"`
	Prompt              string         `json:"prompt"`
	Output              string         `json:"output,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	Clarification       *Clarification `json:"clarification,omitempty"`
	ConversationHistory []Message      `json:"conversation_history,omitempty"`
	Events              []Event        `json:"events,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// RunnerStatus is the lifecycle state of a runner record.
type RunnerStatus string

const (
	RunnerRunning RunnerStatus = "RUNNING"
	RunnerStopped RunnerStatus = "STOPPED"
)

// Runner is a heartbeat record for one dispatcher process.
type Runner struct {
	Namespace     string       `json:"namespace"`
	RunnerID      string       `json:"runner_id"`
	Status        RunnerStatus `json:"status"`
	ProjectRoot   string       `json:"project_root,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// Alive reports whether the runner heartbeat is fresh enough.
func (r *Runner) Alive(now time.Time, heartbeatTimeout time.Duration) bool {
	return r.Status == RunnerRunning && now.Sub(r.LastHeartbeat) < heartbeatTimeout
}
