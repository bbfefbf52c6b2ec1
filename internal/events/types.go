// Package events provides the activity event types and in-process
// publishing infrastructure for pmrunner.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type defines the kind of activity event.
type Type string

const (
	// TypeTaskEnqueued indicates a task entered the queue.
	TypeTaskEnqueued Type = "task_enqueued"
	// TypeTaskStatus indicates a task status transition.
	TypeTaskStatus Type = "task_status"
	// TypeRetry indicates the retry engine scheduled another attempt.
	TypeRetry Type = "retry"
	// TypeEscalation indicates a task was handed back to the user.
	TypeEscalation Type = "escalation"
	// TypeClarification indicates the executor asked the user a question.
	TypeClarification Type = "clarification"
	// TypeOutput indicates executor output is flowing.
	TypeOutput Type = "output"
	// TypeBuild indicates an executor build started or finished.
	TypeBuild Type = "build"
	// TypeRunner indicates runner lifecycle changes (start, stop, heartbeat loss).
	TypeRunner Type = "runner"
	// TypeError indicates a non-task infrastructure error.
	TypeError Type = "error"
)

// Importance ranks how prominently an event should surface.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// ActivityEvent is one append-only entry in the activity feed. Events
// are never mutated after publication.
type ActivityEvent struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"orgId"`
	Type       Type       `json:"type"`
	ProjectID  string     `json:"projectId,omitempty"`
	SessionID  string     `json:"sessionId,omitempty"`
	TaskID     string     `json:"taskId,omitempty"`
	Summary    string     `json:"summary"`
	Importance Importance `json:"importance"`
	Details    any        `json:"details,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// New creates an activity event with a fresh ID and timestamp.
func New(eventType Type, orgID, summary string) ActivityEvent {
	return ActivityEvent{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		Type:       eventType,
		Summary:    summary,
		Importance: ImportanceNormal,
		Timestamp:  time.Now().UTC(),
	}
}

// StatusChange is the details payload for task_status events.
type StatusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RetryDetails is the details payload for retry events.
type RetryDetails struct {
	FailureType string `json:"failure_type"`
	Attempt     int    `json:"attempt"`
	DelayMs     int    `json:"delay_ms"`
}

// BuildDetails is the details payload for build events.
type BuildDetails struct {
	Success        bool   `json:"success"`
	BuildSHA       string `json:"build_sha,omitempty"`
	BuildTimestamp string `json:"build_timestamp,omitempty"`
}
