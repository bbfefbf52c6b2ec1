package retry

import (
	"fmt"
	"path/filepath"
	"time"
)

// EscalationReasonType categorizes why a task was handed back to the
// human. UNCLASSIFIED is the fail-closed bucket for failures that fit
// no other reason; it is surfaced explicitly rather than hidden under
// a default.
type EscalationReasonType string

const (
	ReasonMaxRetries        EscalationReasonType = "MAX_RETRIES"
	ReasonFatalError        EscalationReasonType = "FATAL_ERROR"
	ReasonHumanJudgment     EscalationReasonType = "HUMAN_JUDGMENT"
	ReasonResourceExhausted EscalationReasonType = "RESOURCE_EXHAUSTED"
	ReasonUnclassified      EscalationReasonType = "UNCLASSIFIED"
)

// recommendedActions is the fixed action list per reason type.
var recommendedActions = map[EscalationReasonType][]string{
	ReasonMaxRetries: {
		"split the task into smaller pieces",
		"give more specific instructions",
		"inspect the trace",
	},
	ReasonFatalError: {
		"check credentials",
		"re-set the API key",
	},
	ReasonHumanJudgment: {
		"clarify the requirements",
	},
	ReasonResourceExhausted: {
		"split the task into smaller pieces",
		"check the cost limit",
	},
	ReasonUnclassified: {
		"inspect the trace",
		"re-enqueue with more specific instructions",
	},
}

// EscalationReason is the typed cause of an escalation.
type EscalationReason struct {
	Type    EscalationReasonType `json:"type"`
	Message string               `json:"message"`
}

// FailureSummary aggregates the attempts that led to escalation.
type FailureSummary struct {
	TotalAttempts int           `json:"total_attempts"`
	FailureTypes  []FailureType `json:"failure_types"`
	LastFailure   *Attempt      `json:"last_failure,omitempty"`
}

// DebugInfo points the operator at the raw material.
type DebugInfo struct {
	TraceFile string `json:"trace_file"`
}

// EscalationReport is the complete record handed to the user when the
// engine gives up on a task.
type EscalationReport struct {
	TaskID             string           `json:"task_id"`
	Reason             EscalationReason `json:"reason"`
	FailureSummary     FailureSummary   `json:"failure_summary"`
	UserMessage        string           `json:"user_message"`
	DebugInfo          DebugInfo        `json:"debug_info"`
	RecommendedActions []string         `json:"recommended_actions"`
	CreatedAt          time.Time        `json:"created_at"`
}

// reasonForEscalation maps a decision back to a typed reason.
func reasonForEscalation(d Decision, effectiveMax int) EscalationReason {
	switch {
	case d.FailureType == FailureFatal:
		return EscalationReason{Type: ReasonFatalError, Message: d.Reason}
	case d.FailureType.Retryable():
		return EscalationReason{
			Type:    ReasonMaxRetries,
			Message: fmt.Sprintf("Max retries (%d) exceeded", effectiveMax),
		}
	default:
		return EscalationReason{Type: ReasonUnclassified, Message: d.Reason}
	}
}

// BuildEscalationReport assembles the full report for an ESCALATE
// decision.
func BuildEscalationReport(taskID string, d Decision, history *History, stateDir string, effectiveMax int, now time.Time) *EscalationReport {
	reason := reasonForEscalation(d, effectiveMax)

	report := &EscalationReport{
		TaskID: taskID,
		Reason: reason,
		FailureSummary: FailureSummary{
			TotalAttempts: len(history.Attempts),
			FailureTypes:  history.FailureTypes(),
			LastFailure:   history.LastFailure(),
		},
		UserMessage: userMessage(taskID, reason),
		DebugInfo: DebugInfo{
			TraceFile: TraceFilePath(stateDir, taskID),
		},
		RecommendedActions: recommendedActions[reason.Type],
		CreatedAt:          now,
	}
	return report
}

func userMessage(taskID string, reason EscalationReason) string {
	switch reason.Type {
	case ReasonMaxRetries:
		return fmt.Sprintf("Task %s could not be completed after repeated attempts. Run /trace %s to see what happened, then split the task or give more specific instructions.", taskID, taskID)
	case ReasonFatalError:
		return fmt.Sprintf("Task %s failed with an authentication or permission error. Check your credentials and re-set the API key, then re-enqueue the task.", taskID)
	case ReasonHumanJudgment:
		return fmt.Sprintf("Task %s needs a decision only you can make. Please clarify the requirements and re-enqueue.", taskID)
	case ReasonResourceExhausted:
		return fmt.Sprintf("Task %s stopped because a resource limit was reached. Split the task or check the cost limit.", taskID)
	default:
		return fmt.Sprintf("Task %s failed for a reason the runner could not classify. Inspect the trace and re-enqueue with more specific instructions.", taskID)
	}
}

// TraceFilePath is where a task's append-only retry trace lives.
func TraceFilePath(stateDir, taskID string) string {
	return filepath.Join(stateDir, "traces", taskID+".jsonl")
}
