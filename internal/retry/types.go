// Package retry implements failure classification, backoff, escalation
// and partial recovery for executor task results.
package retry

import "time"

// ResultStatus is the outcome reported by one executor invocation.
type ResultStatus string

const (
	ResultPass    ResultStatus = "PASS"
	ResultFail    ResultStatus = "FAIL"
	ResultError   ResultStatus = "ERROR"
	ResultTimeout ResultStatus = "TIMEOUT"
)

// QualityResult is one quality criterion evaluated by the executor.
type QualityResult struct {
	Criterion string `json:"criterion"`
	Passed    bool   `json:"passed"`
	Details   string `json:"details,omitempty"`
}

// TaskResult is the parsed outcome of one executor run, the input to
// classification.
type TaskResult struct {
	TaskID         string          `json:"task_id"`
	Status         ResultStatus    `json:"status"`
	Output         string          `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	QualityResults []QualityResult `json:"quality_results,omitempty"`
	DetectedIssues []string        `json:"detected_issues,omitempty"`
	DurationMs     int64           `json:"duration_ms,omitempty"`
}

// FailureType is the closed failure taxonomy.
type FailureType string

const (
	FailureIncomplete       FailureType = "INCOMPLETE"
	FailureQuality          FailureType = "QUALITY_FAILURE"
	FailureTimeout          FailureType = "TIMEOUT"
	FailureTransient        FailureType = "TRANSIENT_ERROR"
	FailureRateLimit        FailureType = "RATE_LIMIT"
	FailureFatal            FailureType = "FATAL_ERROR"
	FailureEscalateRequired FailureType = "ESCALATE_REQUIRED"
)

// retryable is the set of failure types the engine may retry on its
// own. Everything else escalates.
var retryable = map[FailureType]bool{
	FailureIncomplete: true,
	FailureQuality:    true,
	FailureTimeout:    true,
	FailureTransient:  true,
	FailureRateLimit:  true,
}

// Retryable reports whether a failure type is in the retryable set.
func (f FailureType) Retryable() bool {
	return retryable[f]
}

// Attempt is one recorded executor attempt.
type Attempt struct {
	AttemptNumber int          `json:"attempt_number"`
	Timestamp     time.Time    `json:"timestamp"`
	FailureType   FailureType  `json:"failure_type,omitempty"`
	Status        ResultStatus `json:"status"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	DurationMs    int64        `json:"duration_ms,omitempty"`
}

// History tracks retries for one task (or subtask). RetryCount always
// equals the number of FAIL attempts; attempt numbers strictly increase.
type History struct {
	TaskID     string    `json:"task_id"`
	SubtaskID  string    `json:"subtask_id,omitempty"`
	RetryCount int       `json:"retry_count"`
	Attempts   []Attempt `json:"attempts"`
}

// RecordFail appends a failed attempt and bumps the retry count.
func (h *History) RecordFail(ft FailureType, errMsg string, durationMs int64, at time.Time) {
	h.Attempts = append(h.Attempts, Attempt{
		AttemptNumber: len(h.Attempts) + 1,
		Timestamp:     at,
		FailureType:   ft,
		Status:        ResultFail,
		ErrorMessage:  errMsg,
		DurationMs:    durationMs,
	})
	h.RetryCount++
}

// RecordPass appends a passing attempt. The retry count is unchanged.
func (h *History) RecordPass(durationMs int64, at time.Time) {
	h.Attempts = append(h.Attempts, Attempt{
		AttemptNumber: len(h.Attempts) + 1,
		Timestamp:     at,
		Status:        ResultPass,
		DurationMs:    durationMs,
	})
}

// FailureTypes returns the ordered failure types across all attempts.
func (h *History) FailureTypes() []FailureType {
	var types []FailureType
	for _, a := range h.Attempts {
		if a.Status != ResultPass && a.FailureType != "" {
			types = append(types, a.FailureType)
		}
	}
	return types
}

// LastFailure returns the most recent failed attempt, or nil.
func (h *History) LastFailure() *Attempt {
	for i := len(h.Attempts) - 1; i >= 0; i-- {
		if h.Attempts[i].Status != ResultPass {
			return &h.Attempts[i]
		}
	}
	return nil
}

// Action is the outcome of a retry decision.
type Action string

const (
	ActionRetry    Action = "RETRY"
	ActionEscalate Action = "ESCALATE"
	ActionPass     Action = "PASS"
)

// Decision is the result of decideRetry: what to do next, and the
// payload the dispatcher needs to do it.
type Decision struct {
	Action           Action            `json:"action"`
	FailureType      FailureType       `json:"failure_type,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	DelayMs          int               `json:"delay_ms,omitempty"`
	ModificationHint string            `json:"modification_hint,omitempty"`
	Report           *EscalationReport `json:"report,omitempty"`
}
