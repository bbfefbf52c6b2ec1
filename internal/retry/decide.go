package retry

import (
	"fmt"
	"strings"

	"github.com/randalmurphal/pmrunner/internal/config"
)

// DecideRetry is the pure decision function: given one result, the
// retry policy and the task's history, it returns RETRY with a delay
// and modification hint, ESCALATE with a reason, or PASS.
func DecideRetry(result *TaskResult, cfg config.RetryConfig, history *History) Decision {
	if result.Status == ResultPass {
		return Decision{Action: ActionPass}
	}

	ft := Classify(result)
	if !ft.Retryable() {
		return Decision{
			Action:      ActionEscalate,
			FailureType: ft,
			Reason:      fmt.Sprintf("Non-retryable failure: %s", ft),
		}
	}

	policy := cfg.CauseSpecific[string(ft)]
	effectiveMax := cfg.MaxRetries
	if policy.MaxRetries != nil {
		effectiveMax = *policy.MaxRetries
	}
	if history.RetryCount >= effectiveMax {
		return Decision{
			Action:      ActionEscalate,
			FailureType: ft,
			Reason:      fmt.Sprintf("Max retries (%d) exceeded", effectiveMax),
		}
	}

	backoff := cfg.Backoff
	if policy.Backoff != nil {
		backoff = *policy.Backoff
	}

	return Decision{
		Action:           ActionRetry,
		FailureType:      ft,
		DelayMs:          Backoff(backoff, history.RetryCount),
		ModificationHint: modificationHint(ft, policy, result),
	}
}

// modificationHint builds the human-readable instruction attached to a
// RETRY. Transient and rate-limit failures get none: those are pure
// delay-and-retry.
func modificationHint(ft FailureType, policy config.CausePolicy, result *TaskResult) string {
	var b strings.Builder

	switch ft {
	case FailureIncomplete:
		b.WriteString("The previous output was truncated. Emit every file completely, with no omission markers.")
	case FailureQuality:
		b.WriteString("The previous output failed quality checks. Address every failed criterion before finishing.")
	case FailureTimeout:
		b.WriteString("The previous attempt ran out of time. Split the work into smaller steps and complete them one at a time.")
	default:
		return ""
	}

	if policy.ModificationHint != "" {
		b.Reset()
		b.WriteString(policy.ModificationHint)
	}

	if len(result.DetectedIssues) > 0 {
		b.WriteString("\nDetected issues:")
		for _, issue := range result.DetectedIssues {
			b.WriteString("\n- ")
			b.WriteString(issue)
		}
	}

	var failed []string
	for _, qr := range result.QualityResults {
		if !qr.Passed {
			entry := qr.Criterion
			if qr.Details != "" {
				entry += ": " + qr.Details
			}
			failed = append(failed, entry)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\nFailed quality criteria:")
		for _, f := range failed {
			b.WriteString("\n- ")
			b.WriteString(f)
		}
	}

	return b.String()
}
