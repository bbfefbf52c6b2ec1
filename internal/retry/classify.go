package retry

import (
	"regexp"
	"strings"
)

// Omission markers the executor emits when it truncates a file instead
// of writing it fully. Includes the CJK abbreviation marker.
var omissionMarkers = []string{
	"/* ... */",
	"// ...",
	"# ...",
	"...",
	"…",
	"省略",
	"以下省略",
	"etc.",
}

var (
	fatalErrorRe = regexp.MustCompile(`(?i)\b401\b|\b403\b|auth|permission|denied`)
	transientRe  = regexp.MustCompile(`(?i)\b5\d{2}\b|ECONNREFUSED|ETIMEDOUT|network|connection`)
	rateLimitRe  = regexp.MustCompile(`(?i)\b429\b|rate.?limit`)
)

// Classify maps a task result to a failure type. The checks run in a
// fixed order; the first match wins. Results that match nothing fall
// closed to ESCALATE_REQUIRED.
func Classify(result *TaskResult) FailureType {
	if result.Status == ResultTimeout {
		return FailureTimeout
	}

	for _, qr := range result.QualityResults {
		if !qr.Passed {
			return FailureQuality
		}
	}

	if containsOmissionMarker(result.Output) {
		return FailureIncomplete
	}

	// Error substrings: fatal before transient before rate-limit, so
	// "401 unauthorized" is never mistaken for a connection blip.
	if result.Error != "" {
		switch {
		case fatalErrorRe.MatchString(result.Error):
			return FailureFatal
		case transientRe.MatchString(result.Error):
			return FailureTransient
		case rateLimitRe.MatchString(result.Error):
			return FailureRateLimit
		}
	}

	if len(result.DetectedIssues) > 0 {
		return FailureQuality
	}

	return FailureEscalateRequired
}

func containsOmissionMarker(output string) bool {
	if output == "" {
		return false
	}
	for _, marker := range omissionMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}
