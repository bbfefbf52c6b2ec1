package retry

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/pmrunner/internal/config"
)

func TestClassifyOrder(t *testing.T) {
	tests := []struct {
		name   string
		result TaskResult
		want   FailureType
	}{
		{
			name:   "timeout status wins over everything",
			result: TaskResult{Status: ResultTimeout, Output: "partial ...", Error: "401"},
			want:   FailureTimeout,
		},
		{
			name: "quality failure beats omission markers",
			result: TaskResult{
				Status:         ResultFail,
				Output:         "code with ...",
				QualityResults: []QualityResult{{Criterion: "tests pass", Passed: false}},
			},
			want: FailureQuality,
		},
		{
			name:   "omission marker in output",
			result: TaskResult{Status: ResultFail, Output: "func foo() {\n\t/* ... */\n}"},
			want:   FailureIncomplete,
		},
		{
			name:   "cjk omission marker",
			result: TaskResult{Status: ResultFail, Output: "前半のみ、以下省略"},
			want:   FailureIncomplete,
		},
		{
			name:   "fatal beats transient on mixed error",
			result: TaskResult{Status: ResultError, Error: "connection refused: permission denied"},
			want:   FailureFatal,
		},
		{
			name:   "http 5xx is transient",
			result: TaskResult{Status: ResultError, Error: "upstream returned HTTP 503"},
			want:   FailureTransient,
		},
		{
			name:   "econnrefused is transient",
			result: TaskResult{Status: ResultError, Error: "dial tcp: ECONNREFUSED"},
			want:   FailureTransient,
		},
		{
			name:   "rate limit",
			result: TaskResult{Status: ResultFail, Error: "HTTP 429 rate limit"},
			want:   FailureRateLimit,
		},
		{
			name:   "detected issues classify as quality",
			result: TaskResult{Status: ResultFail, DetectedIssues: []string{"unused import"}},
			want:   FailureQuality,
		},
		{
			name:   "unclassifiable fails closed",
			result: TaskResult{Status: ResultFail, Error: "something odd happened"},
			want:   FailureEscalateRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(&tt.result))
		})
	}
}

func TestRetryableSet(t *testing.T) {
	for _, ft := range []FailureType{FailureIncomplete, FailureQuality, FailureTimeout, FailureTransient, FailureRateLimit} {
		assert.True(t, ft.Retryable(), "%s must be retryable", ft)
	}
	assert.False(t, FailureFatal.Retryable())
	assert.False(t, FailureEscalateRequired.Retryable())
}

func TestBackoffStrategies(t *testing.T) {
	fixed := config.BackoffConfig{Strategy: config.BackoffFixed, InitialDelayMs: 5000, MaxDelayMs: 60000}
	for n := 0; n < 5; n++ {
		assert.Equal(t, 5000, Backoff(fixed, n))
	}

	linear := config.BackoffConfig{Strategy: config.BackoffLinear, InitialDelayMs: 1000, MaxDelayMs: 3500}
	assert.Equal(t, 1000, Backoff(linear, 0))
	assert.Equal(t, 2000, Backoff(linear, 1))
	assert.Equal(t, 3000, Backoff(linear, 2))
	assert.Equal(t, 3500, Backoff(linear, 3), "capped at max_delay_ms")

	exp := config.BackoffConfig{Strategy: config.BackoffExponential, InitialDelayMs: 1000, MaxDelayMs: 60000, Multiplier: 2}
	assert.Equal(t, 1000, Backoff(exp, 0))
	assert.Equal(t, 2000, Backoff(exp, 1))
	assert.Equal(t, 4000, Backoff(exp, 2))

	// Monotonic up to the cap.
	prev := 0
	for n := 0; n < 10; n++ {
		d := Backoff(exp, n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 60000)
		prev = d
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := config.BackoffConfig{
		Strategy:       config.BackoffExponential,
		InitialDelayMs: 5000,
		MaxDelayMs:     60000,
		Multiplier:     2,
		Jitter:         0.2,
	}
	for i := 0; i < 200; i++ {
		d := Backoff(cfg, 0)
		assert.GreaterOrEqual(t, d, 4000)
		assert.LessOrEqual(t, d, 6000)
	}

	// Jitter never pushes past the cap.
	capped := config.BackoffConfig{
		Strategy:       config.BackoffFixed,
		InitialDelayMs: 60000,
		MaxDelayMs:     60000,
		Jitter:         1,
	}
	for i := 0; i < 200; i++ {
		d := Backoff(capped, 0)
		assert.GreaterOrEqual(t, d, 0)
		assert.LessOrEqual(t, d, 60000)
	}
}

func TestDecideRetryRateLimit(t *testing.T) {
	cfg := config.Default().Retry

	result := &TaskResult{Status: ResultFail, Error: "HTTP 429 rate limit"}
	d := DecideRetry(result, cfg, &History{TaskID: "TASK-1"})

	require.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, FailureRateLimit, d.FailureType)
	assert.GreaterOrEqual(t, d.DelayMs, 4000)
	assert.LessOrEqual(t, d.DelayMs, 7000)
	assert.Empty(t, d.ModificationHint, "rate limit retries are pure delay-and-retry")

	// The cause-specific max (5) applies, not the global 3.
	h := &History{TaskID: "TASK-1", RetryCount: 4}
	d = DecideRetry(result, cfg, h)
	assert.Equal(t, ActionRetry, d.Action)

	h.RetryCount = 5
	d = DecideRetry(result, cfg, h)
	assert.Equal(t, ActionEscalate, d.Action)
}

func TestDecideRetryFatalEscalates(t *testing.T) {
	cfg := config.Default().Retry

	result := &TaskResult{Status: ResultError, Error: "401 unauthorized"}
	d := DecideRetry(result, cfg, &History{TaskID: "TASK-1"})

	require.Equal(t, ActionEscalate, d.Action)
	assert.Equal(t, FailureFatal, d.FailureType)
	assert.Contains(t, d.Reason, "Non-retryable failure")
}

func TestManagerFatalReportRecommendsCredentials(t *testing.T) {
	m := NewManager(config.Default().Retry, t.TempDir())

	d := m.Record("TASK-1", &TaskResult{Status: ResultError, Error: "401 unauthorized"})

	require.Equal(t, ActionEscalate, d.Action)
	require.NotNil(t, d.Report)
	assert.Equal(t, ReasonFatalError, d.Report.Reason.Type)
	require.NotEmpty(t, d.Report.RecommendedActions)
	assert.Equal(t, "check credentials", d.Report.RecommendedActions[0])
}

func TestManagerIncompleteExhaustsRetries(t *testing.T) {
	stateDir := t.TempDir()
	m := NewManager(config.Default().Retry, stateDir)

	incomplete := &TaskResult{Status: ResultFail, Output: "half a file ..."}

	wantDelays := []int{1000, 2000, 4000}
	for i, want := range wantDelays {
		d := m.Record("TASK-1", incomplete)
		require.Equal(t, ActionRetry, d.Action, "attempt %d", i+1)
		assert.Equal(t, FailureIncomplete, d.FailureType)
		assert.Equal(t, want, d.DelayMs, "attempt %d", i+1)
		assert.Contains(t, d.ModificationHint, "omission")
	}

	d := m.Record("TASK-1", incomplete)
	require.Equal(t, ActionEscalate, d.Action)
	require.NotNil(t, d.Report)
	assert.Equal(t, ReasonMaxRetries, d.Report.Reason.Type)
	assert.Equal(t, 4, d.Report.FailureSummary.TotalAttempts)
	assert.Contains(t, d.Report.UserMessage, "/trace")
	assert.Equal(t, TraceFilePath(stateDir, "TASK-1"), d.Report.DebugInfo.TraceFile)

	// The trace file is the audit trail: one result and one decision
	// line per attempt.
	data, err := os.ReadFile(d.Report.DebugInfo.TraceFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 8)
}

func TestHistoryRetryCountInvariant(t *testing.T) {
	m := NewManager(config.Default().Retry, t.TempDir())

	m.Record("TASK-1", &TaskResult{Status: ResultFail, Output: "..."})
	m.Record("TASK-1", &TaskResult{Status: ResultPass})

	h := m.History("TASK-1")
	assert.Equal(t, 1, h.RetryCount, "PASS must not change retry_count")
	assert.Len(t, h.Attempts, 2)
	assert.Equal(t, 1, h.Attempts[0].AttemptNumber)
	assert.Equal(t, 2, h.Attempts[1].AttemptNumber)
}

func TestManagerSinkFailuresSwallowed(t *testing.T) {
	var calls int
	sink := func(Event) error {
		calls++
		if calls == 1 {
			return errors.New("listener broke")
		}
		panic("listener panicked hard")
	}
	m := NewManager(config.Default().Retry, t.TempDir(), WithEventSink(sink))

	d1 := m.Record("TASK-1", &TaskResult{Status: ResultFail, Output: "..."})
	d2 := m.Record("TASK-1", &TaskResult{Status: ResultFail, Output: "..."})

	assert.Equal(t, ActionRetry, d1.Action)
	assert.Equal(t, ActionRetry, d2.Action)
	assert.Equal(t, 2, calls)
}

func TestDecideRecovery(t *testing.T) {
	deps := map[string][]string{"b": {"a"}, "c": {"b"}}

	assert.Equal(t, RecoveryPartialCommit, DecideRecovery(nil, []string{"a", "b", "c"}, deps))
	assert.Equal(t, RecoveryRollbackAndRetry, DecideRecovery([]string{"a"}, []string{"b", "c"}, deps))
	assert.Equal(t, RecoveryRetryFailedOnly, DecideRecovery([]string{"c"}, []string{"a", "b"}, deps))
}

func TestManagerRecoverEmitsLifecycleEvents(t *testing.T) {
	var types []EventType
	m := NewManager(config.Default().Retry, t.TempDir(), WithEventSink(func(ev Event) error {
		types = append(types, ev.Type)
		return nil
	}))

	strategy := m.Recover("TASK-1", []string{"sub-2"}, []string{"sub-1"}, nil)

	assert.Equal(t, RecoveryRetryFailedOnly, strategy)
	require.Len(t, types, 2)
	assert.Equal(t, EventRecoveryStart, types[0])
	assert.Equal(t, EventRecoveryComplete, types[1])
}

func TestEscalationDominatesRetryCount(t *testing.T) {
	cfg := config.Default().Retry
	// Even with zero prior retries, a fatal error escalates.
	d := DecideRetry(&TaskResult{Status: ResultError, Error: "permission denied"}, cfg, &History{})
	assert.Equal(t, ActionEscalate, d.Action)
}
