package retry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/pmrunner/internal/config"
)

// EventType names the lifecycle events the manager emits.
type EventType string

const (
	EventRetryDecision    EventType = "RETRY_DECISION"
	EventRetryStart       EventType = "RETRY_START"
	EventRetrySuccess     EventType = "RETRY_SUCCESS"
	EventEscalateDecision EventType = "ESCALATE_DECISION"
	EventEscalateExecuted EventType = "ESCALATE_EXECUTED"
	EventRecoveryStart    EventType = "RECOVERY_START"
	EventRecoveryComplete EventType = "RECOVERY_COMPLETE"
)

// Event is one retry-lifecycle notification.
type Event struct {
	Type      EventType         `json:"type"`
	TaskID    string            `json:"task_id"`
	Decision  *Decision         `json:"decision,omitempty"`
	Report    *EscalationReport `json:"report,omitempty"`
	Strategy  RecoveryStrategy  `json:"strategy,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventSink receives manager events. Sink errors and panics are
// swallowed; a broken listener must never corrupt a retry decision.
type EventSink func(Event) error

// Manager records attempts per task and turns raw executor results
// into retry decisions, emitting events and trace lines as it goes.
type Manager struct {
	cfg      config.RetryConfig
	trace    *TraceWriter
	stateDir string
	sink     EventSink
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	histories map[string]*History
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEventSink installs the lifecycle event callback.
func WithEventSink(sink EventSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a retry manager writing traces under stateDir.
func NewManager(cfg config.RetryConfig, stateDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:       cfg,
		trace:     NewTraceWriter(stateDir),
		stateDir:  stateDir,
		logger:    slog.Default(),
		now:       time.Now,
		histories: make(map[string]*History),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// History returns the (possibly empty) history for a task.
func (m *Manager) History(taskID string) *History {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history(taskID)
}

func (m *Manager) history(taskID string) *History {
	h, ok := m.histories[taskID]
	if !ok {
		h = &History{TaskID: taskID}
		m.histories[taskID] = h
	}
	return h
}

// Record ingests one executor result: it updates the task's history,
// decides RETRY / ESCALATE / PASS, and emits the matching events and
// trace lines. On ESCALATE the returned decision carries a full report.
func (m *Manager) Record(taskID string, result *TaskResult) Decision {
	// Events are emitted after the lock is released so a sink may call
	// back into the manager.
	decision, events := m.record(taskID, result)
	for _, ev := range events {
		m.emit(ev)
	}
	return decision
}

func (m *Manager) record(taskID string, result *TaskResult) (Decision, []Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.history(taskID)
	now := m.now().UTC()
	var events []Event

	if result.Status == ResultPass {
		h.RecordPass(result.DurationMs, now)
		if h.RetryCount > 0 {
			events = append(events, Event{Type: EventRetrySuccess, TaskID: taskID, Timestamp: now})
		}
		m.traceAppend(taskID, TraceEntry{
			Kind:    "result",
			Attempt: len(h.Attempts),
			Action:  ActionPass,
		})
		return Decision{Action: ActionPass}, events
	}

	// Decide against the pre-failure history: retry_count means prior
	// failures, so the current one must not count toward its own
	// decision. Record after, so reports and logs see the full list.
	ft := Classify(result)
	decision := DecideRetry(result, m.cfg, h)
	h.RecordFail(ft, result.Error, result.DurationMs, now)
	m.traceAppend(taskID, TraceEntry{
		Kind:        "result",
		Attempt:     len(h.Attempts),
		FailureType: ft,
		Detail:      result.Error,
	})

	switch decision.Action {
	case ActionRetry:
		events = append(events, Event{Type: EventRetryDecision, TaskID: taskID, Decision: &decision, Timestamp: now})
		m.logger.Info("retry decided",
			"task", taskID,
			"failure_type", decision.FailureType,
			"attempt", h.RetryCount,
			"delay_ms", decision.DelayMs,
		)
	case ActionEscalate:
		decision.Report = BuildEscalationReport(taskID, decision, h, m.stateDir, m.effectiveMax(decision.FailureType), now)
		events = append(events, Event{Type: EventEscalateDecision, TaskID: taskID, Decision: &decision, Report: decision.Report, Timestamp: now})
		m.logger.Warn("escalation decided",
			"task", taskID,
			"failure_type", decision.FailureType,
			"reason", decision.Report.Reason.Type,
			"attempts", len(h.Attempts),
		)
	}

	m.traceAppend(taskID, TraceEntry{
		Kind:        "decision",
		Attempt:     len(h.Attempts),
		FailureType: decision.FailureType,
		Action:      decision.Action,
		DelayMs:     decision.DelayMs,
		Detail:      decision.Reason,
	})
	return decision, events
}

// NotifyRetryStart marks the moment a retry attempt begins executing.
func (m *Manager) NotifyRetryStart(taskID string) {
	m.emit(Event{Type: EventRetryStart, TaskID: taskID, Timestamp: m.now().UTC()})
}

// NotifyEscalated marks that the escalation report reached the user.
func (m *Manager) NotifyEscalated(taskID string, report *EscalationReport) {
	m.emit(Event{Type: EventEscalateExecuted, TaskID: taskID, Report: report, Timestamp: m.now().UTC()})
}

// Recover runs the partial-recovery decision for a batch and brackets
// it with RECOVERY_START / RECOVERY_COMPLETE events.
func (m *Manager) Recover(taskID string, failed, succeeded []string, deps map[string][]string) RecoveryStrategy {
	now := m.now().UTC()
	m.emit(Event{Type: EventRecoveryStart, TaskID: taskID, Timestamp: now})

	strategy := DecideRecovery(failed, succeeded, deps)

	m.emit(Event{Type: EventRecoveryComplete, TaskID: taskID, Strategy: strategy, Timestamp: m.now().UTC()})
	m.traceAppend(taskID, TraceEntry{Kind: "recovery", Detail: string(strategy)})
	return strategy
}

// Reset drops the history for a task, e.g. after manual re-enqueue.
func (m *Manager) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, taskID)
}

func (m *Manager) effectiveMax(ft FailureType) int {
	if policy, ok := m.cfg.CauseSpecific[string(ft)]; ok && policy.MaxRetries != nil {
		return *policy.MaxRetries
	}
	return m.cfg.MaxRetries
}

// emit delivers an event to the sink. Errors and panics from the sink
// are swallowed; they must not leak back into the decision path.
func (m *Manager) emit(ev Event) {
	if m.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event sink panicked", "event", ev.Type, "panic", r)
		}
	}()
	if err := m.sink(ev); err != nil {
		m.logger.Warn("event sink failed", "event", ev.Type, "error", err)
	}
}

func (m *Manager) traceAppend(taskID string, entry TraceEntry) {
	if err := m.trace.Append(taskID, entry); err != nil {
		m.logger.Warn("trace append failed", "task", taskID, "error", err)
	}
}
