// Package dispatcher runs the claim-execute-decide loop: one in-flight
// executor invocation per namespace, plus the background sweepers and
// the runner heartbeat.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/pmrunner/internal/config"
	pmerrors "github.com/randalmurphal/pmrunner/internal/errors"
	"github.com/randalmurphal/pmrunner/internal/events"
	"github.com/randalmurphal/pmrunner/internal/executor"
	"github.com/randalmurphal/pmrunner/internal/metrics"
	"github.com/randalmurphal/pmrunner/internal/queue"
	"github.com/randalmurphal/pmrunner/internal/retry"
)

// pollInterval is how long the loop sleeps when the queue is empty.
const pollInterval = time.Second

// storageBackoff is how long the loop pauses after a storage error.
const storageBackoff = 5 * time.Second

// Dispatcher drives task execution for one namespace.
type Dispatcher struct {
	cfg       *config.Config
	store     *queue.Store
	client    *executor.Client
	retries   *retry.Manager
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	runnerID  string
	now       func() time.Time

	mu    sync.Mutex
	hints map[string]string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher for the store's namespace.
func New(cfg *config.Config, store *queue.Store, client *executor.Client, retries *retry.Manager, publisher events.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		client:    client,
		retries:   retries,
		publisher: publisher,
		logger:    slog.Default(),
		runnerID:  uuid.NewString(),
		now:       time.Now,
		hints:     make(map[string]string),
	}
	if d.publisher == nil {
		d.publisher = events.NewNopPublisher()
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunnerID identifies this dispatcher's heartbeat record.
func (d *Dispatcher) RunnerID() string {
	return d.runnerID
}

// Run executes the dispatch loop until the context is cancelled. It
// registers the runner record, heartbeats it, and runs the stale and
// awaiting-response sweepers alongside the claim loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.store.RegisterRunner(ctx, d.runnerID, d.cfg.Executor.WorkDir); err != nil {
		return err
	}
	defer func() {
		if err := d.store.DeregisterRunner(context.Background(), d.runnerID); err != nil {
			d.logger.Warn("deregister runner failed", "runner", d.runnerID, "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()
	defer wg.Wait()

	d.logger.Info("dispatcher started", "namespace", d.store.Namespace(), "runner", d.runnerID)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		res, err := d.store.Claim(ctx)
		if err != nil {
			d.logger.Warn("claim failed, backing off", "error", err)
			if !sleepCtx(ctx, storageBackoff) {
				return nil
			}
			continue
		}
		if !res.OK {
			if !sleepCtx(ctx, pollInterval) {
				return nil
			}
			continue
		}

		if d.metrics != nil {
			d.metrics.TasksClaimed.WithLabelValues(d.store.Namespace()).Inc()
		}
		d.execute(ctx, res.Task)
	}
}

// RunOnce claims and fully executes a single task. Used by the CLI's
// one-shot mode; the returned decision drives the process exit code.
func (d *Dispatcher) RunOnce(ctx context.Context) (*queue.Task, retry.Decision, error) {
	res, err := d.store.Claim(ctx)
	if err != nil {
		return nil, retry.Decision{}, err
	}
	if !res.OK {
		return nil, retry.Decision{}, nil
	}
	decision := d.execute(ctx, res.Task)
	return res.Task, decision, nil
}

// execute runs one claimed task to a terminal outcome: COMPLETE,
// AWAITING_RESPONSE, or ERROR via escalation. Retries happen inside
// this call, within the same claim.
func (d *Dispatcher) execute(ctx context.Context, task *queue.Task) retry.Decision {
	ns := d.store.Namespace()
	d.publishActivity(events.TypeTaskStatus, task, "task execution started", events.StatusChange{
		From: string(queue.StatusQueued), To: string(queue.StatusRunning),
	})

	timeout := d.cfg.TimeoutFor(string(task.TaskType))

	// Keep the claimed row's updated_at fresh for as long as this call
	// runs. Executor deadlines exceed the stale-task max age, so without
	// the refresh the sweeper would reclaim our own in-flight task.
	touchCtx, stopTouch := context.WithCancel(ctx)
	defer stopTouch()
	go d.touchLoop(touchCtx, task.TaskID)

	for {
		hint := d.takeHint(task.TaskID)
		outcome, err := d.client.Invoke(ctx, task, timeout, hint)
		if err != nil {
			// Shutdown or executor unavailable: leave the task RUNNING
			// for the stale sweeper unless we can mark it cleanly.
			if ctx.Err() != nil {
				d.logger.Info("execution interrupted by shutdown", "task", task.TaskID)
				return retry.Decision{}
			}
			d.failTask(ctx, task, err.Error())
			return retry.Decision{Action: retry.ActionEscalate}
		}

		if d.metrics != nil {
			d.metrics.ExecutorTime.WithLabelValues(ns, string(task.TaskType)).
				Observe(outcome.Duration.Seconds())
		}

		if outcome.Clarification != nil {
			d.parkForClarification(ctx, task, outcome)
			return retry.Decision{Action: retry.ActionPass}
		}

		decision := d.retries.Record(task.TaskID, outcome.Result)
		switch decision.Action {
		case retry.ActionPass:
			d.completeTask(ctx, task, outcome.Result.Output)
			return decision

		case retry.ActionRetry:
			if d.metrics != nil {
				d.metrics.Retries.WithLabelValues(ns, string(decision.FailureType)).Inc()
			}
			d.appendTaskEvent(ctx, task.TaskID, queue.Event{
				Type:    "RETRY",
				Message: fmt.Sprintf("retrying after %s failure", decision.FailureType),
				Data: events.RetryDetails{
					FailureType: string(decision.FailureType),
					Attempt:     d.retries.History(task.TaskID).RetryCount,
					DelayMs:     decision.DelayMs,
				},
			})
			d.publishActivity(events.TypeRetry, task,
				fmt.Sprintf("retrying task after %s", decision.FailureType), nil)
			d.storeHint(task.TaskID, decision.ModificationHint)

			if !sleepCtx(ctx, time.Duration(decision.DelayMs)*time.Millisecond) {
				return decision
			}
			d.retries.NotifyRetryStart(task.TaskID)
			continue

		case retry.ActionEscalate:
			d.escalateTask(ctx, task, decision)
			return decision
		}
	}
}

func (d *Dispatcher) completeTask(ctx context.Context, task *queue.Task, output string) {
	ns := d.store.Namespace()
	if _, err := d.store.UpdateStatus(ctx, task.TaskID, queue.StatusComplete, queue.StatusUpdate{Output: output}); err != nil {
		d.logger.Error("complete transition failed", "task", task.TaskID, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.TasksCompleted.WithLabelValues(ns, string(queue.StatusComplete)).Inc()
	}
	d.appendTaskEvent(ctx, task.TaskID, queue.Event{Type: "STATUS", Message: "task completed"})
	d.publishActivity(events.TypeTaskStatus, task, "task completed", events.StatusChange{
		From: string(queue.StatusRunning), To: string(queue.StatusComplete),
	})
	d.logger.Info("task completed", "namespace", ns, "task", task.TaskID)
}

func (d *Dispatcher) failTask(ctx context.Context, task *queue.Task, message string) {
	if _, err := d.store.UpdateStatus(ctx, task.TaskID, queue.StatusError, queue.StatusUpdate{ErrorMessage: message}); err != nil {
		d.logger.Error("error transition failed", "task", task.TaskID, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.TasksCompleted.WithLabelValues(d.store.Namespace(), string(queue.StatusError)).Inc()
	}
	d.publishActivity(events.TypeError, task, message, nil)
}

func (d *Dispatcher) escalateTask(ctx context.Context, task *queue.Task, decision retry.Decision) {
	report := decision.Report
	message := decision.Reason
	if report != nil {
		message = report.UserMessage
	}

	if _, err := d.store.UpdateStatus(ctx, task.TaskID, queue.StatusError, queue.StatusUpdate{ErrorMessage: message}); err != nil {
		d.logger.Error("escalation transition failed", "task", task.TaskID, "error", err)
		return
	}

	reason := string(retry.ReasonUnclassified)
	if report != nil {
		reason = string(report.Reason.Type)
		d.appendTaskEvent(ctx, task.TaskID, queue.Event{
			Type:    "ESCALATION",
			Message: report.UserMessage,
			Data:    report,
		})
		d.retries.NotifyEscalated(task.TaskID, report)
	}
	if d.metrics != nil {
		ns := d.store.Namespace()
		d.metrics.Escalations.WithLabelValues(ns, reason).Inc()
		d.metrics.TasksCompleted.WithLabelValues(ns, string(queue.StatusError)).Inc()
	}
	ev := events.New(events.TypeEscalation, d.store.Namespace(), message)
	ev.TaskID = task.TaskID
	ev.SessionID = task.SessionID
	ev.Importance = events.ImportanceHigh
	ev.Details = report
	d.publisher.Publish(ev)
	d.logger.Warn("task escalated", "task", task.TaskID, "reason", reason)
}

func (d *Dispatcher) parkForClarification(ctx context.Context, task *queue.Task, outcome *executor.Outcome) {
	history := append(task.ConversationHistory, queue.Message{
		Role:      "assistant",
		Content:   outcome.Clarification.Question,
		Timestamp: d.now().UTC(),
	})
	if _, err := d.store.SetAwaitingResponse(ctx, task.TaskID, *outcome.Clarification, history, outcome.Output); err != nil {
		d.logger.Error("awaiting-response transition failed", "task", task.TaskID, "error", err)
		return
	}
	d.publishActivity(events.TypeClarification, task, outcome.Clarification.Question, outcome.Clarification)
	d.logger.Info("task awaiting response", "task", task.TaskID)
}

func (d *Dispatcher) appendTaskEvent(ctx context.Context, taskID string, ev queue.Event) {
	if err := d.store.AppendEvent(ctx, taskID, ev); err != nil {
		d.logger.Warn("append task event failed", "task", taskID, "error", err)
	}
}

func (d *Dispatcher) publishActivity(t events.Type, task *queue.Task, summary string, details any) {
	ev := events.New(t, d.store.Namespace(), summary)
	ev.TaskID = task.TaskID
	ev.SessionID = task.SessionID
	if details != nil {
		// Details must be JSON-serializable for SSE delivery.
		if _, err := json.Marshal(details); err == nil {
			ev.Details = details
		}
	}
	d.publisher.Publish(ev)
}

func (d *Dispatcher) storeHint(taskID, hint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hint == "" {
		delete(d.hints, taskID)
		return
	}
	d.hints[taskID] = hint
}

func (d *Dispatcher) takeHint(taskID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	hint := d.hints[taskID]
	delete(d.hints, taskID)
	return hint
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context) {
	interval := d.cfg.Runner.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Heartbeat failures are tolerated; the record goes stale
			// if they persist.
			if err := d.store.Heartbeat(ctx, d.runnerID); err != nil {
				d.logger.Warn("heartbeat failed", "runner", d.runnerID, "error", err)
			}
		}
	}
}

// touchLoop refreshes the in-flight task row until the context is
// cancelled or the task leaves RUNNING.
func (d *Dispatcher) touchLoop(ctx context.Context, taskID string) {
	interval := d.cfg.Runner.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := d.store.TouchTask(ctx, taskID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("task heartbeat failed", "task", taskID, "error", err)
				continue
			}
			if !ok {
				return
			}
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	interval := d.cfg.Queue.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep runs the stale and awaiting-response recovery passes once.
func (d *Dispatcher) Sweep(ctx context.Context) {
	if n, err := d.store.RecoverStaleTasks(ctx, d.cfg.Queue.StaleMaxAge); err != nil {
		d.logger.Warn("stale sweep failed", "error", err)
	} else if n > 0 {
		d.logger.Info("stale tasks recovered", "count", n)
	}

	if n, err := d.store.RecoverAwaitingResponse(ctx, d.cfg.Queue.AwaitingResponseMaxAge); err != nil {
		d.logger.Warn("awaiting-response sweep failed", "error", err)
	} else if n > 0 {
		d.logger.Info("abandoned awaiting-response tasks recovered", "count", n)
	}

	if d.metrics != nil {
		counts, err := d.store.CountByStatus(ctx)
		if err != nil {
			return
		}
		for status, n := range counts {
			d.metrics.QueueDepth.WithLabelValues(d.store.Namespace(), string(status)).Set(float64(n))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ExitCode maps a one-shot execution to the CLI exit code contract.
func ExitCode(task *queue.Task, decision retry.Decision) int {
	if task == nil {
		return 4
	}
	switch decision.Action {
	case retry.ActionPass:
		return 0
	case retry.ActionEscalate:
		switch decision.FailureType {
		case retry.FailureIncomplete:
			return 1
		case retry.FailureEscalateRequired:
			return 2
		default:
			return 3
		}
	default:
		return 3
	}
}

// ErrNoTask is returned by CLI wrappers when RunOnce found nothing.
var ErrNoTask = pmerrors.ErrValidation("queue", "no queued tasks to run")
