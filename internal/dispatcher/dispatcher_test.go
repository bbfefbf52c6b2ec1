//go:build !windows

package dispatcher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/pmrunner/internal/config"
	"github.com/randalmurphal/pmrunner/internal/db"
	"github.com/randalmurphal/pmrunner/internal/events"
	"github.com/randalmurphal/pmrunner/internal/executor"
	"github.com/randalmurphal/pmrunner/internal/queue"
	"github.com/randalmurphal/pmrunner/internal/retry"
	"github.com/randalmurphal/pmrunner/internal/stream"
	"github.com/randalmurphal/pmrunner/internal/supervisor"
)

func newTestDispatcher(t *testing.T, script string) (*Dispatcher, *queue.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.Executor.Command = "sh"
	cfg.Executor.Args = []string{"-c", script}
	cfg.Executor.StopTimeout = 5 * time.Second
	// Keep retries fast in tests.
	cfg.Retry.Backoff = config.BackoffConfig{
		Strategy:       config.BackoffFixed,
		InitialDelayMs: 1,
		MaxDelayMs:     10,
	}

	store := queue.NewStore(db.NewTestDB(t), "default")
	out := stream.NewLog("S-1", 1000)
	sup, err := supervisor.New(cfg.Executor, t.TempDir(), out)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	client := executor.NewClient(sup, out, executor.NewSupLog(100), nil)
	retries := retry.NewManager(cfg.Retry, t.TempDir())
	d := New(cfg, store, client, retries, events.NewNopPublisher())
	return d, store
}

func enqueue(t *testing.T, store *queue.Store, prompt string) *queue.Task {
	t.Helper()
	task, err := store.Enqueue(context.Background(), queue.EnqueueRequest{Prompt: prompt})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func TestRunOnceCompletesTask(t *testing.T) {
	script := `while read line; do
  echo '{"type":"output","stream":"stdout","text":"working"}'
  echo '{"type":"result","status":"PASS","output":"finished"}'
done`
	d, store := newTestDispatcher(t, script)
	ctx := context.Background()

	enqueued := enqueue(t, store, "build the feature")

	task, decision, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if task == nil || task.TaskID != enqueued.TaskID {
		t.Fatalf("ran wrong task: %+v", task)
	}
	if decision.Action != retry.ActionPass {
		t.Errorf("decision = %s", decision.Action)
	}

	final, err := store.Get(ctx, enqueued.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != queue.StatusComplete {
		t.Errorf("status = %s, want COMPLETE", final.Status)
	}
	if final.Output != "finished" {
		t.Errorf("output = %q", final.Output)
	}
	if ExitCode(task, decision) != 0 {
		t.Errorf("exit code = %d, want 0", ExitCode(task, decision))
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	d, _ := newTestDispatcher(t, `while read line; do :; done`)

	task, _, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if task != nil {
		t.Errorf("expected no task, got %+v", task)
	}
}

func TestRetriesWithinClaimThenCompletes(t *testing.T) {
	script := `n=0
while read line; do
  n=$((n+1))
  if [ $n -lt 3 ]; then
    echo '{"type":"result","status":"FAIL","output":"partial ..."}'
  else
    echo '{"type":"result","status":"PASS","output":"complete file"}'
  fi
done`
	d, store := newTestDispatcher(t, script)
	ctx := context.Background()

	enqueued := enqueue(t, store, "write the file")

	_, decision, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if decision.Action != retry.ActionPass {
		t.Fatalf("decision = %s", decision.Action)
	}

	final, err := store.Get(ctx, enqueued.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != queue.StatusComplete {
		t.Errorf("status = %s", final.Status)
	}

	// Two failed attempts were recorded before the pass.
	h := d.retries.History(enqueued.TaskID)
	if h.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", h.RetryCount)
	}

	// Retry events were appended to the task record.
	var retryEvents int
	for _, ev := range final.Events {
		if ev.Type == "RETRY" {
			retryEvents++
		}
	}
	if retryEvents != 2 {
		t.Errorf("retry events = %d, want 2", retryEvents)
	}
}

func TestFatalErrorEscalates(t *testing.T) {
	script := `while read line; do
  echo '{"type":"result","status":"ERROR","error":"401 unauthorized"}'
done`
	d, store := newTestDispatcher(t, script)
	ctx := context.Background()

	enqueued := enqueue(t, store, "call the api")

	task, decision, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if decision.Action != retry.ActionEscalate {
		t.Fatalf("decision = %s", decision.Action)
	}
	if decision.Report == nil || decision.Report.Reason.Type != retry.ReasonFatalError {
		t.Errorf("report = %+v", decision.Report)
	}

	final, err := store.Get(ctx, enqueued.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != queue.StatusError {
		t.Errorf("status = %s", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "credentials") {
		t.Errorf("error message = %q", final.ErrorMessage)
	}

	// An escalation event carrying the report lands on the task.
	var sawEscalation bool
	for _, ev := range final.Events {
		if ev.Type == "ESCALATION" {
			sawEscalation = true
		}
	}
	if !sawEscalation {
		t.Error("expected an ESCALATION task event")
	}

	if ExitCode(task, decision) != 3 {
		t.Errorf("exit code = %d, want 3", ExitCode(task, decision))
	}
}

func TestClarificationParksTask(t *testing.T) {
	script := `while read line; do
  echo '{"type":"clarification","question":"Which database?","options":["postgres","sqlite"]}'
done`
	d, store := newTestDispatcher(t, script)
	ctx := context.Background()

	enqueued := enqueue(t, store, "migrate the schema")

	_, _, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	final, err := store.Get(ctx, enqueued.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != queue.StatusAwaitingResponse {
		t.Fatalf("status = %s, want AWAITING_RESPONSE", final.Status)
	}
	if final.Clarification == nil || final.Clarification.Question != "Which database?" {
		t.Errorf("clarification = %+v", final.Clarification)
	}

	// The question became part of the conversation history.
	last := final.ConversationHistory[len(final.ConversationHistory)-1]
	if last.Role != "assistant" || last.Content != "Which database?" {
		t.Errorf("history tail = %+v", last)
	}

	// Answering re-queues it for the next claim.
	resumed, err := store.ResumeWithResponse(ctx, enqueued.TaskID, "sqlite")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != queue.StatusQueued {
		t.Errorf("resumed status = %s", resumed.Status)
	}
}

func TestExitCodeMapping(t *testing.T) {
	task := &queue.Task{TaskID: "TASK-1"}
	tests := []struct {
		decision retry.Decision
		want     int
	}{
		{retry.Decision{Action: retry.ActionPass}, 0},
		{retry.Decision{Action: retry.ActionEscalate, FailureType: retry.FailureIncomplete}, 1},
		{retry.Decision{Action: retry.ActionEscalate, FailureType: retry.FailureEscalateRequired}, 2},
		{retry.Decision{Action: retry.ActionEscalate, FailureType: retry.FailureFatal}, 3},
	}
	for _, tt := range tests {
		if got := ExitCode(task, tt.decision); got != tt.want {
			t.Errorf("ExitCode(%s/%s) = %d, want %d", tt.decision.Action, tt.decision.FailureType, got, tt.want)
		}
	}
	if ExitCode(nil, retry.Decision{}) != 4 {
		t.Error("no task must map to exit code 4")
	}
}
