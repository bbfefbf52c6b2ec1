//go:build !windows

package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/pmrunner/internal/config"
	"github.com/randalmurphal/pmrunner/internal/queue"
	"github.com/randalmurphal/pmrunner/internal/retry"
	"github.com/randalmurphal/pmrunner/internal/stream"
	"github.com/randalmurphal/pmrunner/internal/supervisor"
)

func fakeExecutor(t *testing.T, script string) (*Client, *stream.Log, *SupLog) {
	t.Helper()
	out := stream.NewLog("S-1", 1000)
	sup, err := supervisor.New(config.ExecutorConfig{
		Command:     "sh",
		Args:        []string{"-c", script},
		StopTimeout: 5 * time.Second,
	}, t.TempDir(), out)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	suplog := NewSupLog(100)
	return NewClient(sup, out, suplog, nil), out, suplog
}

func testTask() *queue.Task {
	return &queue.Task{
		Namespace: "default",
		TaskID:    "TASK-1",
		TaskType:  queue.TaskTypeImplementation,
		Prompt:    "do the thing",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestInvokeParsesResult(t *testing.T) {
	script := `read line
echo '{"type":"output","stream":"stdout","text":"working on it"}'
echo '{"type":"log","category":"EXECUTION_START","message":"beginning"}'
echo '{"type":"result","status":"PASS","output":"all done"}'
sleep 60`
	c, out, suplog := fakeExecutor(t, script)

	outcome, err := c.Invoke(context.Background(), testTask(), 10*time.Second, "")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if outcome.Result == nil {
		t.Fatal("expected a result")
	}
	if outcome.Result.Status != retry.ResultPass {
		t.Errorf("status = %s", outcome.Result.Status)
	}
	if outcome.Result.Output != "all done" {
		t.Errorf("output = %q", outcome.Result.Output)
	}

	chunks := out.GetByTaskID("TASK-1")
	if len(chunks) != 1 || chunks[0].Text != "working on it" {
		t.Errorf("chunks = %+v", chunks)
	}
	if chunks[0].TaskCreatedAt.IsZero() {
		t.Error("chunk must carry the task creation time for the stale filter")
	}

	entries := suplog.GetByTaskID("TASK-1")
	if len(entries) != 1 || entries[0].Category != CategoryExecutionStart {
		t.Errorf("suplog = %+v", entries)
	}
}

func TestInvokeParsesClarification(t *testing.T) {
	script := `read line
echo '{"type":"clarification","question":"Which env?","options":["staging","prod"]}'
sleep 60`
	c, _, _ := fakeExecutor(t, script)

	outcome, err := c.Invoke(context.Background(), testTask(), 10*time.Second, "")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if outcome.Clarification == nil {
		t.Fatal("expected a clarification")
	}
	if outcome.Clarification.Question != "Which env?" {
		t.Errorf("question = %q", outcome.Clarification.Question)
	}
	if len(outcome.Clarification.Options) != 2 {
		t.Errorf("options = %v", outcome.Clarification.Options)
	}
}

func TestInvokeCollectsOutputWhileStreaming(t *testing.T) {
	// The executor keeps emitting after the result line, so the line
	// handler is still appending while Invoke assembles the output.
	script := `read line
i=0
while [ $i -lt 50 ]; do
  echo "{\"type\":\"output\",\"stream\":\"stdout\",\"text\":\"line $i\"}"
  i=$((i+1))
done
echo '{"type":"result","status":"PASS","output":""}'
while true; do
  echo '{"type":"output","stream":"stdout","text":"late line"}'
done`
	c, _, _ := fakeExecutor(t, script)

	outcome, err := c.Invoke(context.Background(), testTask(), 10*time.Second, "")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if outcome.Result == nil || outcome.Result.Status != retry.ResultPass {
		t.Fatalf("outcome = %+v", outcome)
	}
	if !strings.Contains(outcome.Output, "line 0") || !strings.Contains(outcome.Output, "line 49") {
		t.Errorf("output lost streamed lines: %q", outcome.Output)
	}
}

func TestInvokeTimeoutStopsExecutor(t *testing.T) {
	script := `read line
sleep 60`
	c, out, _ := fakeExecutor(t, script)

	start := time.Now()
	outcome, err := c.Invoke(context.Background(), testTask(), 300*time.Millisecond, "")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if outcome.Result == nil || outcome.Result.Status != retry.ResultTimeout {
		t.Fatalf("expected TIMEOUT result, got %+v", outcome.Result)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if st := c.sup.Status(); st.IsRunning {
		t.Error("executor must be stopped after a timeout")
	}

	// A system chunk marks the timeout in the output log.
	var sawSystem bool
	for _, chunk := range out.GetByTaskID("TASK-1") {
		if chunk.Stream == stream.KindSystem {
			sawSystem = true
		}
	}
	if !sawSystem {
		t.Error("expected a system chunk for the timeout")
	}
}

func TestParseLineFallsBackToPlainOutput(t *testing.T) {
	p := parseLine("TASK-1", "not json at all")
	if p.kind != lineOutput || p.text != "not json at all" {
		t.Errorf("parsed = %+v", p)
	}

	// A result with no status is not trusted.
	p = parseLine("TASK-1", `{"type":"result","output":"x"}`)
	if p.result == nil || p.result.Status != retry.ResultError {
		t.Errorf("statusless result = %+v", p.result)
	}
}

func TestEncodeTaskRequestCarriesHistoryAndHint(t *testing.T) {
	task := testTask()
	task.ConversationHistory = []queue.Message{{Role: "user", Content: "original ask"}}

	line, err := EncodeTaskRequest(task, "be more thorough")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for _, want := range []string{`"task_id":"TASK-1"`, `"modification_hint":"be more thorough"`, `"original ask"`} {
		if !strings.Contains(line, want) {
			t.Errorf("request %q missing %q", line, want)
		}
	}
}

func TestSupLogBoundsAndFilters(t *testing.T) {
	l := NewSupLog(3)
	for i := 0; i < 5; i++ {
		l.Append(CategoryValidation, "TASK-1", "check")
	}
	l.Append(CategoryError, "TASK-2", "boom")

	recent := l.GetRecent(10)
	if len(recent) != 3 {
		t.Fatalf("retained = %d, want 3", len(recent))
	}
	if recent[2].Category != CategoryError {
		t.Errorf("newest entry = %+v", recent[2])
	}

	if got := l.GetByTaskID("TASK-2"); len(got) != 1 {
		t.Errorf("task filter = %+v", got)
	}
	if got := l.GetSince(4); len(got) != 2 {
		t.Errorf("getSince(4) = %d entries", len(got))
	}
}
