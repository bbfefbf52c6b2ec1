package db

import (
	"context"
	"testing"
	"time"
)

func makeTask(ns, id, status string, created time.Time) *TaskRow {
	ts := FormatTime(created)
	return &TaskRow{
		Namespace:   ns,
		TaskID:      id,
		TaskGroupID: "G-1",
		SessionID:   "S-1",
		Status:      status,
		TaskType:    "IMPLEMENTATION",
		Prompt:      "do the thing",
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}

func TestInsertAndGetTask(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()

	now := time.Now()
	if err := d.InsertTask(ctx, makeTask("default", "TASK-001", "QUEUED", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := d.GetTask(ctx, "default", "TASK-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if got.Status != "QUEUED" || got.Prompt != "do the thing" {
		t.Errorf("unexpected row: %+v", got)
	}

	// Other namespace sees nothing.
	other, err := d.GetTask(ctx, "acme", "TASK-001")
	if err != nil {
		t.Fatalf("get other ns: %v", err)
	}
	if other != nil {
		t.Error("namespace isolation violated")
	}
}

func TestListQueuedOrdersByCreatedAt(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"TASK-C", "TASK-A", "TASK-B"} {
		offsets := []time.Duration{2 * time.Second, 0, time.Second}
		if err := d.InsertTask(ctx, makeTask("default", id, "QUEUED", base.Add(offsets[i]))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	tasks, err := d.ListQueued(ctx, "default", 10)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].TaskID != "TASK-A" || tasks[1].TaskID != "TASK-B" || tasks[2].TaskID != "TASK-C" {
		t.Errorf("wrong order: %s, %s, %s", tasks[0].TaskID, tasks[1].TaskID, tasks[2].TaskID)
	}
}

func TestUpdateTaskIfConditionalSemantics(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()

	if err := d.InsertTask(ctx, makeTask("default", "TASK-001", "QUEUED", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	running := "RUNNING"
	ok, err := d.UpdateTaskIf(ctx, "default", "TASK-001", []string{"QUEUED"}, TaskSet{
		Status:    &running,
		UpdatedAt: FormatTime(time.Now()),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !ok {
		t.Fatal("first conditional update should succeed")
	}

	// Condition no longer met: the task is RUNNING now.
	ok, err = d.UpdateTaskIf(ctx, "default", "TASK-001", []string{"QUEUED"}, TaskSet{
		Status:    &running,
		UpdatedAt: FormatTime(time.Now()),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok {
		t.Fatal("second conditional update must miss")
	}
}

func TestListByStatusOlderThan(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-10 * time.Minute)
	fresh := time.Now()
	if err := d.InsertTask(ctx, makeTask("default", "TASK-OLD", "RUNNING", old)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := d.InsertTask(ctx, makeTask("default", "TASK-NEW", "RUNNING", fresh)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cutoff := FormatTime(time.Now().Add(-5 * time.Minute))
	stale, err := d.ListByStatusOlderThan(ctx, "default", "RUNNING", cutoff)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].TaskID != "TASK-OLD" {
		t.Errorf("expected only TASK-OLD, got %+v", stale)
	}
}

func TestTimeFormatOrdersLexically(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 1, 0, time.UTC)
	later := base.Add(500 * time.Millisecond)

	// RFC3339Nano would render base as ...:01Z and later as ...:01.5Z,
	// which compare the wrong way as strings. The fixed-width format
	// must not have that problem.
	if !(FormatTime(base) < FormatTime(later)) {
		t.Errorf("timestamps must order lexically: %q vs %q", FormatTime(base), FormatTime(later))
	}
}

func TestRunnerCRUD(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()

	now := time.Now()
	r := &RunnerRow{
		Namespace:     "default",
		RunnerID:      "runner-1",
		Status:        "RUNNING",
		ProjectRoot:   "/work",
		StartedAt:     FormatTime(now),
		LastHeartbeat: FormatTime(now),
	}
	if err := d.UpsertRunner(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hb := FormatTime(now.Add(time.Minute))
	if err := d.TouchRunner(ctx, "default", "runner-1", hb); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, err := d.GetRunner(ctx, "default", "runner-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastHeartbeat != hb {
		t.Errorf("heartbeat not updated: %s", got.LastHeartbeat)
	}

	counts, err := d.CountAliveRunners(ctx, FormatTime(now))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["default"] != 1 {
		t.Errorf("expected 1 alive runner, got %d", counts["default"])
	}
}
