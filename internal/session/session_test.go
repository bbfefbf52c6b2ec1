package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/pmrunner/internal/events"
)

func frozenStore(t *testing.T) *Store {
	t.Helper()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewStore(t.TempDir(), WithClock(func() time.Time { return at }))
}

func TestConversationRoundTrip(t *testing.T) {
	s := frozenStore(t)

	conv, err := s.AppendMessage("default", "S-1", Message{Role: "user", Content: "add auth"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(conv.Messages) != 1 {
		t.Fatalf("messages = %d", len(conv.Messages))
	}
	if conv.Messages[0].Timestamp.IsZero() {
		t.Error("timestamp must be assigned")
	}

	if _, err := s.AppendMessage("default", "S-1", Message{Role: "assistant", Content: "done", TaskID: "TASK-1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	loaded, err := s.Conversation("default", "S-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("messages = %d", len(loaded.Messages))
	}
	if loaded.Messages[1].TaskID != "TASK-1" {
		t.Errorf("task id = %q", loaded.Messages[1].TaskID)
	}
}

func TestConversationNeverWrittenIsEmpty(t *testing.T) {
	s := frozenStore(t)

	conv, err := s.Conversation("default", "missing")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(conv.Messages) != 0 {
		t.Errorf("messages = %d", len(conv.Messages))
	}
}

func TestAppendActivityAttachesToSession(t *testing.T) {
	s := frozenStore(t)

	ev := events.New(events.TypeTaskStatus, "default", "task completed")
	ev.SessionID = "S-1"
	ev.ProjectID = "default"
	if err := s.AppendActivity(ev); err != nil {
		t.Fatalf("append activity: %v", err)
	}

	conv, err := s.Conversation("default", "S-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(conv.Activity) != 1 || conv.Activity[0].Summary != "task completed" {
		t.Errorf("activity = %+v", conv.Activity)
	}

	// Events with no session are transient only.
	if err := s.AppendActivity(events.New(events.TypeRunner, "default", "started")); err != nil {
		t.Fatalf("append sessionless activity: %v", err)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"sk-abcdef123456wxyz", "sk-a****wxyz"},
		{"short", "*****"},
		{"12345678", "********"},
	}
	for _, tt := range tests {
		if got := MaskKey(tt.key); got != tt.want {
			t.Errorf("MaskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestAPIKeyStore(t *testing.T) {
	s := frozenStore(t)

	entry, err := s.SetAPIKey("anthropic", "sk-abcdef123456wxyz")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !entry.Configured || entry.Masked != "sk-a****wxyz" {
		t.Errorf("entry = %+v", entry)
	}

	got, err := s.APIKey("anthropic")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Key != "sk-abcdef123456wxyz" {
		t.Errorf("key = %q", got.Key)
	}

	masked, err := s.MaskedAPIKeys()
	if err != nil {
		t.Fatalf("masked: %v", err)
	}
	if masked["anthropic"].Key != "" {
		t.Error("masked listing must not expose the raw key")
	}
	if masked["anthropic"].Masked != "sk-a****wxyz" {
		t.Errorf("masked = %q", masked["anthropic"].Masked)
	}

	// Unconfigured providers read back as zero entries.
	none, err := s.APIKey("openai")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if none.Configured {
		t.Error("missing provider must not be configured")
	}

	// The key file is owner-only.
	info, err := os.Stat(filepath.Join(s.stateDir, APIKeysFileName))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("api-keys.json mode = %o, want 600", perm)
	}
}

func TestProjectSettingsFallback(t *testing.T) {
	s := frozenStore(t)

	// Defaults: supervisor enabled globally, no overrides.
	global, err := s.GlobalSettings()
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if !global.Enabled {
		t.Error("supervisor must default to enabled")
	}

	got, err := s.ProjectSettings("proj-a")
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !got.Enabled {
		t.Error("project without override must inherit global")
	}

	if err := s.SetProjectSettings("proj-a", SupervisorSettings{
		Enabled:           false,
		TimeoutProfilesMs: map[string]int{"READ_INFO": 60000},
	}); err != nil {
		t.Fatalf("set project: %v", err)
	}

	got, err = s.ProjectSettings("proj-a")
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if got.Enabled || got.TimeoutProfilesMs["READ_INFO"] != 60000 {
		t.Errorf("settings = %+v", got)
	}

	// Other projects still see global.
	other, err := s.ProjectSettings("proj-b")
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !other.Enabled {
		t.Error("unrelated project must inherit global")
	}
}

func TestToggleGlobal(t *testing.T) {
	s := frozenStore(t)

	enabled, err := s.ToggleGlobal()
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if enabled {
		t.Error("first toggle from the enabled default must disable")
	}
	enabled, err = s.ToggleGlobal()
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !enabled {
		t.Error("second toggle must re-enable")
	}
}

func TestRunLogLifecycle(t *testing.T) {
	s := frozenStore(t)

	run, err := s.StartRun("default", "npm test")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != RunRunning {
		t.Errorf("status = %s", run.Status)
	}

	if err := s.AppendRunLog("default", run.RunID, "stdout", "1 passing"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	if err := s.AppendRunLog("default", run.RunID, "stderr", "warn: deprecated"); err != nil {
		t.Fatalf("append log: %v", err)
	}

	finished, err := s.FinishRun("default", run.RunID, 0)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.Status != RunFinished || finished.ExitCode == nil || *finished.ExitCode != 0 {
		t.Errorf("finished = %+v", finished)
	}

	ids, err := s.Runs("default")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(ids) != 1 || ids[0] != run.RunID {
		t.Errorf("index = %v", ids)
	}

	lines, err := s.RunLog("default", run.RunID)
	if err != nil {
		t.Fatalf("run log: %v", err)
	}
	if len(lines) != 2 || lines[1].Stream != "stderr" {
		t.Errorf("lines = %+v", lines)
	}
}
