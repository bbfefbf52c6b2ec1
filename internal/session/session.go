// Package session persists the UI-facing glue state: per-session
// conversations, the activity feed, API keys, project settings, and
// dev-console run logs. Everything lives as JSON under the state dir.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/pmrunner/internal/events"
)

// Message is one turn of a session conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the persisted record of one chat session.
type Conversation struct {
	SessionID string                 `json:"session_id"`
	Namespace string                 `json:"namespace"`
	Messages  []Message              `json:"messages"`
	Activity  []events.ActivityEvent `json:"activity,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Store reads and writes session state under stateDir.
type Store struct {
	stateDir string
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a session store rooted at stateDir.
func NewStore(stateDir string, opts ...Option) *Store {
	s := &Store{
		stateDir: stateDir,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) conversationPath(namespace, sessionID string) string {
	return filepath.Join(s.stateDir, "sessions", namespace, sessionID+".json")
}

// Conversation loads a session's conversation. A session that was never
// written returns an empty conversation, not an error.
func (s *Store) Conversation(namespace, sessionID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadConversation(namespace, sessionID)
}

func (s *Store) loadConversation(namespace, sessionID string) (*Conversation, error) {
	data, err := os.ReadFile(s.conversationPath(namespace, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			now := s.now().UTC()
			return &Conversation{
				SessionID: sessionID,
				Namespace: namespace,
				Messages:  []Message{},
				CreatedAt: now,
				UpdatedAt: now,
			}, nil
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	return &conv, nil
}

func (s *Store) saveConversation(conv *Conversation) error {
	path := s.conversationPath(conv.Namespace, conv.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create sessions directory: %w", err)
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", conv.SessionID, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write session %s: %w", conv.SessionID, err)
	}
	return nil
}

// AppendMessage appends one conversation turn and persists the session.
func (s *Store) AppendMessage(namespace, sessionID string, msg Message) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadConversation(namespace, sessionID)
	if err != nil {
		return nil, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = s.now().UTC()
	if err := s.saveConversation(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// AppendActivity records an activity event on its session. Events
// without a session ID are dropped here; the in-memory publisher is
// their only transport.
func (s *Store) AppendActivity(ev events.ActivityEvent) error {
	if ev.SessionID == "" {
		return nil
	}
	namespace := ev.ProjectID
	if namespace == "" {
		namespace = "default"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadConversation(namespace, ev.SessionID)
	if err != nil {
		return err
	}
	conv.Activity = append(conv.Activity, ev)
	conv.UpdatedAt = s.now().UTC()
	return s.saveConversation(conv)
}

// ListSessions returns the session IDs persisted for a namespace,
// newest file first.
func (s *Store) ListSessions(namespace string) ([]string, error) {
	dir := filepath.Join(s.stateDir, "sessions", namespace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	type candidate struct {
		id  string
		mod time.Time
	}
	var found []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{
			id:  strings.TrimSuffix(name, ".json"),
			mod: info.ModTime(),
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod.After(found[j].mod) })

	ids := make([]string, len(found))
	for i, c := range found {
		ids[i] = c.id
	}
	return ids, nil
}
