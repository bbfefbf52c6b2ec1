package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/pmrunner/internal/db"
	pmerrors "github.com/randalmurphal/pmrunner/internal/errors"
)

// DefaultClaimBatch is how many QUEUED candidates a claim fetches.
const DefaultClaimBatch = 10

// Store is the durable queue for one namespace. All reads and writes
// are scoped to the namespace; cross-namespace access goes through the
// Admin methods only.
type Store struct {
	db         *db.DB
	namespace  string
	claimBatch int
	logger     *slog.Logger
	now        func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClaimBatch sets the claim candidate batch size.
func WithClaimBatch(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.claimBatch = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a queue store bound to a namespace.
func NewStore(d *db.DB, namespace string, opts ...StoreOption) *Store {
	s := &Store{
		db:         d,
		namespace:  namespace,
		claimBatch: DefaultClaimBatch,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the namespace this store is bound to.
func (s *Store) Namespace() string {
	return s.namespace
}

// EnqueueRequest describes a task to enqueue.
type EnqueueRequest struct {
	SessionID   string
	TaskGroupID string
	Prompt      string
	TaskType    TaskType
	ColorTag    string
}

// Enqueue persists a new QUEUED task and returns it.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error) {
	if req.Prompt == "" {
		return nil, pmerrors.ErrValidation("prompt", "must not be empty")
	}
	if req.TaskType == "" {
		req.TaskType = TaskTypeImplementation
	}
	if req.TaskGroupID == "" {
		req.TaskGroupID = uuid.NewString()
	}

	now := s.now().UTC()
	t := &Task{
		Namespace:   s.namespace,
		TaskID:      uuid.NewString(),
		TaskGroupID: req.TaskGroupID,
		SessionID:   req.SessionID,
		Status:      StatusQueued,
		TaskType:    req.TaskType,
		ColorTag:    req.ColorTag,
		Prompt:      req.Prompt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.db.InsertTask(ctx, taskToRow(t)); err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}

	s.logger.Info("task enqueued",
		"namespace", s.namespace,
		"task", t.TaskID,
		"group", t.TaskGroupID,
		"type", t.TaskType,
	)
	return t, nil
}

// Get retrieves a task by ID.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	row, err := s.db.GetTask(ctx, s.namespace, taskID)
	if err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}
	if row == nil {
		return nil, pmerrors.ErrTaskNotFound(s.namespace, taskID)
	}
	return rowToTask(row)
}

// ClaimResult is the outcome of a claim attempt.
type ClaimResult struct {
	OK   bool
	Task *Task
}

// Claim attempts to take the oldest QUEUED task for this namespace.
// The QUEUED→RUNNING move is a conditional update on the stored status;
// a miss means another worker won the race and the caller simply tries
// again later. Any storage error fails closed with OK=false.
func (s *Store) Claim(ctx context.Context) (ClaimResult, error) {
	candidates, err := s.db.ListQueued(ctx, s.namespace, s.claimBatch)
	if err != nil {
		return ClaimResult{}, pmerrors.ErrStorageUnavailable(err)
	}
	if len(candidates) == 0 {
		return ClaimResult{}, nil
	}

	cand := candidates[0]
	running := string(StatusRunning)
	ok, err := s.db.UpdateTaskIf(ctx, s.namespace, cand.TaskID,
		[]string{string(StatusQueued)},
		db.TaskSet{
			Status:    &running,
			UpdatedAt: s.nextUpdatedAt(cand.UpdatedAt),
		})
	if err != nil {
		return ClaimResult{}, pmerrors.ErrStorageUnavailable(err)
	}
	if !ok {
		// Claimed by another worker between the scan and the update.
		return ClaimResult{}, nil
	}

	claimed, err := s.Get(ctx, cand.TaskID)
	if err != nil {
		return ClaimResult{}, err
	}
	s.logger.Info("task claimed", "namespace", s.namespace, "task", claimed.TaskID)
	return ClaimResult{OK: true, Task: claimed}, nil
}

// TouchTask refreshes a RUNNING task's updated_at. The owning runner
// calls this periodically while the executor works, so the stale
// sweeper never reclaims a task that is still in flight. Returns false
// when the task has already left RUNNING.
func (s *Store) TouchTask(ctx context.Context, taskID string) (bool, error) {
	row, err := s.db.GetTask(ctx, s.namespace, taskID)
	if err != nil {
		return false, pmerrors.ErrStorageUnavailable(err)
	}
	if row == nil {
		return false, pmerrors.ErrTaskNotFound(s.namespace, taskID)
	}
	if Status(row.Status) != StatusRunning {
		return false, nil
	}

	ok, err := s.db.UpdateTaskIf(ctx, s.namespace, taskID,
		[]string{string(StatusRunning)},
		db.TaskSet{UpdatedAt: s.nextUpdatedAt(row.UpdatedAt)})
	if err != nil {
		return false, pmerrors.ErrStorageUnavailable(err)
	}
	return ok, nil
}

// StatusUpdate carries the optional fields of a status change.
type StatusUpdate struct {
	ErrorMessage string
	Output       string
}

// UpdateStatus transitions a task to a new status, validating against
// the state machine. Empty optional fields are left untouched.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, to Status, upd StatusUpdate) (*Task, error) {
	return s.transition(ctx, taskID, to, func(set *db.TaskSet) {
		if upd.ErrorMessage != "" {
			set.ErrorMessage = &upd.ErrorMessage
		}
		if upd.Output != "" {
			set.Output = &upd.Output
		}
	})
}

// UpdateStatusWithValidation attempts a transition and reports whether
// it was allowed. Disallowed transitions return ok=false together with
// the structured InvalidTransition error, and leave the record intact.
func (s *Store) UpdateStatusWithValidation(ctx context.Context, taskID string, to Status) (bool, error) {
	_, err := s.transition(ctx, taskID, to, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

// transition performs a validated compare-and-set status change.
func (s *Store) transition(ctx context.Context, taskID string, to Status, mutate func(*db.TaskSet)) (*Task, error) {
	row, err := s.db.GetTask(ctx, s.namespace, taskID)
	if err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}
	if row == nil {
		return nil, pmerrors.ErrTaskNotFound(s.namespace, taskID)
	}

	from := Status(row.Status)
	if !CanTransition(from, to) {
		return nil, pmerrors.ErrInvalidTransition(taskID, string(from), string(to))
	}

	toStr := string(to)
	set := db.TaskSet{
		Status:    &toStr,
		UpdatedAt: s.nextUpdatedAt(row.UpdatedAt),
	}
	if mutate != nil {
		mutate(&set)
	}

	ok, err := s.db.UpdateTaskIf(ctx, s.namespace, taskID, []string{string(from)}, set)
	if err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}
	if !ok {
		// The status moved under us; surface as a conflict so callers
		// re-fetch and decide.
		return nil, pmerrors.ErrClaimConflict(taskID)
	}

	s.logger.Info("task status changed",
		"namespace", s.namespace,
		"task", taskID,
		"from", from,
		"to", to,
	)
	return s.Get(ctx, taskID)
}

// SetAwaitingResponse parks a RUNNING task until the user answers the
// clarification. Conversation history is preserved and extended.
func (s *Store) SetAwaitingResponse(ctx context.Context, taskID string, c Clarification, history []Message, output string) (*Task, error) {
	clarJSON, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal clarification: %w", err)
	}

	return s.transition(ctx, taskID, StatusAwaitingResponse, func(set *db.TaskSet) {
		cs := string(clarJSON)
		set.Clarification = &cs
		if history != nil {
			if hj, err := json.Marshal(history); err == nil {
				hs := string(hj)
				set.ConversationHistory = &hs
			}
		}
		if output != "" {
			set.Output = &output
		}
	})
}

// ResumeWithResponse appends the user's answer to the conversation
// history and re-queues the task for the dispatcher.
func (s *Store) ResumeWithResponse(ctx context.Context, taskID, userText string) (*Task, error) {
	if userText == "" {
		return nil, pmerrors.ErrValidation("response", "must not be empty")
	}

	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusAwaitingResponse {
		return nil, pmerrors.ErrInvalidTransition(taskID, string(t.Status), string(StatusQueued))
	}

	history := append(t.ConversationHistory, Message{
		Role:      "user",
		Content:   userText,
		Timestamp: s.now().UTC(),
	})

	return s.transition(ctx, taskID, StatusQueued, func(set *db.TaskSet) {
		if hj, err := json.Marshal(history); err == nil {
			hs := string(hj)
			set.ConversationHistory = &hs
		}
	})
}

// AppendEvent attaches a progress event to a task. Appends are allowed
// on terminal tasks; history is never reordered or truncated.
func (s *Store) AppendEvent(ctx context.Context, taskID string, event Event) error {
	row, err := s.db.GetTask(ctx, s.namespace, taskID)
	if err != nil {
		return pmerrors.ErrStorageUnavailable(err)
	}
	if row == nil {
		return pmerrors.ErrTaskNotFound(s.namespace, taskID)
	}

	var events []Event
	if row.Events.Valid && row.Events.String != "" {
		if err := json.Unmarshal([]byte(row.Events.String), &events); err != nil {
			return fmt.Errorf("decode events: %w", err)
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	events = append(events, event)

	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	if err := s.db.AppendTaskEvents(ctx, s.namespace, taskID, string(data)); err != nil {
		if err == sql.ErrNoRows {
			return pmerrors.ErrTaskNotFound(s.namespace, taskID)
		}
		return pmerrors.ErrStorageUnavailable(err)
	}
	return nil
}

// RecoverStaleTasks sweeps RUNNING tasks whose updated_at is older than
// maxAge and marks them ERROR. Idempotent: a task already moved on is
// skipped by the conditional update.
func (s *Store) RecoverStaleTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := db.FormatTime(s.now().Add(-maxAge))
	stale, err := s.db.ListByStatusOlderThan(ctx, s.namespace, string(StatusRunning), cutoff)
	if err != nil {
		return 0, pmerrors.ErrStorageUnavailable(err)
	}

	recovered := 0
	for _, row := range stale {
		// Round, not truncate: updated_at can carry a nanosecond bump
		// from nextUpdatedAt.
		age := int(s.now().UTC().Sub(mustParseTime(row.UpdatedAt)).Round(time.Second).Seconds())
		msg := fmt.Sprintf("Task stale: running for %ds without completion", age)
		errStatus := string(StatusError)
		ok, err := s.db.UpdateTaskIf(ctx, s.namespace, row.TaskID,
			[]string{string(StatusRunning)},
			db.TaskSet{
				Status:       &errStatus,
				ErrorMessage: &msg,
				UpdatedAt:    s.nextUpdatedAt(row.UpdatedAt),
			})
		if err != nil {
			return recovered, pmerrors.ErrStorageUnavailable(err)
		}
		if ok {
			recovered++
			s.logger.Warn("stale task recovered", "namespace", s.namespace, "task", row.TaskID, "age_seconds", age)
		}
	}
	return recovered, nil
}

// RecoverAwaitingResponse sweeps AWAITING_RESPONSE tasks that waited
// longer than maxAge for a user answer and marks them ERROR.
func (s *Store) RecoverAwaitingResponse(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := db.FormatTime(s.now().Add(-maxAge))
	waiting, err := s.db.ListByStatusOlderThan(ctx, s.namespace, string(StatusAwaitingResponse), cutoff)
	if err != nil {
		return 0, pmerrors.ErrStorageUnavailable(err)
	}

	recovered := 0
	for _, row := range waiting {
		age := int(s.now().UTC().Sub(mustParseTime(row.UpdatedAt)).Round(time.Second).Seconds())
		msg := fmt.Sprintf("Task abandoned: awaiting response for %ds without resume", age)
		errStatus := string(StatusError)
		ok, err := s.db.UpdateTaskIf(ctx, s.namespace, row.TaskID,
			[]string{string(StatusAwaitingResponse)},
			db.TaskSet{
				Status:       &errStatus,
				ErrorMessage: &msg,
				UpdatedAt:    s.nextUpdatedAt(row.UpdatedAt),
			})
		if err != nil {
			return recovered, pmerrors.ErrStorageUnavailable(err)
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

// ListGroup returns all tasks in a task group, oldest first.
func (s *Store) ListGroup(ctx context.Context, groupID string) ([]*Task, error) {
	rows, err := s.db.ListByGroup(ctx, s.namespace, groupID)
	if err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}
	return rowsToTasks(rows)
}

// ListSession returns all tasks for a session, oldest first.
func (s *Store) ListSession(ctx context.Context, sessionID string) ([]*Task, error) {
	rows, err := s.db.ListBySession(ctx, s.namespace, sessionID)
	if err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}
	return rowsToTasks(rows)
}

// ListRecent returns up to limit tasks for this namespace, newest
// first. Limit <= 0 defaults to 100.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.ListRecent(ctx, s.namespace, limit)
	if err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}
	return rowsToTasks(rows)
}

// CountByStatus returns task counts per status for this namespace.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	raw, err := s.db.CountByStatus(ctx, s.namespace)
	if err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}
	counts := make(map[Status]int, len(raw))
	for k, v := range raw {
		counts[Status(k)] = v
	}
	return counts, nil
}

// nextUpdatedAt produces an updated_at strictly after the previous one,
// so updated_at advances monotonically on every write even when the
// wall clock does not.
func (s *Store) nextUpdatedAt(prev string) string {
	now := db.FormatTime(s.now())
	if now > prev {
		return now
	}
	prevT := mustParseTime(prev)
	return db.FormatTime(prevT.Add(time.Nanosecond))
}

func mustParseTime(v string) time.Time {
	t, err := db.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}
