package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/randalmurphal/pmrunner/internal/db"
	pmerrors "github.com/randalmurphal/pmrunner/internal/errors"
)

// RegisterRunner records this dispatcher process as RUNNING with a
// fresh heartbeat.
func (s *Store) RegisterRunner(ctx context.Context, runnerID, projectRoot string) error {
	now := db.FormatTime(s.now())
	err := s.db.UpsertRunner(ctx, &db.RunnerRow{
		Namespace:     s.namespace,
		RunnerID:      runnerID,
		Status:        string(RunnerRunning),
		ProjectRoot:   projectRoot,
		StartedAt:     now,
		LastHeartbeat: now,
	})
	if err != nil {
		return pmerrors.ErrStorageUnavailable(err)
	}
	s.logger.Info("runner registered", "namespace", s.namespace, "runner", runnerID)
	return nil
}

// Heartbeat refreshes this runner's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, runnerID string) error {
	if err := s.db.TouchRunner(ctx, s.namespace, runnerID, db.FormatTime(s.now())); err != nil {
		return pmerrors.ErrStorageUnavailable(err)
	}
	return nil
}

// DeregisterRunner marks this runner STOPPED. The record stays for
// status queries; it just stops counting as alive.
func (s *Store) DeregisterRunner(ctx context.Context, runnerID string) error {
	err := s.db.SetRunnerStatus(ctx, s.namespace, runnerID, string(RunnerStopped), db.FormatTime(s.now()))
	if err != nil {
		return pmerrors.ErrStorageUnavailable(err)
	}
	s.logger.Info("runner deregistered", "namespace", s.namespace, "runner", runnerID)
	return nil
}

// Runners returns all runner records for this namespace.
func (s *Store) Runners(ctx context.Context) ([]*Runner, error) {
	rows, err := s.db.ListRunners(ctx, s.namespace)
	if err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}
	return runnerRowsToRunners(rows)
}

// Admin exposes cross-namespace summaries. Regular task access stays
// namespace-scoped through Store.
type Admin struct {
	db  *db.DB
	now func() time.Time
}

// NewAdmin creates an admin view over the shared database.
func NewAdmin(d *db.DB) *Admin {
	return &Admin{db: d, now: time.Now}
}

// Namespaces lists every namespace that has at least one task.
func (a *Admin) Namespaces(ctx context.Context) ([]string, error) {
	namespaces, err := a.db.ListNamespaces(ctx)
	if err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}
	return namespaces, nil
}

// NamespaceSummary aggregates a namespace's queue and runner state.
type NamespaceSummary struct {
	Namespace    string         `json:"namespace"`
	TaskCounts   map[Status]int `json:"task_counts"`
	AliveRunners int            `json:"alive_runners"`
}

// Summaries returns one summary per namespace. Runners count as alive
// when their heartbeat is within heartbeatTimeout.
func (a *Admin) Summaries(ctx context.Context, heartbeatTimeout time.Duration) ([]NamespaceSummary, error) {
	namespaces, err := a.Namespaces(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := db.FormatTime(a.now().Add(-heartbeatTimeout))
	alive, err := a.db.CountAliveRunners(ctx, cutoff)
	if err != nil {
		return nil, pmerrors.ErrStorageUnavailable(err)
	}

	summaries := make([]NamespaceSummary, 0, len(namespaces))
	for _, ns := range namespaces {
		raw, err := a.db.CountByStatus(ctx, ns)
		if err != nil {
			return nil, pmerrors.ErrStorageUnavailable(err)
		}
		counts := make(map[Status]int, len(raw))
		for k, v := range raw {
			counts[Status(k)] = v
		}
		summaries = append(summaries, NamespaceSummary{
			Namespace:    ns,
			TaskCounts:   counts,
			AliveRunners: alive[ns],
		})
	}
	return summaries, nil
}

func runnerRowsToRunners(rows []db.RunnerRow) ([]*Runner, error) {
	runners := make([]*Runner, 0, len(rows))
	for i := range rows {
		r, err := runnerRowToRunner(&rows[i])
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, nil
}

func runnerRowToRunner(row *db.RunnerRow) (*Runner, error) {
	startedAt, err := db.ParseTime(row.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at for runner %s: %w", row.RunnerID, err)
	}
	heartbeat, err := db.ParseTime(row.LastHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("parse last_heartbeat for runner %s: %w", row.RunnerID, err)
	}
	return &Runner{
		Namespace:     row.Namespace,
		RunnerID:      row.RunnerID,
		Status:        RunnerStatus(row.Status),
		ProjectRoot:   row.ProjectRoot,
		StartedAt:     startedAt,
		LastHeartbeat: heartbeat,
	}, nil
}
