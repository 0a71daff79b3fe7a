package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"schedq/internal/schedule"
	logx "schedq/pkg/logx"
)

// Store is the persistence API used by the scheduler and the task queue.
//
// Every method that mutates task state is atomic with respect to every other
// mutation: no two callers can lease the same task, and a fail/ack/reap never
// observes a half-applied transition.
type Store interface {
	// Schedules.
	PutSchedule(ctx context.Context, s schedule.Schedule) error
	GetSchedule(ctx context.Context, id string) (schedule.Schedule, bool, error)
	ListSchedules(ctx context.Context) ([]schedule.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) (bool, error)

	// Tasks.
	InsertTask(ctx context.Context, t TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, bool, error)

	// LeaseNext claims the oldest eligible task: pending with not_before due,
	// or leased with an expired lease. The claim sets leased status, the new
	// lease expiry, and charges one attempt. targets narrows eligibility when
	// non-empty.
	LeaseNext(ctx context.Context, targets []string, now, leaseUntil time.Time) (TaskRecord, bool, error)

	// AckTask marks a leased task done. Returns false if the task was not
	// leased (already reaped, dead, or unknown).
	AckTask(ctx context.Context, id string) (bool, error)

	// FailTask records a handler failure on a leased task. If the charged
	// attempt count has reached maxAttempts the task goes to dead, otherwise
	// back to pending, eligible again at notBefore. The decision and the
	// write happen in one transaction; the returned status is the final one.
	FailTask(ctx context.Context, id, lastError string, maxAttempts int, notBefore time.Time) (TaskStatus, error)

	// MarkDead dead-letters a task regardless of remaining attempts
	// (non-retryable failures, unknown targets).
	MarkDead(ctx context.Context, id, lastError string) error

	// ReapExpired returns every leased task whose lease expired at or before
	// now to pending, without charging additional attempts.
	ReapExpired(ctx context.Context, now time.Time) (int, error)

	CountTasks(ctx context.Context) (TaskCounts, error)

	// ListDead returns dead-lettered tasks for operator inspection,
	// most recent first.
	ListDead(ctx context.Context, limit int) ([]TaskRecord, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
