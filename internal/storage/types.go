package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an operation names a missing record.
	ErrNotFound = errors.New("storage: record not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (tests, ephemeral runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskStatus is the persisted lifecycle state of a queued task.
//
// pending -> leased -> {done | pending (retry) | dead}; a lease that expires
// without ack/fail goes back to pending via ReapExpired. done and dead are
// terminal.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskLeased  TaskStatus = "leased"
	TaskDone    TaskStatus = "done"
	TaskDead    TaskStatus = "dead"
)

// TaskRecord is the persisted shape of a queued unit of work.
//
// ScheduleID is a weak reference: it names the schedule that fired the task
// (empty for run-now style enqueues) and never implies ownership.
type TaskRecord struct {
	ID           string         `json:"id"`
	ScheduleID   string         `json:"schedule_id,omitempty"`
	Target       string         `json:"target"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Status       TaskStatus     `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`

	// NotBefore delays eligibility for leasing (retry backoff).
	// Zero means immediately eligible.
	NotBefore time.Time `json:"not_before,omitempty"`

	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// TaskCounts is a point-in-time tally per status.
type TaskCounts struct {
	Pending int
	Leased  int
	Done    int
	Dead    int
}
