package queue

import (
	"time"

	"schedq/internal/storage"
)

// Re-export the persisted task shape; the queue adds behavior, not state.
type Task = storage.TaskRecord

type Status = storage.TaskStatus

const (
	StatusPending = storage.TaskPending
	StatusLeased  = storage.TaskLeased
	StatusDone    = storage.TaskDone
	StatusDead    = storage.TaskDead
)

// Config controls lease, retry and reaper behavior.
//
// Defaults (when fields are zero):
//   - lease_duration: 1m
//   - max_attempts: 3
//   - retry_base: 1s (backoff is retry_base * 2^attempts, capped)
//   - retry_max_delay: 5m
//   - reap_interval: 30s
type Config struct {
	LeaseDuration time.Duration
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	ReapInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	return c
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Counts storage.TaskCounts

	// Monotonic counters since process start.
	Enqueued uint64
	Done     uint64
	Retried  uint64
	Dead     uint64
	Reaped   uint64
}
