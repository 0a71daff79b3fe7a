package scheduler

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an operation names an unknown schedule.
	ErrNotFound = errors.New("scheduler: schedule not found")

	// ErrDisabled is returned by RunNow on a disabled schedule.
	ErrDisabled = errors.New("scheduler: schedule is disabled")
)

// Config controls the tick loop.
//
// Defaults (when fields are zero):
//   - tick_interval: 30s
//   - timezone: local time
type Config struct {
	Enabled      bool
	TickInterval time.Duration
	Timezone     string // IANA TZ, e.g. "Europe/Berlin"
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	return c
}

// ScheduleInfo is a read-only row for list/show surfaces.
type ScheduleInfo struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Type    string     `json:"type"`
	Target  string     `json:"target"`
	Enabled bool       `json:"enabled"`
	NextRun *time.Time `json:"next_run,omitempty"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled      bool
	Timezone     string
	TickInterval time.Duration
	Ticks        uint64
	SkippedTicks uint64
	Fired        uint64
	Schedules    []ScheduleInfo
}
