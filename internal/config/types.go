package config

// Config is the daemon configuration. JSON and YAML files are accepted;
// YAML is coerced to JSON before strict decoding, so unknown fields are
// rejected in both formats.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Queue      QueueConfig      `json:"queue"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Pipeline   PipelineConfig   `json:"pipeline,omitempty"`

	// Schedules are seeded into the registry at bootstrap, but only for
	// ids the store does not already have: operator changes (disable,
	// remove) survive restarts.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedq.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"` // IANA TZ
}

type QueueConfig struct {
	LeaseDuration string `json:"lease_duration,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	ReapInterval  string `json:"reap_interval,omitempty"`
}

type DispatcherConfig struct {
	Enabled        bool   `json:"enabled"`
	Workers        int    `json:"workers,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
	DrainGrace     string `json:"drain_grace,omitempty"`
}

// PipelineConfig wires targets to the webhook endpoints of the pipeline
// collaborators (retrieval, extraction, summary delivery).
type PipelineConfig struct {
	// Targets maps a target name to its endpoint URL. Each entry becomes a
	// registered handler.
	Targets map[string]string `json:"targets,omitempty"`

	// Token is sent as a bearer token with every webhook call.
	Token string `json:"token,omitempty"`

	RequestTimeout string `json:"request_timeout,omitempty"`
}

// ScheduleConfig is the bootstrap shape of a schedule definition.
// Enabled defaults to true when omitted.
type ScheduleConfig struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Type       string         `json:"type"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
	CatchUp    bool           `json:"catch_up,omitempty"`

	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	DailyTime       string `json:"daily_time,omitempty"`
	WeeklyDay       int    `json:"weekly_day,omitempty"`
	WeeklyTime      string `json:"weekly_time,omitempty"`
	MonthlyDay      int    `json:"monthly_day,omitempty"`
	MonthlyTime     string `json:"monthly_time,omitempty"`
	CronExpr        string `json:"cron_expression,omitempty"`
}
