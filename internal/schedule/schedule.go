package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Type selects which timing fields of a Schedule are meaningful.
type Type string

const (
	TypeInterval Type = "interval"
	TypeDaily    Type = "daily"
	TypeWeekly   Type = "weekly"
	TypeMonthly  Type = "monthly"
	TypeCron     Type = "cron"
)

// Schedule is a recurring firing rule that produces queued tasks.
//
// Exactly the timing fields required by Type may be populated; Validate
// rejects definitions that mix fields from several types.
//
// WeeklyDay uses 0=Monday .. 6=Sunday.
type Schedule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       Type           `json:"type"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Enabled    bool           `json:"enabled"`

	// CatchUp opts this schedule into firing once for a window missed
	// during downtime. Default is to drop missed windows and realign
	// from the current time.
	CatchUp bool `json:"catch_up,omitempty"`

	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	DailyTime       string `json:"daily_time,omitempty"` // "HH:MM", 24h
	WeeklyDay       int    `json:"weekly_day,omitempty"`
	WeeklyTime      string `json:"weekly_time,omitempty"`
	MonthlyDay      int    `json:"monthly_day,omitempty"` // 1-31, clamped to month length
	MonthlyTime     string `json:"monthly_time,omitempty"`
	CronExpr        string `json:"cron_expression,omitempty"`

	// NextRun is nil while the schedule is disabled.
	NextRun *time.Time `json:"next_run,omitempty"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

// ValidationError describes a malformed schedule definition.
// It is raised synchronously on add; invalid schedules are never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid schedule: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// cronParser accepts standard 5-field expressions (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks structural invariants of the definition.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return invalid("id", "must not be empty")
	}
	if strings.TrimSpace(s.Target) == "" {
		return invalid("target", "must not be empty")
	}

	switch s.Type {
	case TypeInterval:
		if s.IntervalSeconds <= 0 {
			return invalid("interval_seconds", "must be > 0")
		}
	case TypeDaily:
		if _, _, err := parseHHMM(s.DailyTime); err != nil {
			return invalid("daily_time", err.Error())
		}
	case TypeWeekly:
		if s.WeeklyDay < 0 || s.WeeklyDay > 6 {
			return invalid("weekly_day", "must be in 0..6 (0=Monday)")
		}
		if _, _, err := parseHHMM(s.WeeklyTime); err != nil {
			return invalid("weekly_time", err.Error())
		}
	case TypeMonthly:
		if s.MonthlyDay < 1 || s.MonthlyDay > 31 {
			return invalid("monthly_day", "must be in 1..31")
		}
		if _, _, err := parseHHMM(s.MonthlyTime); err != nil {
			return invalid("monthly_time", err.Error())
		}
	case TypeCron:
		if strings.TrimSpace(s.CronExpr) == "" {
			return invalid("cron_expression", "must not be empty")
		}
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return invalid("cron_expression", err.Error())
		}
	default:
		return invalid("type", fmt.Sprintf("unknown schedule type %q", string(s.Type)))
	}

	return s.checkExclusiveFields()
}

// checkExclusiveFields rejects timing fields that belong to another type.
func (s Schedule) checkExclusiveFields() error {
	if s.Type != TypeInterval && s.IntervalSeconds != 0 {
		return invalid("interval_seconds", "set on non-interval schedule")
	}
	if s.Type != TypeDaily && s.DailyTime != "" {
		return invalid("daily_time", "set on non-daily schedule")
	}
	if s.Type != TypeWeekly && (s.WeeklyDay != 0 || s.WeeklyTime != "") {
		if s.WeeklyTime != "" {
			return invalid("weekly_time", "set on non-weekly schedule")
		}
		return invalid("weekly_day", "set on non-weekly schedule")
	}
	if s.Type != TypeMonthly && (s.MonthlyDay != 0 || s.MonthlyTime != "") {
		if s.MonthlyTime != "" {
			return invalid("monthly_time", "set on non-monthly schedule")
		}
		return invalid("monthly_day", "set on non-monthly schedule")
	}
	if s.Type != TypeCron && s.CronExpr != "" {
		return invalid("cron_expression", "set on non-cron schedule")
	}
	return nil
}

// parseHHMM parses a 24h "HH:MM" wall-clock time.
func parseHHMM(raw string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time %q is not in HH:MM form", raw)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("time %q is not in HH:MM form", raw)
	}
	if h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("hour %d out of range 0..23", h)
	}
	if m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("minute %d out of range 0..59", m)
	}
	return h, m, nil
}
