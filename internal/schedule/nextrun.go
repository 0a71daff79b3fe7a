package schedule

import (
	"fmt"
	"time"
)

// Next computes the next firing time strictly after from.
//
// It is a pure function of the definition and from; callers decide when to
// persist the result. Wall-clock types (daily/weekly/monthly) evaluate in
// from's location so DST transitions keep the configured local time.
func Next(s Schedule, from time.Time) (time.Time, error) {
	switch s.Type {
	case TypeInterval:
		if s.IntervalSeconds <= 0 {
			return time.Time{}, invalid("interval_seconds", "must be > 0")
		}
		return from.Add(time.Duration(s.IntervalSeconds) * time.Second), nil

	case TypeDaily:
		h, m, err := parseHHMM(s.DailyTime)
		if err != nil {
			return time.Time{}, invalid("daily_time", err.Error())
		}
		at := timeOn(from, 0, h, m)
		if !at.After(from) {
			at = timeOn(from.AddDate(0, 0, 1), 0, h, m)
		}
		return at, nil

	case TypeWeekly:
		if s.WeeklyDay < 0 || s.WeeklyDay > 6 {
			return time.Time{}, invalid("weekly_day", "must be in 0..6 (0=Monday)")
		}
		h, m, err := parseHHMM(s.WeeklyTime)
		if err != nil {
			return time.Time{}, invalid("weekly_time", err.Error())
		}
		days := int(mondayBased(s.WeeklyDay)-from.Weekday()+7) % 7
		at := timeOn(from, days, h, m)
		if !at.After(from) {
			at = timeOn(from, days+7, h, m)
		}
		return at, nil

	case TypeMonthly:
		if s.MonthlyDay < 1 || s.MonthlyDay > 31 {
			return time.Time{}, invalid("monthly_day", "must be in 1..31")
		}
		h, m, err := parseHHMM(s.MonthlyTime)
		if err != nil {
			return time.Time{}, invalid("monthly_time", err.Error())
		}
		at := monthlyOn(from.Year(), from.Month(), s.MonthlyDay, h, m, from.Location())
		if !at.After(from) {
			at = monthlyOn(from.Year(), from.Month()+1, s.MonthlyDay, h, m, from.Location())
		}
		return at, nil

	case TypeCron:
		sched, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, invalid("cron_expression", err.Error())
		}
		return sched.Next(from), nil
	}

	return time.Time{}, invalid("type", fmt.Sprintf("unknown schedule type %q", string(s.Type)))
}

// timeOn returns the wall-clock time h:m on ref's date plus addDays.
func timeOn(ref time.Time, addDays, h, m int) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day()+addDays, h, m, 0, 0, ref.Location())
}

// monthlyOn places day-of-month h:m in the given month, clamping day to the
// month's length (e.g. day 31 in April fires on April 30).
func monthlyOn(year int, month time.Month, day, h, m int, loc *time.Location) time.Time {
	// Normalize the month first; time.Date wraps month overflow for us.
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	if last := daysIn(first.Year(), first.Month(), loc); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, h, m, 0, 0, loc)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	// Day 0 of the following month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// mondayBased converts our 0=Monday numbering to time.Weekday (0=Sunday).
func mondayBased(day int) time.Weekday {
	return time.Weekday((day + 1) % 7)
}
