package app

import (
	"fmt"

	"schedq/internal/config"
	"schedq/internal/dispatch"
	"schedq/internal/pipeline"
	"schedq/internal/queue"
	"schedq/internal/schedule"
	"schedq/internal/scheduler"
	"schedq/internal/storage"
	logx "schedq/pkg/logx"
)

// Mapping from the file config to per-component configs. Zero values fall
// through to the components' own defaults.

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}, nil
}

func mapQueue(c config.QueueConfig) (queue.Config, error) {
	lease, err := config.ParseDurationField("queue.lease_duration", c.LeaseDuration)
	if err != nil {
		return queue.Config{}, err
	}
	base, err := config.ParseDurationField("queue.retry_base", c.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("queue.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}
	reap, err := config.ParseDurationField("queue.reap_interval", c.ReapInterval)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		LeaseDuration: lease,
		MaxAttempts:   c.MaxAttempts,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		ReapInterval:  reap,
	}, nil
}

func mapScheduler(c config.SchedulerConfig) (scheduler.Config, error) {
	tick, err := config.ParseDurationField("scheduler.tick_interval", c.TickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      c.Enabled,
		TickInterval: tick,
		Timezone:     c.Timezone,
	}, nil
}

func mapDispatcher(c config.DispatcherConfig) (dispatch.Config, error) {
	poll, err := config.ParseDurationField("dispatcher.poll_interval", c.PollInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	handlerTO, err := config.ParseDurationField("dispatcher.handler_timeout", c.HandlerTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	drain, err := config.ParseDurationField("dispatcher.drain_grace", c.DrainGrace)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:        c.Enabled,
		Workers:        c.Workers,
		PollInterval:   poll,
		HandlerTimeout: handlerTO,
		DrainGrace:     drain,
	}, nil
}

func mapPipeline(c config.PipelineConfig) (pipeline.Config, error) {
	reqTO, err := config.ParseDurationField("pipeline.request_timeout", c.RequestTimeout)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Targets:        c.Targets,
		Token:          c.Token,
		RequestTimeout: reqTO,
	}, nil
}

func mapSchedule(c config.ScheduleConfig) (schedule.Schedule, error) {
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	sc := schedule.Schedule{
		ID:              c.ID,
		Name:            c.Name,
		Type:            schedule.Type(c.Type),
		Target:          c.Target,
		Parameters:      c.Parameters,
		Enabled:         enabled,
		CatchUp:         c.CatchUp,
		IntervalSeconds: c.IntervalSeconds,
		DailyTime:       c.DailyTime,
		WeeklyDay:       c.WeeklyDay,
		WeeklyTime:      c.WeeklyTime,
		MonthlyDay:      c.MonthlyDay,
		MonthlyTime:     c.MonthlyTime,
		CronExpr:        c.CronExpr,
	}
	if err := sc.Validate(); err != nil {
		return schedule.Schedule{}, fmt.Errorf("schedule %q: %w", c.ID, err)
	}
	return sc, nil
}

// validateConfig is the Watch validator: a reloaded file that fails any of
// these mappings is rejected and the running config stays in effect.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorage(cfg.Storage); err != nil {
		return err
	}
	if _, err := mapQueue(cfg.Queue); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg.Scheduler); err != nil {
		return err
	}
	if _, err := mapDispatcher(cfg.Dispatcher); err != nil {
		return err
	}
	if _, err := mapPipeline(cfg.Pipeline); err != nil {
		return err
	}
	for _, sc := range cfg.Schedules {
		if _, err := mapSchedule(sc); err != nil {
			return err
		}
	}
	return nil
}
