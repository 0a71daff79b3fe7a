package app

import (
	"context"

	"schedq/internal/config"
	logx "schedq/pkg/logx"
)

// seedSchedules registers the configured bootstrap schedules, but only for
// ids the store has never seen. Operator changes made at runtime (disable,
// remove, adjusted next_run) win over the config file on restart.
func (a *App) seedSchedules(ctx context.Context, defs []config.ScheduleConfig) error {
	for _, def := range defs {
		_, exists, err := a.store.GetSchedule(ctx, def.ID)
		if err != nil {
			return err
		}
		if exists {
			continue // leave persisted state alone
		}

		sc, err := mapSchedule(def)
		if err != nil {
			return err
		}
		if err := a.sched.Add(ctx, sc); err != nil {
			return err
		}
		a.log.Info("schedule seeded",
			logx.String("schedule", sc.ID),
			logx.String("type", string(sc.Type)),
			logx.String("target", sc.Target))
	}
	return nil
}
