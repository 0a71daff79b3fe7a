// Package app wires the config manager, storage, queue, scheduler, and
// dispatcher into one process lifecycle.
package app

import (
	"context"
	"fmt"

	"schedq/internal/config"
	"schedq/internal/dispatch"
	"schedq/internal/eventbus"
	"schedq/internal/pipeline"
	"schedq/internal/queue"
	"schedq/internal/runtime/supervisor"
	"schedq/internal/scheduler"
	"schedq/internal/storage"
	logx "schedq/pkg/logx"
)

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store storage.Store
	bus   eventbus.Bus
	q     *queue.Service
	sched *scheduler.Service
	reg   *dispatch.Registry
	disp  *dispatch.Service

	sup   *supervisor.Supervisor
	cfgCh chan *config.Config
}

// New loads the config file and brings up logging. Everything else is
// constructed in Start so a failed boot leaves nothing half-running.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogging(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("svc", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return validateConfig(c)
	})

	return &App{
		mgr:    mgr,
		logSvc: logSvc,
		log:    log,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.mgr.Get()

	storeCfg, err := mapStorage(cfg.Storage)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(storeCfg, a.log.With(logx.String("svc", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	a.bus = eventbus.New()

	qCfg, err := mapQueue(cfg.Queue)
	if err != nil {
		return err
	}
	a.q = queue.New(qCfg, a.store, a.bus, a.log.With(logx.String("svc", "queue")))
	a.q.Start(ctx)

	schedCfg, err := mapScheduler(cfg.Scheduler)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.store, a.q, a.bus,
		a.log.With(logx.String("svc", "scheduler")))

	if err := a.seedSchedules(ctx, cfg.Schedules); err != nil {
		return fmt.Errorf("seed schedules: %w", err)
	}
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	a.reg = dispatch.NewRegistry()
	pipeCfg, err := mapPipeline(cfg.Pipeline)
	if err != nil {
		return err
	}
	client := pipeline.NewClient(pipeCfg, a.log.With(logx.String("svc", "pipeline")))
	if err := client.Register(a.reg); err != nil {
		return err
	}

	dispCfg, err := mapDispatcher(cfg.Dispatcher)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dispCfg, a.reg, a.q, a.log.With(logx.String("svc", "dispatch")))
	if dispCfg.Enabled {
		a.disp.Start(ctx)
	} else {
		a.log.Info("dispatcher disabled, tasks will accumulate as pending")
	}

	// Config watch + hot-reload fan-out run under the supervisor so a panic
	// in either is logged and contained.
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))))
	a.cfgCh = a.mgr.Subscribe(1)
	a.sup.Go("config-watch", a.mgr.Watch)
	a.sup.Go0("config-apply", a.applyLoop)

	a.log.Info("schedq started", logx.String("storage", storeCfg.Driver))
	return nil
}

// applyLoop consumes validated config updates. Logging and scheduler settings
// take effect live; storage, queue, and dispatcher changes need a restart.
func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.logSvc.Apply(mapLogging(cfg.Logging))
			if schedCfg, err := mapScheduler(cfg.Scheduler); err == nil {
				a.sched.Apply(schedCfg)
			}
			a.log.Info("runtime config applied; storage/queue/dispatcher changes need a restart")
		}
	}
}

// Stop shuts the pipeline down back-to-front: dispatcher first so no new
// leases are taken, then scheduler, queue, watchers, storage, logging.
func (a *App) Stop(ctx context.Context) error {
	if a.disp != nil {
		a.disp.Stop(ctx)
	}
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	if a.q != nil {
		a.q.Stop(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.cfgCh != nil {
		a.mgr.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	a.log.Info("schedq stopped")
	_ = a.logSvc.Close()
	return err
}

// Accessors for management surfaces and tests.

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Queue() *queue.Service         { return a.q }
func (a *App) Handlers() *dispatch.Registry  { return a.reg }
func (a *App) Logger() logx.Logger           { return a.log }
