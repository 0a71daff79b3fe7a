package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"schedq/internal/eventbus"
	"schedq/internal/queue"
	"schedq/internal/schedule"
	"schedq/internal/storage"
	logx "schedq/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	store storage.Store
	queue *queue.Service
	bus   eventbus.Bus
	log   logx.Logger

	// clock is swapped in tests.
	clock func() time.Time

	schedules map[string]schedule.Schedule

	// tickBusy guards against a scan overrunning into the next tick.
	tickBusy atomic.Bool

	ticks   atomic.Uint64
	skipped atomic.Uint64
	fired   atomic.Uint64

	// enqWarn throttles repeated queue-unavailable warnings.
	enqWarn *rate.Limiter

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, store storage.Store, q *queue.Service, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		loc:       loadLocation(cfg.Timezone, log),
		store:     store,
		queue:     q,
		bus:       bus,
		log:       log,
		clock:     time.Now,
		schedules: map[string]schedule.Schedule{},
		enqWarn:   rate.NewLimiter(rate.Every(30*time.Second), 1),
		stopCh:    make(chan struct{}),
	}
}

// Apply updates tick interval and timezone at runtime.
// The new interval takes effect after the current wait.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone) {
		s.loc = loadLocation(cfg.Timezone, s.log)
	}
	s.cfg = cfg
}

// Start reloads persisted schedules and launches the tick loop.
// Windows missed while the process was down are dropped (next_run realigned
// from now) unless the schedule opted into catch-up.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.reload(ctx, s.now()); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickLoop(ctx)
	}()

	s.mu.Lock()
	n := len(s.schedules)
	interval := s.cfg.TickInterval
	tz := s.loc.String()
	s.mu.Unlock()
	s.log.Info("scheduler started",
		logx.Int("schedules", n),
		logx.Duration("tick", interval),
		logx.String("tz", tz))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// reload replaces the in-memory registry with the persisted one and
// reconciles stale next_run values after downtime.
func (s *Service) reload(ctx context.Context, now time.Time) error {
	persisted, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules = make(map[string]schedule.Schedule, len(persisted))
	for _, sc := range persisted {
		if sc.Enabled && sc.NextRun != nil && sc.NextRun.Before(now) && !sc.CatchUp {
			missed := *sc.NextRun
			next, err := schedule.Next(sc, now)
			if err != nil {
				s.log.Error("schedule skipped on reload", logx.String("schedule", sc.ID), logx.Err(err))
				continue
			}
			sc.NextRun = &next
			if err := s.store.PutSchedule(ctx, sc); err != nil {
				return err
			}
			s.log.Warn("missed window dropped",
				logx.String("schedule", sc.ID),
				logx.Time("missed", missed),
				logx.Time("next_run", next))
		}
		s.schedules[sc.ID] = sc
	}
	return nil
}

func (s *Service) tickLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		interval := s.cfg.TickInterval
		enabled := s.cfg.Enabled
		s.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if !enabled {
			continue
		}
		// Exactly one scan at a time; a scan still running when the next
		// tick fires means that tick is skipped, not queued up.
		if !s.tickBusy.CompareAndSwap(false, true) {
			s.skipped.Add(1)
			s.log.Warn("tick skipped, previous scan still running")
			continue
		}
		s.runTick(ctx, s.now())
		s.tickBusy.Store(false)
	}
}

// runTick scans due schedules and fires them in next_run order. A schedule
// advances only after its task was durably enqueued; enqueue failures leave
// it due for the next tick.
func (s *Service) runTick(ctx context.Context, now time.Time) {
	s.ticks.Add(1)

	s.mu.Lock()
	due := make([]schedule.Schedule, 0, 4)
	for _, sc := range s.schedules {
		if sc.Enabled && sc.NextRun != nil && !sc.NextRun.After(now) {
			due = append(due, sc)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(*due[j].NextRun) })

	for _, sc := range due {
		taskID, err := s.queue.Enqueue(ctx, queue.Task{
			ScheduleID: sc.ID,
			Target:     sc.Target,
			Parameters: sc.Parameters,
		})
		if err != nil {
			// Queue unavailable: leave the schedule due and retry next tick.
			if s.enqWarn.Allow() {
				s.log.Warn("enqueue failed, schedule left due",
					logx.String("schedule", sc.ID), logx.Err(err))
			}
			continue
		}

		next, nerr := schedule.Next(sc, now)
		if nerr != nil {
			// Definition went bad (should have been caught by Add).
			s.log.Error("next run computation failed",
				logx.String("schedule", sc.ID), logx.Err(nerr))
			continue
		}

		fireTime := now
		sc.LastRun = &fireTime
		sc.NextRun = &next

		// A concurrent disable/remove wins over the advance.
		s.mu.Lock()
		cur, exists := s.schedules[sc.ID]
		advance := exists && cur.Enabled
		if advance {
			s.schedules[sc.ID] = sc
		}
		s.mu.Unlock()

		if advance {
			if err := s.store.PutSchedule(ctx, sc); err != nil {
				// The task is already queued; after a crash this schedule may
				// fire again for the same window (at-least-once).
				s.log.Error("schedule advance not persisted",
					logx.String("schedule", sc.ID), logx.Err(err))
			}
		}

		s.fired.Add(1)
		s.log.Info("schedule fired",
			logx.String("schedule", sc.ID),
			logx.String("task", taskID),
			logx.Time("next_run", next))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleFired, Data: FireEvent{
				ScheduleID: sc.ID,
				TaskID:     taskID,
				At:         now,
			}})
		}
	}
}

// FireEvent is emitted on the event bus when a schedule fires.
type FireEvent struct {
	ScheduleID string    `json:"schedule_id"`
	TaskID     string    `json:"task_id"`
	At         time.Time `json:"at"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ScheduleInfo, 0, len(s.schedules))
	for _, sc := range s.schedules {
		infos = append(infos, ScheduleInfo{
			ID:      sc.ID,
			Name:    sc.Name,
			Type:    string(sc.Type),
			Target:  sc.Target,
			Enabled: sc.Enabled,
			NextRun: sc.NextRun,
			LastRun: sc.LastRun,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return Snapshot{
		Enabled:      s.cfg.Enabled,
		Timezone:     s.loc.String(),
		TickInterval: s.cfg.TickInterval,
		Ticks:        s.ticks.Load(),
		SkippedTicks: s.skipped.Load(),
		Fired:        s.fired.Load(),
		Schedules:    infos,
	}
}

func (s *Service) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock().In(s.loc)
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
