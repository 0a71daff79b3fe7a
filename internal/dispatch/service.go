package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"schedq/internal/queue"
	logx "schedq/pkg/logx"
)

// Config controls the worker pool.
//
// Defaults (when fields are zero):
//   - workers: 2
//   - poll_interval: 1s (idle wait between empty lease attempts)
//   - handler_timeout: 0 (no per-task timeout)
//   - drain_grace: 30s (shutdown wait for in-flight handlers)
type Config struct {
	Enabled        bool
	Workers        int
	PollInterval   time.Duration
	HandlerTimeout time.Duration
	DrainGrace     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	return c
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	InFlight int
	Handled  uint64
	Targets  []string
}

// Service runs worker slots that lease tasks and invoke registered
// handlers. A worker never holds more than one lease at a time.
type Service struct {
	cfg Config
	reg *Registry
	q   *queue.Service
	log logx.Logger

	inFlight atomic.Int32
	handled  atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, reg *Registry, q *queue.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		q:      q,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker slots.
//
// Workers deliberately do not inherit ctx for handler invocation: shutdown
// drains in-flight handlers instead of cancelling them, and any lease that
// outlives the drain grace is reclaimed later by the queue's reaper.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // lifecycle is driven by Stop; see note above

	s.startOnce.Do(func() {
		for i := 0; i < s.cfg.Workers; i++ {
			idx := i
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.worker(idx)
			}()
		}
		s.log.Info("dispatcher started",
			logx.Int("workers", s.cfg.Workers),
			logx.Any("targets", s.reg.Targets()))
	})
}

// Stop tells workers to finish their current task and waits up to the drain
// grace (bounded additionally by ctx).
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.stopOnce.Do(func() { close(s.stopCh) })

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	grace := time.NewTimer(s.cfg.DrainGrace)
	defer grace.Stop()
	select {
	case <-waitCh:
		s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	case <-grace.C:
		s.log.Warn("dispatcher drain grace elapsed, leases left to the reaper",
			logx.Int("in_flight", int(s.inFlight.Load())))
	case <-ctx.Done():
		s.log.Warn("dispatcher stop cancelled, leases left to the reaper",
			logx.Int("in_flight", int(s.inFlight.Load())))
	}
}

func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Enabled:  s.cfg.Enabled,
		Workers:  s.cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		Handled:  s.handled.Load(),
		Targets:  s.reg.Targets(),
	}
}
