package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"schedq/internal/eventbus"
	"schedq/internal/storage"
	logx "schedq/pkg/logx"
)

// Service is the durable task queue: enqueue, lease, ack, fail, dead-letter,
// plus a background reaper that reclaims expired leases.
//
// Delivery is at-least-once. A crashed or timed-out worker's task becomes
// leasable again; handlers must tolerate duplicate invocation.
type Service struct {
	cfg   Config
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	enqueued atomic.Uint64
	done     atomic.Uint64
	retried  atomic.Uint64
	dead     atomic.Uint64
	reaped   atomic.Uint64
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		bus:    bus,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Enqueue durably appends a pending task and returns its id.
// Missing id/enqueued_at are filled in; status is forced to pending.
func (s *Service) Enqueue(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	t.Status = StatusPending
	t.AttemptCount = 0
	t.LeaseExpiry = nil

	if err := s.store.InsertTask(ctx, t); err != nil {
		return "", err
	}
	s.enqueued.Add(1)
	s.log.Debug("task enqueued",
		logx.String("task", t.ID),
		logx.String("target", t.Target),
		logx.String("schedule", t.ScheduleID))
	return t.ID, nil
}

// Lease exclusively claims the oldest eligible task, charging one attempt
// and holding it for the configured lease duration. Returns ok=false when
// nothing is leasable right now.
func (s *Service) Lease(ctx context.Context, targets []string) (Task, bool, error) {
	now := time.Now()
	t, ok, err := s.store.LeaseNext(ctx, targets, now, now.Add(s.cfg.LeaseDuration))
	if err != nil || !ok {
		return Task{}, false, err
	}
	s.log.Debug("task leased",
		logx.String("task", t.ID),
		logx.String("target", t.Target),
		logx.Int("attempt", t.AttemptCount))
	return t, true, nil
}

// Ack resolves a leased task as done.
func (s *Service) Ack(ctx context.Context, id string) error {
	ok, err := s.store.AckTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownTask
	}
	s.done.Add(1)
	s.publish(eventbus.TaskDone, id, "")
	return nil
}

// Fail records a handler failure. Below the attempt limit the task returns
// to pending after an exponential backoff delay; at the limit it is
// dead-lettered with the error retained for inspection.
func (s *Service) Fail(ctx context.Context, id string, taskErr error) (Status, error) {
	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}

	t, ok, err := s.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnknownTask
	}

	notBefore := time.Now().Add(s.backoffDelay(t.AttemptCount))
	final, err := s.store.FailTask(ctx, id, msg, s.cfg.MaxAttempts, notBefore)
	if err != nil {
		return "", err
	}

	switch final {
	case StatusDead:
		s.dead.Add(1)
		s.log.Warn("task dead-lettered",
			logx.String("task", id),
			logx.String("target", t.Target),
			logx.Int("attempts", t.AttemptCount),
			logx.Err(taskErr))
		s.publish(eventbus.TaskDead, id, msg)
	case StatusPending:
		s.retried.Add(1)
		s.log.Debug("task returned for retry",
			logx.String("task", id),
			logx.Int("attempt", t.AttemptCount),
			logx.Time("not_before", notBefore),
			logx.Err(taskErr))
		s.publish(eventbus.TaskFailed, id, msg)
	}
	return final, nil
}

// Kill dead-letters a task immediately, bypassing remaining attempts.
// Used for non-retryable failures and unknown targets.
func (s *Service) Kill(ctx context.Context, id string, reason string) error {
	err := s.store.MarkDead(ctx, id, reason)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownTask
	}
	if err != nil {
		return err
	}
	s.dead.Add(1)
	s.log.Warn("task killed", logx.String("task", id), logx.String("reason", reason))
	s.publish(eventbus.TaskDead, id, reason)
	return nil
}

// Start launches the lease reaper. Stop halts it.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reapLoop(ctx)
	}()
	s.log.Info("queue started",
		logx.Duration("lease", s.cfg.LeaseDuration),
		logx.Int("max_attempts", s.cfg.MaxAttempts),
		logx.Duration("reap_interval", s.cfg.ReapInterval))
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
	s.log.Info("queue stopped")
}

func (s *Service) reapLoop(ctx context.Context) {
	tick := time.NewTicker(s.cfg.ReapInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-tick.C:
			n, err := s.store.ReapExpired(ctx, time.Now())
			if err != nil {
				s.log.Warn("lease reap failed", logx.Err(err))
				continue
			}
			if n > 0 {
				s.reaped.Add(uint64(n))
				s.log.Info("expired leases reclaimed", logx.Int("count", n))
				s.publish(eventbus.TaskReaped, "", "")
			}
		}
	}
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	counts, err := s.store.CountTasks(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Counts:   counts,
		Enqueued: s.enqueued.Load(),
		Done:     s.done.Load(),
		Retried:  s.retried.Load(),
		Dead:     s.dead.Load(),
		Reaped:   s.reaped.Load(),
	}, nil
}

// DeadLetters lists dead tasks for operator inspection; the core never
// purges them.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]Task, error) {
	return s.store.ListDead(ctx, limit)
}

// backoffDelay is retry_base * 2^attempts, capped at retry_max_delay.
func (s *Service) backoffDelay(attempts int) time.Duration {
	d := s.cfg.RetryBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	return d
}

func (s *Service) publish(typ, id, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: TaskEvent{ID: id, Error: errMsg}})
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}
