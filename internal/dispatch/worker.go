package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"schedq/internal/queue"
	logx "schedq/pkg/logx"
)

// opTimeout bounds queue bookkeeping calls (ack/fail/kill) so a wedged
// store cannot hang a worker forever.
const opTimeout = 10 * time.Second

func (s *Service) worker(idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		// Fast-exit check so a closed stopCh wins over available work.
		select {
		case <-s.stopCh:
			return
		default:
		}

		leaseCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		t, ok, err := s.q.Lease(leaseCtx, nil)
		cancel()
		if err != nil {
			log.Warn("lease failed", logx.Err(err))
			if s.sleep(s.cfg.PollInterval) {
				return
			}
			continue
		}
		if !ok {
			// Nothing leasable; block with timeout and try again.
			if s.sleep(s.cfg.PollInterval) {
				return
			}
			continue
		}

		s.inFlight.Add(1)
		s.runOne(log, t)
		s.inFlight.Add(-1)
		s.handled.Add(1)
	}
}

// sleep waits d and reports whether the worker should exit.
func (s *Service) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Service) runOne(log logx.Logger, t queue.Task) {
	h, ok := s.reg.Lookup(t.Target)
	if !ok {
		// Unknown targets cannot succeed on retry: dead-letter immediately.
		log.Warn("no handler for target",
			logx.String("task", t.ID), logx.String("target", t.Target))
		s.kill(log, t.ID, fmt.Sprintf("no handler registered for target %q", t.Target))
		return
	}

	start := time.Now()
	err := s.invoke(h, t)
	dur := time.Since(start)

	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if ackErr := s.q.Ack(ctx, t.ID); ackErr != nil {
			// The lease may have been reaped mid-run; the task will be
			// redelivered (at-least-once).
			log.Warn("ack failed", logx.String("task", t.ID), logx.Err(ackErr))
			return
		}
		log.Debug("task completed",
			logx.String("task", t.ID),
			logx.String("target", t.Target),
			logx.Duration("dur", dur),
			logx.Int("attempt", t.AttemptCount))
		return
	}

	log.Warn("task handler failed",
		logx.String("task", t.ID),
		logx.String("target", t.Target),
		logx.Duration("dur", dur),
		logx.Int("attempt", t.AttemptCount),
		logx.Err(err))

	if queue.IsNoRetry(err) {
		s.kill(log, t.ID, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, failErr := s.q.Fail(ctx, t.ID, err); failErr != nil {
		log.Warn("fail not recorded", logx.String("task", t.ID), logx.Err(failErr))
	}
}

// invoke runs the handler with the configured timeout and converts panics
// to errors so one bad handler can't take down a worker slot.
func (s *Service) invoke(h Handler, t queue.Task) (err error) {
	ctx := context.Background()
	if s.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task handler panic",
				logx.String("task", t.ID),
				logx.String("target", t.Target),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return h.Handle(ctx, t.Parameters)
}

func (s *Service) kill(log logx.Logger, id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.q.Kill(ctx, id, reason); err != nil {
		log.Warn("dead-letter failed", logx.String("task", id), logx.Err(err))
	}
}
