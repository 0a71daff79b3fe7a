package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"schedq/internal/queue"
	"schedq/internal/schedule"
	logx "schedq/pkg/logx"
)

// Add validates and persists a new schedule. The id must be unused; invalid
// definitions are rejected synchronously and never stored. For enabled
// schedules the initial next_run is computed from the current time.
func (s *Service) Add(ctx context.Context, sc schedule.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sc.ID]; exists {
		return &schedule.ValidationError{Field: "id", Reason: fmt.Sprintf("schedule %q already exists", sc.ID)}
	}

	sc.LastRun = nil
	if sc.Enabled {
		next, err := schedule.Next(sc, s.nowLocked())
		if err != nil {
			return err
		}
		sc.NextRun = &next
	} else {
		sc.NextRun = nil
	}

	if err := s.store.PutSchedule(ctx, sc); err != nil {
		return err
	}
	s.schedules[sc.ID] = sc
	s.log.Info("schedule added",
		logx.String("schedule", sc.ID),
		logx.String("type", string(sc.Type)),
		logx.String("target", sc.Target))
	return nil
}

// Remove deletes a schedule. Tasks it already enqueued are unaffected.
func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[id]; !exists {
		return ErrNotFound
	}
	if _, err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	delete(s.schedules, id)
	s.log.Info("schedule removed", logx.String("schedule", id))
	return nil
}

// Enable re-enables a schedule. next_run is recomputed from the current
// time; windows missed while disabled are never backfilled. Enabling an
// already enabled schedule is a no-op.
func (s *Service) Enable(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, exists := s.schedules[id]
	if !exists {
		return ErrNotFound
	}
	if sc.Enabled {
		return nil
	}

	next, err := schedule.Next(sc, s.nowLocked())
	if err != nil {
		return err
	}
	sc.Enabled = true
	sc.NextRun = &next

	if err := s.store.PutSchedule(ctx, sc); err != nil {
		return err
	}
	s.schedules[id] = sc
	s.log.Info("schedule enabled", logx.String("schedule", id), logx.Time("next_run", next))
	return nil
}

// Disable stops future firings; next_run is cleared and the schedule is
// excluded from tick scans. Already enqueued tasks are not cancelled.
// Disabling twice is a no-op.
func (s *Service) Disable(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, exists := s.schedules[id]
	if !exists {
		return ErrNotFound
	}
	if !sc.Enabled {
		return nil
	}

	sc.Enabled = false
	sc.NextRun = nil

	if err := s.store.PutSchedule(ctx, sc); err != nil {
		return err
	}
	s.schedules[id] = sc
	s.log.Info("schedule disabled", logx.String("schedule", id))
	return nil
}

// Get returns a copy of the schedule.
func (s *Service) Get(id string) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, exists := s.schedules[id]
	if !exists {
		return schedule.Schedule{}, ErrNotFound
	}
	return sc, nil
}

// List returns all schedules ordered by id.
func (s *Service) List() []schedule.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunNow enqueues a task for the schedule immediately. The schedule's
// next_run and last_run are left untouched; the regular cadence continues
// as if nothing happened.
func (s *Service) RunNow(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	sc, exists := s.schedules[id]
	s.mu.Unlock()

	if !exists {
		return "", ErrNotFound
	}
	if !sc.Enabled {
		return "", ErrDisabled
	}

	taskID, err := s.queue.Enqueue(ctx, queue.Task{
		ScheduleID: sc.ID,
		Target:     sc.Target,
		Parameters: sc.Parameters,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("schedule run now", logx.String("schedule", id), logx.String("task", taskID))
	return taskID, nil
}

// nowLocked returns the current time in the configured location.
// Callers hold s.mu (loc may be swapped by Apply).
func (s *Service) nowLocked() time.Time {
	return s.clock().In(s.loc)
}
