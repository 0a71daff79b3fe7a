package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"schedq/internal/schedule"
)

// memoryStore keeps everything in process memory with the same transition
// semantics as the sqlite driver. Used by tests and ephemeral runs.
type memoryStore struct {
	mu        sync.Mutex
	schedules map[string]schedule.Schedule
	tasks     map[string]TaskRecord
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		schedules: map[string]schedule.Schedule{},
		tasks:     map[string]TaskRecord{},
	}
}

func (m *memoryStore) Close() error { return nil }

// ---- Schedules ----

func (m *memoryStore) PutSchedule(_ context.Context, s schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

func (m *memoryStore) GetSchedule(_ context.Context, id string) (schedule.Schedule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, false, nil
	}
	return cloneSchedule(s), true, nil
}

func (m *memoryStore) ListSchedules(_ context.Context) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schedule.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, cloneSchedule(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) DeleteSchedule(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return false, nil
	}
	delete(m.schedules, id)
	return true, nil
}

// ---- Tasks ----

func (m *memoryStore) InsertTask(_ context.Context, t TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *memoryStore) GetTask(_ context.Context, id string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return TaskRecord{}, false, nil
	}
	return cloneTask(t), true, nil
}

func (m *memoryStore) LeaseNext(_ context.Context, targets []string, now, leaseUntil time.Time) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best  TaskRecord
		found bool
	)
	for _, t := range m.tasks {
		if !leasable(t, now) || !matchesTarget(t, targets) {
			continue
		}
		if !found || olderTask(t, best) {
			best = t
			found = true
		}
	}
	if !found {
		return TaskRecord{}, false, nil
	}

	best.Status = TaskLeased
	best.AttemptCount++
	exp := leaseUntil
	best.LeaseExpiry = &exp
	m.tasks[best.ID] = cloneTask(best)
	return cloneTask(best), true, nil
}

func (m *memoryStore) AckTask(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != TaskLeased {
		return false, nil
	}
	t.Status = TaskDone
	t.LeaseExpiry = nil
	m.tasks[id] = t
	return true, nil
}

func (m *memoryStore) FailTask(_ context.Context, id, lastError string, maxAttempts int, notBefore time.Time) (TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return "", ErrNotFound
	}
	if t.Status != TaskLeased {
		return t.Status, nil
	}

	t.LeaseExpiry = nil
	t.LastError = lastError
	t.NotBefore = notBefore
	if t.AttemptCount >= maxAttempts {
		t.Status = TaskDead
	} else {
		t.Status = TaskPending
	}
	m.tasks[id] = t
	return t.Status, nil
}

func (m *memoryStore) MarkDead(_ context.Context, id, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || (t.Status != TaskPending && t.Status != TaskLeased) {
		return ErrNotFound
	}
	t.Status = TaskDead
	t.LeaseExpiry = nil
	t.LastError = lastError
	m.tasks[id] = t
	return nil
}

func (m *memoryStore) ReapExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Status == TaskLeased && t.LeaseExpiry != nil && !t.LeaseExpiry.After(now) {
			t.Status = TaskPending
			t.LeaseExpiry = nil
			m.tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) CountTasks(_ context.Context) (TaskCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c TaskCounts
	for _, t := range m.tasks {
		switch t.Status {
		case TaskPending:
			c.Pending++
		case TaskLeased:
			c.Leased++
		case TaskDone:
			c.Done++
		case TaskDead:
			c.Dead++
		}
	}
	return c, nil
}

func (m *memoryStore) ListDead(_ context.Context, limit int) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []TaskRecord
	for _, t := range m.tasks {
		if t.Status == TaskDead {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return olderTask(out[j], out[i]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- helpers ----

func leasable(t TaskRecord, now time.Time) bool {
	switch t.Status {
	case TaskPending:
		return t.NotBefore.IsZero() || !t.NotBefore.After(now)
	case TaskLeased:
		return t.LeaseExpiry != nil && !t.LeaseExpiry.After(now)
	default:
		return false
	}
}

func matchesTarget(t TaskRecord, targets []string) bool {
	if len(targets) == 0 {
		return true
	}
	for _, target := range targets {
		if t.Target == target {
			return true
		}
	}
	return false
}

// olderTask orders by enqueued_at, ties broken by id (lease FIFO order).
func olderTask(a, b TaskRecord) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

func cloneSchedule(s schedule.Schedule) schedule.Schedule {
	cp := s
	if s.Parameters != nil {
		cp.Parameters = make(map[string]any, len(s.Parameters))
		for k, v := range s.Parameters {
			cp.Parameters[k] = v
		}
	}
	cp.NextRun = cloneTime(s.NextRun)
	cp.LastRun = cloneTime(s.LastRun)
	return cp
}

func cloneTask(t TaskRecord) TaskRecord {
	cp := t
	if t.Parameters != nil {
		cp.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			cp.Parameters[k] = v
		}
	}
	cp.LeaseExpiry = cloneTime(t.LeaseExpiry)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
