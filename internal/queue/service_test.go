package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schedq/internal/eventbus"
	"schedq/internal/storage"
	logx "schedq/pkg/logx"
)

func newTestQueue(t *testing.T, cfg Config) (*Service, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { st.Close() })
	return New(cfg, st, nil, logx.Nop()), st
}

func TestEnqueueLeaseAck(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Task{Target: "process_email", ScheduleID: "email-processing"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, ok, err := q.Lease(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got.ID)
	require.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LeaseExpiry)

	require.NoError(t, q.Ack(ctx, id))

	// Done tasks never come back.
	_, ok, err = q.Lease(ctx, nil)
	require.NoError(t, err)
	require.False(t, ok)

	// A second ack has no lease to resolve.
	require.ErrorIs(t, q.Ack(ctx, id), ErrUnknownTask)
}

func TestEnqueueForcesPendingState(t *testing.T) {
	t.Parallel()
	q, st := newTestQueue(t, Config{})
	ctx := context.Background()

	// Callers can't smuggle in a pre-leased or pre-attempted task.
	id, err := q.Enqueue(ctx, Task{
		Target:       "process_email",
		Status:       StatusLeased,
		AttemptCount: 7,
	})
	require.NoError(t, err)

	got, ok, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusPending, got.Status)
	require.Zero(t, got.AttemptCount)
	require.Nil(t, got.LeaseExpiry)
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	t.Parallel()
	q, st := newTestQueue(t, Config{MaxAttempts: 3, RetryBase: time.Second})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Task{Target: "process_slack"})
	require.NoError(t, err)

	_, ok, err := q.Lease(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)

	before := time.Now()
	status, err := q.Fail(ctx, id, errors.New("status 503"))
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	got, _, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.AttemptCount) // fail itself charges nothing
	require.Equal(t, "status 503", got.LastError)

	// attempt_count is 1, so the delay is base*2^1 = 2s.
	wantEarliest := before.Add(2 * time.Second)
	require.False(t, got.NotBefore.Before(wantEarliest.Add(-50*time.Millisecond)),
		"NotBefore %v earlier than %v", got.NotBefore, wantEarliest)

	// Not leasable until the backoff elapses.
	_, ok, err = q.Lease(ctx, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFailDeadLettersAtAttemptLimit(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{MaxAttempts: 1, RetryBase: time.Millisecond})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Task{Target: "process_email"})
	require.NoError(t, err)

	_, ok, err := q.Lease(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)

	status, err := q.Fail(ctx, id, errors.New("status 401"))
	require.NoError(t, err)
	require.Equal(t, StatusDead, status)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, id, dead[0].ID)
	require.Equal(t, "status 401", dead[0].LastError)

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Counts.Dead)
	require.Equal(t, uint64(1), snap.Dead)
}

func TestFailUnknownTask(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Config{})
	_, err := q.Fail(context.Background(), "nope", errors.New("x"))
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestKillBypassesRemainingAttempts(t *testing.T) {
	t.Parallel()
	q, st := newTestQueue(t, Config{MaxAttempts: 5})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Task{Target: "no_such_target"})
	require.NoError(t, err)

	require.NoError(t, q.Kill(ctx, id, "no handler registered"))

	got, _, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusDead, got.Status)
	require.Zero(t, got.AttemptCount)

	require.ErrorIs(t, q.Kill(ctx, "missing", "x"), ErrUnknownTask)
}

func TestReaperReclaimsExpiredLease(t *testing.T) {
	t.Parallel()
	q, st := newTestQueue(t, Config{
		LeaseDuration: 20 * time.Millisecond,
		ReapInterval:  10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := q.Enqueue(ctx, Task{Target: "process_email"})
	require.NoError(t, err)
	_, ok, err := q.Lease(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)

	q.Start(ctx)
	defer q.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		if got.Status == StatusPending {
			// Reaped, and the reap itself charged no extra attempt.
			require.Equal(t, 1, got.AttemptCount)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task still %s after lease expiry", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	q := New(Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second},
		storage.NewMemory(), nil, logx.Nop())

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := q.backoffDelay(tt.attempts); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestAckPublishesEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := storage.NewMemory()
	q := New(Config{}, st, bus, logx.Nop())
	ctx := context.Background()

	events, unsub := bus.Subscribe(4)
	defer unsub()

	id, err := q.Enqueue(ctx, Task{Target: "process_email"})
	require.NoError(t, err)
	_, ok, err := q.Lease(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Ack(ctx, id))

	select {
	case ev := <-events:
		require.Equal(t, eventbus.TaskDone, ev.Type)
		te, isTaskEvent := ev.Data.(TaskEvent)
		require.True(t, isTaskEvent)
		require.Equal(t, id, te.ID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestNoRetryMarker(t *testing.T) {
	t.Parallel()
	base := errors.New("status 404")
	wrapped := NoRetry(base)
	require.True(t, IsNoRetry(wrapped))
	require.True(t, IsNoRetry(errorsJoin(wrapped)))
	require.False(t, IsNoRetry(base))
	require.ErrorIs(t, wrapped, base)
}

// errorsJoin wraps once more so the marker must survive nesting.
func errorsJoin(err error) error {
	return &wrapper{err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }
