package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schedq/internal/schedule"
	logx "schedq/pkg/logx"
)

// eachStore runs fn against every driver so both implementations keep the
// same transition semantics.
func eachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		st := NewMemory()
		defer st.Close()
		fn(t, st)
	})

	t.Run("sqlite", func(t *testing.T) {
		st, err := Open(Config{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "test.db"),
		}, logx.Nop())
		require.NoError(t, err)
		defer st.Close()
		fn(t, st)
	})
}

func task(id string, enqueuedAt time.Time) TaskRecord {
	return TaskRecord{
		ID:         id,
		Target:     "process_email",
		Parameters: map[string]any{"maxResults": float64(20)},
		Status:     TaskPending,
		EnqueuedAt: enqueuedAt,
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		next := time.Date(2025, 5, 8, 8, 0, 0, 0, time.UTC)
		sc := schedule.Schedule{
			ID:        "daily-summary",
			Name:      "Daily summary",
			Type:      schedule.TypeDaily,
			Target:    "generate_daily_summary",
			Enabled:   true,
			DailyTime: "08:00",
			NextRun:   &next,
		}
		require.NoError(t, st.PutSchedule(ctx, sc))

		got, ok, err := st.GetSchedule(ctx, "daily-summary")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, sc.Target, got.Target)
		require.NotNil(t, got.NextRun)
		require.True(t, got.NextRun.Equal(next))

		// Upsert replaces.
		sc.Enabled = false
		sc.NextRun = nil
		require.NoError(t, st.PutSchedule(ctx, sc))
		got, ok, err = st.GetSchedule(ctx, "daily-summary")
		require.NoError(t, err)
		require.True(t, ok)
		require.False(t, got.Enabled)
		require.Nil(t, got.NextRun)

		list, err := st.ListSchedules(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)

		deleted, err := st.DeleteSchedule(ctx, "daily-summary")
		require.NoError(t, err)
		require.True(t, deleted)
		_, ok, err = st.GetSchedule(ctx, "daily-summary")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestLeaseOrderIsFIFO(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, st.InsertTask(ctx, task("b", now.Add(-time.Second))))
		require.NoError(t, st.InsertTask(ctx, task("a", now.Add(-3*time.Second))))
		require.NoError(t, st.InsertTask(ctx, task("c", now.Add(-2*time.Second))))

		until := now.Add(time.Minute)
		for _, want := range []string{"a", "c", "b"} {
			got, ok, err := st.LeaseNext(ctx, nil, now, until)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, want, got.ID)
			require.Equal(t, TaskLeased, got.Status)
			require.Equal(t, 1, got.AttemptCount)
		}

		_, ok, err := st.LeaseNext(ctx, nil, now, until)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestLeaseRespectsNotBefore(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		tr := task("delayed", now.Add(-time.Minute))
		tr.NotBefore = now.Add(time.Minute)
		require.NoError(t, st.InsertTask(ctx, tr))

		_, ok, err := st.LeaseNext(ctx, nil, now, now.Add(time.Minute))
		require.NoError(t, err)
		require.False(t, ok)

		later := now.Add(2 * time.Minute)
		got, ok, err := st.LeaseNext(ctx, nil, later, later.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "delayed", got.ID)
	})
}

func TestLeaseTargetFilter(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		email := task("email", now.Add(-2*time.Second))
		slack := task("slack", now.Add(-time.Second))
		slack.Target = "process_slack"
		require.NoError(t, st.InsertTask(ctx, email))
		require.NoError(t, st.InsertTask(ctx, slack))

		got, ok, err := st.LeaseNext(ctx, []string{"process_slack"}, now, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "slack", got.ID)
	})
}

func TestAckRequiresLease(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, st.InsertTask(ctx, task("x", now)))

		// Pending, not leased: ack is a no-op.
		acked, err := st.AckTask(ctx, "x")
		require.NoError(t, err)
		require.False(t, acked)

		_, ok, err := st.LeaseNext(ctx, nil, now, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		acked, err = st.AckTask(ctx, "x")
		require.NoError(t, err)
		require.True(t, acked)

		got, ok, err := st.GetTask(ctx, "x")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, TaskDone, got.Status)

		// Done is terminal.
		acked, err = st.AckTask(ctx, "x")
		require.NoError(t, err)
		require.False(t, acked)
	})
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, st.InsertTask(ctx, task("x", now.Add(-time.Second))))

		const maxAttempts = 2

		// Attempt 1 fails: back to pending with the retry delay.
		_, ok, err := st.LeaseNext(ctx, nil, now, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		retryAt := now.Add(2 * time.Second)
		status, err := st.FailTask(ctx, "x", "boom", maxAttempts, retryAt)
		require.NoError(t, err)
		require.Equal(t, TaskPending, status)

		got, _, err := st.GetTask(ctx, "x")
		require.NoError(t, err)
		require.Equal(t, 1, got.AttemptCount)
		require.Equal(t, "boom", got.LastError)
		require.True(t, got.NotBefore.Equal(retryAt))

		// Attempt 2 fails: attempts exhausted, dead.
		later := retryAt.Add(time.Second)
		_, ok, err = st.LeaseNext(ctx, nil, later, later.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		status, err = st.FailTask(ctx, "x", "boom again", maxAttempts, later.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, TaskDead, status)

		// Fail on a non-leased task reports the current status and changes
		// nothing.
		status, err = st.FailTask(ctx, "x", "late", maxAttempts, later)
		require.NoError(t, err)
		require.Equal(t, TaskDead, status)
		got, _, err = st.GetTask(ctx, "x")
		require.NoError(t, err)
		require.Equal(t, 2, got.AttemptCount)
		require.Equal(t, "boom again", got.LastError)
	})
}

func TestReapExpiredDoesNotChargeAttempts(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, st.InsertTask(ctx, task("x", now.Add(-time.Second))))

		_, ok, err := st.LeaseNext(ctx, nil, now, now.Add(30*time.Second))
		require.NoError(t, err)
		require.True(t, ok)

		// Not expired yet.
		n, err := st.ReapExpired(ctx, now.Add(10*time.Second))
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = st.ReapExpired(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got, _, err := st.GetTask(ctx, "x")
		require.NoError(t, err)
		require.Equal(t, TaskPending, got.Status)
		require.Equal(t, 1, got.AttemptCount) // the lease's charge, nothing extra
		require.Nil(t, got.LeaseExpiry)

		// The reaped task is leasable again; the redelivery charges attempt 2.
		later := now.Add(2 * time.Minute)
		got, ok, err = st.LeaseNext(ctx, nil, later, later.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 2, got.AttemptCount)
	})
}

func TestMarkDeadAndListDead(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, st.InsertTask(ctx, task("x", now.Add(-2*time.Second))))
		require.NoError(t, st.InsertTask(ctx, task("y", now.Add(-time.Second))))

		require.NoError(t, st.MarkDead(ctx, "x", "no handler registered"))
		require.ErrorIs(t, st.MarkDead(ctx, "missing", "whatever"), ErrNotFound)

		dead, err := st.ListDead(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		require.Equal(t, "x", dead[0].ID)
		require.Equal(t, "no handler registered", dead[0].LastError)

		counts, err := st.CountTasks(ctx)
		require.NoError(t, err)
		require.Equal(t, TaskCounts{Pending: 1, Dead: 1}, counts)

		// Dead is terminal: marking again is not found for transition purposes.
		require.ErrorIs(t, st.MarkDead(ctx, "x", "again"), ErrNotFound)
	})
}
