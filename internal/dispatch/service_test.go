package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"schedq/internal/queue"
	"schedq/internal/storage"
	logx "schedq/pkg/logx"
)

type fixture struct {
	store storage.Store
	q     *queue.Service
	reg   *Registry
	svc   *Service
}

func newFixture(t *testing.T, qcfg queue.Config) *fixture {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { st.Close() })
	q := queue.New(qcfg, st, nil, logx.Nop())
	reg := NewRegistry()
	svc := New(Config{
		Enabled:      true,
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		DrainGrace:   2 * time.Second,
	}, reg, q, logx.Nop())
	return &fixture{store: st, q: q, reg: reg, svc: svc}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.svc.Start(context.Background())
	t.Cleanup(func() { f.svc.Stop(context.Background()) })
}

// waitTask polls until the task reaches want or the deadline passes.
func waitTask(t *testing.T, st storage.Store, id string, want storage.TaskStatus) storage.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		tr, ok, err := st.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask error: %v", err)
		}
		if ok && tr.Status == want {
			return tr
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck in %q, want %q", id, tr.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchInvokesHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, queue.Config{})

	var gotParams atomic.Value
	err := f.reg.Register("process_email", HandlerFunc(func(_ context.Context, params map[string]any) error {
		gotParams.Store(params)
		return nil
	}))
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	id, err := f.q.Enqueue(context.Background(), queue.Task{
		Target:     "process_email",
		Parameters: map[string]any{"maxResults": 20},
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	f.start(t)
	waitTask(t, f.store, id, storage.TaskDone)

	params, _ := gotParams.Load().(map[string]any)
	if params["maxResults"] != 20 {
		t.Fatalf("handler params = %v", params)
	}
}

func TestUnknownTargetIsDeadLettered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, queue.Config{MaxAttempts: 5})

	id, err := f.q.Enqueue(context.Background(), queue.Task{Target: "no_such_target"})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	f.start(t)
	tr := waitTask(t, f.store, id, storage.TaskDead)

	// Dead on the first delivery, remaining attempts notwithstanding.
	if tr.AttemptCount != 1 {
		t.Fatalf("AttemptCount = %d, want 1", tr.AttemptCount)
	}
	if !strings.Contains(tr.LastError, "no handler registered") {
		t.Fatalf("LastError = %q", tr.LastError)
	}
}

func TestNoRetryErrorIsDeadLettered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, queue.Config{MaxAttempts: 5})

	if err := f.reg.Register("process_email", HandlerFunc(func(context.Context, map[string]any) error {
		return queue.NoRetry(errors.New("status 401: bad credentials"))
	})); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	id, err := f.q.Enqueue(context.Background(), queue.Task{Target: "process_email"})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	f.start(t)
	tr := waitTask(t, f.store, id, storage.TaskDead)
	if tr.AttemptCount != 1 {
		t.Fatalf("AttemptCount = %d, want 1", tr.AttemptCount)
	}
	if !strings.Contains(tr.LastError, "status 401") {
		t.Fatalf("LastError = %q", tr.LastError)
	}
}

func TestRetryableFailureExhaustsAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, queue.Config{MaxAttempts: 2, RetryBase: time.Millisecond})

	var calls atomic.Int32
	if err := f.reg.Register("process_slack", HandlerFunc(func(context.Context, map[string]any) error {
		calls.Add(1)
		return errors.New("status 503")
	})); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	id, err := f.q.Enqueue(context.Background(), queue.Task{Target: "process_slack"})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	f.start(t)
	tr := waitTask(t, f.store, id, storage.TaskDead)
	if tr.AttemptCount != 2 {
		t.Fatalf("AttemptCount = %d, want 2", tr.AttemptCount)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}
}

func TestPanicCountsAsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, queue.Config{MaxAttempts: 1, RetryBase: time.Millisecond})

	if err := f.reg.Register("process_email", HandlerFunc(func(context.Context, map[string]any) error {
		panic("boom")
	})); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	id, err := f.q.Enqueue(context.Background(), queue.Task{Target: "process_email"})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	f.start(t)
	tr := waitTask(t, f.store, id, storage.TaskDead)
	if !strings.Contains(tr.LastError, "panic") {
		t.Fatalf("LastError = %q", tr.LastError)
	}
}

func TestStopDrainsInFlightHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, queue.Config{})

	entered := make(chan struct{})
	release := make(chan struct{})
	if err := f.reg.Register("process_email", HandlerFunc(func(context.Context, map[string]any) error {
		close(entered)
		<-release
		return nil
	})); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	id, err := f.q.Enqueue(context.Background(), queue.Task{Target: "process_email"})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	f.svc.Start(context.Background())
	<-entered

	stopped := make(chan struct{})
	go func() {
		f.svc.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the handler finished")
	}

	waitTask(t, f.store, id, storage.TaskDone)
}

func TestRegistryRules(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	nop := HandlerFunc(func(context.Context, map[string]any) error { return nil })

	if err := reg.Register("", nop); err == nil {
		t.Fatal("empty target accepted")
	}
	if err := reg.Register("a", nil); err == nil {
		t.Fatal("nil handler accepted")
	}
	if err := reg.Register("a", nop); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := reg.Register("a", nop); err == nil {
		t.Fatal("duplicate target accepted")
	}
	if err := reg.Register("b", nop); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	if _, ok := reg.Lookup("a"); !ok {
		t.Fatal("Lookup(a) failed")
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) succeeded")
	}
	targets := reg.Targets()
	if len(targets) != 2 || targets[0] != "a" || targets[1] != "b" {
		t.Fatalf("Targets = %v", targets)
	}
}
