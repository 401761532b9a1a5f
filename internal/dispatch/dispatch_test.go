package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"proposalflow/internal/config"
	"proposalflow/internal/db"
	"proposalflow/internal/dispatch"
	"proposalflow/internal/domain"
	"proposalflow/internal/migrate"
	"proposalflow/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newDispatcher(t *testing.T) (*dispatch.Dispatcher, *clock, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	r := repo.Repo{DB: conn}
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := dispatch.New(r, config.Default(), nil)
	d.Now = clk.Now
	d.Rand = func() float64 { return 0 }
	d.PollInterval = 5 * time.Millisecond
	return d, clk, r
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := dispatch.Policy{BaseDelay: time.Minute, MaxDelay: 5 * time.Minute, Jitter: 0.5}
	require.Equal(t, time.Minute, p.Backoff(1, 0))
	require.Equal(t, 2*time.Minute, p.Backoff(2, 0))
	require.Equal(t, 4*time.Minute, p.Backoff(3, 0))
	require.Equal(t, 5*time.Minute, p.Backoff(4, 0))
	require.Equal(t, 5*time.Minute, p.Backoff(40, 0))
	require.Equal(t, 90*time.Second, p.Backoff(1, 1))
}

func TestRetriesThenTerminalFailure(t *testing.T) {
	d, clk, r := newDispatcher(t)
	ctx := context.Background()
	var calls atomic.Int32
	d.Handle("send-message", func(ctx context.Context, task domain.Task) error {
		calls.Add(1)
		return errors.New("smtp down")
	})
	var terminal []error
	d.OnTerminalFailure(func(ctx context.Context, task domain.Task, err error) {
		require.Equal(t, "p1", task.ProjectID)
		terminal = append(terminal, err)
	})

	_, err := d.Enqueue(ctx, "send-message", dispatch.EnqueueOptions{ProjectID: "p1"})
	require.NoError(t, err)

	// messaging: 5 attempts, 30s base delay doubling
	delays := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, delay := range delays {
		ran, err := d.RunOnce(ctx, "messaging")
		require.NoError(t, err)
		require.True(t, ran, "attempt %d", i+1)
		// not ready again until the backoff elapses
		ran, err = d.RunOnce(ctx, "messaging")
		require.NoError(t, err)
		require.False(t, ran)
		clk.Advance(delay)
	}
	ran, err := d.RunOnce(ctx, "messaging")
	require.NoError(t, err)
	require.True(t, ran)

	require.Equal(t, int32(5), calls.Load())
	require.Len(t, terminal, 1)
	require.ErrorIs(t, terminal[0], dispatch.ErrTerminal)
	var te *dispatch.TaskExecutionError
	require.True(t, errors.As(terminal[0], &te))
	require.Equal(t, 5, te.Attempts)

	tasks, err := r.ListTasks(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestPanicIsRecoveredAndRetried(t *testing.T) {
	d, clk, _ := newDispatcher(t)
	ctx := context.Background()
	var calls atomic.Int32
	d.Handle("advance", func(ctx context.Context, task domain.Task) error {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return nil
	})
	_, err := d.Enqueue(ctx, "advance", dispatch.EnqueueOptions{ProjectID: "p1"})
	require.NoError(t, err)

	ran, err := d.RunOnce(ctx, "orchestration")
	require.NoError(t, err)
	require.True(t, ran)
	clk.Advance(time.Minute)
	ran, err = d.RunOnce(ctx, "orchestration")
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, int32(2), calls.Load())
}

func TestDeferDoesNotSpendAttempts(t *testing.T) {
	d, clk, r := newDispatcher(t)
	ctx := context.Background()
	var calls atomic.Int32
	d.Handle("advance", func(ctx context.Context, task domain.Task) error {
		calls.Add(1)
		return dispatch.Defer(time.Second, "locked")
	})
	_, err := d.Enqueue(ctx, "advance", dispatch.EnqueueOptions{ProjectID: "p1"})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		ran, err := d.RunOnce(ctx, "orchestration")
		require.NoError(t, err)
		require.True(t, ran)
		clk.Advance(time.Second)
	}
	tasks, err := r.ListTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, 0, tasks[0].Attempts)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()
	var failed atomic.Int32
	d.Handle("advance", func(ctx context.Context, task domain.Task) error {
		return dispatch.Permanent(errors.New("unknown collaborator"))
	})
	d.OnTerminalFailure(func(ctx context.Context, task domain.Task, err error) { failed.Add(1) })
	_, err := d.Enqueue(ctx, "advance", dispatch.EnqueueOptions{})
	require.NoError(t, err)
	ran, err := d.RunOnce(ctx, "orchestration")
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, int32(1), failed.Load())
}

func TestPriorityAndExpiry(t *testing.T) {
	d, clk, _ := newDispatcher(t)
	ctx := context.Background()
	var order []string
	d.Handle("advance", func(ctx context.Context, task domain.Task) error {
		order = append(order, task.ProjectID)
		return nil
	})
	_, err := d.Enqueue(ctx, "advance", dispatch.EnqueueOptions{ProjectID: "low", Priority: 1})
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, "advance", dispatch.EnqueueOptions{ProjectID: "high", Priority: 9})
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, "advance", dispatch.EnqueueOptions{ProjectID: "stale", Priority: 5, Delay: time.Minute, Expiry: 30 * time.Second})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	n, err := d.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"high", "low"}, order)
}

func TestEnqueueUnknownAction(t *testing.T) {
	d, _, _ := newDispatcher(t)
	_, err := d.Enqueue(context.Background(), "mystery", dispatch.EnqueueOptions{})
	require.ErrorIs(t, err, dispatch.ErrNoRoute)
}

func TestRunPoolsStopCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
	d, _, _ := newDispatcher(t)
	d.Now = time.Now
	done := make(chan string, 2)
	d.Handle("advance", func(ctx context.Context, task domain.Task) error {
		done <- task.ProjectID
		return nil
	})
	d.Handle("generate-artifact", func(ctx context.Context, task domain.Task) error {
		done <- task.ProjectID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	_, err := d.Enqueue(ctx, "advance", dispatch.EnqueueOptions{ProjectID: "a"})
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, "generate-artifact", dispatch.EnqueueOptions{ProjectID: "b"})
	require.NoError(t, err)

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case id := <-done:
			got[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("pools did not run tasks")
		}
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestBlockedClassDoesNotStallOthers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
	d, _, r := newDispatcher(t)
	d.Now = time.Now
	require.Equal(t, 1, d.Classes["artifacts"].Workers)

	var started atomic.Int32
	blocked := make(chan struct{}, 2)
	d.Handle("generate-artifact", func(ctx context.Context, task domain.Task) error {
		started.Add(1)
		blocked <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	advanced := make(chan string, 1)
	d.Handle("advance", func(ctx context.Context, task domain.Task) error {
		advanced <- task.ProjectID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	for _, id := range []string{"art-1", "art-2"} {
		_, err := d.Enqueue(ctx, "generate-artifact", dispatch.EnqueueOptions{ProjectID: id})
		require.NoError(t, err)
	}
	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("artifact task never started")
	}

	_, err := d.Enqueue(ctx, "advance", dispatch.EnqueueOptions{ProjectID: "p1"})
	require.NoError(t, err)
	select {
	case id := <-advanced:
		require.Equal(t, "p1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestration task stuck behind the artifact pool")
	}
	require.Equal(t, int32(1), started.Load())

	cancel()
	require.NoError(t, <-errCh)

	// the interrupted artifact task is back in the queue with its attempt refunded
	tasks, err := r.ListTasks(context.Background(), "art-1")
	require.NoError(t, err)
	tasks2, err := r.ListTasks(context.Background(), "art-2")
	require.NoError(t, err)
	all := append(tasks, tasks2...)
	require.Len(t, all, 2)
	for _, task := range all {
		require.Equal(t, 0, task.Attempts, task.ProjectID)
	}
}
