package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		Concurrency:  4,
		MaxAttempts:  3,
		Backoff:      BackoffPolicy{Type: BackoffExponential, Delay: time.Millisecond},
		PollInterval: 5 * time.Millisecond,
	}
}

func startQueue(t *testing.T, q *Queue, h Handler, f FailureHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, h, f)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestBackoffSchedule(t *testing.T) {
	p := BackoffPolicy{Type: BackoffExponential, Delay: time.Second}
	require.Equal(t, time.Second, p.After(1))
	require.Equal(t, 2*time.Second, p.After(2))
	require.Equal(t, 4*time.Second, p.After(3))

	capped := BackoffPolicy{Type: BackoffExponential, Delay: time.Second, MaxDelay: 3 * time.Second}
	require.Equal(t, 3*time.Second, capped.After(4))

	fixed := BackoffPolicy{Type: BackoffFixed, Delay: 500 * time.Millisecond}
	require.Equal(t, 500*time.Millisecond, fixed.After(1))
	require.Equal(t, 500*time.Millisecond, fixed.After(5))
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	q := New(NewMemoryBackend(), nil, Config{}, testLogger())
	job, err := q.Enqueue(context.Background(), "order-1", Options{Delay: 10 * time.Second})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, 3, job.MaxAttempts)
	require.Equal(t, DefaultBackoff(), job.Backoff)
	require.Equal(t, 10*time.Second, job.ReadyAt.Sub(job.EnqueuedAt))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestEnqueueDeduplicatesByJobID(t *testing.T) {
	q := New(NewMemoryBackend(), nil, Config{}, testLogger())
	_, err := q.Enqueue(context.Background(), "order-1", Options{JobID: "order-1"})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "order-1", Options{JobID: "order-1"})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := New(NewMemoryBackend(), nil, Config{}, testLogger())
	q.Close()
	_, err := q.Enqueue(context.Background(), "order-1", Options{})
	require.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestRetryUntilSuccess(t *testing.T) {
	q := New(NewMemoryBackend(), nil, fastConfig(), testLogger())

	var calls atomic.Int32
	var failures atomic.Int32
	startQueue(t, q, func(_ context.Context, job Job) error {
		n := calls.Add(1)
		assert.Equal(t, int(n), job.Attempts)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(context.Context, Job, error) {
		failures.Add(1)
	})

	_, err := q.Enqueue(context.Background(), "order-1", Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		s, _ := q.Stats(context.Background())
		return s.Pending == 0 && s.Active == 0
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, failures.Load())
}

func TestFailureHandlerRunsOnceOnLastAttempt(t *testing.T) {
	q := New(NewMemoryBackend(), nil, fastConfig(), testLogger())

	var calls atomic.Int32
	var mu sync.Mutex
	var failed []Job
	startQueue(t, q, func(context.Context, Job) error {
		calls.Add(1)
		return errors.New("venue down")
	}, func(_ context.Context, job Job, err error) {
		mu.Lock()
		failed = append(failed, job)
		mu.Unlock()
		assert.EqualError(t, err, "venue down")
	})

	_, err := q.Enqueue(context.Background(), "order-1", Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Give any stray retry a chance to show up.
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 3, calls.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	require.Equal(t, 3, failed[0].Attempts)
	require.Equal(t, "venue down", failed[0].LastError)
}

func TestDelayedJobWaitsUntilReady(t *testing.T) {
	q := New(NewMemoryBackend(), nil, fastConfig(), testLogger())

	started := make(chan time.Time, 1)
	startQueue(t, q, func(context.Context, Job) error {
		started <- time.Now()
		return nil
	}, nil)

	enqueued := time.Now()
	_, err := q.Enqueue(context.Background(), "order-1", Options{Delay: 150 * time.Millisecond})
	require.NoError(t, err)

	select {
	case at := <-started:
		require.GreaterOrEqual(t, at.Sub(enqueued), 150*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 2
	q := New(NewMemoryBackend(), nil, cfg, testLogger())

	var running, peak, done atomic.Int32
	startQueue(t, q, func(context.Context, Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		done.Add(1)
		return nil
	}, nil)

	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(context.Background(), "order", Options{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return done.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 2, peak.Load())
}

func TestEachJobClaimedOnce(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Add(ctx, Job{ID: fmt.Sprintf("job-%d", i), OrderID: "o"}))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := b.Claim(ctx, time.Now())
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 100)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
}

func TestMemoryBackendOrdersByReadyAt(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, b.Add(ctx, Job{ID: "late", ReadyAt: base.Add(time.Second)}))
	require.NoError(t, b.Add(ctx, Job{ID: "first", ReadyAt: base}))
	require.NoError(t, b.Add(ctx, Job{ID: "second", ReadyAt: base}))

	_, ok, _ := b.Claim(ctx, base.Add(-time.Millisecond))
	require.False(t, ok)

	j, ok, _ := b.Claim(ctx, base)
	require.True(t, ok)
	require.Equal(t, "first", j.ID)
	j, ok, _ = b.Claim(ctx, base)
	require.True(t, ok)
	require.Equal(t, "second", j.ID)
	_, ok, _ = b.Claim(ctx, base)
	require.False(t, ok)

	// Finishing forgets the id so it may be enqueued again.
	require.ErrorIs(t, b.Add(ctx, Job{ID: "first"}), domain.ErrAlreadyExists)
	require.NoError(t, b.Finish(ctx, "first"))
	require.NoError(t, b.Add(ctx, Job{ID: "first"}))
}

func TestSlidingWindowBoundsStarts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewSlidingWindow(2, time.Minute)
	s.now = func() time.Time { return now }

	_, ok := s.reserve()
	require.True(t, ok)
	now = now.Add(10 * time.Second)
	_, ok = s.reserve()
	require.True(t, ok)

	wait, ok := s.reserve()
	require.False(t, ok)
	require.Equal(t, 50*time.Second, wait)

	now = now.Add(50 * time.Second)
	_, ok = s.reserve()
	require.True(t, ok)
}

func TestSlidingWindowWaitHonoursContext(t *testing.T) {
	s := NewSlidingWindow(1, time.Hour)
	require.NoError(t, s.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

type countingRateLimiter struct {
	calls atomic.Int32
	mu    sync.Mutex
	key   string
}

func (c *countingRateLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (c *countingRateLimiter) Wait(_ context.Context, key string, _ int, _ time.Duration) error {
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
	c.calls.Add(1)
	return nil
}

func TestSharedLimiterGatesEveryAttempt(t *testing.T) {
	rl := &countingRateLimiter{}
	q := New(NewMemoryBackend(), NewSharedLimiter(rl, "queue:orders", 100, time.Minute), fastConfig(), testLogger())

	var calls atomic.Int32
	startQueue(t, q, func(context.Context, Job) error {
		if calls.Add(1) == 1 {
			return errors.New("retry me")
		}
		return nil
	}, nil)

	_, err := q.Enqueue(context.Background(), "order-1", Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 2, rl.calls.Load())
	rl.mu.Lock()
	defer rl.mu.Unlock()
	require.Equal(t, "queue:orders", rl.key)
}

func TestRunReturnsOnCancel(t *testing.T) {
	q := New(NewMemoryBackend(), nil, fastConfig(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, func(context.Context, Job) error { return nil }, nil) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	q := New(NewMemoryBackend(), nil, cfg, testLogger())

	got := make(chan error, 1)
	startQueue(t, q, func(context.Context, Job) error {
		panic("boom")
	}, func(_ context.Context, _ Job, err error) {
		got <- err
	})

	_, err := q.Enqueue(context.Background(), "order-1", Options{})
	require.NoError(t, err)
	select {
	case err := <-got:
		require.ErrorContains(t, err, "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler not called")
	}
}

// ctxRecordingBackend records the context state seen by Requeue and Finish.
type ctxRecordingBackend struct {
	*MemoryBackend

	mu         sync.Mutex
	requeueErr []error
	finishErr  []error
}

func (b *ctxRecordingBackend) Requeue(ctx context.Context, job Job) error {
	b.mu.Lock()
	b.requeueErr = append(b.requeueErr, ctx.Err())
	b.mu.Unlock()
	return b.MemoryBackend.Requeue(ctx, job)
}

func (b *ctxRecordingBackend) Finish(ctx context.Context, jobID string) error {
	b.mu.Lock()
	b.finishErr = append(b.finishErr, ctx.Err())
	b.mu.Unlock()
	return b.MemoryBackend.Finish(ctx, jobID)
}

func TestTimedOutAttemptsSettleOnLiveContext(t *testing.T) {
	backend := &ctxRecordingBackend{MemoryBackend: NewMemoryBackend()}
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	cfg.AttemptTimeout = 20 * time.Millisecond
	q := New(backend, nil, cfg, testLogger())

	failCtxErr := make(chan error, 1)
	startQueue(t, q, func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(ctx context.Context, _ Job, err error) {
		require.ErrorIs(t, err, context.DeadlineExceeded)
		failCtxErr <- ctx.Err()
	})

	_, err := q.Enqueue(context.Background(), "order-1", Options{})
	require.NoError(t, err)

	select {
	case err := <-failCtxErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler not called")
	}

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.finishErr) == 1
	}, time.Second, 5*time.Millisecond)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Equal(t, []error{nil}, backend.requeueErr)
	require.Equal(t, []error{nil}, backend.finishErr)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)
}
