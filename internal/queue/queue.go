// Package queue implements the delayed, retrying job queue that feeds the
// order lifecycle engine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Config holds worker and retry settings.
type Config struct {
	Concurrency    int
	MaxAttempts    int
	Backoff        BackoffPolicy
	PollInterval   time.Duration
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff.IsZero() {
		c.Backoff = DefaultBackoff()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

type instruments struct {
	started   metric.Int64Counter
	outcomes  metric.Int64Counter
	durations metric.Float64Histogram
}

func newInstruments() instruments {
	meter := otel.Meter("queue")
	var in instruments
	in.started, _ = meter.Int64Counter("queue.attempts.started",
		metric.WithDescription("Number of job attempts started"),
		metric.WithUnit("{attempt}"))
	in.outcomes, _ = meter.Int64Counter("queue.attempts.finished",
		metric.WithDescription("Number of job attempts finished, by outcome"),
		metric.WithUnit("{attempt}"))
	in.durations, _ = meter.Float64Histogram("queue.attempt.duration",
		metric.WithDescription("Wall time of a single job attempt"),
		metric.WithUnit("ms"))
	return in
}

// Queue accepts jobs and runs them on a fixed pool of workers.
type Queue struct {
	backend Backend
	limiter Limiter
	cfg     Config
	logger  *slog.Logger
	metrics instruments
	wake    chan struct{}
	closed  atomic.Bool
	now     func() time.Time
}

// New creates a queue over backend. limiter may be nil for unbounded starts.
func New(backend Backend, limiter Limiter, cfg Config, logger *slog.Logger) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		backend: backend,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "queue")),
		metrics: newInstruments(),
		wake:    make(chan struct{}, cfg.Concurrency),
		now:     time.Now,
	}
}

// Enqueue schedules work for orderID after opts.Delay.
func (q *Queue) Enqueue(ctx context.Context, orderID string, opts Options) (Job, error) {
	if q.closed.Load() {
		return Job{}, domain.ErrQueueClosed
	}
	if orderID == "" {
		return Job{}, errors.New("queue: enqueue: empty order id")
	}

	now := q.now()
	job := Job{
		ID:          opts.JobID,
		OrderID:     orderID,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		Delay:       opts.Delay,
		ReadyAt:     now.Add(opts.Delay),
		EnqueuedAt:  now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	if job.Backoff.IsZero() {
		job.Backoff = q.cfg.Backoff
	}

	if err := q.backend.Add(ctx, job); err != nil {
		return Job{}, fmt.Errorf("queue: enqueue %s: %w", orderID, err)
	}
	q.signal()

	q.logger.DebugContext(ctx, "job enqueued",
		slog.String("job_id", job.ID),
		slog.String("order_id", orderID),
		slog.Duration("delay", opts.Delay),
	)
	return job, nil
}

// Stats reports pending and active job counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.backend.Stats(ctx)
}

// Close rejects further enqueues. Running workers are stopped through the
// context passed to Run.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// Run starts Concurrency workers and blocks until ctx is done and every
// in-flight attempt has returned. onFailure may be nil.
func (q *Queue) Run(ctx context.Context, handle Handler, onFailure FailureHandler) error {
	if handle == nil {
		return errors.New("queue: run: nil handler")
	}
	q.logger.InfoContext(ctx, "queue workers starting", slog.Int("concurrency", q.cfg.Concurrency))

	p := pool.New().WithMaxGoroutines(q.cfg.Concurrency)
	for i := 0; i < q.cfg.Concurrency; i++ {
		p.Go(func() {
			q.work(ctx, handle, onFailure)
		})
	}
	p.Wait()

	q.logger.Info("queue workers stopped")
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) work(ctx context.Context, handle Handler, onFailure FailureHandler) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, ok, err := q.backend.Claim(ctx, q.now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.ErrorContext(ctx, "claim job", slog.String("error", err.Error()))
		}
		if err != nil || !ok {
			q.idle(ctx)
			continue
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				// Shutting down before the attempt started: hand it back unchanged.
				if rqErr := q.backend.Requeue(context.WithoutCancel(ctx), job); rqErr != nil {
					q.logger.Error("requeue unstarted job",
						slog.String("job_id", job.ID),
						slog.String("error", rqErr.Error()),
					)
				}
				return
			}
		}

		q.attempt(ctx, job, handle, onFailure)
	}
}

func (q *Queue) idle(ctx context.Context) {
	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-q.wake:
	case <-timer.C:
	}
}

// settleTimeout bounds the bookkeeping after an attempt: requeue, finish and
// the terminal-failure callback.
const settleTimeout = 30 * time.Second

// attempt runs one try of job. The attempt is detached from ctx so a
// shutdown lets it finish. What happens after the handler returns runs on a
// fresh context, since AttemptTimeout may already have expired the
// attempt's own.
func (q *Queue) attempt(ctx context.Context, job Job, handle Handler, onFailure FailureHandler) {
	detached := context.WithoutCancel(ctx)
	attemptCtx := detached
	if q.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(detached, q.cfg.AttemptTimeout)
		defer cancel()
	}

	job.Attempts++
	start := q.now()
	q.metrics.started.Add(attemptCtx, 1)

	err := safeHandle(attemptCtx, handle, job)

	settleCtx, cancel := context.WithTimeout(detached, settleTimeout)
	defer cancel()
	q.metrics.durations.Record(settleCtx, float64(q.now().Sub(start).Milliseconds()))

	log := q.logger.With(
		slog.String("job_id", job.ID),
		slog.String("order_id", job.OrderID),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	if err == nil {
		q.finish(settleCtx, job.ID)
		q.countOutcome(settleCtx, "completed")
		log.InfoContext(settleCtx, "job completed")
		return
	}
	job.LastError = err.Error()

	if job.IsLastAttempt() {
		q.countOutcome(settleCtx, "failed")
		log.ErrorContext(settleCtx, "job failed", slog.String("error", err.Error()))
		if onFailure != nil {
			onFailure(settleCtx, job, err)
		}
		q.finish(settleCtx, job.ID)
		return
	}

	delay := job.Backoff.After(job.Attempts)
	job.ReadyAt = q.now().Add(delay)
	if rqErr := q.backend.Requeue(settleCtx, job); rqErr != nil {
		log.ErrorContext(settleCtx, "requeue job", slog.String("error", rqErr.Error()))
		return
	}
	q.countOutcome(settleCtx, "retried")
	log.WarnContext(settleCtx, "job attempt failed, retrying",
		slog.String("error", err.Error()),
		slog.Duration("backoff", delay),
	)
}

func (q *Queue) finish(ctx context.Context, jobID string) {
	if err := q.backend.Finish(ctx, jobID); err != nil {
		q.logger.ErrorContext(ctx, "finish job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) countOutcome(ctx context.Context, outcome string) {
	q.metrics.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func safeHandle(ctx context.Context, handle Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return handle(ctx, job)
}
