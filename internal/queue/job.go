package queue

import (
	"context"
	"time"
)

// Job is one unit of deferred order work. Attempts counts the attempts
// already started, so it equals MaxAttempts on the last one.
type Job struct {
	ID          string        `json:"id"`
	OrderID     string        `json:"orderId"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     BackoffPolicy `json:"backoff"`
	Delay       time.Duration `json:"delay"`
	ReadyAt     time.Time     `json:"readyAt"`
	EnqueuedAt  time.Time     `json:"enqueuedAt"`
	LastError   string        `json:"lastError,omitempty"`
}

// IsLastAttempt reports whether the running attempt is the final one.
func (j Job) IsLastAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// Options tune a single Enqueue call. Zero values fall back to the queue
// defaults.
type Options struct {
	// JobID deduplicates work: a second enqueue with an id that is still
	// pending or active fails with domain.ErrAlreadyExists.
	JobID       string
	Delay       time.Duration
	MaxAttempts int
	Backoff     BackoffPolicy
}

// Handler runs one attempt of a job. A non-nil error schedules a retry
// until the job runs out of attempts.
type Handler func(ctx context.Context, job Job) error

// FailureHandler is invoked exactly once for a job whose final attempt
// failed.
type FailureHandler func(ctx context.Context, job Job, err error)

// Stats is a point-in-time view of the backend.
type Stats struct {
	Pending int `json:"pending"`
	Active  int `json:"active"`
}

// Backend stores jobs. Claim must hand a ready job to exactly one caller.
type Backend interface {
	// Add stores a new pending job. It returns domain.ErrAlreadyExists when a
	// job with the same id is pending or active.
	Add(ctx context.Context, job Job) error
	// Claim moves the earliest job with ReadyAt <= now to the active set.
	// ok is false when nothing is ready.
	Claim(ctx context.Context, now time.Time) (job Job, ok bool, err error)
	// Requeue moves an active job back to pending using job.ReadyAt.
	Requeue(ctx context.Context, job Job) error
	// Finish forgets an active job.
	Finish(ctx context.Context, jobID string) error
	Stats(ctx context.Context) (Stats, error)
}
