package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/queue"
)

//go:embed scripts/claim_job.lua
var claimJobLua string

//go:embed scripts/add_job.lua
var addJobLua string

// DefaultClaimLease is used when NewJobBackend is given a non-positive lease.
const DefaultClaimLease = 5 * time.Minute

// JobBackend implements queue.Backend so that several worker processes can
// share one queue. Pending ids sit in a sorted set scored by ready time,
// claimed ids in a sorted set scored by lease deadline, and job bodies in a
// hash. A claim whose lease runs out (the worker died before Requeue or
// Finish) is moved back to pending by the next Claim from any worker.
type JobBackend struct {
	rdb     *redis.Client
	claim   *redis.Script
	add     *redis.Script
	lease   time.Duration
	pending string
	active  string
	jobs    string
}

// NewJobBackend creates a backend whose keys are prefixed with name. lease
// must outlast the longest attempt, otherwise a live job is handed out twice.
func NewJobBackend(c *Client, name string, lease time.Duration) *JobBackend {
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	prefix := "queue:" + name + ":"
	return &JobBackend{
		rdb:     c.Underlying(),
		claim:   redis.NewScript(claimJobLua),
		add:     redis.NewScript(addJobLua),
		lease:   lease,
		pending: prefix + "pending",
		active:  prefix + "active",
		jobs:    prefix + "jobs",
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Add stores and schedules a new job in one script, so a body is never left
// without its pending entry. Ids that are still pending or active are
// rejected.
func (b *JobBackend) Add(ctx context.Context, job queue.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: encode job %s: %w", job.ID, err)
	}
	added, err := b.add.Run(ctx, b.rdb, []string{b.jobs, b.pending},
		job.ID, body, job.ReadyAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("redis: add job %s: %w", job.ID, err)
	}
	if added == 0 {
		return fmt.Errorf("redis: add job %s: %w", job.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// Claim atomically returns expired leases to pending, then moves the earliest
// ready id to the active set under a fresh lease.
func (b *JobBackend) Claim(ctx context.Context, now time.Time) (queue.Job, bool, error) {
	id, err := b.claim.Run(ctx, b.rdb, []string{b.pending, b.active, b.jobs},
		now.UnixMilli(), b.lease.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return queue.Job{}, false, nil
	}
	if err != nil {
		return queue.Job{}, false, fmt.Errorf("redis: claim job: %w", err)
	}

	body, err := b.rdb.HGet(ctx, b.jobs, id).Bytes()
	if err != nil {
		return queue.Job{}, false, fmt.Errorf("redis: load job %s: %w", id, err)
	}
	var job queue.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return queue.Job{}, false, fmt.Errorf("redis: decode job %s: %w", id, err)
	}
	return job, true, nil
}

// Requeue stores the job's new state and puts it back on the schedule.
func (b *JobBackend) Requeue(ctx context.Context, job queue.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: encode job %s: %w", job.ID, err)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.jobs, job.ID, body)
		pipe.ZRem(ctx, b.active, job.ID)
		pipe.ZAdd(ctx, b.pending, redis.Z{Score: score(job.ReadyAt), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: requeue job %s: %w", job.ID, err)
	}
	return nil
}

// Finish removes every trace of the job.
func (b *JobBackend) Finish(ctx context.Context, jobID string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.active, jobID)
		pipe.ZRem(ctx, b.pending, jobID)
		pipe.HDel(ctx, b.jobs, jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: finish job %s: %w", jobID, err)
	}
	return nil
}

// Stats reports the pending and active counts.
func (b *JobBackend) Stats(ctx context.Context) (queue.Stats, error) {
	var pending *redis.IntCmd
	var active *redis.IntCmd
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.ZCard(ctx, b.pending)
		active = pipe.ZCard(ctx, b.active)
		return nil
	})
	if err != nil {
		return queue.Stats{}, fmt.Errorf("redis: queue stats: %w", err)
	}
	return queue.Stats{Pending: int(pending.Val()), Active: int(active.Val())}, nil
}

var _ queue.Backend = (*JobBackend)(nil)
