package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// MemoryBackend keeps jobs in process, ordered by ReadyAt and then by
// insertion.
type MemoryBackend struct {
	mu      sync.Mutex
	pending jobHeap
	active  map[string]Job
	known   map[string]struct{}
	seq     uint64
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		active: make(map[string]Job),
		known:  make(map[string]struct{}),
	}
}

func (m *MemoryBackend) Add(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.known[job.ID]; dup {
		return fmt.Errorf("queue: job %s: %w", job.ID, domain.ErrAlreadyExists)
	}
	m.known[job.ID] = struct{}{}
	m.push(job)
	return nil
}

func (m *MemoryBackend) Claim(_ context.Context, now time.Time) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 || m.pending[0].job.ReadyAt.After(now) {
		return Job{}, false, nil
	}
	it := heap.Pop(&m.pending).(*heapItem)
	m.active[it.job.ID] = it.job
	return it.job, true, nil
}

func (m *MemoryBackend) Requeue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[job.ID]; !ok {
		return fmt.Errorf("queue: requeue %s: %w", job.ID, domain.ErrNotFound)
	}
	delete(m.active, job.ID)
	m.push(job)
	return nil
}

func (m *MemoryBackend) Finish(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, jobID)
	delete(m.known, jobID)
	return nil
}

func (m *MemoryBackend) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Pending: len(m.pending), Active: len(m.active)}, nil
}

func (m *MemoryBackend) push(job Job) {
	m.seq++
	heap.Push(&m.pending, &heapItem{job: job, seq: m.seq})
}

type heapItem struct {
	job Job
	seq uint64
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.ReadyAt.Equal(h[j].job.ReadyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].job.ReadyAt.Before(h[j].job.ReadyAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
