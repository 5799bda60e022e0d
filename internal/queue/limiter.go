package queue

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Limiter bounds how many attempts may start within a rolling window.
type Limiter interface {
	Wait(ctx context.Context) error
}

// SlidingWindow is a process-local rolling-window limiter: at most limit
// starts in any interval of length window.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	starts []time.Time
	now    func() time.Time
}

// NewSlidingWindow returns a local limiter. A non-positive limit or window
// disables limiting.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window, now: time.Now}
}

// Wait blocks until a start slot frees up or ctx is done.
func (s *SlidingWindow) Wait(ctx context.Context) error {
	if s.limit <= 0 || s.window <= 0 {
		return ctx.Err()
	}
	for {
		wait, ok := s.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *SlidingWindow) reserve() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.starts) && !s.starts[i].After(cutoff) {
		i++
	}
	s.starts = s.starts[i:]

	if len(s.starts) < s.limit {
		s.starts = append(s.starts, now)
		return 0, true
	}
	return s.starts[0].Add(s.window).Sub(now), false
}

type sharedLimiter struct {
	rl     domain.RateLimiter
	key    string
	limit  int
	window time.Duration
}

// NewSharedLimiter bounds starts across every process sharing rl under key.
func NewSharedLimiter(rl domain.RateLimiter, key string, limit int, window time.Duration) Limiter {
	return &sharedLimiter{rl: rl, key: key, limit: limit, window: window}
}

func (l *sharedLimiter) Wait(ctx context.Context) error {
	if l.limit <= 0 || l.window <= 0 {
		return ctx.Err()
	}
	return l.rl.Wait(ctx, l.key, l.limit, l.window)
}
