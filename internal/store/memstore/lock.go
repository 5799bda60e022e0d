package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// LockManager is a process-local domain.LockManager with expiring leases.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lease
	now   func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

// NewLockManager returns an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]lease), now: time.Now}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld while another
// unexpired lease exists. The returned unlock only releases this lease.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if l, held := lm.locks[key]; held && now.Before(l.expires) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.NewString()
	lm.locks[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if l, ok := lm.locks[key]; ok && l.token == token {
				delete(lm.locks, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
