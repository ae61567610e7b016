package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// PoolLocks is the in-process arena of per-pool lock handles. It implements
// domain.LockManager; the ttl argument is ignored because handles are always
// released by the owning task.
type PoolLocks struct {
	mu   sync.Mutex
	held map[string]uint64
	next uint64
}

// NewPoolLocks returns an empty lock arena.
func NewPoolLocks() *PoolLocks {
	return &PoolLocks{held: make(map[string]uint64)}
}

// Acquire takes the lock for key or fails with domain.ErrLockHeld. The
// returned unlock func is idempotent.
func (l *PoolLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	if _, busy := l.held[key]; busy {
		l.mu.Unlock()
		return nil, fmt.Errorf("executor: lock %s: %w", key, domain.ErrLockHeld)
	}
	l.next++
	token := l.next
	l.held[key] = token
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == token {
				delete(l.held, key)
			}
		})
	}, nil
}

// Held reports whether key is locked.
func (l *PoolLocks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// Len returns the number of held locks.
func (l *PoolLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
