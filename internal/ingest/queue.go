// Package ingest turns pool feeds into normalized PoolUpdates and moves them
// through a bounded queue into the registry.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Queue is a bounded FIFO shared by all adapters. When full, Push evicts the
// oldest unconsumed update and counts it as dropped.
type Queue struct {
	mu     sync.Mutex
	buf    []domain.PoolUpdate
	head   int
	size   int
	closed bool
	notify chan struct{}

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewQueue returns a queue holding at most capacity updates.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]domain.PoolUpdate, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues u without blocking. It reports whether an older update was
// evicted to make room. Pushes after Close are dropped.
func (q *Queue) Push(u domain.PoolUpdate) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	if q.size == len(q.buf) {
		q.buf[q.head] = domain.PoolUpdate{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped.Add(1)
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = u
	q.size++
	q.pushed.Add(1)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Pop blocks until an update is available, ctx is done, or the queue is
// closed and drained.
func (q *Queue) Pop(ctx context.Context) (domain.PoolUpdate, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			u := q.buf[q.head]
			q.buf[q.head] = domain.PoolUpdate{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.mu.Unlock()
			return u, nil
		}
		if q.closed {
			q.mu.Unlock()
			return domain.PoolUpdate{}, domain.ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.PoolUpdate{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Close stops accepting pushes. Pending updates can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

// Len returns the number of pending updates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Dropped returns how many updates were evicted or refused.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Pushed returns how many updates were accepted into the queue.
func (q *Queue) Pushed() uint64 { return q.pushed.Load() }

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Pushed   uint64 `json:"pushed"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns the current queue counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{Depth: q.Len(), Capacity: q.Cap(), Pushed: q.Pushed(), Dropped: q.Dropped()}
}
