package detector

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Book keeps the latest eligible opportunity per pool. Evaluations of the
// same pool may finish out of order, so every change carries the sequence of
// the pool state it was derived from and older ones are ignored.
type Book struct {
	mu     sync.RWMutex
	byPool map[string]domain.Opportunity
	seq    map[string]uint64
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{
		byPool: make(map[string]domain.Opportunity),
		seq:    make(map[string]uint64),
	}
}

// Put replaces the opportunity for its pool unless the book already reflects
// a newer pool state.
func (b *Book) Put(opp domain.Opportunity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.advance(opp.PoolAddress, opp.Snapshot.Sequence) {
		return
	}
	b.byPool[opp.PoolAddress] = opp
}

// Remove drops the opportunity for pool after evaluating the state with
// sequence seq, unless the book already reflects a newer pool state.
func (b *Book) Remove(pool string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.advance(pool, seq) {
		return
	}
	delete(b.byPool, pool)
}

func (b *Book) advance(pool string, seq uint64) bool {
	if cur, ok := b.seq[pool]; ok && seq < cur {
		return false
	}
	b.seq[pool] = seq
	return true
}

// Eligible returns opportunities whose deadline is after now, highest
// expected profit first. Expired entries are pruned.
func (b *Book) Eligible(now time.Time) []domain.Opportunity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Opportunity, 0, len(b.byPool))
	for pool, opp := range b.byPool {
		if opp.Expired(now) {
			delete(b.byPool, pool)
			continue
		}
		out = append(out, opp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpectedProfit > out[j].ExpectedProfit })
	return out
}

// Len returns the number of tracked opportunities, expired or not.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byPool)
}
