package executor

import (
	"errors"
	"sync"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

const rejectionHistory = 100

// Rejection records an opportunity refused before any attempt was created.
type Rejection struct {
	OpportunityID string    `json:"opportunity_id"`
	PoolAddress   string    `json:"pool_address"`
	Origin        string    `json:"origin"`
	Kind          string    `json:"kind"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// Rejections keeps counters per kind and a ring of recent rejections.
type Rejections struct {
	mu     sync.Mutex
	ring   []Rejection
	next   int
	full   bool
	counts map[string]uint64
}

// NewRejections returns an empty rejection log.
func NewRejections() *Rejections {
	return &Rejections{
		ring:   make([]Rejection, rejectionHistory),
		counts: make(map[string]uint64),
	}
}

// Record stores the rejection of opp for err.
func (r *Rejections) Record(opp domain.Opportunity, err error, at time.Time) {
	kind := RejectionKind(err)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[kind]++
	r.ring[r.next] = Rejection{
		OpportunityID: opp.ID,
		PoolAddress:   opp.PoolAddress,
		Origin:        opp.Origin,
		Kind:          kind,
		Reason:        err.Error(),
		At:            at,
	}
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to n rejections, newest first.
func (r *Rejections) Recent(n int) []Rejection {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Rejection, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.ring[(r.next-i+len(r.ring))%len(r.ring)])
	}
	return out
}

// Counts returns a copy of the per-kind counters.
func (r *Rejections) Counts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// RejectionKind classifies a validation failure.
func RejectionKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrStaleOpportunity):
		return "stale"
	case errors.Is(err, domain.ErrBelowThreshold):
		return "below_threshold"
	case errors.Is(err, domain.ErrPositionTooLarge):
		return "position_too_large"
	case errors.Is(err, domain.ErrScoreTooLow):
		return "score_too_low"
	case errors.Is(err, domain.ErrOpportunityInvalidated):
		return "invalidated"
	case errors.Is(err, domain.ErrUnknownPool):
		return "unknown_pool"
	case errors.Is(err, domain.ErrPoolLocked):
		return "pool_locked"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
