// Package registry holds the authoritative in-memory view of known liquidity
// pools. All mutation goes through Apply; reads are safe concurrently.
package registry

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Registry is keyed by pool address. Pools are never removed; pools that
// stop reporting are marked inactive by Sweep.
type Registry struct {
	mu      sync.RWMutex
	pools   map[string]domain.PoolState
	changes chan<- domain.PoolState
	silence time.Duration
	now     func() time.Time
	logger  *slog.Logger

	accepted  atomic.Uint64
	discarded atomic.Uint64
	invalid   atomic.Uint64
}

// Config configures a Registry.
type Config struct {
	// SilenceWindow is how long a pool may go without updates before Sweep
	// marks it inactive. Zero disables sweeping.
	SilenceWindow time.Duration
	// Changes receives every accepted state. Nil disables notifications.
	Changes chan<- domain.PoolState
	Now     func() time.Time
	Logger  *slog.Logger
}

// New returns an empty registry.
func New(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		pools:   make(map[string]domain.PoolState),
		changes: cfg.Changes,
		silence: cfg.SilenceWindow,
		now:     cfg.Now,
		logger:  cfg.Logger.With(slog.String("component", "registry")),
	}
}

// Apply merges u into the registry. It returns the resulting state and true
// when u was newer than what the registry held, or false when u was stale or a
// duplicate. Malformed updates fail with a *domain.ValidationError.
//
// Accepted states are delivered on the change channel before Apply returns;
// the send blocks until the consumer takes it or ctx is done.
func (r *Registry) Apply(ctx context.Context, u domain.PoolUpdate) (domain.PoolState, bool, error) {
	if err := u.Validate(); err != nil {
		r.invalid.Add(1)
		return domain.PoolState{}, false, fmt.Errorf("registry: apply: %w", err)
	}
	if u.ReceivedAt.IsZero() {
		u.ReceivedAt = r.now()
	}

	r.mu.Lock()
	cur, exists := r.pools[u.Address]
	if exists && !cur.Supersedes(u) {
		r.mu.Unlock()
		r.discarded.Add(1)
		return domain.PoolState{}, false, nil
	}
	next := merge(cur, exists, u)
	r.pools[u.Address] = next
	r.mu.Unlock()

	r.accepted.Add(1)
	if r.changes != nil {
		select {
		case r.changes <- next:
		case <-ctx.Done():
			return next, true, ctx.Err()
		}
	}
	return next, true, nil
}

func merge(cur domain.PoolState, exists bool, u domain.PoolUpdate) domain.PoolState {
	next := domain.PoolState{
		Address:    u.Address,
		TokenA:     u.TokenA,
		TokenB:     u.TokenB,
		ReserveA:   u.ReserveA,
		ReserveB:   u.ReserveB,
		Price:      u.Price,
		Sequence:   u.Sequence,
		SourceTime: u.SourceTime,
		ReceivedAt: u.ReceivedAt,
		Source:     u.Source,
		Active:     true,
		FirstSeen:  u.ReceivedAt,
		Updates:    1,
	}
	if !exists {
		return next
	}
	// Some sources only report reserves; keep the token identity we know.
	if next.TokenA == "" {
		next.TokenA = cur.TokenA
	}
	if next.TokenB == "" {
		next.TokenB = cur.TokenB
	}
	next.FirstSeen = cur.FirstSeen
	next.Updates = cur.Updates + 1
	return next
}

// Snapshot returns a copy of the current state for address.
func (r *Registry) Snapshot(address string) (domain.PoolState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.pools[address]
	return s, ok
}

// ActivePools enumerates pools not marked silent. The sequence is lazy and
// may be ranged over more than once; order is unspecified.
func (r *Registry) ActivePools() iter.Seq[domain.PoolState] {
	return r.enumerate(true)
}

// AllPools enumerates every known pool, including inactive ones.
func (r *Registry) AllPools() iter.Seq[domain.PoolState] {
	return r.enumerate(false)
}

func (r *Registry) enumerate(activeOnly bool) iter.Seq[domain.PoolState] {
	return func(yield func(domain.PoolState) bool) {
		for _, addr := range r.addresses() {
			s, ok := r.Snapshot(addr)
			if !ok || (activeOnly && !s.Active) {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

func (r *Registry) addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pools))
	for a := range r.pools {
		out = append(out, a)
	}
	return out
}

// Sweep marks pools inactive when their last receipt is older than the
// silence window. It returns how many pools changed to inactive.
func (r *Registry) Sweep(now time.Time) int {
	if r.silence <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var marked int
	for addr, s := range r.pools {
		if s.Active && now.Sub(s.ReceivedAt) > r.silence {
			s.Active = false
			r.pools[addr] = s
			marked++
		}
	}
	return marked
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Info("pools marked inactive", slog.Int("count", n))
			}
		}
	}
}

// Stats returns registry counters.
func (r *Registry) Stats() domain.RegistryStats {
	r.mu.RLock()
	total := len(r.pools)
	var active int
	for _, s := range r.pools {
		if s.Active {
			active++
		}
	}
	r.mu.RUnlock()
	return domain.RegistryStats{
		Accepted:  r.accepted.Load(),
		Discarded: r.discarded.Load(),
		Invalid:   r.invalid.Load(),
		Pools:     total,
		Active:    active,
	}
}

// Collect drains seq into a slice sorted by address.
func Collect(seq iter.Seq[domain.PoolState]) []domain.PoolState {
	var out []domain.PoolState
	for s := range seq {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
