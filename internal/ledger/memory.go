// Package ledger provides the in-memory TradeLedger. Durable backends live in
// store/postgres and store/sqlite and share the same contract.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Memory is an append-only ledger held in process memory.
type Memory struct {
	mu          sync.RWMutex
	attempts    map[string]*domain.TradeAttempt
	transitions map[string][]domain.Transition
	inFlight    map[string]string // pool -> attempt id
	order       []string          // attempt ids in creation order
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		attempts:    make(map[string]*domain.TradeAttempt),
		transitions: make(map[string][]domain.Transition),
		inFlight:    make(map[string]string),
	}
}

// Reserve implements domain.LedgerStore.
func (m *Memory) Reserve(_ context.Context, a domain.TradeAttempt) error {
	if err := CheckReservable(a); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.attempts[a.ID]; exists {
		return fmt.Errorf("ledger: reserve %s: %w", a.ID, domain.Invalid("id", "duplicate attempt id"))
	}
	if id, busy := m.inFlight[a.PoolAddress]; busy {
		return fmt.Errorf("ledger: reserve pool %s (attempt %s): %w", a.PoolAddress, id, domain.ErrPoolLocked)
	}
	rec := a
	m.attempts[a.ID] = &rec
	m.transitions[a.ID] = a.OpeningTransitions()
	m.inFlight[a.PoolAddress] = a.ID
	m.order = append(m.order, a.ID)
	return nil
}

// Append implements domain.LedgerStore.
func (m *Memory) Append(_ context.Context, t domain.Transition) (domain.TradeAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.attempts[t.AttemptID]
	if !ok {
		return domain.TradeAttempt{}, fmt.Errorf("ledger: append %s: %w", t.AttemptID, domain.ErrNotFound)
	}
	next := *rec
	t.From = next.State
	t.PoolAddress = next.PoolAddress
	if err := next.Apply(t); err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("ledger: append %s: %w", t.AttemptID, err)
	}
	*rec = next
	m.transitions[t.AttemptID] = append(m.transitions[t.AttemptID], t)
	if next.State.Terminal() {
		delete(m.inFlight, next.PoolAddress)
	}
	return next, nil
}

// Get implements domain.LedgerStore.
func (m *Memory) Get(_ context.Context, id string) (domain.TradeAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.attempts[id]
	if !ok {
		return domain.TradeAttempt{}, fmt.Errorf("ledger: get %s: %w", id, domain.ErrNotFound)
	}
	return *rec, nil
}

// History implements domain.LedgerStore.
func (m *Memory) History(_ context.Context, id string) ([]domain.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.transitions[id]
	if !ok {
		return nil, fmt.Errorf("ledger: history %s: %w", id, domain.ErrNotFound)
	}
	return append([]domain.Transition(nil), ts...), nil
}

// List implements domain.LedgerStore.
func (m *Memory) List(_ context.Context, f domain.LedgerFilter) ([]domain.TradeAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.TradeAttempt
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.attempts[m.order[i]]
		if !Matches(*rec, f) {
			continue
		}
		out = append(out, *rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// InFlight implements domain.LedgerStore.
func (m *Memory) InFlight(_ context.Context, pool string) (domain.TradeAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.inFlight[pool]
	if !ok {
		return domain.TradeAttempt{}, fmt.Errorf("ledger: in-flight %s: %w", pool, domain.ErrNotFound)
	}
	return *m.attempts[id], nil
}

// NonTerminal implements domain.LedgerStore.
func (m *Memory) NonTerminal(_ context.Context) ([]domain.TradeAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.TradeAttempt, 0, len(m.inFlight))
	for _, id := range m.inFlight {
		out = append(out, *m.attempts[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CheckReservable validates an attempt before it is reserved.
func CheckReservable(a domain.TradeAttempt) error {
	switch {
	case a.ID == "":
		return fmt.Errorf("ledger: reserve: %w", domain.Invalid("id", "missing"))
	case a.PoolAddress == "":
		return fmt.Errorf("ledger: reserve: %w", domain.Invalid("pool_address", "missing"))
	case a.State != domain.AttemptValidated:
		return fmt.Errorf("ledger: reserve: %w", domain.Invalid("state", "new attempts must be validated"))
	}
	return nil
}

// Matches reports whether a passes the filter's pool, state and time bounds.
func Matches(a domain.TradeAttempt, f domain.LedgerFilter) bool {
	if f.PoolAddress != "" && a.PoolAddress != f.PoolAddress {
		return false
	}
	if f.State != "" && a.State != f.State {
		return false
	}
	if !f.UpdatedSince.IsZero() && a.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	return true
}
