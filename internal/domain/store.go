package domain

import (
	"context"
	"time"
)

// LedgerFilter narrows TradeLedger list queries.
type LedgerFilter struct {
	PoolAddress  string
	State        AttemptState
	UpdatedSince time.Time
	Limit        int
}

// LedgerStore is the append-only trade ledger. It is the source of truth for
// whether a pool has an in-flight attempt.
type LedgerStore interface {
	// Reserve records a new attempt in the validated state together with its
	// opening transitions. It fails with ErrPoolLocked when the pool already
	// has a non-terminal attempt.
	Reserve(ctx context.Context, attempt TradeAttempt) error
	// Append applies t to its attempt and returns the updated record.
	Append(ctx context.Context, t Transition) (TradeAttempt, error)
	Get(ctx context.Context, id string) (TradeAttempt, error)
	History(ctx context.Context, id string) ([]Transition, error)
	// List returns attempts ordered most recently created first.
	List(ctx context.Context, f LedgerFilter) ([]TradeAttempt, error)
	// InFlight returns the non-terminal attempt for pool or ErrNotFound.
	InFlight(ctx context.Context, pool string) (TradeAttempt, error)
	NonTerminal(ctx context.Context) ([]TradeAttempt, error)
}
