package domain

import (
	"context"
	"time"
)

// QuoteRequest asks the routing service for an executable price.
type QuoteRequest struct {
	PoolAddress string
	TokenIn     string
	TokenOut    string
	AmountIn    float64
	SlippageBps int
}

// Quote is the routing service's expected output for a QuoteRequest.
type Quote struct {
	AmountOut float64
	Source    string
	QuotedAt  time.Time
}

// QuoteProvider returns authoritative output quotes.
type QuoteProvider interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

// SwapRequest is the trade instruction sent to the routing service.
type SwapRequest struct {
	AttemptID    string
	PoolAddress  string
	TokenIn      string
	TokenOut     string
	AmountIn     float64
	MinAmountOut float64
	SlippageBps  int
}

// SwapReceipt is returned once the routing service accepted a swap.
type SwapReceipt struct {
	Reference   string
	SubmittedAt time.Time
}

// SettlementStatus is the final outcome reported by the routing service.
type SettlementStatus string

const (
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementRejected  SettlementStatus = "rejected"
)

// Settlement is the routing service's final report on a swap.
type Settlement struct {
	Status    SettlementStatus
	AmountOut float64
	Reason    string
	SettledAt time.Time
}

// SwapExecutor submits swaps and waits for their settlement. Submit errors
// wrapping ErrTransient may be retried; any other error is a rejection.
// AwaitSettlement blocks until settlement or ctx is done.
type SwapExecutor interface {
	Submit(ctx context.Context, req SwapRequest) (SwapReceipt, error)
	AwaitSettlement(ctx context.Context, reference string) (Settlement, error)
}

// OpportunityScorer rates an opportunity in [0, 1]. It must not block.
type OpportunityScorer interface {
	Score(opp Opportunity) float64
}

// PoolSource is a pull-based feed of pool listings.
type PoolSource interface {
	Name() string
	FetchPools(ctx context.Context) ([]PoolUpdate, error)
}
