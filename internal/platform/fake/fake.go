// Package fake provides deterministic in-process implementations of the
// external capabilities: pool listings, quotes and swap routing. They back
// dry-run mode and the tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Outcome scripts how a fake swap settles.
type Outcome struct {
	// SubmitErrs are returned by successive Submit calls before one succeeds.
	SubmitErrs []error
	// Hang makes AwaitSettlement block until its context is done.
	Hang bool
	// Delay postpones settlement.
	Delay time.Duration
	// Reject settles the swap as rejected with Reason.
	Reject bool
	Reason string
	// AmountOut overrides the realized output; zero means MinAmountOut.
	AmountOut float64
	// Panic makes Submit panic.
	Panic bool
}

// Swaps is a scripted domain.SwapExecutor. Outcomes are matched by pool
// address; pools without a script settle immediately at MinAmountOut.
type Swaps struct {
	mu       sync.Mutex
	outcomes map[string]*Outcome
	pending  map[string]pending
	calls    map[string]int
	seq      atomic.Uint64
	now      func() time.Time
}

type pending struct {
	req     domain.SwapRequest
	outcome Outcome
}

// NewSwaps returns a swap executor with no scripted outcomes.
func NewSwaps() *Swaps {
	return &Swaps{
		outcomes: make(map[string]*Outcome),
		pending:  make(map[string]pending),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// Script sets the outcome for swaps against pool.
func (s *Swaps) Script(pool string, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[pool] = &o
}

// Calls returns how many times Submit was called for pool.
func (s *Swaps) Calls(pool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[pool]
}

// Submit implements domain.SwapExecutor.
func (s *Swaps) Submit(ctx context.Context, req domain.SwapRequest) (domain.SwapReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.SwapReceipt{}, err
	}
	s.mu.Lock()
	s.calls[req.PoolAddress]++
	var o Outcome
	if script, ok := s.outcomes[req.PoolAddress]; ok {
		if len(script.SubmitErrs) > 0 {
			err := script.SubmitErrs[0]
			script.SubmitErrs = script.SubmitErrs[1:]
			s.mu.Unlock()
			return domain.SwapReceipt{}, err
		}
		o = *script
	}
	if o.Panic {
		s.mu.Unlock()
		panic("fake: scripted submit panic")
	}
	ref := fmt.Sprintf("fake-%06d", s.seq.Add(1))
	s.pending[ref] = pending{req: req, outcome: o}
	s.mu.Unlock()
	return domain.SwapReceipt{Reference: ref, SubmittedAt: s.now()}, nil
}

// AwaitSettlement implements domain.SwapExecutor.
func (s *Swaps) AwaitSettlement(ctx context.Context, ref string) (domain.Settlement, error) {
	s.mu.Lock()
	p, ok := s.pending[ref]
	s.mu.Unlock()
	if !ok {
		return domain.Settlement{}, fmt.Errorf("fake: settlement %s: %w", ref, domain.ErrNotFound)
	}
	if p.outcome.Hang {
		<-ctx.Done()
		return domain.Settlement{}, ctx.Err()
	}
	if p.outcome.Delay > 0 {
		select {
		case <-ctx.Done():
			return domain.Settlement{}, ctx.Err()
		case <-time.After(p.outcome.Delay):
		}
	}
	if p.outcome.Reject {
		return domain.Settlement{Status: domain.SettlementRejected, Reason: p.outcome.Reason, SettledAt: s.now()}, nil
	}
	out := p.outcome.AmountOut
	if out == 0 {
		out = p.req.MinAmountOut
	}
	return domain.Settlement{Status: domain.SettlementConfirmed, AmountOut: out, SettledAt: s.now()}, nil
}

// Quotes is a domain.QuoteProvider whose output is computed by Func.
type Quotes struct {
	// Func computes the quoted output. Nil quotes zero.
	Func func(req domain.QuoteRequest) (float64, error)
	n    atomic.Int64
}

// Quote implements domain.QuoteProvider.
func (q *Quotes) Quote(_ context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	q.n.Add(1)
	if q.Func == nil {
		return domain.Quote{Source: "fake", QuotedAt: time.Now()}, nil
	}
	out, err := q.Func(req)
	if err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{AmountOut: out, Source: "fake", QuotedAt: time.Now()}, nil
}

// Calls returns how many quotes were requested.
func (q *Quotes) Calls() int64 { return q.n.Load() }

// Source is a domain.PoolSource serving a mutable list of pools.
type Source struct {
	name  string
	mu    sync.Mutex
	pools []domain.PoolUpdate
	err   error
}

// NewSource returns a source named name serving pools.
func NewSource(name string, pools ...domain.PoolUpdate) *Source {
	return &Source{name: name, pools: pools}
}

// Set replaces the served pools and clears any failure.
func (s *Source) Set(pools ...domain.PoolUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools = pools
	s.err = nil
}

// Fail makes subsequent fetches return err.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Name implements domain.PoolSource.
func (s *Source) Name() string { return s.name }

// FetchPools implements domain.PoolSource.
func (s *Source) FetchPools(ctx context.Context) ([]domain.PoolUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.PoolUpdate(nil), s.pools...), nil
}

// Scorer returns the same score for every opportunity.
type Scorer float64

// Score implements domain.OpportunityScorer.
func (s Scorer) Score(domain.Opportunity) float64 { return float64(s) }
