// Package executor owns the trade-attempt lifecycle: it validates
// opportunities, submits them to the swap-routing service and records every
// transition in the trade ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/poolsniper/internal/detector"
	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Snapshotter reads the freshest pool state.
type Snapshotter interface {
	Snapshot(address string) (domain.PoolState, bool)
}

// TransitionObserver is told about every recorded ledger transition.
type TransitionObserver interface {
	OnTransition(ctx context.Context, attempt domain.TradeAttempt, t domain.Transition)
}

// Config holds the execution limits.
type Config struct {
	SlippageBps      int
	PoolFeeBps       float64
	FeeEstimate      float64
	MinProfit        float64
	MaxPosition      float64
	MinScore         float64
	StalenessWindow  time.Duration
	ExecutionTimeout time.Duration
	MaxConcurrent    int64
	Retry            RetryPolicy
	// LedgerRetry bounds inline retries of a failed ledger append. Zero uses
	// a short default.
	LedgerRetry RetryPolicy
	// ReconcileInterval is how often transitions the ledger failed to accept
	// are replayed. Zero means every 5s.
	ReconcileInterval time.Duration
}

// Deps are the collaborators of a Coordinator. Registry, Ledger and Swaps
// are required.
type Deps struct {
	Registry Snapshotter
	Ledger   domain.LedgerStore
	Swaps    domain.SwapExecutor
	Quotes   domain.QuoteProvider
	Scorer   domain.OpportunityScorer
	// DistLocks adds a cross-process pool lock on top of the local one.
	DistLocks domain.LockManager
	Observers []TransitionObserver
	Now       func() time.Time
	Logger    *slog.Logger
}

// Coordinator runs the Detected -> Validated -> Submitted -> terminal state
// machine. At most one non-terminal attempt exists per pool.
type Coordinator struct {
	cfg        Config
	pricer     detector.Pricer
	registry   Snapshotter
	ledger     domain.LedgerStore
	swaps      domain.SwapExecutor
	quotes     domain.QuoteProvider
	scorer     domain.OpportunityScorer
	locks      *PoolLocks
	distLocks  domain.LockManager
	observers  []TransitionObserver
	dedup      *Dedup
	rejections *Rejections
	sem        *semaphore.Weighted
	now        func() time.Time
	logger     *slog.Logger

	backlogMu sync.Mutex
	backlog   map[string][]domain.Transition

	wg       sync.WaitGroup
	inFlight atomic.Int64
	accepted atomic.Uint64
	outcomes sync.Map // domain.AttemptState -> *atomic.Uint64
}

// New creates a coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.LedgerRetry == (RetryPolicy{}) {
		cfg.LedgerRetry = ledgerRetry
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Coordinator{
		cfg:        cfg,
		pricer:     detector.Pricer{SlippageBps: cfg.SlippageBps, PoolFeeBps: cfg.PoolFeeBps, FeeEstimate: cfg.FeeEstimate},
		registry:   deps.Registry,
		ledger:     deps.Ledger,
		swaps:      deps.Swaps,
		quotes:     deps.Quotes,
		scorer:     deps.Scorer,
		locks:      NewPoolLocks(),
		distLocks:  deps.DistLocks,
		observers:  deps.Observers,
		dedup:      NewDedup(10 * time.Minute),
		rejections: NewRejections(),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		backlog:    make(map[string][]domain.Transition),
		now:        deps.Now,
		logger:     deps.Logger.With(slog.String("component", "coordinator")),
	}
}

// Submit validates opp and, when it passes, reserves the pool and starts the
// attempt. It returns the attempt in the validated state, or the reason the
// opportunity was rejected. Submission and confirmation continue in the
// background.
func (c *Coordinator) Submit(ctx context.Context, opp domain.Opportunity) (domain.TradeAttempt, error) {
	attempt, release, err := c.validate(ctx, opp)
	if err != nil {
		c.rejections.Record(opp, err, c.now())
		return domain.TradeAttempt{}, err
	}
	c.accepted.Add(1)
	c.inFlight.Add(1)
	c.wg.Add(1)
	go c.execute(context.WithoutCancel(ctx), attempt, release)
	return attempt, nil
}

func (c *Coordinator) validate(ctx context.Context, opp domain.Opportunity) (domain.TradeAttempt, func(), error) {
	if opp.Expired(c.now()) {
		return domain.TradeAttempt{}, nil, fmt.Errorf("executor: deadline %s passed: %w",
			opp.Deadline.Format(time.RFC3339Nano), domain.ErrStaleOpportunity)
	}
	if opp.AmountIn <= 0 {
		return domain.TradeAttempt{}, nil, fmt.Errorf("executor: %w", domain.Invalid("amount_in", "must be positive"))
	}
	if opp.AmountIn > c.cfg.MaxPosition {
		return domain.TradeAttempt{}, nil, fmt.Errorf("executor: amount %.6f > max %.6f: %w",
			opp.AmountIn, c.cfg.MaxPosition, domain.ErrPositionTooLarge)
	}
	if opp.ExpectedProfit <= c.cfg.MinProfit {
		return domain.TradeAttempt{}, nil, fmt.Errorf("executor: profit %.6f <= min %.6f: %w",
			opp.ExpectedProfit, c.cfg.MinProfit, domain.ErrBelowThreshold)
	}

	snap, ok := c.registry.Snapshot(opp.PoolAddress)
	if !ok {
		return domain.TradeAttempt{}, nil, fmt.Errorf("executor: pool %s: %w", opp.PoolAddress, domain.ErrUnknownPool)
	}
	dir, err := direction(snap, opp)
	if err != nil {
		return domain.TradeAttempt{}, nil, fmt.Errorf("executor: %w", err)
	}
	if c.scorer != nil && opp.Score == 0 {
		opp.Snapshot = snap
		opp.Score = c.scorer.Score(opp)
	}
	if c.cfg.MinScore > 0 && opp.Score < c.cfg.MinScore {
		return domain.TradeAttempt{}, nil, fmt.Errorf("executor: score %.3f: %w", opp.Score, domain.ErrScoreTooLow)
	}

	// Re-price against the freshest snapshot rather than trusting the one the
	// opportunity was derived from.
	fresh := c.pricer.PriceAt(snap, dir, opp.AmountIn)
	if fresh.Profit <= c.cfg.MinProfit {
		return domain.TradeAttempt{}, nil, fmt.Errorf("executor: repriced profit %.6f at sequence %d: %w",
			fresh.Profit, snap.Sequence, domain.ErrOpportunityInvalidated)
	}
	if c.quotes != nil {
		fresh, err = c.requote(ctx, opp, fresh)
		if err != nil {
			return domain.TradeAttempt{}, nil, err
		}
		if opp.Expired(c.now()) {
			return domain.TradeAttempt{}, nil, fmt.Errorf("executor: deadline passed while quoting: %w", domain.ErrStaleOpportunity)
		}
	}

	if c.dedup.IsDuplicate(opp.ID) {
		return domain.TradeAttempt{}, nil, fmt.Errorf("executor: %w", domain.Invalid("id", "opportunity already accepted"))
	}
	release, err := c.lock(ctx, opp.PoolAddress)
	if err != nil {
		c.dedup.Forget(opp.ID)
		return domain.TradeAttempt{}, nil, err
	}

	now := c.now()
	detectedAt := opp.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = now
	}
	attempt := domain.TradeAttempt{
		ID:                uuid.Must(uuid.NewRandom()).String(),
		OpportunityID:     opp.ID,
		PoolAddress:       opp.PoolAddress,
		TokenIn:           fresh.TokenIn,
		TokenOut:          fresh.TokenOut,
		Direction:         dir,
		Origin:            opp.Origin,
		AmountIn:          opp.AmountIn,
		ExpectedAmountOut: fresh.AmountOut,
		MinAmountOut:      fresh.MinAmountOut,
		ExpectedProfit:    fresh.Profit,
		ReferencePrice:    fresh.Rate,
		SlippageBps:       c.cfg.SlippageBps,
		State:             domain.AttemptValidated,
		DetectedAt:        detectedAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.ledger.Reserve(ctx, attempt); err != nil {
		release()
		c.dedup.Forget(opp.ID)
		return domain.TradeAttempt{}, nil, fmt.Errorf("executor: reserve: %w", err)
	}
	for _, t := range attempt.OpeningTransitions() {
		c.notify(ctx, attempt, t)
	}
	return attempt, release, nil
}

// direction maps the opportunity's token pair onto the pool's sides.
func direction(s domain.PoolState, opp domain.Opportunity) (domain.Direction, error) {
	var dir domain.Direction
	switch {
	case opp.TokenIn == s.TokenA && opp.TokenOut == s.TokenB:
		dir = domain.DirectionAToB
	case opp.TokenIn == s.TokenB && opp.TokenOut == s.TokenA:
		dir = domain.DirectionBToA
	default:
		return "", domain.Invalid("token_in", fmt.Sprintf("pair %s/%s does not match pool %s/%s",
			opp.TokenIn, opp.TokenOut, s.TokenA, s.TokenB))
	}
	if opp.Direction != "" && opp.Direction != dir {
		return "", domain.Invalid("direction", "does not match token pair")
	}
	return dir, nil
}

// requote replaces the constant-product estimate with the routing service's
// quote, which is authoritative for the expected output.
func (c *Coordinator) requote(ctx context.Context, opp domain.Opportunity, est detector.Pricing) (detector.Pricing, error) {
	q, err := c.quotes.Quote(ctx, domain.QuoteRequest{
		PoolAddress: opp.PoolAddress,
		TokenIn:     est.TokenIn,
		TokenOut:    est.TokenOut,
		AmountIn:    est.AmountIn,
		SlippageBps: c.cfg.SlippageBps,
	})
	if err != nil {
		return est, fmt.Errorf("executor: quote: %w", err)
	}
	if q.AmountOut < est.MinAmountOut {
		return est, fmt.Errorf("executor: quote %.6f below min output %.6f, slippage now exceeds tolerance: %w",
			q.AmountOut, est.MinAmountOut, domain.ErrOpportunityInvalidated)
	}
	quoted := est
	quoted.AmountOut = q.AmountOut
	quoted.MinAmountOut = detector.MinOutput(q.AmountOut, c.cfg.SlippageBps)
	quoted.Profit = c.pricer.ProfitFor(est.AmountIn, quoted.MinAmountOut, est.Rate)
	if quoted.Profit <= c.cfg.MinProfit {
		return est, fmt.Errorf("executor: quoted profit %.6f: %w", quoted.Profit, domain.ErrOpportunityInvalidated)
	}
	return quoted, nil
}

// lock acquires the local pool handle and, when configured, the distributed
// lock. Either being held means the pool is in flight.
func (c *Coordinator) lock(ctx context.Context, pool string) (func(), error) {
	release, err := c.locks.Acquire(ctx, pool, 0)
	if err != nil {
		return nil, fmt.Errorf("executor: pool %s: %w", pool, domain.ErrPoolLocked)
	}
	if c.distLocks == nil {
		return release, nil
	}
	unlock, err := c.distLocks.Acquire(ctx, "pool:"+pool, c.lockTTL())
	if err != nil {
		release()
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("executor: pool %s: %w", pool, domain.ErrPoolLocked)
		}
		return nil, fmt.Errorf("executor: distributed lock: %w", err)
	}
	return func() {
		unlock()
		release()
	}, nil
}

// lockTTL covers the worst-case attempt duration so a crashed process cannot
// hold a distributed lock forever.
func (c *Coordinator) lockTTL() time.Duration {
	backoff := c.cfg.Retry.MaxDelay * time.Duration(c.cfg.Retry.MaxRetries+1)
	return c.cfg.ExecutionTimeout + backoff + time.Minute
}

func (c *Coordinator) execute(ctx context.Context, attempt domain.TradeAttempt, release func()) {
	defer c.wg.Done()
	defer c.inFlight.Add(-1)
	defer release()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("attempt task panicked",
				slog.String("attempt_id", attempt.ID),
				slog.Any("panic", r),
			)
			cur, err := c.ledger.Get(ctx, attempt.ID)
			if err == nil && !cur.State.Terminal() {
				c.record(ctx, domain.Transition{AttemptID: attempt.ID, To: domain.AttemptFailed, Reason: "internal error"})
			}
		}
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.record(ctx, domain.Transition{AttemptID: attempt.ID, To: domain.AttemptFailed,
			Reason: "execution slot unavailable: " + err.Error()})
		return
	}
	defer c.sem.Release(1)

	log := c.logger.With(
		slog.String("attempt_id", attempt.ID),
		slog.String("pool", attempt.PoolAddress),
	)

	req := domain.SwapRequest{
		AttemptID:    attempt.ID,
		PoolAddress:  attempt.PoolAddress,
		TokenIn:      attempt.TokenIn,
		TokenOut:     attempt.TokenOut,
		AmountIn:     attempt.AmountIn,
		MinAmountOut: attempt.MinAmountOut,
		SlippageBps:  attempt.SlippageBps,
	}
	var receipt domain.SwapReceipt
	calls, err := withRetry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var err error
		receipt, err = c.swaps.Submit(ctx, req)
		return err
	})
	if errors.Is(err, domain.ErrOutcomeUnknown) {
		// Accepted without a usable receipt: flag it for reconciliation.
		log.Error("swap submission outcome unknown", slog.Int("calls", calls), slog.String("error", err.Error()))
		c.record(ctx, domain.Transition{AttemptID: attempt.ID, To: domain.AttemptSubmitted, ExternalRef: receipt.Reference})
		c.record(ctx, domain.Transition{AttemptID: attempt.ID, To: domain.AttemptTimedOut,
			Reason: domain.ReasonOutcomeUnknown + ": " + err.Error()})
		return
	}
	if err != nil {
		reason := err.Error()
		if errors.Is(err, domain.ErrTransient) {
			reason = fmt.Sprintf("submission failed after %d calls: %v", calls, err)
		}
		log.Warn("swap submission failed", slog.Int("calls", calls), slog.String("error", err.Error()))
		c.record(ctx, domain.Transition{AttemptID: attempt.ID, To: domain.AttemptFailed, Reason: reason})
		return
	}

	// From here on nothing is retried: the swap may already be on chain.
	submittedAt := receipt.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = c.now()
	}
	c.record(ctx, domain.Transition{
		AttemptID:   attempt.ID,
		To:          domain.AttemptSubmitted,
		ExternalRef: receipt.Reference,
		At:          submittedAt,
	})
	log.Info("swap submitted", slog.String("ref", receipt.Reference), slog.Int("calls", calls))

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecutionTimeout)
	settlement, err := c.swaps.AwaitSettlement(waitCtx, receipt.Reference)
	timedOut := waitCtx.Err() != nil
	cancel()

	switch {
	case err != nil && timedOut:
		log.Warn("swap confirmation timed out", slog.Duration("timeout", c.cfg.ExecutionTimeout))
		c.record(ctx, domain.Transition{AttemptID: attempt.ID, To: domain.AttemptTimedOut, Reason: domain.ReasonConfirmationTimeout})
	case err != nil:
		// The swap's fate is unknown; it needs manual reconciliation.
		log.Error("swap confirmation unavailable", slog.String("error", err.Error()))
		c.record(ctx, domain.Transition{AttemptID: attempt.ID, To: domain.AttemptTimedOut,
			Reason: domain.ReasonConfirmationTimeout + ": " + err.Error()})
	case settlement.Status == domain.SettlementConfirmed:
		profit := c.pricer.ProfitFor(attempt.AmountIn, settlement.AmountOut, attempt.ReferencePrice)
		log.Info("swap confirmed",
			slog.Float64("amount_out", settlement.AmountOut),
			slog.Float64("realized_profit", profit),
		)
		c.record(ctx, domain.Transition{
			AttemptID:         attempt.ID,
			To:                domain.AttemptConfirmed,
			RealizedAmountOut: settlement.AmountOut,
			RealizedProfit:    profit,
			At:                settlement.SettledAt,
		})
	default:
		reason := settlement.Reason
		if reason == "" {
			reason = "rejected by routing service"
		}
		log.Warn("swap rejected", slog.String("reason", reason))
		c.record(ctx, domain.Transition{AttemptID: attempt.ID, To: domain.AttemptFailed, Reason: reason})
	}
}

// record appends t to the ledger and informs observers. Appends are retried
// briefly; a transition the ledger still cannot take is queued, together with
// every later transition of the same attempt, for Reconcile.
func (c *Coordinator) record(ctx context.Context, t domain.Transition) {
	if t.At.IsZero() {
		t.At = c.now()
	}
	if c.parkIfWaiting(t) {
		return
	}
	_, err := retryWhile(ctx, c.cfg.LedgerRetry, func(err error) bool { return !permanentLedgerError(err) },
		func(ctx context.Context) error { return c.appendAndNotify(ctx, t) })
	if err == nil {
		return
	}
	log := c.logger.With(
		slog.String("attempt_id", t.AttemptID),
		slog.String("to", string(t.To)),
		slog.String("error", err.Error()),
	)
	if permanentLedgerError(err) {
		log.Error("ledger refused transition")
		return
	}
	log.Error("ledger append failed, queued for reconciliation")
	c.park(t)
}

func (c *Coordinator) appendAndNotify(ctx context.Context, t domain.Transition) error {
	updated, err := c.ledger.Append(ctx, t)
	if err != nil {
		return err
	}
	if updated.State.Terminal() {
		c.countOutcome(updated.State)
	}
	// The ledger fills in From; each attempt has a single writer, so the last
	// history entry is the one just appended.
	if h, err := c.ledger.History(ctx, t.AttemptID); err == nil && len(h) > 0 {
		t = h[len(h)-1]
	}
	c.notify(ctx, updated, t)
	return nil
}

func (c *Coordinator) notify(ctx context.Context, attempt domain.TradeAttempt, t domain.Transition) {
	for _, o := range c.observers {
		o.OnTransition(ctx, attempt, t)
	}
}

func (c *Coordinator) countOutcome(s domain.AttemptState) {
	v, _ := c.outcomes.LoadOrStore(s, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// Run periodically expires dedup entries and replays queued ledger
// transitions. Once ctx is cancelled it waits for running attempts to reach
// a terminal state and makes a last reconciliation pass.
func (c *Coordinator) Run(ctx context.Context) error {
	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()
	reconcile := time.NewTicker(c.cfg.ReconcileInterval)
	defer reconcile.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping, waiting for in-flight attempts",
				slog.Int64("in_flight", c.inFlight.Load()))
			c.Wait()
			if c.Backlog() > 0 {
				finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				c.Reconcile(finalCtx)
				cancel()
				if n := c.Backlog(); n > 0 {
					c.logger.Error("unwritten transitions left at shutdown; startup recovery will close them",
						slog.Int("transitions", n))
				}
			}
			return ctx.Err()
		case <-cleanup.C:
			c.dedup.Cleanup()
		case <-reconcile.C:
			c.Reconcile(ctx)
		}
	}
}

// Recover finalizes attempts a previous process left non-terminal. A
// submitted swap's outcome is unknown, so it is closed as timed out for
// manual reconciliation; a validated attempt never reached the router.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	stuck, err := c.ledger.NonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("executor: recover: %w", err)
	}
	for _, a := range stuck {
		t := domain.Transition{AttemptID: a.ID, At: c.now()}
		switch a.State {
		case domain.AttemptSubmitted:
			t.To = domain.AttemptTimedOut
			t.Reason = domain.ReasonConfirmationTimeout + " (recovered at startup)"
		default:
			t.To = domain.AttemptFailed
			t.Reason = "abandoned before submission"
		}
		c.logger.Warn("recovering stale attempt",
			slog.String("attempt_id", a.ID),
			slog.String("pool", a.PoolAddress),
			slog.String("state", string(a.State)),
		)
		c.record(ctx, t)
	}
	return len(stuck), nil
}

// Wait blocks until every started attempt has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Rejections returns the rejection log.
func (c *Coordinator) Rejections() *Rejections { return c.rejections }

// Stats are coordinator counters.
type Stats struct {
	InFlight   int64             `json:"in_flight"`
	Backlog    int               `json:"ledger_backlog"`
	Accepted   uint64            `json:"accepted"`
	Outcomes   map[string]uint64 `json:"outcomes"`
	Rejections map[string]uint64 `json:"rejections"`
}

// Stats returns coordinator counters.
func (c *Coordinator) Stats() Stats {
	out := Stats{
		InFlight:   c.inFlight.Load(),
		Backlog:    c.Backlog(),
		Accepted:   c.accepted.Load(),
		Outcomes:   make(map[string]uint64),
		Rejections: c.rejections.Counts(),
	}
	c.outcomes.Range(func(k, v any) bool {
		out.Outcomes[string(k.(domain.AttemptState))] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}
