package executor_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/executor"
	"github.com/alanyoungcy/poolsniper/internal/ledger"
	"github.com/alanyoungcy/poolsniper/internal/platform/fake"
)

type pools map[string]domain.PoolState

func (p pools) Snapshot(addr string) (domain.PoolState, bool) {
	s, ok := p[addr]
	return s, ok
}

type recorder struct {
	mu  sync.Mutex
	seq []domain.Transition
}

func (r *recorder) OnTransition(_ context.Context, _ domain.TradeAttempt, t domain.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = append(r.seq, t)
}

func (r *recorder) states() []domain.AttemptState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AttemptState, len(r.seq))
	for i, t := range r.seq {
		out[i] = t.To
	}
	return out
}

func testPool(price float64) domain.PoolState {
	return domain.PoolState{
		Address: "P", TokenA: "A", TokenB: "B",
		ReserveA: 1000, ReserveB: 1000, Price: price,
		Sequence: 1, Active: true,
	}
}

func testConfig() executor.Config {
	return executor.Config{
		SlippageBps:      50,
		FeeEstimate:      0.001,
		MinProfit:        0.01,
		MaxPosition:      10,
		ExecutionTimeout: time.Second,
		MaxConcurrent:    4,
		Retry:            executor.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

type harness struct {
	coord  *executor.Coordinator
	ledger *ledger.Memory
	swaps  *fake.Swaps
	pools  pools
	rec    *recorder
}

func newHarness(t *testing.T, cfg executor.Config, mutate func(*executor.Deps)) *harness {
	t.Helper()
	h := &harness{
		ledger: ledger.NewMemory(),
		swaps:  fake.NewSwaps(),
		pools:  pools{"P": testPool(1.02)},
		rec:    &recorder{},
	}
	deps := executor.Deps{
		Registry:  h.pools,
		Ledger:    h.ledger,
		Swaps:     h.swaps,
		Observers: []executor.TransitionObserver{h.rec},
		Logger:    slog.Default(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.coord = executor.New(cfg, deps)
	return h
}

func opportunity(id string) domain.Opportunity {
	return domain.Opportunity{
		ID:             id,
		PoolAddress:    "P",
		TokenIn:        "A",
		TokenOut:       "B",
		Direction:      domain.DirectionAToB,
		AmountIn:       5,
		ExpectedProfit: 0.048,
		Origin:         domain.OriginDetector,
		DetectedAt:     time.Now(),
		Deadline:       time.Now().Add(time.Minute),
	}
}

func (h *harness) final(t *testing.T, id string) domain.TradeAttempt {
	t.Helper()
	h.coord.Wait()
	a, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, a.State.Terminal(), "state %s", a.State)
	return a
}

func TestSubmit_Confirmed(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	a, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptValidated, a.State)
	assert.InDelta(t, 1.02, a.ReferencePrice, 1e-12)
	assert.Less(t, a.MinAmountOut, a.ExpectedAmountOut)

	got := h.final(t, a.ID)
	assert.Equal(t, domain.AttemptConfirmed, got.State)
	assert.Equal(t, a.MinAmountOut, got.RealizedAmountOut)
	assert.InDelta(t, got.RealizedAmountOut*1.02-5-0.001, got.RealizedProfit, 1e-9)
	assert.NotEmpty(t, got.ExternalRef)
	require.NotNil(t, got.SubmittedAt)

	hist, err := h.ledger.History(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, domain.AttemptSubmitted, hist[3].From)
	assert.Equal(t, []domain.AttemptState{
		domain.AttemptDetected, domain.AttemptValidated, domain.AttemptSubmitted, domain.AttemptConfirmed,
	}, h.rec.states())

	stats := h.coord.Stats()
	assert.Equal(t, int64(0), stats.InFlight)
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Outcomes["confirmed"])
}

func TestSubmit_OneInFlightPerPool(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.swaps.Script("P", fake.Outcome{Hang: true})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []domain.TradeAttempt
		locked   int
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := h.coord.Submit(context.Background(), opportunity(fmt.Sprintf("o%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted = append(accepted, a)
			case errors.Is(err, domain.ErrPoolLocked):
				locked++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, accepted, 1)
	assert.Equal(t, 19, locked)
	assert.Equal(t, uint64(19), h.coord.Rejections().Counts()["pool_locked"])

	got := h.final(t, accepted[0].ID)
	assert.Equal(t, domain.AttemptTimedOut, got.State)
	assert.Equal(t, domain.ReasonConfirmationTimeout, got.Reason)

	// The pool is free again once the attempt timed out.
	h.swaps.Script("P", fake.Outcome{})
	next, err := h.coord.Submit(context.Background(), opportunity("after"))
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, h.final(t, next.ID).State)
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Opportunity)
		want   error
		kind   string
	}{
		{"below threshold", func(o *domain.Opportunity) { o.ExpectedProfit = 0.005 }, domain.ErrBelowThreshold, "below_threshold"},
		{"stale", func(o *domain.Opportunity) { o.Deadline = time.Now().Add(-time.Second) }, domain.ErrStaleOpportunity, "stale"},
		{"too large", func(o *domain.Opportunity) { o.AmountIn = 11 }, domain.ErrPositionTooLarge, "position_too_large"},
		{"zero amount", func(o *domain.Opportunity) { o.AmountIn = 0 }, domain.ErrValidation, "invalid"},
		{"unknown pool", func(o *domain.Opportunity) { o.PoolAddress = "Q" }, domain.ErrUnknownPool, "unknown_pool"},
		{"wrong tokens", func(o *domain.Opportunity) { o.TokenIn = "C" }, domain.ErrValidation, "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), nil)
			opp := opportunity("o1")
			tt.mutate(&opp)

			_, err := h.coord.Submit(context.Background(), opp)
			require.ErrorIs(t, err, tt.want)

			list, err := h.ledger.List(context.Background(), domain.LedgerFilter{})
			require.NoError(t, err)
			assert.Empty(t, list)
			recent := h.coord.Rejections().Recent(1)
			require.Len(t, recent, 1)
			assert.Equal(t, tt.kind, recent[0].Kind)
			assert.Equal(t, "o1", recent[0].OpportunityID)
		})
	}
}

func TestSubmit_InvalidatedByFreshSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pools["P"] = testPool(1.0)

	_, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.ErrorIs(t, err, domain.ErrOpportunityInvalidated)
	assert.Equal(t, 0, h.swaps.Calls("P"))
}

func TestSubmit_QuoteBelowMinimum(t *testing.T) {
	quotes := &fake.Quotes{Func: func(req domain.QuoteRequest) (float64, error) {
		return req.AmountIn * 0.9, nil
	}}
	h := newHarness(t, testConfig(), func(d *executor.Deps) { d.Quotes = quotes })

	_, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.ErrorIs(t, err, domain.ErrOpportunityInvalidated)
	assert.Contains(t, err.Error(), "slippage")
	assert.Equal(t, int64(1), quotes.Calls())
}

func TestSubmit_ScoreFilter(t *testing.T) {
	cfg := testConfig()
	cfg.MinScore = 0.5
	h := newHarness(t, cfg, func(d *executor.Deps) { d.Scorer = fake.Scorer(0.2) })

	_, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.ErrorIs(t, err, domain.ErrScoreTooLow)
}

func TestSubmit_DuplicateOpportunity(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	h.coord.Wait()

	_, err = h.coord.Submit(context.Background(), opportunity("o1"))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestExecute_TransientRetry(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	transient := fmt.Errorf("router: 503: %w", domain.ErrTransient)
	h.swaps.Script("P", fake.Outcome{SubmitErrs: []error{transient, transient}})

	a, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, h.final(t, a.ID).State)
	assert.Equal(t, 3, h.swaps.Calls("P"))
}

func TestExecute_TransientExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 2
	h := newHarness(t, cfg, nil)
	transient := fmt.Errorf("router: 503: %w", domain.ErrTransient)
	h.swaps.Script("P", fake.Outcome{SubmitErrs: []error{transient, transient, transient, transient}})

	a, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	got := h.final(t, a.ID)
	assert.Equal(t, domain.AttemptFailed, got.State)
	assert.Contains(t, got.Reason, "submission failed")
	assert.Equal(t, 3, h.swaps.Calls("P"))
	assert.Nil(t, got.SubmittedAt)
}

func TestExecute_PermanentSubmitError(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.swaps.Script("P", fake.Outcome{SubmitErrs: []error{errors.New("insufficient balance")}})

	a, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	got := h.final(t, a.ID)
	assert.Equal(t, domain.AttemptFailed, got.State)
	assert.Equal(t, "insufficient balance", got.Reason)
	assert.Equal(t, 1, h.swaps.Calls("P"))
}

func TestExecute_SubmitOutcomeUnknown(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	unknown := fmt.Errorf("router: submit: empty reference: %w", domain.ErrOutcomeUnknown)
	h.swaps.Script("P", fake.Outcome{SubmitErrs: []error{unknown}})

	a, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	got := h.final(t, a.ID)
	assert.Equal(t, domain.AttemptTimedOut, got.State)
	assert.Contains(t, got.Reason, domain.ReasonOutcomeUnknown)
	assert.Contains(t, got.Reason, "empty reference")
	assert.NotNil(t, got.SubmittedAt)
	assert.Equal(t, 1, h.swaps.Calls("P"))

	hist, err := h.ledger.History(context.Background(), a.ID)
	require.NoError(t, err)
	var states []domain.AttemptState
	for _, tr := range hist {
		states = append(states, tr.To)
	}
	assert.Equal(t, []domain.AttemptState{
		domain.AttemptDetected, domain.AttemptValidated, domain.AttemptSubmitted, domain.AttemptTimedOut,
	}, states)
}

func TestExecute_RouterRejection(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.swaps.Script("P", fake.Outcome{Reject: true, Reason: "price moved"})

	a, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	got := h.final(t, a.ID)
	assert.Equal(t, domain.AttemptFailed, got.State)
	assert.Equal(t, "price moved", got.Reason)
	assert.NotEmpty(t, got.ExternalRef)
}

func TestExecute_PanicReleasesPool(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.swaps.Script("P", fake.Outcome{Panic: true})

	a, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	got := h.final(t, a.ID)
	assert.Equal(t, domain.AttemptFailed, got.State)
	assert.Equal(t, "internal error", got.Reason)

	h.swaps.Script("P", fake.Outcome{})
	_, err = h.coord.Submit(context.Background(), opportunity("o2"))
	require.NoError(t, err)
	h.coord.Wait()
}

func TestExecute_SurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.swaps.Script("P", fake.Outcome{Delay: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	a, err := h.coord.Submit(ctx, opportunity("o1"))
	require.NoError(t, err)
	cancel()
	assert.Equal(t, domain.AttemptConfirmed, h.final(t, a.ID).State)
}

func TestRecover(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"v", "s"} {
		require.NoError(t, h.ledger.Reserve(ctx, domain.TradeAttempt{
			ID: id, PoolAddress: "pool-" + id, State: domain.AttemptValidated,
			DetectedAt: now, CreatedAt: now, UpdatedAt: now,
		}))
	}
	_, err := h.ledger.Append(ctx, domain.Transition{AttemptID: "s", To: domain.AttemptSubmitted, ExternalRef: "r1", At: now})
	require.NoError(t, err)

	n, err := h.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, err := h.ledger.Get(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptFailed, v.State)
	s, err := h.ledger.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptTimedOut, s.State)
	assert.Contains(t, s.Reason, domain.ReasonConfirmationTimeout)

	rest, err := h.ledger.NonTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestRun_WaitsForInFlight(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.swaps.Script("P", fake.Outcome{Delay: 30 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	a, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	got, err := h.ledger.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, got.State)
}

// flakyLedger fails terminal appends while failures remain.
type flakyLedger struct {
	*ledger.Memory
	mu       sync.Mutex
	failures int
}

func (l *flakyLedger) fail(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

func (l *flakyLedger) Append(ctx context.Context, t domain.Transition) (domain.TradeAttempt, error) {
	l.mu.Lock()
	if t.To.Terminal() && l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return domain.TradeAttempt{}, errors.New("write tcp: connection reset by peer")
	}
	l.mu.Unlock()
	return l.Memory.Append(ctx, t)
}

func TestRecord_RetriesTransientLedgerError(t *testing.T) {
	flaky := &flakyLedger{Memory: ledger.NewMemory()}
	flaky.fail(1)
	cfg := testConfig()
	cfg.LedgerRetry = executor.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}
	h := newHarness(t, cfg, func(d *executor.Deps) { d.Ledger = flaky })

	a, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	h.coord.Wait()

	got, err := flaky.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, got.State)
	assert.Zero(t, h.coord.Backlog())
}

func TestRecord_QueuesUntilLedgerRecovers(t *testing.T) {
	flaky := &flakyLedger{Memory: ledger.NewMemory()}
	flaky.fail(100)
	cfg := testConfig()
	cfg.LedgerRetry = executor.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}
	h := newHarness(t, cfg, func(d *executor.Deps) { d.Ledger = flaky })
	ctx := context.Background()

	a, err := h.coord.Submit(ctx, opportunity("o1"))
	require.NoError(t, err)
	h.coord.Wait()

	stuck, err := flaky.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptSubmitted, stuck.State)
	assert.Equal(t, 1, h.coord.Backlog())
	assert.Equal(t, 1, h.coord.Stats().Backlog)

	// The ledger still shows the pool in flight, so nothing else may start.
	_, err = h.coord.Submit(ctx, opportunity("o2"))
	require.ErrorIs(t, err, domain.ErrPoolLocked)

	// Still failing: the transition stays queued.
	assert.Equal(t, 0, h.coord.Reconcile(ctx))
	assert.Equal(t, 1, h.coord.Backlog())

	flaky.fail(0)
	assert.Equal(t, 1, h.coord.Reconcile(ctx))
	assert.Zero(t, h.coord.Backlog())

	got, err := flaky.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, got.State)
	assert.Equal(t, stuck.MinAmountOut, got.RealizedAmountOut)
	assert.Equal(t, domain.AttemptConfirmed, h.rec.states()[len(h.rec.states())-1])

	next, err := h.coord.Submit(ctx, opportunity("o3"))
	require.NoError(t, err)
	h.coord.Wait()
	after, err := flaky.Get(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, after.State)
}

func TestRun_ReconcilesQueuedTransitions(t *testing.T) {
	flaky := &flakyLedger{Memory: ledger.NewMemory()}
	flaky.fail(100)
	cfg := testConfig()
	cfg.LedgerRetry = executor.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}
	cfg.ReconcileInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, func(d *executor.Deps) { d.Ledger = flaky })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.coord.Run(ctx) }()

	a, err := h.coord.Submit(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	h.coord.Wait()
	require.Equal(t, 1, h.coord.Backlog())

	flaky.fail(0)
	require.Eventually(t, func() bool {
		got, err := flaky.Get(context.Background(), a.ID)
		return err == nil && got.State == domain.AttemptConfirmed
	}, time.Second, 5*time.Millisecond)
}
