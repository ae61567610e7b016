package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func attempt(id, pool string, offset time.Duration) domain.TradeAttempt {
	return domain.TradeAttempt{
		ID:          id,
		PoolAddress: pool,
		TokenIn:     "A",
		TokenOut:    "B",
		AmountIn:    1,
		State:       domain.AttemptValidated,
		DetectedAt:  t0.Add(offset),
		CreatedAt:   t0.Add(offset),
		UpdatedAt:   t0.Add(offset),
	}
}

func TestMemory_ReserveEnforcesOneInFlightPerPool(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()

	require.NoError(t, l.Reserve(ctx, attempt("a1", "P", 0)))
	err := l.Reserve(ctx, attempt("a2", "P", time.Second))
	assert.ErrorIs(t, err, domain.ErrPoolLocked)
	require.NoError(t, l.Reserve(ctx, attempt("a3", "Q", time.Second)))

	inflight, err := l.InFlight(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, "a1", inflight.ID)

	_, err = l.Append(ctx, domain.Transition{AttemptID: "a1", To: domain.AttemptFailed, Reason: "rejected", At: t0})
	require.NoError(t, err)

	_, err = l.InFlight(ctx, "P")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, l.Reserve(ctx, attempt("a2", "P", 2*time.Second)))
}

func TestMemory_ConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var won int
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Reserve(ctx, attempt(fmt.Sprintf("a%d", i), "P", 0)); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestMemory_TerminalRecordsAreImmutable(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	require.NoError(t, l.Reserve(ctx, attempt("a1", "P", 0)))

	_, err := l.Append(ctx, domain.Transition{AttemptID: "a1", To: domain.AttemptSubmitted, ExternalRef: "sig", At: t0})
	require.NoError(t, err)
	rec, err := l.Append(ctx, domain.Transition{AttemptID: "a1", To: domain.AttemptTimedOut, Reason: domain.ReasonConfirmationTimeout, At: t0})
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptTimedOut, rec.State)

	_, err = l.Append(ctx, domain.Transition{AttemptID: "a1", To: domain.AttemptConfirmed, At: t0})
	assert.ErrorIs(t, err, domain.ErrTerminalAttempt)

	hist, err := l.History(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, domain.AttemptDetected, hist[0].To)
	assert.Equal(t, domain.AttemptValidated, hist[1].To)
	assert.Equal(t, domain.AttemptSubmitted, hist[2].To)
	assert.Equal(t, domain.AttemptSubmitted, hist[3].From)
	assert.Equal(t, domain.ReasonConfirmationTimeout, hist[3].Reason)
}

func TestMemory_IllegalTransition(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	require.NoError(t, l.Reserve(ctx, attempt("a1", "P", 0)))

	_, err := l.Append(ctx, domain.Transition{AttemptID: "a1", To: domain.AttemptConfirmed, At: t0})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = l.Append(ctx, domain.Transition{AttemptID: "missing", To: domain.AttemptFailed})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemory_ListMostRecentFirstWithFilters(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	require.NoError(t, l.Reserve(ctx, attempt("a1", "P", 0)))
	require.NoError(t, l.Reserve(ctx, attempt("a2", "Q", time.Second)))
	_, err := l.Append(ctx, domain.Transition{AttemptID: "a1", To: domain.AttemptFailed, At: t0})
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, attempt("a3", "P", 2*time.Second)))

	all, err := l.List(ctx, domain.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a3", "a2", "a1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	byPool, _ := l.List(ctx, domain.LedgerFilter{PoolAddress: "P"})
	assert.Len(t, byPool, 2)

	failed, _ := l.List(ctx, domain.LedgerFilter{State: domain.AttemptFailed})
	require.Len(t, failed, 1)
	assert.Equal(t, "a1", failed[0].ID)

	limited, _ := l.List(ctx, domain.LedgerFilter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "a3", limited[0].ID)

	open, _ := l.NonTerminal(ctx)
	assert.Len(t, open, 2)
}

func TestMemory_ReserveValidation(t *testing.T) {
	l := ledger.NewMemory()
	bad := attempt("a1", "P", 0)
	bad.State = domain.AttemptSubmitted
	assert.ErrorIs(t, l.Reserve(context.Background(), bad), domain.ErrValidation)
	assert.ErrorIs(t, l.Reserve(context.Background(), attempt("", "P", 0)), domain.ErrValidation)
}
