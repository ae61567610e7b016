package executor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/ledger"
	"github.com/alanyoungcy/poolsniper/internal/platform/fake"
)

func TestExecute_NoSlotFailsAttempt(t *testing.T) {
	l := ledger.NewMemory()
	swaps := fake.NewSwaps()
	c := New(Config{MaxConcurrent: 1}, Deps{Ledger: l, Swaps: swaps, Logger: slog.Default()})

	now := time.Now()
	attempt := domain.TradeAttempt{
		ID: "a1", PoolAddress: "P", State: domain.AttemptValidated,
		DetectedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, l.Reserve(context.Background(), attempt))

	// Every slot is taken and the context is already done.
	require.NoError(t, c.sem.Acquire(context.Background(), 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	released := false
	c.inFlight.Add(1)
	c.wg.Add(1)
	c.execute(ctx, attempt, func() { released = true })

	got, err := l.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptFailed, got.State)
	assert.Contains(t, got.Reason, "execution slot unavailable")
	assert.True(t, released)
	assert.Zero(t, swaps.Calls("P"))
	assert.Zero(t, c.inFlight.Load())

	// The held slot was not released on the failed acquire.
	assert.False(t, c.sem.TryAcquire(1))
}
