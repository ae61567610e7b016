package domain_test

import (
	"testing"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptState_Terminal(t *testing.T) {
	assert.False(t, domain.AttemptDetected.Terminal())
	assert.False(t, domain.AttemptValidated.Terminal())
	assert.False(t, domain.AttemptSubmitted.Terminal())
	assert.True(t, domain.AttemptConfirmed.Terminal())
	assert.True(t, domain.AttemptFailed.Terminal())
	assert.True(t, domain.AttemptTimedOut.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.AttemptState
		want     bool
	}{
		{domain.AttemptDetected, domain.AttemptValidated, true},
		{domain.AttemptValidated, domain.AttemptSubmitted, true},
		{domain.AttemptValidated, domain.AttemptFailed, true},
		{domain.AttemptValidated, domain.AttemptConfirmed, false},
		{domain.AttemptSubmitted, domain.AttemptConfirmed, true},
		{domain.AttemptSubmitted, domain.AttemptTimedOut, true},
		{domain.AttemptSubmitted, domain.AttemptValidated, false},
		{domain.AttemptConfirmed, domain.AttemptFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, domain.CanTransition(tt.from, tt.to))
		})
	}
}

func TestTradeAttempt_Apply(t *testing.T) {
	now := time.Now()
	a := domain.TradeAttempt{ID: "a1", PoolAddress: "P", State: domain.AttemptValidated}

	require.NoError(t, a.Apply(domain.Transition{To: domain.AttemptSubmitted, ExternalRef: "tx1", At: now}))
	require.NotNil(t, a.SubmittedAt)
	assert.Equal(t, "tx1", a.ExternalRef)

	require.NoError(t, a.Apply(domain.Transition{To: domain.AttemptConfirmed, RealizedAmountOut: 9.8, RealizedProfit: 0.2, At: now}))
	assert.Equal(t, 9.8, a.RealizedAmountOut)

	err := a.Apply(domain.Transition{To: domain.AttemptFailed, At: now})
	assert.ErrorIs(t, err, domain.ErrTerminalAttempt)
}

func TestTradeAttempt_ApplyIllegal(t *testing.T) {
	a := domain.TradeAttempt{State: domain.AttemptValidated}
	err := a.Apply(domain.Transition{To: domain.AttemptTimedOut})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.AttemptValidated, a.State)
}

func TestPoolUpdate_Validate(t *testing.T) {
	assert.NoError(t, domain.PoolUpdate{Address: "P", ReserveA: 1, ReserveB: 1}.Validate())
	assert.ErrorIs(t, domain.PoolUpdate{ReserveA: 1}.Validate(), domain.ErrValidation)
	assert.ErrorIs(t, domain.PoolUpdate{Address: "P", ReserveA: -1}.Validate(), domain.ErrValidation)
}

func TestPoolState_Supersedes(t *testing.T) {
	t0 := time.Now()
	s := domain.PoolState{Sequence: 5, ReceivedAt: t0}
	assert.False(t, s.Supersedes(domain.PoolUpdate{Sequence: 3, ReceivedAt: t0.Add(time.Second)}))
	assert.True(t, s.Supersedes(domain.PoolUpdate{Sequence: 6, ReceivedAt: t0.Add(-time.Second)}))
	assert.True(t, s.Supersedes(domain.PoolUpdate{Sequence: 5, ReceivedAt: t0.Add(time.Millisecond)}))
	assert.False(t, s.Supersedes(domain.PoolUpdate{Sequence: 5, ReceivedAt: t0}))
}
