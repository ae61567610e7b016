package registry_test

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(seq uint64, reserveA float64) domain.PoolUpdate {
	return domain.PoolUpdate{
		Address:  "P",
		TokenA:   "A",
		TokenB:   "B",
		ReserveA: reserveA,
		ReserveB: 1000,
		Sequence: seq,
	}
}

func TestApply_OutOfOrderKeepsHighestSequence(t *testing.T) {
	r := registry.New(registry.Config{})
	ctx := context.Background()

	_, ok, err := r.Apply(ctx, update(5, 1005))
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = r.Apply(ctx, update(3, 1003))
	require.NoError(t, err)
	assert.False(t, ok)

	s, found := r.Snapshot("P")
	require.True(t, found)
	assert.Equal(t, uint64(5), s.Sequence)
	assert.Equal(t, 1005.0, s.ReserveA)
	assert.Equal(t, uint64(1), r.Stats().Discarded)
}

func TestApply_OrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	base := time.Unix(1_700_000_000, 0)

	for trial := 0; trial < 50; trial++ {
		updates := make([]domain.PoolUpdate, 0, 12)
		for seq := uint64(1); seq <= 12; seq++ {
			u := update(seq, 1000+float64(seq))
			u.ReceivedAt = base.Add(time.Duration(rng.IntN(1000)) * time.Millisecond)
			updates = append(updates, u)
			// duplicates must not change the outcome
			updates = append(updates, u)
		}
		rng.Shuffle(len(updates), func(i, j int) { updates[i], updates[j] = updates[j], updates[i] })

		r := registry.New(registry.Config{})
		for _, u := range updates {
			_, _, err := r.Apply(context.Background(), u)
			require.NoError(t, err)
		}
		s, ok := r.Snapshot("P")
		require.True(t, ok)
		assert.Equal(t, uint64(12), s.Sequence)
		assert.Equal(t, 1012.0, s.ReserveA)
	}
}

func TestApply_EqualSequenceLaterReceiptWins(t *testing.T) {
	r := registry.New(registry.Config{})
	t0 := time.Now()
	first := update(7, 1)
	first.ReceivedAt = t0
	second := update(7, 2)
	second.ReceivedAt = t0.Add(time.Second)

	_, _, err := r.Apply(context.Background(), second)
	require.NoError(t, err)
	_, ok, err := r.Apply(context.Background(), first)
	require.NoError(t, err)
	assert.False(t, ok)

	s, _ := r.Snapshot("P")
	assert.Equal(t, 2.0, s.ReserveA)
}

func TestApply_RejectsMalformed(t *testing.T) {
	r := registry.New(registry.Config{})

	_, ok, err := r.Apply(context.Background(), domain.PoolUpdate{ReserveA: 1, ReserveB: 1})
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, ok, err = r.Apply(context.Background(), domain.PoolUpdate{Address: "P", ReserveA: -1, ReserveB: 1})
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, found := r.Snapshot("P")
	assert.False(t, found)
	assert.Equal(t, uint64(2), r.Stats().Invalid)
}

func TestApply_PublishesOnlyAcceptedChanges(t *testing.T) {
	changes := make(chan domain.PoolState, 4)
	r := registry.New(registry.Config{Changes: changes})
	ctx := context.Background()

	_, _, _ = r.Apply(ctx, update(2, 1))
	_, _, _ = r.Apply(ctx, update(1, 1))
	_, _, _ = r.Apply(ctx, update(3, 1))

	require.Len(t, changes, 2)
	assert.Equal(t, uint64(2), (<-changes).Sequence)
	assert.Equal(t, uint64(3), (<-changes).Sequence)
}

func TestApply_KeepsTokensWhenSourceOmitsThem(t *testing.T) {
	r := registry.New(registry.Config{})
	_, _, _ = r.Apply(context.Background(), update(1, 1))
	_, _, err := r.Apply(context.Background(), domain.PoolUpdate{Address: "P", ReserveA: 5, ReserveB: 5, Sequence: 2})
	require.NoError(t, err)

	s, _ := r.Snapshot("P")
	assert.Equal(t, "A", s.TokenA)
	assert.Equal(t, "B", s.TokenB)
	assert.Equal(t, int64(2), s.Updates)
}

func TestSweep_MarksSilentPoolsAndReactivates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := registry.New(registry.Config{SilenceWindow: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()

	_, _, _ = r.Apply(ctx, update(1, 1))
	other := update(1, 1)
	other.Address = "Q"
	other.ReceivedAt = now.Add(90 * time.Second)
	_, _, _ = r.Apply(ctx, other)

	assert.Equal(t, 1, r.Sweep(now.Add(2*time.Minute)))
	active := registry.Collect(r.ActivePools())
	require.Len(t, active, 1)
	assert.Equal(t, "Q", active[0].Address)
	assert.Len(t, registry.Collect(r.AllPools()), 2)

	again := update(2, 1)
	again.ReceivedAt = now.Add(3 * time.Minute)
	_, ok, err := r.Apply(ctx, again)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, registry.Collect(r.ActivePools()), 2)
}

func TestActivePools_Restartable(t *testing.T) {
	r := registry.New(registry.Config{})
	for _, addr := range []string{"P", "Q", "R"} {
		u := update(1, 1)
		u.Address = addr
		_, _, _ = r.Apply(context.Background(), u)
	}
	seq := r.ActivePools()
	assert.Len(t, registry.Collect(seq), 3)
	assert.Len(t, registry.Collect(seq), 3)

	var seen int
	for range seq {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}
