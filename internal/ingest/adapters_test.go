package ingest_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/ingest"
	"github.com/alanyoungcy/poolsniper/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	calls atomic.Int32
	fail  bool
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) FetchPools(ctx context.Context) ([]domain.PoolUpdate, error) {
	n := s.calls.Add(1)
	if s.fail {
		return nil, errors.New("upstream unavailable")
	}
	return []domain.PoolUpdate{
		{Address: "P", ReserveA: 1000, ReserveB: 1000, Sequence: uint64(n)},
		{Address: "", ReserveA: 1, ReserveB: 1, Sequence: uint64(n)},
	}, nil
}

func TestPoller_TickEnqueuesValidUpdates(t *testing.T) {
	q := ingest.NewQueue(8)
	src := &scriptedSource{}
	p := ingest.NewPoller(src, q, time.Second, 0, slog.Default())

	p.Tick(context.Background())

	require.Equal(t, 1, q.Len())
	u, _ := q.Pop(context.Background())
	assert.Equal(t, "scripted", u.Source)
	assert.False(t, u.ReceivedAt.IsZero())

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Polls)
	assert.Equal(t, uint64(1), st.Received)
	assert.Equal(t, uint64(1), st.Malformed)
}

func TestPoller_FailureWaitsForNextTick(t *testing.T) {
	q := ingest.NewQueue(8)
	src := &scriptedSource{fail: true}
	p := ingest.NewPoller(src, q, 20*time.Millisecond, 0, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	calls := src.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(2))
	assert.LessOrEqual(t, calls, int32(5))
	assert.Equal(t, uint64(calls), p.Stats().Failures)
	assert.Equal(t, 0, q.Len())
}

func TestPump_AppliesIntoRegistry(t *testing.T) {
	q := ingest.NewQueue(8)
	reg := registry.New(registry.Config{})
	q.Push(domain.PoolUpdate{Address: "P", ReserveA: 1, ReserveB: 1, Sequence: 5})
	q.Push(domain.PoolUpdate{Address: "P", ReserveA: 2, ReserveB: 1, Sequence: 3})
	q.Push(domain.PoolUpdate{Address: "P", ReserveA: -2, ReserveB: 1, Sequence: 9})
	q.Close()

	require.NoError(t, ingest.NewPump(q, reg, slog.Default()).Run(context.Background()))

	s, ok := reg.Snapshot("P")
	require.True(t, ok)
	assert.Equal(t, uint64(5), s.Sequence)
	st := reg.Stats()
	assert.Equal(t, uint64(1), st.Accepted)
	assert.Equal(t, uint64(1), st.Discarded)
	assert.Equal(t, uint64(1), st.Invalid)
}

func TestStreamListener_PushesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	q := ingest.NewQueue(8)
	l := ingest.NewStreamListener(ingest.StreamConfig{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}, q, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "P", got.Address)
	assert.Equal(t, "stream", got.Source)

	assert.Eventually(t, func() bool { return l.Stats().Malformed >= 1 }, time.Second, 10*time.Millisecond)
}
