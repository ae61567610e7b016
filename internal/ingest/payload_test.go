package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/ingest"
	"github.com/alanyoungcy/poolsniper/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	now := time.Now()
	raw := `{"pool_address":"P","token_a":"SOL","token_b":"USDC","reserve_a":"1000","reserve_b":1000.5,
		"price":1.02,"sequence":42,"timestamp":"2024-05-01T12:00:00Z"}`

	u, err := ingest.ParseEvent([]byte(raw), "webhook", now)
	require.NoError(t, err)
	assert.Equal(t, "P", u.Address)
	assert.Equal(t, "SOL", u.TokenA)
	assert.Equal(t, 1000.0, u.ReserveA)
	assert.Equal(t, 1000.5, u.ReserveB)
	assert.Equal(t, 1.02, u.Price)
	assert.Equal(t, uint64(42), u.Sequence)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), u.SourceTime)
	assert.Equal(t, "webhook", u.Source)
	assert.Equal(t, now, u.ReceivedAt)
}

func TestParseEvent_SequenceFromUnixTimestamp(t *testing.T) {
	u, err := ingest.ParseEvent([]byte(`{"address":"P","reserve_a":1,"reserve_b":2,"timestamp":1714564800}`), "stream", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "P", u.Address)
	assert.Equal(t, uint64(1714564800000), u.Sequence)
}

func TestParseEvent_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":            `{`,
		"missing reserves":    `{"pool_address":"P","sequence":1}`,
		"missing address":     `{"reserve_a":1,"reserve_b":1,"sequence":1}`,
		"negative reserve":    `{"pool_address":"P","reserve_a":-1,"reserve_b":1,"sequence":1}`,
		"bad number":          `{"pool_address":"P","reserve_a":"abc","reserve_b":1,"sequence":1}`,
		"no ordering":         `{"pool_address":"P","reserve_a":1,"reserve_b":1}`,
		"bad timestamp":       `{"pool_address":"P","reserve_a":1,"reserve_b":1,"timestamp":"yesterday"}`,
		"infinite sequence":   `{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":"Infinity"}`,
		"exponent sequence":   `{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":1e30}`,
		"negative sequence":   `{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":-5,"timestamp":1700000000}`,
		"fractional sequence": `{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":1.5}`,
		"overflow sequence":   `{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":18446744073709551616}`,
		"infinite reserve":    `{"pool_address":"P","reserve_a":"Infinity","reserve_b":1,"sequence":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingest.ParseEvent([]byte(raw), "webhook", time.Now())
			assert.Error(t, err)
		})
	}
}

func TestParseEvent_ValidationErrorsAreTyped(t *testing.T) {
	_, err := ingest.ParseEvent([]byte(`{"pool_address":"P","sequence":1}`), "webhook", time.Now())
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = ingest.ParseEvent([]byte(`{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":"Infinity"}`), "webhook", time.Now())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestParseEvent_LargeSequencesKeepPrecision(t *testing.T) {
	newer, err := ingest.ParseEvent([]byte(`{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":9007199254740993}`), "webhook", time.Now())
	require.NoError(t, err)
	older, err := ingest.ParseEvent([]byte(`{"pool_address":"P","reserve_a":5,"reserve_b":1,"sequence":"9007199254740992"}`), "webhook", time.Now())
	require.NoError(t, err)

	assert.Equal(t, uint64(9007199254740993), newer.Sequence)
	assert.Equal(t, uint64(9007199254740992), older.Sequence)
	assert.Greater(t, newer.Sequence, older.Sequence)

	reg := registry.New(registry.Config{})
	_, accepted, err := reg.Apply(context.Background(), newer)
	require.NoError(t, err)
	require.True(t, accepted)
	_, accepted, err = reg.Apply(context.Background(), older)
	require.NoError(t, err)
	assert.False(t, accepted)

	state, ok := reg.Snapshot("P")
	require.True(t, ok)
	assert.Equal(t, 1.0, state.ReserveA)
}

func TestParseEvents_Array(t *testing.T) {
	body := `[
		{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":1},
		{"pool_address":"","reserve_a":1,"reserve_b":1,"sequence":2},
		{"pool_address":"Q","reserve_a":1,"reserve_b":1,"sequence":3}
	]`
	updates, dropped := ingest.ParseEvents([]byte(body), "webhook", time.Now())
	require.Len(t, updates, 2)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, "Q", updates[1].Address)
}

func TestParseEvents_BrokenArray(t *testing.T) {
	updates, dropped := ingest.ParseEvents([]byte(`[{"pool_address":`), "webhook", time.Now())
	assert.Empty(t, updates)
	assert.Equal(t, 1, dropped)
}
