package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// poolEvent is the wire shape of a pushed pool notification. Numeric fields
// may arrive as JSON numbers or strings.
type poolEvent struct {
	PoolAddress string          `json:"pool_address"`
	Address     string          `json:"address"`
	TokenA      string          `json:"token_a"`
	TokenB      string          `json:"token_b"`
	ReserveA    *flexFloat      `json:"reserve_a"`
	ReserveB    *flexFloat      `json:"reserve_b"`
	Price       *flexFloat      `json:"price"`
	Sequence    json.RawMessage `json:"sequence"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("ingest: parse number %q: %w", s, err)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fmt.Errorf("ingest: parse number %q: not finite", s)
	}
	*f = flexFloat(v)
	return nil
}

// ParseEvents decodes a body holding one event object or an array of them.
// Each event yields zero or one update; events that cannot be normalized are
// counted in dropped.
func ParseEvents(body []byte, source string, receivedAt time.Time) (updates []domain.PoolUpdate, dropped int) {
	body = bytes.TrimSpace(body)
	var raws []json.RawMessage
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, 1
		}
	} else {
		raws = []json.RawMessage{body}
	}

	for _, raw := range raws {
		u, err := ParseEvent(raw, source, receivedAt)
		if err != nil {
			dropped++
			continue
		}
		updates = append(updates, u)
	}
	return updates, dropped
}

// ParseEvent normalizes a single pool event.
func ParseEvent(raw []byte, source string, receivedAt time.Time) (domain.PoolUpdate, error) {
	var ev poolEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.PoolUpdate{}, fmt.Errorf("ingest: decode event: %w", err)
	}
	addr := ev.PoolAddress
	if addr == "" {
		addr = ev.Address
	}
	if ev.ReserveA == nil || ev.ReserveB == nil {
		return domain.PoolUpdate{}, domain.Invalid("reserves", "missing")
	}
	ts, err := parseTimestamp(ev.Timestamp)
	if err != nil {
		return domain.PoolUpdate{}, err
	}

	u := domain.PoolUpdate{
		Address:    strings.TrimSpace(addr),
		TokenA:     ev.TokenA,
		TokenB:     ev.TokenB,
		ReserveA:   float64(*ev.ReserveA),
		ReserveB:   float64(*ev.ReserveB),
		SourceTime: ts,
		ReceivedAt: receivedAt,
		Source:     source,
	}
	if ev.Price != nil {
		u.Price = float64(*ev.Price)
	}
	seq, hasSeq, err := parseSequence(ev.Sequence)
	if err != nil {
		return domain.PoolUpdate{}, err
	}
	switch {
	case hasSeq:
		u.Sequence = seq
	case !ts.IsZero():
		// Sources without sequence numbers are ordered by their own clock.
		u.Sequence = uint64(ts.UnixMilli())
	default:
		return domain.PoolUpdate{}, domain.Invalid("sequence", "missing sequence and timestamp")
	}
	if err := u.Validate(); err != nil {
		return domain.PoolUpdate{}, err
	}
	return u, nil
}

// parseSequence accepts a non-negative integer as a JSON number or string.
// Fractions, exponents, signs and values beyond uint64 are rejected rather
// than rounded, since a wrong sequence would reorder the pool's history.
func parseSequence(raw json.RawMessage) (uint64, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, domain.Invalid("sequence", fmt.Sprintf("%q is not a non-negative integer", s))
	}
	return v, true, nil
}

// parseTimestamp accepts RFC3339 strings, unix seconds, or nothing.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return unixSeconds(secs), nil
		}
		return time.Time{}, domain.Invalid("timestamp", "unrecognized format")
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, domain.Invalid("timestamp", "unrecognized format")
	}
	return unixSeconds(secs), nil
}

func unixSeconds(secs float64) time.Time {
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
}
