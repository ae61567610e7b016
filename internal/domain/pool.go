package domain

import (
	"math"
	"strings"
	"time"
)

// PoolUpdate is the normalized event every ingestion adapter produces.
type PoolUpdate struct {
	Address  string
	TokenA   string
	TokenB   string
	ReserveA float64
	ReserveB float64
	// Price is the value of one unit of TokenB in TokenA units as reported by
	// the source. Zero means the source did not report one.
	Price      float64
	Sequence   uint64
	SourceTime time.Time
	ReceivedAt time.Time
	Source     string
}

// Validate rejects updates that must never enter the registry.
func (u PoolUpdate) Validate() error {
	if strings.TrimSpace(u.Address) == "" {
		return Invalid("pool_address", "missing")
	}
	if u.ReserveA < 0 || u.ReserveB < 0 {
		return Invalid("reserves", "negative reserve")
	}
	if math.IsNaN(u.ReserveA) || math.IsInf(u.ReserveA, 0) || math.IsNaN(u.ReserveB) || math.IsInf(u.ReserveB, 0) {
		return Invalid("reserves", "not a finite number")
	}
	if u.Price < 0 || math.IsNaN(u.Price) || math.IsInf(u.Price, 0) {
		return Invalid("price", "must be a finite non-negative number")
	}
	return nil
}

// PoolState is the registry's view of one liquidity pool.
type PoolState struct {
	Address    string    `json:"pool_address"`
	TokenA     string    `json:"token_a"`
	TokenB     string    `json:"token_b"`
	ReserveA   float64   `json:"reserve_a"`
	ReserveB   float64   `json:"reserve_b"`
	Price      float64   `json:"price"`
	Sequence   uint64    `json:"sequence"`
	SourceTime time.Time `json:"source_time"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source"`
	Active     bool      `json:"active"`
	FirstSeen  time.Time `json:"first_seen"`
	Updates    int64     `json:"updates"`
}

// SpotPrice is the reserve-implied value of one unit of TokenB in TokenA.
func (s PoolState) SpotPrice() float64 {
	if s.ReserveB == 0 {
		return 0
	}
	return s.ReserveA / s.ReserveB
}

// ReferencePrice is the source-reported price, falling back to the spot price.
func (s PoolState) ReferencePrice() float64 {
	if s.Price > 0 {
		return s.Price
	}
	return s.SpotPrice()
}

// Supersedes reports whether u should replace s: a higher sequence wins, and
// on equal sequence a strictly later receipt wins.
func (s PoolState) Supersedes(u PoolUpdate) bool {
	if u.Sequence != s.Sequence {
		return u.Sequence > s.Sequence
	}
	return u.ReceivedAt.After(s.ReceivedAt)
}

// RegistryStats are counters exposed by the pool registry.
type RegistryStats struct {
	Accepted  uint64 `json:"accepted"`
	Discarded uint64 `json:"discarded"`
	Invalid   uint64 `json:"invalid"`
	Pools     int    `json:"pools"`
	Active    int    `json:"active"`
}
