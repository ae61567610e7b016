package ingest

import "sync/atomic"

// Counters track one adapter's activity.
type Counters struct {
	Received  atomic.Uint64
	Malformed atomic.Uint64
	Polls     atomic.Uint64
	Failures  atomic.Uint64
}

// CounterSnapshot is a copy of Counters suitable for JSON output.
type CounterSnapshot struct {
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
	Polls     uint64 `json:"polls,omitempty"`
	Failures  uint64 `json:"failures"`
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Received:  c.Received.Load(),
		Malformed: c.Malformed.Load(),
		Polls:     c.Polls.Load(),
		Failures:  c.Failures.Load(),
	}
}
