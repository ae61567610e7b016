// Package scoring rates opportunities in [0, 1]. The heuristic scorer stands
// in for an external sentiment or model score.
package scoring

import (
	"math"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Weights of each heuristic component. They are normalized on use.
type Weights struct {
	Margin    float64
	Liquidity float64
	Freshness float64
}

// DefaultWeights favours the profit margin.
var DefaultWeights = Weights{Margin: 0.5, Liquidity: 0.3, Freshness: 0.2}

// Heuristic scores opportunities from their margin, pool depth and snapshot
// age.
type Heuristic struct {
	weights Weights
	// targetMargin is the margin percentage that scores 1.
	targetMargin float64
	// deepLiquidity is the shallower reserve that scores 1.
	deepLiquidity float64
	window        time.Duration
	now           func() time.Time
}

// NewHeuristic returns a heuristic scorer. window is the staleness window
// used to decay freshness.
func NewHeuristic(w Weights, window time.Duration) *Heuristic {
	if w.Margin+w.Liquidity+w.Freshness <= 0 {
		w = DefaultWeights
	}
	return &Heuristic{
		weights:       w,
		targetMargin:  2,
		deepLiquidity: 1e6,
		window:        window,
		now:           time.Now,
	}
}

// Score implements domain.OpportunityScorer.
func (h *Heuristic) Score(opp domain.Opportunity) float64 {
	total := h.weights.Margin + h.weights.Liquidity + h.weights.Freshness
	s := h.weights.Margin*h.margin(opp) +
		h.weights.Liquidity*h.liquidity(opp.Snapshot) +
		h.weights.Freshness*h.freshness(opp.Snapshot)
	return clamp(s / total)
}

func (h *Heuristic) margin(opp domain.Opportunity) float64 {
	if opp.AmountIn <= 0 {
		return 0
	}
	pct := opp.ExpectedProfit / opp.AmountIn * 100
	return clamp(pct / h.targetMargin)
}

// liquidity grows logarithmically with the shallower reserve.
func (h *Heuristic) liquidity(s domain.PoolState) float64 {
	depth := math.Min(s.ReserveA, s.ReserveB)
	if depth <= 1 {
		return 0
	}
	return clamp(math.Log10(depth) / math.Log10(h.deepLiquidity))
}

func (h *Heuristic) freshness(s domain.PoolState) float64 {
	if h.window <= 0 {
		return 1
	}
	ts := s.SourceTime
	if ts.IsZero() {
		ts = s.ReceivedAt
	}
	if ts.IsZero() {
		return 0
	}
	age := h.now().Sub(ts)
	if age <= 0 {
		return 1
	}
	return clamp(1 - float64(age)/float64(h.window))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Fixed returns the same score for every opportunity.
type Fixed float64

// Score implements domain.OpportunityScorer.
func (f Fixed) Score(domain.Opportunity) float64 { return clamp(float64(f)) }
