package detector

import (
	"math"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// ConstantProductOut returns the output of swapping amountIn against a
// constant-product pool, after the pool's own fee.
func ConstantProductOut(reserveIn, reserveOut, amountIn, poolFeeBps float64) float64 {
	if reserveIn <= 0 || reserveOut <= 0 || amountIn <= 0 {
		return 0
	}
	effective := amountIn * (1 - poolFeeBps/10_000)
	return reserveOut * effective / (reserveIn + effective)
}

// MinOutput applies a slippage tolerance to an expected output.
func MinOutput(amountOut float64, slippageBps int) float64 {
	return amountOut * (1 - float64(slippageBps)/10_000)
}

// PriceImpactPct is the input size relative to the input-side reserve.
func PriceImpactPct(amountIn, reserveIn float64) float64 {
	if reserveIn <= 0 {
		return 0
	}
	return amountIn / reserveIn * 100
}

// ProfitPct is the percentage gain of amountOut over amountIn.
func ProfitPct(amountIn, amountOut float64) float64 {
	if amountIn == 0 {
		return 0
	}
	return (amountOut - amountIn) / amountIn * 100
}

// Pricing is the evaluation of one input amount in one direction.
type Pricing struct {
	Direction    domain.Direction
	TokenIn      string
	TokenOut     string
	AmountIn     float64
	AmountOut    float64
	MinAmountOut float64
	// Rate values one unit of TokenOut in TokenIn units.
	Rate   float64
	Profit float64
}

// Pricer evaluates trades against pool snapshots. It is stateless.
type Pricer struct {
	SlippageBps int
	PoolFeeBps  float64
	FeeEstimate float64
}

// PriceAt prices amountIn in the given direction against s.
func (p Pricer) PriceAt(s domain.PoolState, dir domain.Direction, amountIn float64) Pricing {
	reserveIn, reserveOut, rate := s.ReserveA, s.ReserveB, s.ReferencePrice()
	tokenIn, tokenOut := s.TokenA, s.TokenB
	if dir == domain.DirectionBToA {
		reserveIn, reserveOut = s.ReserveB, s.ReserveA
		tokenIn, tokenOut = s.TokenB, s.TokenA
		if rate > 0 {
			rate = 1 / rate
		}
	}
	out := ConstantProductOut(reserveIn, reserveOut, amountIn, p.PoolFeeBps)
	minOut := MinOutput(out, p.SlippageBps)
	return Pricing{
		Direction:    dir,
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     amountIn,
		AmountOut:    out,
		MinAmountOut: minOut,
		Rate:         rate,
		Profit:       p.ProfitFor(amountIn, minOut, rate),
	}
}

// ProfitFor values amountOut at rate and subtracts the input and fee.
func (p Pricer) ProfitFor(amountIn, amountOut, rate float64) float64 {
	return amountOut*rate - amountIn - p.FeeEstimate
}

const searchIterations = 64

var invPhi = (math.Sqrt(5) - 1) / 2

// Best searches [lo, hi] for the input maximizing profit. Profit is concave
// in the input amount for a constant-product pool, so a golden-section
// search converges on the maximum.
func (p Pricer) Best(s domain.PoolState, dir domain.Direction, lo, hi float64) Pricing {
	if hi < lo {
		return p.PriceAt(s, dir, hi)
	}
	a, b := lo, hi
	c := b - invPhi*(b-a)
	d := a + invPhi*(b-a)
	fc := p.PriceAt(s, dir, c).Profit
	fd := p.PriceAt(s, dir, d).Profit
	for i := 0; i < searchIterations && b-a > 1e-12; i++ {
		if fc > fd {
			b, d, fd = d, c, fc
			c = b - invPhi*(b-a)
			fc = p.PriceAt(s, dir, c).Profit
		} else {
			a, c, fc = c, d, fd
			d = a + invPhi*(b-a)
			fd = p.PriceAt(s, dir, d).Profit
		}
	}

	best := p.PriceAt(s, dir, (a+b)/2)
	for _, x := range []float64{lo, hi} {
		if cand := p.PriceAt(s, dir, x); cand.Profit > best.Profit {
			best = cand
		}
	}
	return best
}
