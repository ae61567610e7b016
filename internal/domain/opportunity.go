package domain

import "time"

// Direction is the side of the pool an opportunity sells into.
type Direction string

const (
	DirectionAToB Direction = "a_to_b"
	DirectionBToA Direction = "b_to_a"
)

// Origin values for Opportunity.Origin.
const (
	OriginDetector = "detector"
	OriginManual   = "manual"
)

// Opportunity is a detected, not yet executed candidate trade. It carries the
// pool snapshot it was derived from by value and is never mutated.
type Opportunity struct {
	ID                string    `json:"id"`
	PoolAddress       string    `json:"pool_address"`
	TokenIn           string    `json:"token_in"`
	TokenOut          string    `json:"token_out"`
	Direction         Direction `json:"direction"`
	AmountIn          float64   `json:"amount_in"`
	ExpectedAmountOut float64   `json:"expected_amount_out"`
	MinAmountOut      float64   `json:"min_amount_out"`
	ExpectedProfit    float64   `json:"expected_profit"`
	PriceImpactPct    float64   `json:"price_impact_pct"`
	Score             float64   `json:"score"`
	Origin            string    `json:"origin"`
	Snapshot          PoolState `json:"snapshot"`
	DetectedAt        time.Time `json:"detected_at"`
	Deadline          time.Time `json:"deadline"`
}

// Expired reports whether the staleness deadline has passed at now.
func (o Opportunity) Expired(now time.Time) bool {
	return !now.Before(o.Deadline)
}
