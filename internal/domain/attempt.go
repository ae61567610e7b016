package domain

import "time"

// AttemptState is a TradeAttempt lifecycle state.
type AttemptState string

const (
	AttemptDetected  AttemptState = "detected"
	AttemptValidated AttemptState = "validated"
	AttemptSubmitted AttemptState = "submitted"
	AttemptConfirmed AttemptState = "confirmed"
	AttemptFailed    AttemptState = "failed"
	AttemptTimedOut  AttemptState = "timed_out"
)

// Reason recorded when no settlement arrives within the execution timeout.
const ReasonConfirmationTimeout = "confirmation timeout"

// ReasonOutcomeUnknown marks a swap the router accepted without a usable
// reference. Like a confirmation timeout it needs manual reconciliation.
const ReasonOutcomeUnknown = "submission outcome unknown"

// Terminal reports whether no further transition is allowed from s.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptConfirmed, AttemptFailed, AttemptTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s AttemptState) Valid() bool {
	switch s {
	case AttemptDetected, AttemptValidated, AttemptSubmitted,
		AttemptConfirmed, AttemptFailed, AttemptTimedOut:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[AttemptState][]AttemptState{
	AttemptDetected:  {AttemptValidated},
	AttemptValidated: {AttemptSubmitted, AttemptFailed},
	AttemptSubmitted: {AttemptConfirmed, AttemptFailed, AttemptTimedOut},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to AttemptState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TradeAttempt is the execution record of one accepted Opportunity.
type TradeAttempt struct {
	ID                string       `json:"id"`
	OpportunityID     string       `json:"opportunity_id"`
	PoolAddress       string       `json:"pool_address"`
	TokenIn           string       `json:"token_in"`
	TokenOut          string       `json:"token_out"`
	Direction         Direction    `json:"direction"`
	Origin            string       `json:"origin"`
	AmountIn          float64      `json:"amount_in"`
	ExpectedAmountOut float64      `json:"expected_amount_out"`
	MinAmountOut      float64      `json:"min_amount_out"`
	ExpectedProfit    float64      `json:"expected_profit"`
	ReferencePrice    float64      `json:"reference_price"`
	SlippageBps       int          `json:"slippage_bps"`
	State             AttemptState `json:"state"`
	ExternalRef       string       `json:"external_ref,omitempty"`
	RealizedAmountOut float64      `json:"realized_amount_out"`
	RealizedProfit    float64      `json:"realized_profit"`
	Reason            string       `json:"reason,omitempty"`
	DetectedAt        time.Time    `json:"detected_at"`
	CreatedAt         time.Time    `json:"created_at"`
	SubmittedAt       *time.Time   `json:"submitted_at,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Transition is one append-only ledger entry.
type Transition struct {
	AttemptID         string       `json:"attempt_id"`
	PoolAddress       string       `json:"pool_address"`
	From              AttemptState `json:"from,omitempty"`
	To                AttemptState `json:"to"`
	Reason            string       `json:"reason,omitempty"`
	ExternalRef       string       `json:"external_ref,omitempty"`
	RealizedAmountOut float64      `json:"realized_amount_out,omitempty"`
	RealizedProfit    float64      `json:"realized_profit,omitempty"`
	At                time.Time    `json:"at"`
}

// Apply moves the attempt along t, enforcing the state machine.
func (a *TradeAttempt) Apply(t Transition) error {
	if a.State.Terminal() {
		return ErrTerminalAttempt
	}
	if !CanTransition(a.State, t.To) {
		return Invalid("state", string(a.State)+" -> "+string(t.To)+" is not allowed")
	}
	a.State = t.To
	if t.Reason != "" {
		a.Reason = t.Reason
	}
	if t.ExternalRef != "" {
		a.ExternalRef = t.ExternalRef
	}
	if t.To == AttemptSubmitted {
		at := t.At
		a.SubmittedAt = &at
	}
	if t.To == AttemptConfirmed {
		a.RealizedAmountOut = t.RealizedAmountOut
		a.RealizedProfit = t.RealizedProfit
	}
	a.UpdatedAt = t.At
	return nil
}

// OpeningTransitions returns the detected and validated entries recorded when
// an attempt is reserved.
func (a TradeAttempt) OpeningTransitions() []Transition {
	return []Transition{
		{AttemptID: a.ID, PoolAddress: a.PoolAddress, To: AttemptDetected, At: a.DetectedAt},
		{AttemptID: a.ID, PoolAddress: a.PoolAddress, From: AttemptDetected, To: AttemptValidated, At: a.CreatedAt},
	}
}
