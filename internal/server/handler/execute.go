package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/executor"
)

const (
	maxExecuteBody = 64 << 10
	// maxClockSkew is how far ahead of our clock a caller's timestamp may be.
	maxClockSkew = 5 * time.Second
)

// Submitter accepts opportunities for execution.
type Submitter interface {
	Submit(ctx context.Context, opp domain.Opportunity) (domain.TradeAttempt, error)
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	PoolAddress       string  `json:"pool_address"`
	TokenIn           string  `json:"token_in"`
	TokenOut          string  `json:"token_out"`
	AmountIn          float64 `json:"amount_in"`
	ExpectedAmountOut float64 `json:"expected_amount_out"`
	ExpectedProfit    float64 `json:"expected_profit"`
	// Timestamp is the unix time (seconds) the caller observed the pool.
	// Zero means now.
	Timestamp int64 `json:"timestamp"`
}

// ExecuteHandler injects manual opportunities into the coordinator. They go
// through the same validation as detected ones.
type ExecuteHandler struct {
	submitter Submitter
	window    time.Duration
	slippage  int
	now       func() time.Time
	logger    *slog.Logger
}

// NewExecuteHandler creates an ExecuteHandler. window is the staleness
// window applied to the request timestamp.
func NewExecuteHandler(submitter Submitter, window time.Duration, slippageBps int, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		submitter: submitter,
		window:    window,
		slippage:  slippageBps,
		now:       time.Now,
		logger:    logger.With(slog.String("handler", "execute")),
	}
}

// Execute validates and submits a manual opportunity.
// POST /api/execute
func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExecuteBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.validate(h.now()); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error(), "reason": executor.RejectionKind(err)})
		return
	}

	opp := h.opportunity(req)
	attempt, err := h.submitter.Submit(r.Context(), opp)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "submit failed", slog.String("error", err.Error()))
		}
		writeJSON(w, status, map[string]string{"error": err.Error(), "reason": executor.RejectionKind(err)})
		return
	}
	h.logger.InfoContext(r.Context(), "manual opportunity accepted",
		slog.String("pool", attempt.PoolAddress),
		slog.String("attempt_id", attempt.ID),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"attempt_id":     attempt.ID,
		"opportunity_id": opp.ID,
		"state":          attempt.State,
	})
}

func (r ExecuteRequest) validate(now time.Time) error {
	switch {
	case r.Timestamp < 0:
		return domain.Invalid("timestamp", "must not be negative")
	case r.Timestamp > 0 && time.Unix(r.Timestamp, 0).After(now.Add(maxClockSkew)):
		return domain.Invalid("timestamp", "is in the future")
	case strings.TrimSpace(r.PoolAddress) == "":
		return domain.Invalid("pool_address", "missing")
	case r.TokenIn == "" || r.TokenOut == "":
		return domain.Invalid("token_in", "token pair is required")
	case r.TokenIn == r.TokenOut:
		return domain.Invalid("token_out", "must differ from token_in")
	case r.AmountIn <= 0:
		return domain.Invalid("amount_in", "must be positive")
	case r.ExpectedAmountOut < 0:
		return domain.Invalid("expected_amount_out", "must not be negative")
	}
	return nil
}

func (h *ExecuteHandler) opportunity(req ExecuteRequest) domain.Opportunity {
	now := h.now()
	observed := now
	// Within the allowed skew a timestamp never extends the deadline.
	if ts := time.Unix(req.Timestamp, 0); req.Timestamp > 0 && ts.Before(now) {
		observed = ts
	}
	minOut := req.ExpectedAmountOut * (1 - float64(h.slippage)/10_000)
	return domain.Opportunity{
		ID:                uuid.Must(uuid.NewRandom()).String(),
		PoolAddress:       strings.TrimSpace(req.PoolAddress),
		TokenIn:           req.TokenIn,
		TokenOut:          req.TokenOut,
		AmountIn:          req.AmountIn,
		ExpectedAmountOut: req.ExpectedAmountOut,
		MinAmountOut:      minOut,
		ExpectedProfit:    req.ExpectedProfit,
		Origin:            domain.OriginManual,
		DetectedAt:        observed,
		Deadline:          observed.Add(h.window),
	}
}
