package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// TradeHandler serves the trade ledger.
type TradeHandler struct {
	ledger domain.LedgerStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(ledger domain.LedgerStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{ledger: ledger, logger: logger.With(slog.String("handler", "trades"))}
}

// ListTrades returns attempts most recent first, filtered by ?pool= and
// ?state=.
// GET /api/trades
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := domain.AttemptState(q.Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state "+string(state))
		return
	}
	trades, err := h.ledger.List(r.Context(), domain.LedgerFilter{
		PoolAddress: q.Get("pool"),
		State:       state,
		Limit:       parseLimit(r),
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list trades", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []domain.TradeAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

// GetTrade returns one attempt with its transition history.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	attempt, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	history, err := h.ledger.History(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trade": attempt, "history": history})
}
