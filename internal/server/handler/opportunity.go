package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// OpportunitySource lists currently eligible opportunities.
type OpportunitySource interface {
	Eligible(now time.Time) []domain.Opportunity
}

// OpportunityHandler serves eligible, non-stale opportunities.
type OpportunityHandler struct {
	source OpportunitySource
	now    func() time.Time
}

// NewOpportunityHandler creates an OpportunityHandler.
func NewOpportunityHandler(source OpportunitySource) *OpportunityHandler {
	return &OpportunityHandler{source: source, now: time.Now}
}

// ListOpportunities returns opportunities ordered by expected profit.
// GET /api/opportunities
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	opps := h.source.Eligible(h.now())
	if limit := parseLimit(r); len(opps) > limit {
		opps = opps[:limit]
	}
	if opps == nil {
		opps = []domain.Opportunity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": opps, "count": len(opps)})
}
