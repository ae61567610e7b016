package handler

import (
	"iter"
	"net/http"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// PoolLister enumerates registry pools.
type PoolLister interface {
	ActivePools() iter.Seq[domain.PoolState]
	AllPools() iter.Seq[domain.PoolState]
	Snapshot(address string) (domain.PoolState, bool)
}

// PoolHandler serves registry reads.
type PoolHandler struct {
	pools PoolLister
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pools PoolLister) *PoolHandler {
	return &PoolHandler{pools: pools}
}

// ListPools returns active pools, or every pool with ?all=true.
// GET /api/pools
func (h *PoolHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	seq := h.pools.ActivePools()
	if r.URL.Query().Get("all") == "true" {
		seq = h.pools.AllPools()
	}
	out := []domain.PoolState{}
	for s := range seq {
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": out, "count": len(out)})
}

// GetPool returns one pool by address.
// GET /api/pools/{address}
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	s, ok := h.pools.Snapshot(r.PathValue("address"))
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}
