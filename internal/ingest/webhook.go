package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/crypto"
)

const maxWebhookBody = 1 << 20

// Webhook is the push adapter's HTTP entry point. Each request body holds one
// pool event or an array of them.
type Webhook struct {
	queue    *Queue
	secret   []byte
	counters Counters
	now      func() time.Time
	logger   *slog.Logger
}

// NewWebhook creates a webhook adapter. An empty secret disables signature
// checks.
func NewWebhook(queue *Queue, secret string, logger *slog.Logger) *Webhook {
	return &Webhook{
		queue:  queue,
		secret: []byte(secret),
		now:    time.Now,
		logger: logger.With(slog.String("component", "webhook_adapter")),
	}
}

type webhookResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// ServeHTTP implements http.Handler.
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.counters.Malformed.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if len(h.secret) > 0 && !crypto.Verify(h.secret, body, r.Header.Get(crypto.SignatureHeader)) {
		h.counters.Failures.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	updates, dropped := ParseEvents(body, "webhook", h.now())
	for _, u := range updates {
		h.queue.Push(u)
	}
	h.counters.Received.Add(uint64(len(updates)))
	h.counters.Malformed.Add(uint64(dropped))
	if dropped > 0 {
		h.logger.Debug("webhook events dropped", slog.Int("dropped", dropped), slog.Int("accepted", len(updates)))
	}
	writeJSON(w, http.StatusAccepted, webhookResponse{Accepted: len(updates), Dropped: dropped})
}

// Stats returns the adapter counters.
func (h *Webhook) Stats() CounterSnapshot { return h.counters.Snapshot() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
