package ingest_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alanyoungcy/poolsniper/internal/crypto"
	"github.com/alanyoungcy/poolsniper/internal/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_AcceptsAndCountsMalformed(t *testing.T) {
	q := ingest.NewQueue(8)
	h := ingest.NewWebhook(q, "", slog.Default())

	body := `[{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":1},{"garbage":true}]`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhooks/pools", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["accepted"])
	assert.Equal(t, 1, resp["dropped"])
	assert.Equal(t, 1, q.Len())

	st := h.Stats()
	assert.Equal(t, uint64(1), st.Received)
	assert.Equal(t, uint64(1), st.Malformed)
}

func TestWebhook_Signature(t *testing.T) {
	q := ingest.NewQueue(8)
	h := ingest.NewWebhook(q, "topsecret", slog.Default())
	body := `{"pool_address":"P","reserve_a":1,"reserve_b":1,"sequence":1}`

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, q.Len())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(crypto.SignatureHeader, crypto.Sign([]byte("topsecret"), []byte(body)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, q.Len())
}
