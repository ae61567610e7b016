// Package dataapi is the REST client for the pool-listing data API. It
// implements domain.PoolSource for the polling adapter.
package dataapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/ingest"
)

const (
	defaultRatePerSec = 5
	defaultBurst      = 2
	maxBodyBytes      = 8 << 20
)

// Client fetches pool listings from GET {baseURL}/pools.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a data API client.
//
// baseURL is the API root, e.g. "https://data.example.com/v1". apiKey is
// sent as a bearer token.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(defaultRatePerSec, defaultBurst),
		logger:  logger.With(slog.String("component", "dataapi")),
	}
}

// SetRateLimit replaces the client-side request rate.
func (c *Client) SetRateLimit(perSec float64, burst int) {
	c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
}

// Name implements domain.PoolSource.
func (c *Client) Name() string { return "data_api" }

// FetchPools implements domain.PoolSource. Entries that cannot be
// normalized are skipped and logged.
func (c *Client) FetchPools(ctx context.Context) ([]domain.PoolUpdate, error) {
	body, err := c.doGet(ctx, "/pools")
	if err != nil {
		return nil, fmt.Errorf("dataapi: fetch pools: %w", err)
	}

	list := bytes.TrimSpace(body)
	if len(list) > 0 && list[0] == '{' {
		var wrapped struct {
			Pools json.RawMessage `json:"pools"`
		}
		if err := json.Unmarshal(list, &wrapped); err != nil {
			return nil, fmt.Errorf("dataapi: decode pools: %w", err)
		}
		list = wrapped.Pools
	}
	if len(list) == 0 || list[0] != '[' {
		return nil, fmt.Errorf("dataapi: decode pools: expected a list")
	}

	updates, dropped := ingest.ParseEvents(list, c.Name(), time.Now())
	if dropped > 0 {
		c.logger.Warn("skipped malformed pool entries", slog.Int("dropped", dropped))
	}
	return updates, nil
}

// doGet sends an authenticated, throttled GET and returns the body of a 2xx
// response.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkStatus maps non-2xx HTTP status codes to errors.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case status >= 500:
		return fmt.Errorf("HTTP %d: %s: %w", status, msg, domain.ErrTransient)
	default:
		return fmt.Errorf("HTTP %d: %s", status, msg)
	}
}
