// Package router is the client for the swap-routing service. It implements
// domain.QuoteProvider and domain.SwapExecutor.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

const (
	defaultPollInterval = 2 * time.Second
	maxBodyBytes        = 1 << 20
)

var errDecode = errors.New("decode response")

// Client talks to the routing service's REST API.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	limiter      *rate.Limiter
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets how often AwaitSettlement polls for a result.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithRateLimit sets the client-side request rate.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSec), burst) }
}

// NewClient creates a routing service client.
func NewClient(baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter:      rate.NewLimiter(10, 5),
		pollInterval: defaultPollInterval,
		logger:       logger.With(slog.String("component", "router")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type quoteRequest struct {
	PoolAddress string  `json:"pool_address"`
	TokenIn     string  `json:"token_in"`
	TokenOut    string  `json:"token_out"`
	AmountIn    float64 `json:"amount_in"`
	SlippageBps int     `json:"slippage_bps"`
}

type quoteResponse struct {
	AmountOut float64 `json:"amount_out"`
	Source    string  `json:"source"`
}

// Quote implements domain.QuoteProvider.
func (c *Client) Quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	var resp quoteResponse
	err := c.do(ctx, http.MethodPost, "/quote", "", quoteRequest{
		PoolAddress: req.PoolAddress,
		TokenIn:     req.TokenIn,
		TokenOut:    req.TokenOut,
		AmountIn:    req.AmountIn,
		SlippageBps: req.SlippageBps,
	}, &resp)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("router: quote: %w", err)
	}
	return domain.Quote{AmountOut: resp.AmountOut, Source: resp.Source, QuotedAt: time.Now()}, nil
}

type swapRequest struct {
	PoolAddress  string  `json:"pool_address"`
	TokenIn      string  `json:"token_in"`
	TokenOut     string  `json:"token_out"`
	AmountIn     float64 `json:"amount_in"`
	MinAmountOut float64 `json:"min_amount_out"`
	SlippageBps  int     `json:"slippage_bps"`
}

type swapResponse struct {
	Reference   string    `json:"reference"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Submit implements domain.SwapExecutor. The attempt id is sent as the
// idempotency key so a retried submission cannot place a second swap.
// A 2xx reply without a usable reference wraps domain.ErrOutcomeUnknown:
// the service accepted the request, so the swap may exist.
func (c *Client) Submit(ctx context.Context, req domain.SwapRequest) (domain.SwapReceipt, error) {
	var resp swapResponse
	err := c.do(ctx, http.MethodPost, "/swaps", req.AttemptID, swapRequest{
		PoolAddress:  req.PoolAddress,
		TokenIn:      req.TokenIn,
		TokenOut:     req.TokenOut,
		AmountIn:     req.AmountIn,
		MinAmountOut: req.MinAmountOut,
		SlippageBps:  req.SlippageBps,
	}, &resp)
	switch {
	case errors.Is(err, errDecode):
		return domain.SwapReceipt{}, fmt.Errorf("router: submit: %v: %w", err, domain.ErrOutcomeUnknown)
	case err != nil:
		return domain.SwapReceipt{}, fmt.Errorf("router: submit: %w", err)
	case resp.Reference == "":
		return domain.SwapReceipt{}, fmt.Errorf("router: submit: empty reference: %w", domain.ErrOutcomeUnknown)
	}
	return domain.SwapReceipt{Reference: resp.Reference, SubmittedAt: resp.SubmittedAt}, nil
}

type statusResponse struct {
	Status    string    `json:"status"`
	AmountOut float64   `json:"amount_out"`
	Reason    string    `json:"reason"`
	SettledAt time.Time `json:"settled_at"`
}

// AwaitSettlement implements domain.SwapExecutor. It polls the swap status
// until it is final or ctx is done. Transient polling errors are logged and
// polled through.
func (c *Client) AwaitSettlement(ctx context.Context, reference string) (domain.Settlement, error) {
	path := "/swaps/" + url.PathEscape(reference)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var resp statusResponse
		err := c.do(ctx, http.MethodGet, path, "", nil, &resp)
		switch {
		case err == nil:
			switch resp.Status {
			case "confirmed":
				return domain.Settlement{Status: domain.SettlementConfirmed, AmountOut: resp.AmountOut, SettledAt: resp.SettledAt}, nil
			case "rejected", "failed", "reverted":
				return domain.Settlement{Status: domain.SettlementRejected, Reason: resp.Reason, SettledAt: resp.SettledAt}, nil
			}
		case errors.Is(err, domain.ErrTransient) && ctx.Err() == nil:
			c.logger.Debug("settlement poll failed",
				slog.String("ref", reference),
				slog.String("error", err.Error()),
			)
		default:
			return domain.Settlement{}, fmt.Errorf("router: await %s: %w", reference, err)
		}

		select {
		case <-ctx.Done():
			return domain.Settlement{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// do sends a throttled JSON request and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("http request: %v: %w", err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %v: %w", err, domain.ErrTransient)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	return nil
}

// checkStatus maps non-2xx codes to errors. Throttling and server errors are
// transient; other client errors carry the service's reason verbatim.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Reason
	if msg == "" {
		msg = apiErr.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", domain.ErrRateLimited, domain.ErrTransient)
	case status >= 500:
		return fmt.Errorf("HTTP %d: %w", status, domain.ErrTransient)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	default:
		return errors.New(msg)
	}
}
