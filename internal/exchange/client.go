// Package exchange implements a generic REST and WebSocket client for
// venue trading APIs.
//
// The REST client (Client) wraps one exchange's HTTP API for order
// management:
//   - GetOrderBook:       GET  a book endpoint  — fetch L2 book for a symbol
//   - PostOrders:         POST an orders endpoint — batch-place signed orders
//   - CancelOrders:       cancel specific orders by ID
//   - CancelAll:          emergency cancel everything
//   - CancelSymbolOrders: cancel one symbol's orders
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated via the Auth registered for the
// account making the call.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"tradingbus/internal/config"
	"tradingbus/pkg/types"
)

// ExchangeClient is the interface the OEMS worker (C7) uses to submit and
// cancel orders without depending on a concrete venue implementation.
type ExchangeClient interface {
	GetOrderBook(ctx context.Context, symbol string) (*types.BookResponse, error)
	PostOrders(ctx context.Context, orders []types.UserOrder) ([]types.OrderAck, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResult, error)
	CancelAll(ctx context.Context) (*types.CancelResult, error)
	CancelSymbolOrders(ctx context.Context, symbol string) (*types.CancelResult, error)
}

// Client is a generic REST API client for one exchange. It wraps a resty
// HTTP client with rate limiting, retry, and auth.
type Client struct {
	exchange string
	http     *resty.Client
	auth     *Auth
	rl       *RateLimiter
	dryRun   bool
	logger   *slog.Logger
}

// NewClient creates a REST client for one exchange with rate limiting and
// retry: 3 retries, backoff on 5xx or 429.
func NewClient(ex config.ExchangeConfig, auth *Auth, rl *RateLimiter, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(ex.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp.StatusCode() != http.StatusTooManyRequests {
				return 0, nil
			}
			d := parseRetryAfter(resp.Header().Get("Retry-After"))
			rl.Block(d)
			return d, nil
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		exchange: ex.Name,
		http:     httpClient,
		auth:     auth,
		rl:       rl,
		dryRun:   dryRun,
		logger:   logger.With("exchange", ex.Name),
	}
}

// parseRetryAfter interprets a Retry-After header value, which per RFC 7231
// is either a delay in seconds or an HTTP date. Falls back to 1s if neither
// form parses, so a malformed header still backs off instead of hammering
// a throttled venue.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return time.Second
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}

// wait blocks on the given category's token bucket, first honoring any
// pending Retry-After block recorded against this exchange's whole rate
// limiter (see RateLimiter.Block).
func (c *Client) wait(ctx context.Context, bucket *TokenBucket) error {
	if err := c.rl.awaitUnblocked(ctx); err != nil {
		return err
	}
	return bucket.Wait(ctx)
}

// GetOrderBook fetches the order book for a single symbol.
func (c *Client) GetOrderBook(ctx context.Context, symbol string) (*types.BookResponse, error) {
	if err := c.wait(ctx, c.rl.Book); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// orderWirePayload is the REST request body for a single order. Venues
// vary in exact field names; this is the shape most key-authenticated
// REST APIs expect.
type orderWirePayload struct {
	Symbol     string         `json:"symbol"`
	Side       types.Side     `json:"side"`
	Price      string         `json:"price"`
	Size       string         `json:"size"`
	OrderType  types.OrderType `json:"orderType"`
	Expiration int64          `json:"expiration,omitempty"`
}

func buildOrderPayload(order types.UserOrder) orderWirePayload {
	return orderWirePayload{
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      fmt.Sprintf("%v", order.Price),
		Size:       fmt.Sprintf("%v", order.Size),
		OrderType:  order.OrderType,
		Expiration: order.Expiration,
	}
}

// PostOrders places up to 15 orders in a batch.
func (c *Client) PostOrders(ctx context.Context, orders []types.UserOrder) ([]types.OrderAck, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(orders))
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post orders", "count", len(orders))
		results := make([]types.OrderAck, len(orders))
		for i := range orders {
			results[i] = types.OrderAck{Success: true, ExchangeOrderID: fmt.Sprintf("dry-run-%d", i), Status: "live"}
		}
		return results, nil
	}
	if err := c.wait(ctx, c.rl.Order); err != nil {
		return nil, err
	}

	payloads := make([]orderWirePayload, len(orders))
	for i, order := range orders {
		payloads[i] = buildOrderPayload(order)
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal orders: %w", err)
	}
	headers, err := c.authHeaders("POST", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var results []types.OrderAck
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payloads).
		SetResult(&results).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("post orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	return results, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResult, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResult{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResult{Canceled: orderIDs}, nil
	}
	if err := c.wait(ctx, c.rl.Cancel); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.authHeaders("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result types.CancelResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelAll cancels every open order across all symbols on this exchange.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResult{}, nil
	}
	if err := c.wait(ctx, c.rl.Cancel); err != nil {
		return nil, err
	}

	headers, err := c.authHeaders("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result types.CancelResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelSymbolOrders cancels all orders for a specific symbol.
func (c *Client) CancelSymbolOrders(ctx context.Context, symbol string) (*types.CancelResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel symbol orders", "symbol", symbol)
		return &types.CancelResult{}, nil
	}
	if err := c.wait(ctx, c.rl.Cancel); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"symbol":"%s"}`, symbol)
	headers, err := c.authHeaders("DELETE", "/cancel-symbol-orders", body)
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result types.CancelResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-symbol-orders")
	if err != nil {
		return nil, fmt.Errorf("cancel symbol orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel symbol orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// DeriveAPIKey derives key-auth credentials via wallet authentication, for
// venues that bootstrap REST keys from a signed message.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.WalletHeaders(0)
	if err != nil {
		return nil, fmt.Errorf("wallet headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

func (c *Client) authHeaders(method, path, body string) (map[string]string, error) {
	if c.auth.HasKeyCredentials() {
		return c.auth.KeyHeaders(method, path, body)
	}
	if c.auth.HasWalletAuth() {
		return c.auth.WalletHeaders(0)
	}
	return nil, fmt.Errorf("no credentials configured for exchange %s", c.exchange)
}
