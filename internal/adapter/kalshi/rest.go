package kalshi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/caesar-terminal/courtside/internal/engine"
	"github.com/caesar-terminal/courtside/internal/logging"
)

const maxResponseBytes = 1 << 20

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second; <= 0 disables limiting
	RateBurst int
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kalshi: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Market is the subset of market fields the worker reads.
type Market struct {
	Ticker    string `json:"ticker"`
	Status    string `json:"status"`
	Result    string `json:"result"`
	YesBid    int    `json:"yes_bid"`
	YesAsk    int    `json:"yes_ask"`
	LastPrice int    `json:"last_price"`
}

// Client is a signed, rate-limited REST client for the trading API.
type Client struct {
	base     string
	basePath string
	http     *http.Client
	signer   Signer
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *zap.Logger
}

// NewClient creates a Client. BaseURL includes the API prefix, e.g.
// https://api.elections.kalshi.com/trade-api/v2.
func NewClient(cfg ClientConfig, s Signer, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("kalshi: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	logger = logging.OrNop(logger)
	return &Client{
		base:     u.String(),
		basePath: u.Path,
		http:     &http.Client{},
		signer:   s,
		limiter:  limiter,
		timeout:  cfg.Timeout,
		logger:   logger.Named("kalshi.rest"),
	}, nil
}

// Market fetches GET /markets/{ticker}.
func (c *Client) Market(ctx context.Context, ticker string) (Market, error) {
	var resp struct {
		Market Market `json:"market"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(ticker), nil, &resp); err != nil {
		return Market{}, err
	}
	return resp.Market, nil
}

// MarketStatus returns the lower-cased lifecycle status of a market.
func (c *Client) MarketStatus(ctx context.Context, ticker string) (string, error) {
	m, err := c.Market(ctx, ticker)
	if err != nil {
		return "", err
	}
	return strings.ToLower(m.Status), nil
}

// Balance returns the available balance in cents.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var resp struct {
		Balance *int64 `json:"balance"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/portfolio/balance", nil, &resp); err != nil {
		return 0, err
	}
	if resp.Balance == nil {
		return 0, fmt.Errorf("kalshi: balance missing from response")
	}
	return *resp.Balance, nil
}

type rawOrder struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	YesPrice       int    `json:"yes_price"`
	TakerFillCount int    `json:"taker_fill_count"`
	TakerFillCost  int    `json:"taker_fill_cost"`
}

// PlaceOrder submits POST /portfolio/orders.
func (c *Client) PlaceOrder(ctx context.Context, req engine.OrderRequest) (engine.OrderAck, error) {
	var resp struct {
		Order rawOrder `json:"order"`
	}
	raw, err := c.do(ctx, http.MethodPost, "/portfolio/orders", req, &resp)
	if err != nil {
		return engine.OrderAck{Raw: raw}, err
	}

	ack := engine.OrderAck{
		OrderID:     resp.Order.OrderID,
		Status:      resp.Order.Status,
		FilledCount: resp.Order.TakerFillCount,
		Raw:         raw,
	}
	if resp.Order.TakerFillCount > 0 && resp.Order.TakerFillCost > 0 {
		ack.FillPriceCents = resp.Order.TakerFillCost / resp.Order.TakerFillCount
	}
	c.logger.Info("order accepted",
		zap.String("ticker", req.Ticker),
		zap.String("action", req.Action),
		zap.Int("count", req.Count),
		zap.Int("yes_price", req.YesPrice),
		zap.String("order_id", ack.OrderID))
	return ack, nil
}

// do performs one signed request and decodes a 2xx body into out. The raw
// body is returned in every case where one was read.
func (c *Client) do(ctx context.Context, method, route string, body, out any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("kalshi: rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("kalshi: encode body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+route, rdr)
	if err != nil {
		return nil, fmt.Errorf("kalshi: build request: %w", err)
	}
	headers, err := AuthHeaders(c.signer, method, c.basePath+route)
	if err != nil {
		return nil, err
	}
	req.Header = headers
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kalshi: %s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("kalshi: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data, &APIError{Method: method, Path: route, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return data, fmt.Errorf("kalshi: decode %s: %w", route, err)
		}
	}
	return data, nil
}
