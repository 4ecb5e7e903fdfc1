// Package kucoin implements the venue adapter for KuCoin spot. Requests are
// signed with the v2 key scheme; credentials are passed per call so one
// client serves every tenant.
package kucoin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"arbridge/internal/crypto"
	"arbridge/internal/domain"
)

const (
	defaultBaseURL = "https://api.kucoin.com"
	venueName      = "kucoin"
	quoteAsset     = "USDT"
)

// Config holds the client's endpoint and pacing settings.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int
}

// Client is the KuCoin spot adapter.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger

	now func() time.Time
	// newClientOid generates the idempotency key for order placement.
	newClientOid func() string
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}

	log := logger.With(slog.String("component", "kucoin_client"))
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "kucoin-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Client{
		baseURL:      cfg.BaseURL,
		http:         &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 10),
		breaker:      breaker,
		logger:       log,
		now:          time.Now,
		newClientOid: uuid.NewString,
	}
}

func (c *Client) Name() string { return venueName }

// Buy places a market buy spending quoteAmount USDT, then fetches the fill
// detail: KuCoin's order placement only returns the order id.
func (c *Client) Buy(ctx context.Context, asset string, quoteAmount float64, creds domain.Credentials) (domain.BuyResult, error) {
	payload := map[string]string{
		"clientOid": c.newClientOid(),
		"side":      "buy",
		"symbol":    symbol(asset),
		"type":      "market",
		"funds":     formatAmount(quoteAmount),
	}
	var placed orderData
	if err := c.signedCall(ctx, http.MethodPost, "/api/v1/orders", payload, creds, &placed); err != nil {
		return domain.BuyResult{}, fmt.Errorf("kucoin: buy %s: %w", asset, err)
	}

	detail, err := c.orderDetail(ctx, placed.OrderID, creds)
	if err != nil {
		return domain.BuyResult{}, fmt.Errorf("kucoin: buy %s: %w", asset, err)
	}

	executed := parseFloat(detail.DealSize)
	cost := parseFloat(detail.DealFunds)
	result := domain.BuyResult{
		OrderID:          placed.OrderID,
		ExecutedQuantity: executed,
		TotalCost:        cost,
		Fee:              parseFloat(detail.Fee),
	}
	if executed > 0 {
		result.AveragePrice = cost / executed
	}
	return result, nil
}

// Sell places a market sell of baseAmount units of asset.
func (c *Client) Sell(ctx context.Context, asset string, baseAmount float64, creds domain.Credentials) (domain.SellResult, error) {
	payload := map[string]string{
		"clientOid": c.newClientOid(),
		"side":      "sell",
		"symbol":    symbol(asset),
		"type":      "market",
		"size":      formatAmount(baseAmount),
	}
	var placed orderData
	if err := c.signedCall(ctx, http.MethodPost, "/api/v1/orders", payload, creds, &placed); err != nil {
		return domain.SellResult{}, fmt.Errorf("kucoin: sell %s: %w", asset, err)
	}

	detail, err := c.orderDetail(ctx, placed.OrderID, creds)
	if err != nil {
		return domain.SellResult{}, fmt.Errorf("kucoin: sell %s: %w", asset, err)
	}

	executed := parseFloat(detail.DealSize)
	received := parseFloat(detail.DealFunds)
	result := domain.SellResult{
		OrderID:          placed.OrderID,
		ExecutedQuantity: executed,
		USDTReceived:     received,
		Fee:              parseFloat(detail.Fee),
	}
	if executed > 0 {
		result.AveragePrice = received / executed
	}
	return result, nil
}

// Withdraw moves amount units of asset to address.
func (c *Client) Withdraw(ctx context.Context, asset string, amount float64, address string, creds domain.Credentials) (domain.WithdrawResult, error) {
	payload := map[string]string{
		"currency": asset,
		"address":  address,
		"amount":   formatAmount(amount),
	}
	var resp withdrawalData
	if err := c.signedCall(ctx, http.MethodPost, "/api/v1/withdrawals", payload, creds, &resp); err != nil {
		return domain.WithdrawResult{}, fmt.Errorf("kucoin: withdraw %s: %w", asset, err)
	}
	if resp.WithdrawalID == "" {
		return domain.WithdrawResult{}, fmt.Errorf("kucoin: withdraw %s: no withdrawal id in response", asset)
	}
	return domain.WithdrawResult{WithdrawalID: resp.WithdrawalID}, nil
}

// CheckDeposit reports the most recent deposit of asset.
func (c *Client) CheckDeposit(ctx context.Context, asset string, creds domain.Credentials) (domain.DepositStatus, error) {
	var page depositPage
	path := "/api/v1/deposits?currency=" + asset
	if err := c.signedCall(ctx, http.MethodGet, path, nil, creds, &page); err != nil {
		return domain.DepositStatus{}, fmt.Errorf("kucoin: deposit history %s: %w", asset, err)
	}
	if len(page.Items) == 0 {
		return domain.DepositStatus{}, nil
	}

	sort.Slice(page.Items, func(i, j int) bool {
		return page.Items[i].CreatedAt > page.Items[j].CreatedAt
	})
	latest := page.Items[0]
	return domain.DepositStatus{
		Arrived: latest.Status == depositStatusSuccess,
		Amount:  parseFloat(latest.Amount),
		TxHash:  latest.WalletTxID,
	}, nil
}

// Price returns the best price for a base asset against USDT,
// unauthenticated.
func (c *Client) Price(ctx context.Context, pair string) (float64, error) {
	var data level1Data
	path := "/api/v1/market/orderbook/level1?symbol=" + pair
	if err := c.signedCall(ctx, http.MethodGet, path, nil, domain.Credentials{}, &data); err != nil {
		return 0, fmt.Errorf("kucoin: price %s: %w", pair, err)
	}
	price := parseFloat(data.Price)
	if price <= 0 {
		return 0, fmt.Errorf("kucoin: price %s: empty ticker", pair)
	}
	return price, nil
}

// orderDetail fetches the settled amounts for one order.
func (c *Client) orderDetail(ctx context.Context, orderID string, creds domain.Credentials) (orderDetail, error) {
	var detail orderDetail
	if err := c.signedCall(ctx, http.MethodGet, "/api/v1/orders/"+orderID, nil, creds, &detail); err != nil {
		return orderDetail{}, fmt.Errorf("order detail %s: %w", orderID, err)
	}
	return detail, nil
}

// signedCall signs and executes one request and unmarshals the data field of
// the response envelope into out. The signed message covers the path
// including its query string and the exact body bytes.
func (c *Client) signedCall(ctx context.Context, method, path string, payload map[string]string, creds domain.Credentials, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range crypto.KucoinHeaders(creds.APIKey, creds.APISecret, creds.Passphrase, method, path, string(body), c.now().UnixMilli()) {
		req.Header.Set(k, v)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, err := c.do(req)
	if err != nil {
		return err
	}

	var env struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != okCode {
		return &domain.VenueError{Venue: venueName, Code: env.Code, Message: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	return c.breaker.Execute(func() ([]byte, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: http 429", domain.ErrRateLimited)
		}
		// Business rejections also arrive with 4xx statuses; the envelope
		// code carries the detail either way.
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
		}
		return body, nil
	})
}

// symbol renders the KuCoin pair symbol for a base asset, e.g. BTC-USDT.
func symbol(asset string) string {
	return asset + "-" + quoteAsset
}
