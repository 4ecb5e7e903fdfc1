// Package binance implements the venue adapter for Binance spot. All signed
// calls use the account's HMAC key pair passed per request; one client
// instance serves every tenant.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"arbridge/internal/crypto"
	"arbridge/internal/domain"
)

const (
	defaultBaseURL = "https://api.binance.com"
	venueName      = "binance"
	quoteAsset     = "USDT"
	recvWindowMS   = "5000"
)

// Config holds the client's endpoint and pacing settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerMinute paces signed calls below the account rate limit.
	RequestsPerMinute int
}

// Client is the Binance spot adapter. Requests flow through a client-side
// rate limiter and a circuit breaker so a venue outage degrades to fast
// failures instead of piling up blocked calls.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger

	now func() time.Time
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
		cfg.RequestsPerMinute = 1200
	}

	log := logger.With(slog.String("component", "binance_client"))
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "binance-rest",
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
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 10),
		breaker: breaker,
		logger:  log,
		now:     time.Now,
	}
}

func (c *Client) Name() string { return venueName }

// Buy places a market buy for asset, spending quoteAmount USDT.
func (c *Client) Buy(ctx context.Context, asset string, quoteAmount float64, creds domain.Credentials) (domain.BuyResult, error) {
	params := url.Values{}
	params.Set("symbol", asset+quoteAsset)
	params.Set("side", "BUY")
	params.Set("type", "MARKET")
	params.Set("quoteOrderQty", formatAmount(quoteAmount))
	params.Set("newOrderRespType", "FULL")

	body, err := c.signedCall(ctx, http.MethodPost, "/api/v3/order", params, creds)
	if err != nil {
		return domain.BuyResult{}, fmt.Errorf("binance: buy %s: %w", asset, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.BuyResult{}, fmt.Errorf("binance: decode buy response: %w", err)
	}
	if resp.OrderID == 0 {
		return domain.BuyResult{}, fmt.Errorf("binance: buy %s: no order id in response", asset)
	}

	executed := parseFloat(resp.ExecutedQty)
	cost := parseFloat(resp.CumulativeQuote)
	result := domain.BuyResult{
		OrderID:          strconv.FormatInt(resp.OrderID, 10),
		ExecutedQuantity: executed,
		TotalCost:        cost,
		Fee:              quoteFees(resp.Fills),
	}
	if executed > 0 {
		result.AveragePrice = cost / executed
	}
	return result, nil
}

// Sell places a market sell for baseAmount units of asset.
func (c *Client) Sell(ctx context.Context, asset string, baseAmount float64, creds domain.Credentials) (domain.SellResult, error) {
	params := url.Values{}
	params.Set("symbol", asset+quoteAsset)
	params.Set("side", "SELL")
	params.Set("type", "MARKET")
	params.Set("quantity", formatAmount(baseAmount))
	params.Set("newOrderRespType", "FULL")

	body, err := c.signedCall(ctx, http.MethodPost, "/api/v3/order", params, creds)
	if err != nil {
		return domain.SellResult{}, fmt.Errorf("binance: sell %s: %w", asset, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SellResult{}, fmt.Errorf("binance: decode sell response: %w", err)
	}
	if resp.OrderID == 0 {
		return domain.SellResult{}, fmt.Errorf("binance: sell %s: no order id in response", asset)
	}

	executed := parseFloat(resp.ExecutedQty)
	received := parseFloat(resp.CumulativeQuote)
	result := domain.SellResult{
		OrderID:          strconv.FormatInt(resp.OrderID, 10),
		ExecutedQuantity: executed,
		USDTReceived:     received,
		Fee:              quoteFees(resp.Fills),
	}
	if executed > 0 {
		result.AveragePrice = received / executed
	}
	return result, nil
}

// Withdraw moves amount units of asset to address. Binance only returns an
// internal withdrawal id here; the tx hash appears later in the withdrawal
// history once broadcast.
func (c *Client) Withdraw(ctx context.Context, asset string, amount float64, address string, creds domain.Credentials) (domain.WithdrawResult, error) {
	params := url.Values{}
	params.Set("coin", asset)
	params.Set("address", address)
	params.Set("amount", formatAmount(amount))

	body, err := c.signedCall(ctx, http.MethodPost, "/sapi/v1/capital/withdraw/apply", params, creds)
	if err != nil {
		return domain.WithdrawResult{}, fmt.Errorf("binance: withdraw %s: %w", asset, err)
	}

	var resp withdrawResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.WithdrawResult{}, fmt.Errorf("binance: decode withdraw response: %w", err)
	}
	if resp.ID == "" {
		return domain.WithdrawResult{}, fmt.Errorf("binance: withdraw %s: no withdrawal id in response", asset)
	}
	return domain.WithdrawResult{WithdrawalID: resp.ID}, nil
}

// CheckDeposit reports the most recent deposit of asset. Arrived means the
// venue has credited the funds, not merely seen the transaction.
func (c *Client) CheckDeposit(ctx context.Context, asset string, creds domain.Credentials) (domain.DepositStatus, error) {
	params := url.Values{}
	params.Set("coin", asset)

	body, err := c.signedCall(ctx, http.MethodGet, "/sapi/v1/capital/deposit/hisrec", params, creds)
	if err != nil {
		return domain.DepositStatus{}, fmt.Errorf("binance: deposit history %s: %w", asset, err)
	}

	var records []depositRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return domain.DepositStatus{}, fmt.Errorf("binance: decode deposit history: %w", err)
	}
	if len(records) == 0 {
		return domain.DepositStatus{}, nil
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].InsertTime > records[j].InsertTime
	})
	latest := records[0]
	return domain.DepositStatus{
		Arrived:       latest.Status == depositStatusSuccess,
		Amount:        parseFloat(latest.Amount),
		Confirmations: latest.confirmations(),
		TxHash:        latest.TxID,
	}, nil
}

// Price returns the last traded price for a pair symbol, unauthenticated.
func (c *Client) Price(ctx context.Context, pair string) (float64, error) {
	endpoint := c.baseURL + "/api/v3/ticker/price?symbol=" + url.QueryEscape(pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("binance: build price request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return 0, fmt.Errorf("binance: price %s: %w", pair, err)
	}
	var resp tickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("binance: decode price response: %w", err)
	}
	price := parseFloat(resp.Price)
	if price <= 0 {
		return 0, fmt.Errorf("binance: price %s: empty ticker", pair)
	}
	return price, nil
}

// signedCall signs params with the per-tenant secret and executes the
// request. Signed parameters travel in the query string for GET and POST
// alike; the body stays empty.
func (c *Client) signedCall(ctx context.Context, method, path string, params url.Values, creds domain.Credentials) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindowMS)

	query := params.Encode()
	signature := crypto.SignQueryHex(creds.APISecret, query)
	endpoint := c.baseURL + path + "?" + query + "&signature=" + signature

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	return c.do(req)
}

// do paces, breaks, executes, and maps venue rejections to VenueError.
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
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			var apiErr apiError
			if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
				return nil, &domain.VenueError{
					Venue:   venueName,
					Code:    strconv.Itoa(apiErr.Code),
					Message: apiErr.Msg,
				}
			}
			return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
		}
		return body, nil
	})
}

// quoteFees sums the commissions charged in the quote asset. Commissions in
// other assets (e.g. BNB) are not comparable and are left to the estimate
// fallback downstream.
func quoteFees(fills []fill) float64 {
	var total float64
	for _, f := range fills {
		if f.CommissionAsset == quoteAsset {
			total += parseFloat(f.Commission)
		}
	}
	return total
}
