package domain

import (
	"context"
	"errors"
	"fmt"
)

// Credentials is a decrypted API credential bag for one (user, exchange)
// pair. Passphrase is only set for venues that require it (e.g. KuCoin, OKX).
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Redacted returns a loggable representation that never exposes secrets.
func (c Credentials) Redacted() string {
	key := c.APIKey
	if len(key) > 4 {
		key = key[:4] + "****"
	}
	return fmt.Sprintf("Credentials{key=%s}", key)
}

// BuyResult is the outcome of a market buy sized in quote currency.
type BuyResult struct {
	OrderID          string  `json:"order_id"`
	ExecutedQuantity float64 `json:"executed_quantity"`
	AveragePrice     float64 `json:"average_price"`
	TotalCost        float64 `json:"total_cost"`
	Fee              float64 `json:"fee"`
}

// SellResult is the outcome of a market sell sized in base currency.
type SellResult struct {
	OrderID          string  `json:"order_id"`
	ExecutedQuantity float64 `json:"executed_quantity"`
	AveragePrice     float64 `json:"average_price"`
	USDTReceived     float64 `json:"usdt_received"`
	Fee              float64 `json:"fee"`
}

// WithdrawResult identifies an on-chain withdrawal. TxHash may be empty when
// the venue only returns an internal withdrawal id; it can be resolved later.
type WithdrawResult struct {
	WithdrawalID string `json:"withdrawal_id"`
	TxHash       string `json:"tx_hash,omitempty"`
}

// DepositStatus reports whether a pending deposit has landed on the
// destination exchange. Amount may be smaller than the withdrawn amount
// because of network fees.
type DepositStatus struct {
	Arrived       bool    `json:"arrived"`
	Amount        float64 `json:"amount"`
	Confirmations int     `json:"confirmations"`
	TxHash        string  `json:"tx_hash,omitempty"`
}

// ExchangeAdapter is the capability contract every venue integration must
// satisfy. Implementations are stateless with respect to users: credentials
// are passed per call, so one adapter instance serves all tenants.
//
// Calls may fail with a transport error (network/HTTP) or a *VenueError when
// the exchange rejects the request. Adapters for venues that are not yet
// implemented must fail closed with ErrVenueNotSupported rather than no-op.
type ExchangeAdapter interface {
	// Name returns the venue identifier, e.g. "binance".
	Name() string
	// Buy places a market buy for asset, spending quoteAmount USDT.
	Buy(ctx context.Context, asset string, quoteAmount float64, creds Credentials) (BuyResult, error)
	// Sell places a market sell for baseAmount units of asset.
	Sell(ctx context.Context, asset string, baseAmount float64, creds Credentials) (SellResult, error)
	// Withdraw moves amount units of asset to the given deposit address.
	Withdraw(ctx context.Context, asset string, amount float64, address string, creds Credentials) (WithdrawResult, error)
	// CheckDeposit queries the most recent deposit of asset for arrival.
	CheckDeposit(ctx context.Context, asset string, creds Credentials) (DepositStatus, error)
}

// AdapterResolver resolves a venue name to its adapter. The engine depends on
// this interface only, never on concrete venue types.
type AdapterResolver interface {
	AdapterFor(venue string) (ExchangeAdapter, error)
}

// VenueError is a business rejection reported by an exchange (insufficient
// balance, invalid address, rate limit, ...). It is distinguished from
// transport errors so diagnostics keep the venue's own message, but the
// engine treats both uniformly as step failure.
type VenueError struct {
	Venue   string
	Code    string
	Message string
}

func (e *VenueError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code %s)", e.Venue, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Venue, e.Message)
}

// IsVenueError reports whether err is a venue business rejection.
func IsVenueError(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve)
}
