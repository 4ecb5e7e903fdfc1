package exchange

import (
	"context"
	"fmt"

	"arbridge/internal/domain"
)

// Unsupported is a fail-closed placeholder for venues that are configured
// but have no implementation yet. Every call errors; nothing is silently
// skipped, so a transfer routed to such a venue dies before money moves.
type Unsupported struct {
	Venue string
}

func (u Unsupported) Name() string { return u.Venue }

func (u Unsupported) err(op string) error {
	return fmt.Errorf("exchange: %s on %q: %w", op, u.Venue, domain.ErrVenueNotSupported)
}

func (u Unsupported) Buy(ctx context.Context, asset string, quoteAmount float64, creds domain.Credentials) (domain.BuyResult, error) {
	return domain.BuyResult{}, u.err("buy")
}

func (u Unsupported) Sell(ctx context.Context, asset string, baseAmount float64, creds domain.Credentials) (domain.SellResult, error) {
	return domain.SellResult{}, u.err("sell")
}

func (u Unsupported) Withdraw(ctx context.Context, asset string, amount float64, address string, creds domain.Credentials) (domain.WithdrawResult, error) {
	return domain.WithdrawResult{}, u.err("withdraw")
}

func (u Unsupported) CheckDeposit(ctx context.Context, asset string, creds domain.Credentials) (domain.DepositStatus, error) {
	return domain.DepositStatus{}, u.err("check deposit")
}
