package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbridge/internal/chain"
	"arbridge/internal/domain"
)

// AddressStore implements domain.AddressBook using PostgreSQL. Withdrawals
// only ever go to addresses registered here, so a compromised opportunity
// feed cannot redirect funds.
type AddressStore struct {
	pool *pgxpool.Pool
}

// NewAddressStore creates a new AddressStore backed by the given pool.
func NewAddressStore(pool *pgxpool.Pool) *AddressStore {
	return &AddressStore{pool: pool}
}

// DepositAddress returns the registered deposit address for an asset on an
// exchange.
func (s *AddressStore) DepositAddress(ctx context.Context, userID, exchange, asset string) (string, error) {
	const query = `
		SELECT address FROM deposit_addresses
		WHERE user_id = $1 AND exchange = $2 AND asset = $3`

	var address string
	err := s.pool.QueryRow(ctx, query, userID, exchange, asset).Scan(&address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("no deposit address for %s on %s: %w", asset, exchange, domain.ErrNotFound)
		}
		return "", fmt.Errorf("postgres: get deposit address: %w", err)
	}
	return address, nil
}

// Register inserts or replaces the deposit address for one (user, exchange,
// asset) triple. EVM-format addresses must parse; other formats are stored
// as given since the venue validates them on withdrawal.
func (s *AddressStore) Register(ctx context.Context, userID, exchange, asset, address string) error {
	if strings.HasPrefix(address, "0x") && !chain.ValidAddress(address) {
		return fmt.Errorf("postgres: register deposit address %q: %w", address, domain.ErrInvalidAddress)
	}

	const query = `
		INSERT INTO deposit_addresses (user_id, exchange, asset, address, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, exchange, asset)
		DO UPDATE SET address = EXCLUDED.address, updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query, userID, exchange, asset, address)
	if err != nil {
		return fmt.Errorf("postgres: register deposit address: %w", err)
	}
	return nil
}
