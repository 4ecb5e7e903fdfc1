package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbridge/internal/domain"
)

// CredentialStore implements domain.CredentialStore using PostgreSQL. Rows
// hold only the encrypted blob; plaintext never reaches this layer.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a new CredentialStore backed by the given pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

// Put inserts or replaces the encrypted credential bag for one tenant.
func (s *CredentialStore) Put(ctx context.Context, userID, exchange string, encrypted []byte) error {
	const query = `
		INSERT INTO credentials (user_id, exchange, encrypted, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, exchange)
		DO UPDATE SET encrypted = EXCLUDED.encrypted, updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query, userID, exchange, encrypted)
	if err != nil {
		return fmt.Errorf("postgres: put credentials for %s on %s: %w", userID, exchange, err)
	}
	return nil
}

// Get returns the encrypted credential bag for one tenant.
func (s *CredentialStore) Get(ctx context.Context, userID, exchange string) ([]byte, error) {
	const query = `SELECT encrypted FROM credentials WHERE user_id = $1 AND exchange = $2`

	var encrypted []byte
	err := s.pool.QueryRow(ctx, query, userID, exchange).Scan(&encrypted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get credentials for %s on %s: %w", userID, exchange, err)
	}
	return encrypted, nil
}

// Delete removes the credential bag for one tenant.
func (s *CredentialStore) Delete(ctx context.Context, userID, exchange string) error {
	const query = `DELETE FROM credentials WHERE user_id = $1 AND exchange = $2`

	tag, err := s.pool.Exec(ctx, query, userID, exchange)
	if err != nil {
		return fmt.Errorf("postgres: delete credentials for %s on %s: %w", userID, exchange, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
