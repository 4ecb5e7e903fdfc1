package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbridge/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL. Exit rules
// are stored as a JSONB document so adding a rule does not need a migration.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a new StrategyStore backed by the given pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

// GetByID returns one strategy.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	const query = `
		SELECT id, user_id, exchange, name, exit_rules, active, updated_at
		FROM strategies WHERE id = $1`

	var st domain.Strategy
	var rules []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&st.ID, &st.UserID, &st.Exchange, &st.Name, &rules, &st.Active, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	if err := json.Unmarshal(rules, &st.ExitRules); err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: decode exit rules of %s: %w", id, err)
	}
	return st, nil
}

// Upsert inserts or replaces a strategy.
func (s *StrategyStore) Upsert(ctx context.Context, st domain.Strategy) error {
	rules, err := json.Marshal(st.ExitRules)
	if err != nil {
		return fmt.Errorf("postgres: encode exit rules of %s: %w", st.ID, err)
	}

	const query = `
		INSERT INTO strategies (id, user_id, exchange, name, exit_rules, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			user_id    = EXCLUDED.user_id,
			exchange   = EXCLUDED.exchange,
			name       = EXCLUDED.name,
			exit_rules = EXCLUDED.exit_rules,
			active     = EXCLUDED.active,
			updated_at = NOW()`

	_, err = s.pool.Exec(ctx, query, st.ID, st.UserID, st.Exchange, st.Name, rules, st.Active)
	if err != nil {
		return fmt.Errorf("postgres: upsert strategy %s: %w", st.ID, err)
	}
	return nil
}

// ListActiveExchanges returns the distinct exchanges with at least one
// active strategy.
func (s *StrategyStore) ListActiveExchanges(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT exchange FROM strategies WHERE active ORDER BY exchange`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []string
	for rows.Next() {
		var exchange string
		if err := rows.Scan(&exchange); err != nil {
			return nil, fmt.Errorf("postgres: scan active exchange: %w", err)
		}
		exchanges = append(exchanges, exchange)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active exchanges rows: %w", err)
	}
	return exchanges, nil
}
