package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbridge/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. The status
// transitions are row-level compare-and-set: MarkClosing and CloseWith carry
// the expected current status in their WHERE clause, so a concurrent second
// closer loses the race at the database instead of double-selling.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, user_id, exchange, pair, strategy_id, status,
	entry_price, entry_quantity, entry_fee, entry_value_usdt, entry_time,
	peak_price, closing_at,
	exit_price, exit_fee, exit_reason, exit_order_id,
	exit_pnl_usdt, exit_pnl_percent, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	var exitReason *string

	err := row.Scan(
		&p.ID, &p.UserID, &p.Exchange, &p.Pair, &p.StrategyID, &status,
		&p.EntryPrice, &p.EntryQuantity, &p.EntryFee, &p.EntryValueUSDT, &p.EntryTime,
		&p.PeakPrice, &p.ClosingAt,
		&p.ExitPrice, &p.ExitFee, &exitReason, &p.ExitOrderID,
		&p.ExitPnlUSDT, &p.ExitPnlPercent, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	if exitReason != nil {
		reason := domain.ExitReason(*exitReason)
		p.ExitReason = &reason
	}
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new open position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, user_id, exchange, pair, strategy_id, status,
			entry_price, entry_quantity, entry_fee, entry_value_usdt, entry_time,
			peak_price, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.Exchange, p.Pair, p.StrategyID, string(p.Status),
		p.EntryPrice, p.EntryQuantity, p.EntryFee, p.EntryValueUSDT, p.EntryTime,
		p.PeakPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns the open positions of one (user, exchange) pair.
func (s *PositionStore) GetOpen(ctx context.Context, userID, exchange string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions
		WHERE user_id = $1 AND exchange = $2 AND status = $3
		ORDER BY entry_time`

	rows, err := s.pool.Query(ctx, query, userID, exchange, string(domain.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListByStatus returns all positions on one exchange in the given status.
func (s *PositionStore) ListByStatus(ctx context.Context, exchange string, status domain.PositionStatus) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions
		WHERE exchange = $1 AND status = $2
		ORDER BY entry_time`

	rows, err := s.pool.Query(ctx, query, exchange, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s positions: %w", status, err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s positions: %w", status, err)
	}
	return positions, nil
}

// MarkClosing transitions open -> closing. The WHERE clause enforces the
// precondition; zero rows affected means the position was not open.
func (s *PositionStore) MarkClosing(ctx context.Context, id string) error {
	const query = `
		UPDATE positions SET status = $2, closing_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3`

	tag, err := s.pool.Exec(ctx, query, id, string(domain.PositionClosing), string(domain.PositionOpen))
	if err != nil {
		return fmt.Errorf("postgres: mark position %s closing: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CloseWith transitions closing -> closed, recording the exit economics.
func (s *PositionStore) CloseWith(ctx context.Context, id string, rec domain.PositionClose) error {
	const query = `
		UPDATE positions SET
			status           = $2,
			exit_price       = $3,
			exit_fee         = $4,
			exit_reason      = $5,
			exit_order_id    = $6,
			exit_pnl_usdt    = $7,
			exit_pnl_percent = $8,
			closed_at        = NOW(),
			updated_at       = NOW()
		WHERE id = $1 AND status = $9`

	tag, err := s.pool.Exec(ctx, query,
		id, string(domain.PositionClosed),
		rec.ExitPrice, rec.ExitFee, string(rec.ExitReason), rec.ExitOrderID,
		rec.ExitPnlUSDT, rec.ExitPnlPercent,
		string(domain.PositionClosing),
	)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotClosing
	}
	return nil
}

// UpdatePeakPrice raises the recorded peak; GREATEST keeps it monotonic even
// when two monitor passes race.
func (s *PositionStore) UpdatePeakPrice(ctx context.Context, id string, price float64) error {
	const query = `
		UPDATE positions SET peak_price = GREATEST(peak_price, $2), updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, price)
	if err != nil {
		return fmt.Errorf("postgres: update peak price of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListActivePairs returns the (user, exchange) pairs with open or closing
// positions.
func (s *PositionStore) ListActivePairs(ctx context.Context) ([]domain.UserExchange, error) {
	const query = `
		SELECT DISTINCT user_id, exchange FROM positions
		WHERE status IN ($1, $2)
		ORDER BY user_id, exchange`

	rows, err := s.pool.Query(ctx, query, string(domain.PositionOpen), string(domain.PositionClosing))
	if err != nil {
		return nil, fmt.Errorf("postgres: list active pairs: %w", err)
	}
	defer rows.Close()

	var pairs []domain.UserExchange
	for rows.Next() {
		var ue domain.UserExchange
		if err := rows.Scan(&ue.UserID, &ue.Exchange); err != nil {
			return nil, fmt.Errorf("postgres: scan active pair: %w", err)
		}
		pairs = append(pairs, ue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active pairs rows: %w", err)
	}
	return pairs, nil
}

// ListClosedBefore returns closed positions older than the cutoff, oldest
// first; used by the cold-storage archiver.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions
		WHERE status = $1 AND closed_at < $2
		ORDER BY closed_at
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, string(domain.PositionClosed), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// DeleteClosedBefore prunes closed positions older than the cutoff.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM positions WHERE status = $1 AND closed_at < $2`

	tag, err := s.pool.Exec(ctx, query, string(domain.PositionClosed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}
