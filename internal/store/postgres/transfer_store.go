package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbridge/internal/domain"
)

// TransferStore implements domain.TransferStore using PostgreSQL. The
// frequently-queried fields are columns; the step-by-step record and the
// typed step results are JSONB documents, since they are written as a unit
// and only ever read back whole.
type TransferStore struct {
	pool *pgxpool.Pool
}

// NewTransferStore creates a new TransferStore backed by the given pool.
func NewTransferStore(pool *pgxpool.Pool) *TransferStore {
	return &TransferStore{pool: pool}
}

// transferDoc is the JSONB payload holding everything not promoted to a
// column.
type transferDoc struct {
	Opportunity domain.Opportunity     `json:"opportunity"`
	Steps       []domain.TransferStep  `json:"steps"`
	Buy         *domain.BuyResult      `json:"buy,omitempty"`
	Withdrawal  *domain.WithdrawResult `json:"withdrawal,omitempty"`
	Deposit     *domain.DepositStatus  `json:"deposit,omitempty"`
	Sell        *domain.SellResult     `json:"sell,omitempty"`
}

func encodeDoc(t domain.Transfer) ([]byte, error) {
	return json.Marshal(transferDoc{
		Opportunity: t.Opportunity,
		Steps:       t.Steps,
		Buy:         t.Buy,
		Withdrawal:  t.Withdrawal,
		Deposit:     t.Deposit,
		Sell:        t.Sell,
	})
}

const transferSelectCols = `id, user_id, status, doc,
	actual_profit, failed_step, error,
	start_time, end_time`

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var t domain.Transfer
	var status string
	var doc []byte
	var failedStep, errMsg *string

	err := row.Scan(
		&t.ID, &t.UserID, &status, &doc,
		&t.ActualProfit, &failedStep, &errMsg,
		&t.StartTime, &t.EndTime,
	)
	if err != nil {
		return domain.Transfer{}, err
	}
	t.Status = domain.TransferStatus(status)
	if failedStep != nil {
		t.FailedStep = domain.StepName(*failedStep)
	}
	if errMsg != nil {
		t.Error = *errMsg
	}

	var d transferDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return domain.Transfer{}, fmt.Errorf("decode transfer doc: %w", err)
	}
	t.Opportunity = d.Opportunity
	t.Steps = d.Steps
	t.Buy = d.Buy
	t.Withdrawal = d.Withdrawal
	t.Deposit = d.Deposit
	t.Sell = d.Sell
	return t, nil
}

func collectTransfers(rows pgx.Rows) ([]domain.Transfer, error) {
	defer rows.Close()
	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// Create inserts the initial transfer record.
func (s *TransferStore) Create(ctx context.Context, t domain.Transfer) error {
	doc, err := encodeDoc(t)
	if err != nil {
		return fmt.Errorf("postgres: encode transfer %s: %w", t.ID, err)
	}

	const query = `
		INSERT INTO transfers (
			id, user_id, status, doc, start_time, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW())`

	_, err = s.pool.Exec(ctx, query, t.ID, t.UserID, string(t.Status), doc, t.StartTime)
	if err != nil {
		return fmt.Errorf("postgres: create transfer %s: %w", t.ID, err)
	}
	return nil
}

// Update replaces the mutable fields of a transfer.
func (s *TransferStore) Update(ctx context.Context, t domain.Transfer) error {
	doc, err := encodeDoc(t)
	if err != nil {
		return fmt.Errorf("postgres: encode transfer %s: %w", t.ID, err)
	}

	const query = `
		UPDATE transfers SET
			status        = $2,
			doc           = $3,
			actual_profit = $4,
			failed_step   = NULLIF($5, ''),
			error         = NULLIF($6, ''),
			end_time      = $7,
			updated_at    = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, string(t.Status), doc,
		t.ActualProfit, string(t.FailedStep), t.Error, t.EndTime,
	)
	if err != nil {
		return fmt.Errorf("postgres: update transfer %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one transfer.
func (s *TransferStore) GetByID(ctx context.Context, id string) (domain.Transfer, error) {
	query := `SELECT ` + transferSelectCols + ` FROM transfers WHERE id = $1`

	t, err := scanTransfer(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transfer{}, domain.ErrNotFound
		}
		return domain.Transfer{}, fmt.Errorf("postgres: get transfer %s: %w", id, err)
	}
	return t, nil
}

// ListByStatus returns transfers in the given status, newest first.
func (s *TransferStore) ListByStatus(ctx context.Context, status domain.TransferStatus, opts domain.ListOpts) ([]domain.Transfer, error) {
	query := `SELECT ` + transferSelectCols + ` FROM transfers WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND start_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND start_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY start_time DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s transfers: %w", status, err)
	}
	transfers, err := collectTransfers(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s transfers: %w", status, err)
	}
	return transfers, nil
}

// ListCompletedBefore returns completed transfers finished before the
// cutoff, oldest first; used by the cold-storage archiver.
func (s *TransferStore) ListCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transfer, error) {
	query := `SELECT ` + transferSelectCols + `
		FROM transfers
		WHERE status = $1 AND end_time < $2
		ORDER BY end_time
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, string(domain.TransferCompleted), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list completed transfers: %w", err)
	}
	transfers, err := collectTransfers(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan completed transfers: %w", err)
	}
	return transfers, nil
}

// DeleteCompletedBefore prunes completed transfers finished before the
// cutoff.
func (s *TransferStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM transfers WHERE status = $1 AND end_time < $2`

	tag, err := s.pool.Exec(ctx, query, string(domain.TransferCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete completed transfers: %w", err)
	}
	return tag.RowsAffected(), nil
}
