package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// UserExchange is one (user, exchange) tenant pair with trading activity.
type UserExchange struct {
	UserID   string
	Exchange string
}

// TransferStore persists transfer records durably, including the step-by-step
// status, so the forensic record survives a crash mid-transfer.
type TransferStore interface {
	Create(ctx context.Context, t Transfer) error
	// Update replaces the mutable fields (status, steps, results, error,
	// end time) of an existing transfer.
	Update(ctx context.Context, t Transfer) error
	GetByID(ctx context.Context, id string) (Transfer, error)
	ListByStatus(ctx context.Context, status TransferStatus, opts ListOpts) ([]Transfer, error)
	ListCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Transfer, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PositionStore persists positions. Implementations must guarantee that
// MarkClosing and CloseWith are conditional on the current status (row-level
// compare-and-set) so two monitor invocations can never close the same
// position twice.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// GetOpen returns open positions for one (user, exchange) pair.
	GetOpen(ctx context.Context, userID, exchange string) ([]Position, error)
	// ListByStatus returns positions in a given status across all tenants on
	// one exchange; used by the reconciliation sweep.
	ListByStatus(ctx context.Context, exchange string, status PositionStatus) ([]Position, error)
	// MarkClosing transitions open -> closing. Returns ErrNotFound when the
	// position does not exist or is not open.
	MarkClosing(ctx context.Context, id string) error
	// CloseWith transitions closing -> closed, recording the exit economics.
	// Returns ErrNotClosing when the position is not in closing state.
	CloseWith(ctx context.Context, id string, close PositionClose) error
	// UpdatePeakPrice raises the recorded peak price for trailing stops.
	UpdatePeakPrice(ctx context.Context, id string, price float64) error
	// ListActivePairs returns the (user, exchange) pairs that currently have
	// at least one open or closing position.
	ListActivePairs(ctx context.Context) ([]UserExchange, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CredentialStore persists API credential bags encrypted at rest, keyed by
// (user, exchange). The store never sees plaintext; encryption happens in
// the service layer.
type CredentialStore interface {
	Put(ctx context.Context, userID, exchange string, encrypted []byte) error
	Get(ctx context.Context, userID, exchange string) ([]byte, error)
	Delete(ctx context.Context, userID, exchange string) error
}

// StrategyStore persists strategies and their exit rules.
type StrategyStore interface {
	GetByID(ctx context.Context, id string) (Strategy, error)
	Upsert(ctx context.Context, s Strategy) error
	// ListActiveExchanges returns the distinct exchanges that have at least
	// one active strategy; the reconciliation sweep iterates these.
	ListActiveExchanges(ctx context.Context) ([]string, error)
}

// AddressBook resolves pre-registered deposit addresses. Withdrawals are
// only ever sent to addresses registered here.
type AddressBook interface {
	DepositAddress(ctx context.Context, userID, exchange, asset string) (string, error)
	Register(ctx context.Context, userID, exchange, asset, address string) error
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// PriceCache caches the latest ticker price per (exchange, pair).
type PriceCache interface {
	SetPrice(ctx context.Context, exchange, pair string, price float64, ts time.Time) error
	// GetPrice returns ErrNotFound when no price has been cached.
	GetPrice(ctx context.Context, exchange, pair string) (float64, time.Time, error)
}

// LockManager provides distributed locks so that two engine replicas cannot
// both run a transfer for the same scope. Acquire returns ErrLockHeld when
// the lock is taken; the returned unlock function is safe to call twice.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter paces adapter calls across process instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// EventBus carries domain events (transfer requests, transfer completed,
// position closed, mismatch detected) between the service and external
// producers and consumers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of payloads published to channel. The
	// returned channel closes when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
