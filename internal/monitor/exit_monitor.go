// Package monitor watches open positions and closes them when their
// strategy's exit rules fire. One monitor pass covers one (user, exchange)
// tenant; a scheduler loops passes over all active tenants.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"arbridge/internal/domain"
	"arbridge/internal/retry"
)

// PriceSource returns the current price for a trading pair on an exchange.
type PriceSource interface {
	CurrentPrice(ctx context.Context, exchange, pair string) (float64, error)
}

// Notifier delivers operator alerts. Satisfied by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the monitor's tunable budgets.
type Config struct {
	// SellTimeout bounds the exit sell call.
	SellTimeout time.Duration
	// PersistRetry governs retries of the close persistence. Persisting a
	// close is idempotent, the sell that precedes it is not.
	PersistRetry retry.Policy
}

// Monitor evaluates exit rules against live prices and executes exits.
type Monitor struct {
	positions  domain.PositionStore
	strategies domain.StrategyStore
	adapters   domain.AdapterResolver
	prices     PriceSource
	audit      domain.AuditStore // optional
	notifier   Notifier          // optional
	cfg        Config
	logger     *slog.Logger

	now func() time.Time
}

// New creates a Monitor. audit may be nil.
func New(
	positions domain.PositionStore,
	strategies domain.StrategyStore,
	adapters domain.AdapterResolver,
	prices PriceSource,
	cfg Config,
	logger *slog.Logger,
) *Monitor {
	if cfg.SellTimeout <= 0 {
		cfg.SellTimeout = 60 * time.Second
	}
	if cfg.PersistRetry.MaxAttempts == 0 {
		cfg.PersistRetry = retry.Default
	}
	return &Monitor{
		positions:  positions,
		strategies: strategies,
		adapters:   adapters,
		prices:     prices,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "exit_monitor")),
		now:        time.Now,
	}
}

// SetAuditStore enables audit logging of position exits.
func (m *Monitor) SetAuditStore(audit domain.AuditStore) { m.audit = audit }

// SetNotifier enables operator alerts for exits and unpersisted closes.
func (m *Monitor) SetNotifier(n Notifier) { m.notifier = n }

// MonitorPositions runs one evaluation pass over the open positions of one
// (user, exchange) tenant and returns the positions it closed. A failure on
// one position is logged and does not stop evaluation of the others; the
// joined error is returned for the caller to surface.
func (m *Monitor) MonitorPositions(ctx context.Context, userID, exchange string, creds domain.Credentials) ([]domain.Position, error) {
	open, err := m.positions.GetOpen(ctx, userID, exchange)
	if err != nil {
		return nil, fmt.Errorf("monitor: list open positions: %w", err)
	}
	if len(open) == 0 {
		return nil, nil
	}

	adapter, err := m.adapters.AdapterFor(exchange)
	if err != nil {
		return nil, fmt.Errorf("monitor: venue %s: %w", exchange, err)
	}

	var closed []domain.Position
	var errs []error
	for _, pos := range open {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		done, err := m.evaluate(ctx, adapter, pos, creds)
		if err != nil {
			m.logger.ErrorContext(ctx, "position evaluation failed",
				slog.String("position_id", pos.ID),
				slog.String("pair", pos.Pair),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("position %s: %w", pos.ID, err))
			continue
		}
		if done != nil {
			closed = append(closed, *done)
		}
	}
	return closed, errors.Join(errs...)
}

// evaluate checks one position against its strategy and closes it when an
// exit rule fires. It returns the closed position, or nil when no rule fired.
func (m *Monitor) evaluate(ctx context.Context, adapter domain.ExchangeAdapter, pos domain.Position, creds domain.Credentials) (*domain.Position, error) {
	strat, err := m.strategies.GetByID(ctx, pos.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("load strategy %s: %w", pos.StrategyID, err)
	}

	price, err := m.prices.CurrentPrice(ctx, pos.Exchange, pos.Pair)
	if err != nil {
		return nil, fmt.Errorf("price for %s: %w", pos.Pair, err)
	}

	// Keep the peak current before evaluating: a new high both raises the
	// trailing floor and must survive a restart.
	if price > pos.PeakPrice {
		if err := m.positions.UpdatePeakPrice(ctx, pos.ID, price); err != nil {
			m.logger.WarnContext(ctx, "peak price update failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		} else {
			pos.PeakPrice = price
		}
	}

	sig := EvaluateExit(pos, strat.ExitRules, price, m.now())
	if !sig.ShouldExit {
		return nil, nil
	}

	m.logger.InfoContext(ctx, "exit signal",
		slog.String("position_id", pos.ID),
		slog.String("pair", pos.Pair),
		slog.String("reason", string(sig.Reason)),
		slog.Float64("price", price),
		slog.Float64("entry_price", pos.EntryPrice),
	)
	return m.closePosition(ctx, adapter, pos, sig.Reason, creds)
}

// closePosition sells the position and persists the close. The closing
// marker goes down before the sell: if marking fails another actor owns the
// position and no sell happens. After a successful sell the close record
// must land; persistence is retried, and on exhaustion the position is left
// in closing for the reconciliation sweep rather than sold again.
func (m *Monitor) closePosition(ctx context.Context, adapter domain.ExchangeAdapter, pos domain.Position, reason domain.ExitReason, creds domain.Credentials) (*domain.Position, error) {
	if err := m.positions.MarkClosing(ctx, pos.ID); err != nil {
		return nil, fmt.Errorf("mark closing: %w", err)
	}

	sellCtx, cancel := context.WithTimeout(ctx, m.cfg.SellTimeout)
	sell, err := adapter.Sell(sellCtx, baseAsset(pos.Pair), pos.EntryQuantity, creds)
	cancel()
	if err != nil {
		// Sold nothing; the position stays closing and the sweep will flag
		// it if nobody retries.
		return nil, fmt.Errorf("exit sell: %w", err)
	}

	exitValue := sell.USDTReceived
	exitFee := EstimateFee(exitValue, sell.Fee)
	pnlUSDT, pnlPercent := NetPnL(pos.EntryValueUSDT, pos.EntryFee, exitValue, exitFee)

	rec := domain.PositionClose{
		ExitPrice:      sell.AveragePrice,
		ExitQuantity:   sell.ExecutedQuantity,
		ExitFee:        exitFee,
		ExitReason:     reason,
		ExitOrderID:    sell.OrderID,
		ExitPnlUSDT:    pnlUSDT,
		ExitPnlPercent: pnlPercent,
	}

	err = m.cfg.PersistRetry.Do(ctx, "persist position close", func(ctx context.Context) error {
		return m.positions.CloseWith(ctx, pos.ID, rec)
	})
	if err != nil {
		// The sell is done and cannot be replayed. Everything needed to
		// finish the close by hand is in this record.
		m.logger.ErrorContext(ctx, "RECONCILIATION REQUIRED: position sold but close not persisted",
			slog.String("position_id", pos.ID),
			slog.String("user_id", pos.UserID),
			slog.String("exchange", pos.Exchange),
			slog.String("pair", pos.Pair),
			slog.String("exit_order_id", sell.OrderID),
			slog.Float64("exit_price", sell.AveragePrice),
			slog.Float64("exit_quantity", sell.ExecutedQuantity),
			slog.Float64("usdt_received", sell.USDTReceived),
			slog.Float64("pnl_usdt", pnlUSDT),
			slog.String("error", err.Error()),
		)
		m.auditLog(ctx, "position_close_unpersisted", map[string]any{
			"position_id":   pos.ID,
			"user_id":       pos.UserID,
			"exit_order_id": sell.OrderID,
			"pnl_usdt":      pnlUSDT,
			"error":         err.Error(),
		})
		m.notify(ctx, "position_close_unpersisted",
			fmt.Sprintf("Position %s sold but close not persisted", pos.ID),
			fmt.Sprintf("%s on %s: order %s, exit price %.8f, qty %.8f, pnl %.2f USDT",
				pos.Pair, pos.Exchange, sell.OrderID, sell.AveragePrice, sell.ExecutedQuantity, pnlUSDT),
		)
		return nil, fmt.Errorf("persist close of %s: %w", pos.ID, err)
	}

	m.auditLog(ctx, "position_closed", map[string]any{
		"position_id": pos.ID,
		"user_id":     pos.UserID,
		"exchange":    pos.Exchange,
		"pair":        pos.Pair,
		"reason":      string(reason),
		"pnl_usdt":    pnlUSDT,
		"pnl_percent": pnlPercent,
	})
	m.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.String("pair", pos.Pair),
		slog.String("reason", string(reason)),
		slog.Float64("pnl_usdt", pnlUSDT),
		slog.Float64("pnl_percent", pnlPercent),
	)
	m.notify(ctx, "position_closed",
		fmt.Sprintf("Position %s closed (%s)", pos.Pair, reason),
		fmt.Sprintf("%s on %s: pnl %.2f USDT (%.2f%%)", pos.Pair, pos.Exchange, pnlUSDT, pnlPercent),
	)

	pos.Status = domain.PositionClosed
	pos.ExitPrice = &rec.ExitPrice
	pos.ExitFee = &rec.ExitFee
	pos.ExitReason = &rec.ExitReason
	pos.ExitOrderID = &rec.ExitOrderID
	pos.ExitPnlUSDT = &rec.ExitPnlUSDT
	pos.ExitPnlPercent = &rec.ExitPnlPercent
	return &pos, nil
}

func (m *Monitor) notify(ctx context.Context, event, title, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, event, title, message); err != nil {
		m.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) auditLog(ctx context.Context, event string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// baseAsset extracts the base asset from a quote-suffixed pair symbol,
// e.g. BTCUSDT -> BTC.
func baseAsset(pair string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD"} {
		if strings.HasSuffix(pair, quote) && len(pair) > len(quote) {
			return strings.TrimSuffix(pair, quote)
		}
	}
	return pair
}
