// Package engine implements the cross-exchange transfer-arbitrage execution
// pipeline: buy on the source venue, withdraw on-chain, wait for the deposit
// to land on the destination venue, sell, and reconcile the realized profit.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"arbridge/internal/chain"
	"arbridge/internal/domain"
)

// Config holds the engine's tunable cadences and budgets.
type Config struct {
	// DepositPollInterval is the pause between deposit-status polls.
	DepositPollInterval time.Duration
	// DepositMaxWait bounds the total wall-clock time spent waiting for a
	// deposit to arrive.
	DepositMaxWait time.Duration
	// CallTimeout bounds each individual adapter call.
	CallTimeout time.Duration
	// LockTTL is the lifetime of the distributed single-flight lock. It
	// should comfortably exceed DepositMaxWait.
	LockTTL time.Duration
}

// Confirmer reports on-chain confirmation depth for a transaction hash. It
// is an optional cross-check while a deposit is pending.
type Confirmer interface {
	Confirmations(ctx context.Context, txHash string) (uint64, error)
}

// Engine executes transfers one at a time. The single-flight guard is an
// atomic flag acquired with compare-and-swap and released by defer on every
// exit path, so a failure at any step can never leave the engine locked.
type Engine struct {
	adapters  domain.AdapterResolver
	transfers domain.TransferStore
	addresses domain.AddressBook
	locks     domain.LockManager // optional; guards across replicas
	audit     domain.AuditStore  // optional
	events    domain.EventBus    // optional
	confirmer Confirmer          // optional
	cfg       Config
	logger    *slog.Logger

	inFlight atomic.Bool

	mu      sync.Mutex
	active  *domain.Transfer
	history []*domain.Transfer

	// Injectable clock for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Engine. adapters, transfers and addresses are required;
// locks, audit and confirmer may be nil.
func New(
	adapters domain.AdapterResolver,
	transfers domain.TransferStore,
	addresses domain.AddressBook,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.DepositPollInterval <= 0 {
		cfg.DepositPollInterval = 10 * time.Second
	}
	if cfg.DepositMaxWait <= 0 {
		cfg.DepositMaxWait = time.Hour
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.DepositMaxWait + 30*time.Minute
	}
	return &Engine{
		adapters:  adapters,
		transfers: transfers,
		addresses: addresses,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "transfer_engine")),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// SetLockManager enables the distributed lock so two replicas cannot both
// run a transfer concurrently.
func (e *Engine) SetLockManager(lm domain.LockManager) { e.locks = lm }

// SetAuditStore enables audit logging of transfer lifecycle events.
func (e *Engine) SetAuditStore(audit domain.AuditStore) { e.audit = audit }

// SetConfirmer enables the on-chain confirmation cross-check during deposit
// monitoring.
func (e *Engine) SetConfirmer(c Confirmer) { e.confirmer = c }

// SetEventBus enables publishing of terminal transfer events for external
// consumers.
func (e *Engine) SetEventBus(bus domain.EventBus) { e.events = bus }

// InFlight reports whether a transfer is currently executing.
func (e *Engine) InFlight() bool { return e.inFlight.Load() }

// Active returns the currently executing transfer, or nil.
func (e *Engine) Active() *domain.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// History returns the terminal transfers recorded by this engine instance,
// oldest first. The durable record lives in the TransferStore.
func (e *Engine) History() []*domain.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.Transfer, len(e.history))
	copy(out, e.history)
	return out
}

// ExecuteTransfer runs the full five-step pipeline for one opportunity.
// A second call while one transfer is active fails immediately with
// domain.ErrTransferInFlight and touches no adapter. There is no mid-flight
// cancellation beyond ctx; once the buy is placed the pipeline runs to a
// terminal state.
//
// srcCreds authenticates against the source exchange (buy, withdraw);
// dstCreds against the destination (deposit check, sell).
func (e *Engine) ExecuteTransfer(
	ctx context.Context,
	userID string,
	opp domain.Opportunity,
	srcCreds, dstCreds domain.Credentials,
) (*domain.Transfer, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, domain.ErrTransferInFlight
	}
	defer e.inFlight.Store(false)

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "transfer-engine:"+userID, e.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return nil, domain.ErrTransferInFlight
			}
			return nil, fmt.Errorf("engine: acquire transfer lock: %w", err)
		}
		defer unlock()
	}

	// Resolve both adapters before any money moves: an unsupported
	// destination must be discovered before the buy, not after.
	src, err := e.adapters.AdapterFor(opp.SourceExchange)
	if err != nil {
		return nil, fmt.Errorf("engine: source venue %s: %w", opp.SourceExchange, err)
	}
	dst, err := e.adapters.AdapterFor(opp.DestExchange)
	if err != nil {
		return nil, fmt.Errorf("engine: destination venue %s: %w", opp.DestExchange, err)
	}

	t := domain.NewTransfer(userID, opp)
	log := e.logger.With(
		slog.String("transfer_id", t.ID),
		slog.String("user_id", userID),
		slog.String("asset", opp.Asset),
		slog.String("source", opp.SourceExchange),
		slog.String("dest", opp.DestExchange),
	)

	// The initial record must be durable before any side effect; if it is
	// not, aborting here is still safe.
	if err := e.transfers.Create(ctx, *t); err != nil {
		return nil, fmt.Errorf("engine: persist transfer record: %w", err)
	}

	e.mu.Lock()
	e.active = t
	e.mu.Unlock()
	defer e.retire(t)

	log.InfoContext(ctx, "transfer started",
		slog.Float64("usdt_to_spend", opp.USDTToSpend),
		slog.Float64("estimated_net_profit", opp.EstimatedNetProfit),
	)

	// Step 1: buy on the source exchange, sized in USDT.
	e.beginStep(ctx, t, domain.StepBuy)
	buy, err := e.callBuy(ctx, src, opp, srcCreds)
	if err != nil {
		return t, e.fail(ctx, t, domain.StepBuy, log, err)
	}
	t.Buy = &buy
	e.completeStep(ctx, t, domain.StepBuy, map[string]any{
		"order_id":          buy.OrderID,
		"executed_quantity": buy.ExecutedQuantity,
		"average_price":     buy.AveragePrice,
		"total_cost":        buy.TotalCost,
	})
	log.InfoContext(ctx, "buy filled",
		slog.String("order_id", buy.OrderID),
		slog.Float64("quantity", buy.ExecutedQuantity),
		slog.Float64("price", buy.AveragePrice),
	)

	// Step 2: withdraw the bought quantity to the pre-registered address.
	e.beginStep(ctx, t, domain.StepWithdraw)
	wd, err := e.callWithdraw(ctx, src, t, srcCreds)
	if err != nil {
		// Funds converted but not moved: the most dangerous partial state.
		e.reconciliationCandidate(ctx, t, log, "withdraw failed after buy", err)
		return t, e.fail(ctx, t, domain.StepWithdraw, log, err)
	}
	t.Withdrawal = &wd
	t.Status = domain.TransferInTransit
	e.completeStep(ctx, t, domain.StepWithdraw, map[string]any{
		"withdrawal_id": wd.WithdrawalID,
		"tx_hash":       wd.TxHash,
	})
	log.InfoContext(ctx, "withdrawal submitted",
		slog.String("withdrawal_id", wd.WithdrawalID),
		slog.String("tx_hash", wd.TxHash),
	)

	// Step 3: poll the destination until the deposit lands.
	e.beginStep(ctx, t, domain.StepMonitor)
	dep, err := e.monitorDeposit(ctx, dst, opp.Asset, dstCreds, wd.TxHash, log)
	if err != nil {
		e.reconciliationCandidate(ctx, t, log, "deposit never confirmed after withdrawal", err)
		return t, e.fail(ctx, t, domain.StepMonitor, log, err)
	}
	t.Deposit = &dep
	e.completeStep(ctx, t, domain.StepMonitor, map[string]any{
		"amount":        dep.Amount,
		"confirmations": dep.Confirmations,
		"tx_hash":       dep.TxHash,
	})
	log.InfoContext(ctx, "deposit confirmed",
		slog.Float64("amount", dep.Amount),
		slog.Int("confirmations", dep.Confirmations),
	)

	// Step 4: sell the confirmed received amount on the destination.
	e.beginStep(ctx, t, domain.StepSell)
	sell, err := e.callSell(ctx, dst, opp.Asset, dep.Amount, dstCreds)
	if err != nil {
		e.reconciliationCandidate(ctx, t, log, "sell failed with funds on destination", err)
		return t, e.fail(ctx, t, domain.StepSell, log, err)
	}
	t.Sell = &sell
	e.completeStep(ctx, t, domain.StepSell, map[string]any{
		"order_id":      sell.OrderID,
		"usdt_received": sell.USDTReceived,
	})

	// Step 5: finalize.
	profit := sell.USDTReceived - opp.USDTToSpend
	t.ActualProfit = &profit
	t.Status = domain.TransferCompleted
	end := e.now().UTC()
	t.EndTime = &end
	e.persist(ctx, t, log)

	e.auditLog(ctx, "transfer_completed", map[string]any{
		"transfer_id":   t.ID,
		"user_id":       userID,
		"asset":         opp.Asset,
		"usdt_spent":    opp.USDTToSpend,
		"usdt_received": sell.USDTReceived,
		"actual_profit": profit,
	})
	e.publish(ctx, "transfers", map[string]any{
		"event":         "transfer_completed",
		"transfer_id":   t.ID,
		"asset":         opp.Asset,
		"actual_profit": profit,
	})
	log.InfoContext(ctx, "transfer completed",
		slog.Float64("actual_profit", profit),
		slog.Duration("elapsed", end.Sub(t.StartTime)),
	)
	return t, nil
}

// callBuy runs the buy with a per-call timeout.
func (e *Engine) callBuy(ctx context.Context, src domain.ExchangeAdapter, opp domain.Opportunity, creds domain.Credentials) (domain.BuyResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return src.Buy(callCtx, opp.Asset, opp.USDTToSpend, creds)
}

// callWithdraw resolves the pre-registered deposit address and withdraws the
// exact bought quantity to it. An EVM-format address that does not parse is
// rejected here even though registration validates too: rows registered
// before validation existed must never reach the venue.
func (e *Engine) callWithdraw(ctx context.Context, src domain.ExchangeAdapter, t *domain.Transfer, creds domain.Credentials) (domain.WithdrawResult, error) {
	opp := t.Opportunity
	addr, err := e.addresses.DepositAddress(ctx, t.UserID, opp.DestExchange, opp.Asset)
	if err != nil {
		return domain.WithdrawResult{}, fmt.Errorf("resolve deposit address for %s on %s: %w", opp.Asset, opp.DestExchange, err)
	}
	if strings.HasPrefix(addr, "0x") && !chain.ValidAddress(addr) {
		return domain.WithdrawResult{}, fmt.Errorf("deposit address %q for %s on %s: %w", addr, opp.Asset, opp.DestExchange, domain.ErrInvalidAddress)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return src.Withdraw(callCtx, opp.Asset, t.Buy.ExecutedQuantity, addr, creds)
}

// callSell runs the sell with a per-call timeout.
func (e *Engine) callSell(ctx context.Context, dst domain.ExchangeAdapter, asset string, amount float64, creds domain.Credentials) (domain.SellResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return dst.Sell(callCtx, asset, amount, creds)
}

// beginStep marks a step in progress and persists the transition before the
// step runs, so a crash mid-step is visible in the durable record.
func (e *Engine) beginStep(ctx context.Context, t *domain.Transfer, name domain.StepName) {
	step := t.Step(name)
	now := e.now().UTC()
	step.Status = domain.StepInProgress
	step.StartedAt = &now
	e.persist(ctx, t, e.logger)
}

// completeStep records a successful step outcome and persists it before the
// next step begins.
func (e *Engine) completeStep(ctx context.Context, t *domain.Transfer, name domain.StepName, result map[string]any) {
	step := t.Step(name)
	now := e.now().UTC()
	step.Status = domain.StepCompleted
	step.EndedAt = &now
	step.Result = result
	e.persist(ctx, t, e.logger)
}

// fail drives the transfer to its failed terminal state, keeping all partial
// results attached. There is no rollback: there is no way to un-sell or
// un-withdraw, so recovery is manual and informed by the step record.
func (e *Engine) fail(ctx context.Context, t *domain.Transfer, name domain.StepName, log *slog.Logger, cause error) error {
	step := t.Step(name)
	now := e.now().UTC()
	step.Status = domain.StepFailed
	step.EndedAt = &now
	step.Error = cause.Error()

	t.Status = domain.TransferFailed
	t.FailedStep = name
	t.Error = cause.Error()
	t.EndTime = &now
	e.persist(ctx, t, log)

	e.auditLog(ctx, "transfer_failed", map[string]any{
		"transfer_id": t.ID,
		"user_id":     t.UserID,
		"failed_step": string(name),
		"error":       cause.Error(),
		"venue_error": domain.IsVenueError(cause),
	})
	e.publish(ctx, "transfers", map[string]any{
		"event":       "transfer_failed",
		"transfer_id": t.ID,
		"failed_step": string(name),
	})
	log.ErrorContext(ctx, "transfer failed",
		slog.String("step", string(name)),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("engine: step %s: %w", name, cause)
}

// reconciliationCandidate surfaces a partial-failure state where funds have
// left their origin: these are never swallowed and carry every identifier
// needed for manual resolution.
func (e *Engine) reconciliationCandidate(ctx context.Context, t *domain.Transfer, log *slog.Logger, what string, cause error) {
	attrs := []any{
		slog.String("transfer_id", t.ID),
		slog.String("user_id", t.UserID),
		slog.String("reason", what),
		slog.String("error", cause.Error()),
	}
	if t.Buy != nil {
		attrs = append(attrs,
			slog.String("buy_order_id", t.Buy.OrderID),
			slog.Float64("bought_quantity", t.Buy.ExecutedQuantity),
			slog.Float64("usdt_spent", t.Buy.TotalCost),
		)
	}
	if t.Withdrawal != nil {
		attrs = append(attrs,
			slog.String("withdrawal_id", t.Withdrawal.WithdrawalID),
			slog.String("tx_hash", t.Withdrawal.TxHash),
		)
	}
	log.ErrorContext(ctx, "RECONCILIATION REQUIRED: "+what, attrs...)

	e.auditLog(ctx, "transfer_reconciliation_required", map[string]any{
		"transfer_id": t.ID,
		"user_id":     t.UserID,
		"reason":      what,
		"error":       cause.Error(),
	})
}

// persist writes the current transfer state. After money has moved, a
// bookkeeping failure must not abort the pipeline; it is logged and the
// in-memory record remains authoritative for this process.
func (e *Engine) persist(ctx context.Context, t *domain.Transfer, log *slog.Logger) {
	if err := e.transfers.Update(ctx, *t); err != nil {
		log.ErrorContext(ctx, "transfer record persist failed",
			slog.String("transfer_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

// retire moves the transfer from the in-flight slot to history.
func (e *Engine) retire(t *domain.Transfer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == t {
		e.active = nil
	}
	e.history = append(e.history, t)
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publish emits a domain event on the bus; delivery is best effort.
func (e *Engine) publish(ctx context.Context, channel string, payload map[string]any) {
	if e.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := e.events.Publish(ctx, channel, data); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
