package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"arbridge/internal/detect"
	"arbridge/internal/domain"
	"arbridge/internal/engine"
	"arbridge/internal/feed"
	"arbridge/internal/monitor"
	"arbridge/internal/notify"
	"arbridge/internal/reconcile"
	"arbridge/internal/retry"
)

// transferRequest is the payload consumed from the "opportunities" channel.
// An upstream detector publishes these; the engine executes them.
type transferRequest struct {
	UserID      string             `json:"user_id"`
	Opportunity domain.Opportunity `json:"opportunity"`
}

// transferRateLimit caps how many transfers one user may start per hour
// across all replicas.
const transferRateLimit = 10

// EngineMode consumes transfer opportunities from the event bus and executes
// them one at a time.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")
	return a.runEngine(ctx, deps)
}

// MonitorMode runs the position exit monitor and the price feed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, deps)
	g.Go(func() error { return a.runMonitor(ctx, deps) })
	return g.Wait()
}

// SweepMode runs only the reconciliation sweep.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")
	return a.buildSweeper(deps).Run(ctx)
}

// ArchiveMode periodically exports settled records to cold storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	return a.runArchiver(ctx, deps)
}

// FullMode runs every subsystem: engine consumer, exit monitor, price feed,
// reconciliation sweep, and the archiver when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runEngine(ctx, deps) })
	a.startFeed(ctx, g, deps)
	a.startDetector(ctx, g, deps)
	g.Go(func() error { return a.runMonitor(ctx, deps) })
	g.Go(func() error { return a.buildSweeper(deps).Run(ctx) })
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error { return a.runArchiver(ctx, deps) })
	}
	return g.Wait()
}

// buildEngine assembles the transfer engine with every optional collaborator
// that is wired.
func (a *App) buildEngine(deps *Dependencies) *engine.Engine {
	eng := engine.New(deps.Adapters, deps.TransferStore, deps.AddressBook, engine.Config{
		DepositPollInterval: a.cfg.Engine.DepositPollInterval.Duration,
		DepositMaxWait:      a.cfg.Engine.DepositMaxWait.Duration,
		CallTimeout:         a.cfg.Engine.CallTimeout.Duration,
		LockTTL:             a.cfg.Engine.LockTTL.Duration,
	}, a.logger)
	eng.SetLockManager(deps.LockManager)
	eng.SetAuditStore(deps.AuditStore)
	eng.SetEventBus(deps.EventBus)
	if deps.Confirmer != nil {
		eng.SetConfirmer(deps.Confirmer)
	}
	return eng
}

// runEngine subscribes to the opportunities channel and executes each
// request through the engine. Malformed or rate-limited requests are logged
// and skipped; the consumer only stops when ctx is cancelled.
func (a *App) runEngine(ctx context.Context, deps *Dependencies) error {
	eng := a.buildEngine(deps)

	requests, err := deps.EventBus.Subscribe(ctx, "opportunities")
	if err != nil {
		return fmt.Errorf("app: subscribe opportunities: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-requests:
			if !ok {
				return ctx.Err()
			}
			a.handleTransferRequest(ctx, deps, eng, payload)
		}
	}
}

func (a *App) handleTransferRequest(ctx context.Context, deps *Dependencies, eng *engine.Engine, payload []byte) {
	var req transferRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		a.logger.WarnContext(ctx, "malformed transfer request",
			slog.String("error", err.Error()),
		)
		return
	}
	if req.UserID == "" || req.Opportunity.Asset == "" {
		a.logger.WarnContext(ctx, "incomplete transfer request dropped")
		return
	}

	allowed, err := deps.RateLimiter.Allow(ctx, "transfer:"+req.UserID, transferRateLimit, time.Hour)
	if err != nil {
		a.logger.WarnContext(ctx, "rate limiter unavailable, refusing transfer",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !allowed {
		a.logger.WarnContext(ctx, "transfer rate limit hit",
			slog.String("user_id", req.UserID),
		)
		return
	}

	srcCreds, err := deps.Credentials.Load(ctx, req.UserID, req.Opportunity.SourceExchange)
	if err != nil {
		a.logger.ErrorContext(ctx, "source credentials unavailable",
			slog.String("user_id", req.UserID),
			slog.String("exchange", req.Opportunity.SourceExchange),
			slog.String("error", err.Error()),
		)
		return
	}
	dstCreds, err := deps.Credentials.Load(ctx, req.UserID, req.Opportunity.DestExchange)
	if err != nil {
		a.logger.ErrorContext(ctx, "destination credentials unavailable",
			slog.String("user_id", req.UserID),
			slog.String("exchange", req.Opportunity.DestExchange),
			slog.String("error", err.Error()),
		)
		return
	}

	t, err := eng.ExecuteTransfer(ctx, req.UserID, req.Opportunity, srcCreds, dstCreds)
	switch {
	case errors.Is(err, domain.ErrTransferInFlight):
		a.logger.WarnContext(ctx, "transfer skipped, one already in flight",
			slog.String("user_id", req.UserID),
		)
	case err != nil:
		id := ""
		if t != nil {
			id = t.ID
		}
		_ = deps.Notifier.Notify(ctx, notify.EventTransferFailed,
			"Transfer failed",
			fmt.Sprintf("transfer %s for user %s: %v", id, req.UserID, err),
		)
	default:
		profit := 0.0
		if t.ActualProfit != nil {
			profit = *t.ActualProfit
		}
		_ = deps.Notifier.Notify(ctx, notify.EventTransferCompleted,
			"Transfer completed",
			fmt.Sprintf("transfer %s realized %.2f USDT", t.ID, profit),
		)
	}
}

// startFeed launches the websocket price feed when enabled.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Feed.Enabled {
		return
	}
	f := feed.NewBinanceFeed(a.cfg.Feed.StreamURL, a.cfg.Feed.Pairs, deps.PriceCache, a.logger)
	g.Go(func() error { return f.Run(ctx) })
}

// startDetector launches the spread detector when enabled.
func (a *App) startDetector(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Detect.Enabled {
		return
	}
	d := detect.New(deps.Prices, deps.EventBus, detect.Config{
		UserID:        a.cfg.Detect.UserID,
		Pairs:         a.cfg.Detect.Pairs,
		Exchanges:     a.cfg.Detect.Exchanges,
		Interval:      a.cfg.Detect.Interval.Duration,
		MinNetEdgeBps: a.cfg.Detect.MinNetEdgeBps,
		EstCostBps:    a.cfg.Detect.EstCostBps,
		USDTToSpend:   a.cfg.Detect.USDTToSpend,
		Cooldown:      a.cfg.Detect.Cooldown.Duration,
	}, a.logger)
	g.Go(func() error { return d.Run(ctx) })
}

// runMonitor periodically evaluates exit rules for every (user, exchange)
// pair with open positions. Per-pair failures are logged, not fatal.
func (a *App) runMonitor(ctx context.Context, deps *Dependencies) error {
	mon := monitor.New(
		deps.PositionStore,
		deps.StrategyStore,
		deps.Adapters,
		deps.Prices,
		monitor.Config{
			SellTimeout:  a.cfg.Monitor.SellTimeout.Duration,
			PersistRetry: retry.Default,
		},
		a.logger,
	)
	mon.SetAuditStore(deps.AuditStore)
	mon.SetNotifier(deps.Notifier)

	ticker := time.NewTicker(a.cfg.Monitor.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.monitorPass(ctx, deps, mon)
		}
	}
}

func (a *App) monitorPass(ctx context.Context, deps *Dependencies, mon *monitor.Monitor) {
	pairs, err := deps.PositionStore.ListActivePairs(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "list active pairs failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, pair := range pairs {
		creds, err := deps.Credentials.Load(ctx, pair.UserID, pair.Exchange)
		if err != nil {
			a.logger.ErrorContext(ctx, "credentials unavailable, positions unmonitored",
				slog.String("user_id", pair.UserID),
				slog.String("exchange", pair.Exchange),
				slog.String("error", err.Error()),
			)
			continue
		}
		closed, err := mon.MonitorPositions(ctx, pair.UserID, pair.Exchange, creds)
		if err != nil {
			a.logger.ErrorContext(ctx, "monitor pass failed",
				slog.String("user_id", pair.UserID),
				slog.String("exchange", pair.Exchange),
				slog.String("error", err.Error()),
			)
		}
		if len(closed) > 0 {
			a.logger.InfoContext(ctx, "monitor pass closed positions",
				slog.String("user_id", pair.UserID),
				slog.String("exchange", pair.Exchange),
				slog.Int("closed", len(closed)),
			)
		}
	}
}

// buildSweeper assembles the reconciliation sweeper.
func (a *App) buildSweeper(deps *Dependencies) *reconcile.Sweeper {
	s := reconcile.New(deps.PositionStore, deps.StrategyStore, reconcile.Config{
		Interval:     a.cfg.Reconcile.Interval.Duration,
		ClosingGrace: a.cfg.Reconcile.ClosingGrace.Duration,
		MaxOpenAge:   a.cfg.Reconcile.MaxOpenAge.Duration,
	}, a.logger)
	s.SetNotifier(deps.Notifier)
	s.SetAuditStore(deps.AuditStore)
	return s
}

// runArchiver exports settled records on a fixed cadence, pruning the
// archived rows only when explicitly enabled.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("app: archive mode requires s3 configuration")
	}

	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
			if _, err := deps.Archiver.ArchivePositions(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "position archive failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if _, err := deps.Archiver.ArchiveTransfers(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "transfer archive failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if a.cfg.Archive.Prune {
				if _, _, err := deps.Archiver.Prune(ctx, cutoff); err != nil {
					a.logger.ErrorContext(ctx, "prune failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
