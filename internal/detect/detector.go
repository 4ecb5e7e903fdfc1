// Package detect scans cross-venue price spreads and publishes transfer
// opportunities for the execution engine.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"arbridge/internal/domain"
)

// PriceSource returns the current price for a trading pair on an exchange.
type PriceSource interface {
	CurrentPrice(ctx context.Context, exchange, pair string) (float64, error)
}

// Config configures the spread detector.
type Config struct {
	// UserID is the account the published opportunities execute under.
	UserID string
	// Pairs are the quote pairs to scan, e.g. BTCUSDT.
	Pairs []string
	// Exchanges are the venues to compare pairwise, e.g. binance, kucoin.
	Exchanges []string
	// Interval is the pause between scan passes.
	Interval time.Duration
	// MinNetEdgeBps is the minimum net edge, after estimated costs, for an
	// opportunity to be published.
	MinNetEdgeBps float64
	// EstCostBps approximates round-trip fees plus withdrawal cost in bps.
	EstCostBps float64
	// USDTToSpend sizes each published opportunity.
	USDTToSpend float64
	// Cooldown suppresses repeat publications for the same (asset, route).
	Cooldown time.Duration
}

// Detector compares prices across venues and publishes an opportunity when
// the spread clears the configured edge. It never executes anything itself;
// the engine owns execution.
type Detector struct {
	prices PriceSource
	bus    domain.EventBus
	cfg    Config
	logger *slog.Logger

	lastPublished map[string]time.Time
	now           func() time.Time
}

// New creates a Detector.
func New(prices PriceSource, bus domain.EventBus, cfg Config, logger *slog.Logger) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Detector{
		prices:        prices,
		bus:           bus,
		cfg:           cfg,
		logger:        logger.With(slog.String("component", "spread_detector")),
		lastPublished: make(map[string]time.Time),
		now:           time.Now,
	}
}

// opportunityRequest is the payload published to the "opportunities"
// channel. Its shape must stay in sync with the engine-side consumer.
type opportunityRequest struct {
	UserID      string             `json:"user_id"`
	Opportunity domain.Opportunity `json:"opportunity"`
}

// Run scans on a fixed cadence until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	if len(d.cfg.Pairs) == 0 || len(d.cfg.Exchanges) < 2 {
		return fmt.Errorf("detect: need at least one pair and two exchanges")
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("spread detector started",
		slog.Int("pairs", len(d.cfg.Pairs)),
		slog.Float64("min_net_edge_bps", d.cfg.MinNetEdgeBps),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

// scan runs one detection pass. Price lookup failures are logged and the
// affected route skipped; a venue outage must not stop the scan loop.
func (d *Detector) scan(ctx context.Context) {
	for _, pair := range d.cfg.Pairs {
		quotes := make(map[string]float64, len(d.cfg.Exchanges))
		for _, ex := range d.cfg.Exchanges {
			price, err := d.prices.CurrentPrice(ctx, ex, pairSymbol(ex, pair))
			if err != nil {
				d.logger.DebugContext(ctx, "price unavailable",
					slog.String("exchange", ex),
					slog.String("pair", pair),
					slog.String("error", err.Error()),
				)
				continue
			}
			quotes[ex] = price
		}

		for _, src := range d.cfg.Exchanges {
			for _, dst := range d.cfg.Exchanges {
				if src == dst {
					continue
				}
				srcPrice, ok := quotes[src]
				if !ok {
					continue
				}
				dstPrice, ok := quotes[dst]
				if !ok {
					continue
				}
				d.evaluate(ctx, pair, src, dst, srcPrice, dstPrice)
			}
		}
	}
}

// evaluate publishes an opportunity when dst trades rich enough over src.
func (d *Detector) evaluate(ctx context.Context, pair, src, dst string, srcPrice, dstPrice float64) {
	if srcPrice <= 0 || dstPrice <= 0 {
		return
	}
	grossBps := (dstPrice - srcPrice) / srcPrice * 10_000
	netBps := grossBps - d.cfg.EstCostBps
	if netBps < d.cfg.MinNetEdgeBps {
		return
	}

	asset := baseAsset(pair)
	routeKey := asset + ":" + src + ">" + dst
	if last, ok := d.lastPublished[routeKey]; ok && d.now().Sub(last) < d.cfg.Cooldown {
		return
	}

	estProfit := d.cfg.USDTToSpend * netBps / 10_000
	req := opportunityRequest{
		UserID: d.cfg.UserID,
		Opportunity: domain.Opportunity{
			Asset:              asset,
			SourceExchange:     src,
			DestExchange:       dst,
			USDTToSpend:        d.cfg.USDTToSpend,
			EstimatedNetProfit: estProfit,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, "opportunities", payload); err != nil {
		d.logger.WarnContext(ctx, "opportunity publish failed",
			slog.String("route", routeKey),
			slog.String("error", err.Error()),
		)
		return
	}

	d.lastPublished[routeKey] = d.now()
	d.logger.InfoContext(ctx, "opportunity published",
		slog.String("asset", asset),
		slog.String("source", src),
		slog.String("dest", dst),
		slog.Float64("net_edge_bps", netBps),
		slog.Float64("estimated_profit", estProfit),
	)
}

// pairSymbol renders the venue-native symbol for a canonical pair.
func pairSymbol(exchange, pair string) string {
	if exchange == "kucoin" {
		return baseAsset(pair) + "-USDT"
	}
	return pair
}

// baseAsset strips the quote suffix from a pair symbol.
func baseAsset(pair string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD"} {
		if strings.HasSuffix(pair, quote) && len(pair) > len(quote) {
			return strings.TrimSuffix(pair, quote)
		}
	}
	return pair
}
