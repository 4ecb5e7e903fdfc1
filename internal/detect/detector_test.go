package detect

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"arbridge/internal/domain"
)

type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) CurrentPrice(_ context.Context, exchange, pair string) (float64, error) {
	p, ok := f.prices[exchange+":"+pair]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return p, nil
}

type fakeBus struct {
	published [][]byte
}

func (f *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func testDetector(prices map[string]float64, cfg Config) (*Detector, *fakeBus) {
	bus := &fakeBus{}
	cfg.UserID = "u1"
	cfg.Pairs = []string{"BTCUSDT"}
	cfg.Exchanges = []string{"binance", "kucoin"}
	d := New(&fakePrices{prices: prices}, bus, cfg, slog.New(slog.DiscardHandler))
	return d, bus
}

func TestScanPublishesWhenEdgeClears(t *testing.T) {
	// kucoin 1% over binance, 20 bps estimated cost leaves 80 bps net.
	d, bus := testDetector(map[string]float64{
		"binance:BTCUSDT": 50_000,
		"kucoin:BTC-USDT": 50_500,
	}, Config{MinNetEdgeBps: 50, EstCostBps: 20, USDTToSpend: 1000})

	d.scan(context.Background())

	if len(bus.published) != 1 {
		t.Fatalf("published %d opportunities, want 1", len(bus.published))
	}
	var req opportunityRequest
	if err := json.Unmarshal(bus.published[0], &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.UserID != "u1" {
		t.Errorf("user = %q", req.UserID)
	}
	opp := req.Opportunity
	if opp.Asset != "BTC" || opp.SourceExchange != "binance" || opp.DestExchange != "kucoin" {
		t.Errorf("route = %+v", opp)
	}
	if opp.USDTToSpend != 1000 {
		t.Errorf("USDTToSpend = %v", opp.USDTToSpend)
	}
	// 100 bps gross - 20 bps cost = 80 bps on 1000 USDT.
	if opp.EstimatedNetProfit != 8 {
		t.Errorf("EstimatedNetProfit = %v, want 8", opp.EstimatedNetProfit)
	}
}

func TestScanRespectsMinEdge(t *testing.T) {
	d, bus := testDetector(map[string]float64{
		"binance:BTCUSDT": 50_000,
		"kucoin:BTC-USDT": 50_100, // 20 bps gross
	}, Config{MinNetEdgeBps: 50, EstCostBps: 20, USDTToSpend: 1000})

	d.scan(context.Background())

	if len(bus.published) != 0 {
		t.Fatalf("published %d opportunities for thin spread", len(bus.published))
	}
}

func TestScanCooldownSuppressesRepeats(t *testing.T) {
	d, bus := testDetector(map[string]float64{
		"binance:BTCUSDT": 50_000,
		"kucoin:BTC-USDT": 50_500,
	}, Config{MinNetEdgeBps: 50, EstCostBps: 20, USDTToSpend: 1000, Cooldown: 5 * time.Minute})

	now := time.Now()
	d.now = func() time.Time { return now }

	d.scan(context.Background())
	d.scan(context.Background())
	if len(bus.published) != 1 {
		t.Fatalf("published %d, want 1 inside cooldown", len(bus.published))
	}

	now = now.Add(6 * time.Minute)
	d.scan(context.Background())
	if len(bus.published) != 2 {
		t.Fatalf("published %d, want 2 after cooldown", len(bus.published))
	}
}

func TestScanSkipsUnavailableVenue(t *testing.T) {
	d, bus := testDetector(map[string]float64{
		"binance:BTCUSDT": 50_000,
	}, Config{MinNetEdgeBps: 50, USDTToSpend: 1000})

	d.scan(context.Background())

	if len(bus.published) != 0 {
		t.Fatalf("published %d with one venue dark", len(bus.published))
	}
}
