package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"arbridge/internal/domain"
	"arbridge/internal/retry"
)

type fakePositionStore struct {
	mu          sync.Mutex
	positions   map[string]*domain.Position
	markErr     error
	closeErr    error
	closeCalls  int
	peakUpdates []float64
}

func newFakePositionStore(positions ...domain.Position) *fakePositionStore {
	s := &fakePositionStore{positions: map[string]*domain.Position{}}
	for i := range positions {
		p := positions[i]
		s.positions[p.ID] = &p
	}
	return s
}

func (s *fakePositionStore) Create(ctx context.Context, p domain.Position) error { return nil }

func (s *fakePositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

func (s *fakePositionStore) GetOpen(ctx context.Context, userID, exchange string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Exchange == exchange && p.Status == domain.PositionOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListByStatus(ctx context.Context, exchange string, status domain.PositionStatus) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Exchange == exchange && p.Status == status {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) MarkClosing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	p, ok := s.positions[id]
	if !ok || p.Status != domain.PositionOpen {
		return domain.ErrNotFound
	}
	now := time.Now()
	p.Status = domain.PositionClosing
	p.ClosingAt = &now
	return nil
}

func (s *fakePositionStore) CloseWith(ctx context.Context, id string, rec domain.PositionClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closeErr != nil {
		return s.closeErr
	}
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.PositionClosing {
		return domain.ErrNotClosing
	}
	now := time.Now()
	p.Status = domain.PositionClosed
	p.ExitPrice = &rec.ExitPrice
	p.ExitFee = &rec.ExitFee
	p.ExitReason = &rec.ExitReason
	p.ExitOrderID = &rec.ExitOrderID
	p.ExitPnlUSDT = &rec.ExitPnlUSDT
	p.ExitPnlPercent = &rec.ExitPnlPercent
	p.ClosedAt = &now
	return nil
}

func (s *fakePositionStore) UpdatePeakPrice(ctx context.Context, id string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peakUpdates = append(s.peakUpdates, price)
	if p, ok := s.positions[id]; ok {
		p.PeakPrice = price
	}
	return nil
}

func (s *fakePositionStore) ListActivePairs(ctx context.Context) ([]domain.UserExchange, error) {
	return nil, nil
}

func (s *fakePositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	return nil, nil
}

func (s *fakePositionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *fakePositionStore) get(id string) domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.positions[id]
}

type fakeStrategyStore struct {
	strategies map[string]domain.Strategy
}

func (s *fakeStrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	st, ok := s.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *fakeStrategyStore) Upsert(ctx context.Context, st domain.Strategy) error { return nil }

func (s *fakeStrategyStore) ListActiveExchanges(ctx context.Context) ([]string, error) {
	return nil, nil
}

type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) CurrentPrice(ctx context.Context, exchange, pair string) (float64, error) {
	p, ok := f.prices[exchange+":"+pair]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return p, nil
}

type sellAdapter struct {
	name string

	mu         sync.Mutex
	sellCalls  int
	lastAsset  string
	lastAmount float64
	sellFn     func(asset string, amount float64) (domain.SellResult, error)
}

func (a *sellAdapter) Name() string { return a.name }

func (a *sellAdapter) Buy(ctx context.Context, asset string, quoteAmount float64, creds domain.Credentials) (domain.BuyResult, error) {
	return domain.BuyResult{}, errors.New("not used")
}

func (a *sellAdapter) Sell(ctx context.Context, asset string, baseAmount float64, creds domain.Credentials) (domain.SellResult, error) {
	a.mu.Lock()
	a.sellCalls++
	a.lastAsset = asset
	a.lastAmount = baseAmount
	a.mu.Unlock()
	if a.sellFn != nil {
		return a.sellFn(asset, baseAmount)
	}
	return domain.SellResult{OrderID: "S1", ExecutedQuantity: baseAmount, USDTReceived: baseAmount}, nil
}

func (a *sellAdapter) Withdraw(ctx context.Context, asset string, amount float64, address string, creds domain.Credentials) (domain.WithdrawResult, error) {
	return domain.WithdrawResult{}, errors.New("not used")
}

func (a *sellAdapter) CheckDeposit(ctx context.Context, asset string, creds domain.Credentials) (domain.DepositStatus, error) {
	return domain.DepositStatus{}, errors.New("not used")
}

type singleResolver struct{ adapter domain.ExchangeAdapter }

func (r singleResolver) AdapterFor(venue string) (domain.ExchangeAdapter, error) {
	if r.adapter == nil || r.adapter.Name() != venue {
		return nil, fmt.Errorf("%s: %w", venue, domain.ErrVenueNotSupported)
	}
	return r.adapter, nil
}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func openPosition(id string) domain.Position {
	return domain.Position{
		ID:             id,
		UserID:         "user-1",
		Exchange:       "exchange-b",
		Pair:           "BTCUSDT",
		StrategyID:     "strat-1",
		Status:         domain.PositionOpen,
		EntryPrice:     50000,
		EntryQuantity:  0.02,
		EntryFee:       1,
		EntryValueUSDT: 1000,
		EntryTime:      time.Now().Add(-2 * time.Hour),
		PeakPrice:      50000,
	}
}

func testMonitor(positions *fakePositionStore, strategies *fakeStrategyStore, adapter *sellAdapter, prices *fakePrices) *Monitor {
	return New(positions, strategies, singleResolver{adapter: adapter}, prices, Config{
		SellTimeout:  60 * time.Second,
		PersistRetry: fastRetry(),
	}, slog.New(slog.DiscardHandler))
}

func takeProfitStrategies() *fakeStrategyStore {
	return &fakeStrategyStore{strategies: map[string]domain.Strategy{
		"strat-1": {ID: "strat-1", ExitRules: domain.ExitRules{TakeProfitPercent: 0.05}},
	}}
}

func TestMonitorClosesPositionOnTakeProfit(t *testing.T) {
	store := newFakePositionStore(openPosition("pos-1"))
	adapter := &sellAdapter{
		name: "exchange-b",
		sellFn: func(asset string, amount float64) (domain.SellResult, error) {
			return domain.SellResult{
				OrderID:          "exit-1",
				ExecutedQuantity: amount,
				AveragePrice:     52500,
				USDTReceived:     1050,
				Fee:              1.05,
			}, nil
		},
	}
	prices := &fakePrices{prices: map[string]float64{"exchange-b:BTCUSDT": 52500}}
	m := testMonitor(store, takeProfitStrategies(), adapter, prices)

	closed, err := m.MonitorPositions(context.Background(), "user-1", "exchange-b", domain.Credentials{})
	if err != nil {
		t.Fatalf("MonitorPositions: %v", err)
	}
	if len(closed) != 1 || closed[0].ID != "pos-1" {
		t.Fatalf("closed = %v, want [pos-1]", closed)
	}

	got := store.get("pos-1")
	if got.Status != domain.PositionClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	if got.ExitReason == nil || *got.ExitReason != domain.ExitTakeProfit {
		t.Errorf("exit reason = %v, want take_profit", got.ExitReason)
	}
	if got.ExitPnlUSDT == nil || !almostEqual(*got.ExitPnlUSDT, 47.95) {
		t.Errorf("pnl = %v, want 47.95", got.ExitPnlUSDT)
	}
	if got.ExitPnlPercent == nil || !almostEqual(*got.ExitPnlPercent, 4.795) {
		t.Errorf("pnl percent = %v, want 4.795", got.ExitPnlPercent)
	}
	if adapter.lastAsset != "BTC" {
		t.Errorf("sell asset = %q, want BTC", adapter.lastAsset)
	}
	if adapter.lastAmount != 0.02 {
		t.Errorf("sell amount = %v, want the full entry quantity 0.02", adapter.lastAmount)
	}
}

func TestMonitorDoesNotSellWhenMarkClosingFails(t *testing.T) {
	store := newFakePositionStore(openPosition("pos-1"))
	store.markErr = errors.New("another worker owns it")
	adapter := &sellAdapter{name: "exchange-b"}
	prices := &fakePrices{prices: map[string]float64{"exchange-b:BTCUSDT": 60000}}
	m := testMonitor(store, takeProfitStrategies(), adapter, prices)

	_, err := m.MonitorPositions(context.Background(), "user-1", "exchange-b", domain.Credentials{})
	if err == nil {
		t.Fatal("expected error")
	}
	if adapter.sellCalls != 0 {
		t.Errorf("sell calls = %d, want 0: a failed closing marker must prevent the sell", adapter.sellCalls)
	}
}

func TestMonitorLeavesClosingWhenPersistExhausted(t *testing.T) {
	store := newFakePositionStore(openPosition("pos-1"))
	store.closeErr = errors.New("db unreachable")
	adapter := &sellAdapter{name: "exchange-b"}
	prices := &fakePrices{prices: map[string]float64{"exchange-b:BTCUSDT": 60000}}
	m := testMonitor(store, takeProfitStrategies(), adapter, prices)

	_, err := m.MonitorPositions(context.Background(), "user-1", "exchange-b", domain.Credentials{})
	if err == nil {
		t.Fatal("expected error after persistence retries are exhausted")
	}
	if store.closeCalls != 3 {
		t.Errorf("close attempts = %d, want 3", store.closeCalls)
	}
	if adapter.sellCalls != 1 {
		t.Errorf("sell calls = %d, want exactly 1: the sell must never be retried", adapter.sellCalls)
	}
	if got := store.get("pos-1"); got.Status != domain.PositionClosing {
		t.Errorf("status = %s, want closing (left for the reconciliation sweep)", got.Status)
	}
}

func TestMonitorIsolatesPerPositionFailures(t *testing.T) {
	bad := openPosition("pos-bad")
	bad.StrategyID = "missing"
	good := openPosition("pos-good")
	store := newFakePositionStore(bad, good)
	adapter := &sellAdapter{
		name: "exchange-b",
		sellFn: func(asset string, amount float64) (domain.SellResult, error) {
			return domain.SellResult{OrderID: "exit-2", ExecutedQuantity: amount, AveragePrice: 60000, USDTReceived: 1200, Fee: 1.2}, nil
		},
	}
	prices := &fakePrices{prices: map[string]float64{"exchange-b:BTCUSDT": 60000}}
	m := testMonitor(store, takeProfitStrategies(), adapter, prices)

	closed, err := m.MonitorPositions(context.Background(), "user-1", "exchange-b", domain.Credentials{})
	if err == nil {
		t.Fatal("expected the bad position's error to surface")
	}
	if !strings.Contains(err.Error(), "pos-bad") {
		t.Errorf("error should identify the failed position, got %v", err)
	}
	if len(closed) != 1 || closed[0].ID != "pos-good" {
		t.Errorf("closed = %v, want [pos-good]", closed)
	}
	if got := store.get("pos-good"); got.Status != domain.PositionClosed {
		t.Errorf("good position status = %s, want closed despite sibling failure", got.Status)
	}
}

func TestMonitorRaisesPeakBeforeEvaluating(t *testing.T) {
	pos := openPosition("pos-1")
	pos.PeakPrice = 51000
	store := newFakePositionStore(pos)
	adapter := &sellAdapter{name: "exchange-b"}
	prices := &fakePrices{prices: map[string]float64{"exchange-b:BTCUSDT": 52000}}
	strategies := &fakeStrategyStore{strategies: map[string]domain.Strategy{
		"strat-1": {ID: "strat-1", ExitRules: domain.ExitRules{TrailingStopPercent: 0.03}},
	}}
	m := testMonitor(store, strategies, adapter, prices)

	if _, err := m.MonitorPositions(context.Background(), "user-1", "exchange-b", domain.Credentials{}); err != nil {
		t.Fatalf("MonitorPositions: %v", err)
	}
	if len(store.peakUpdates) != 1 || store.peakUpdates[0] != 52000 {
		t.Errorf("peak updates = %v, want [52000]", store.peakUpdates)
	}
	if adapter.sellCalls != 0 {
		t.Errorf("sell calls = %d, want 0: a fresh high is not an exit", adapter.sellCalls)
	}
}

func TestMonitorNoOpenPositions(t *testing.T) {
	store := newFakePositionStore()
	m := testMonitor(store, takeProfitStrategies(), &sellAdapter{name: "exchange-b"}, &fakePrices{})

	closed, err := m.MonitorPositions(context.Background(), "user-1", "exchange-b", domain.Credentials{})
	if err != nil {
		t.Fatalf("MonitorPositions with no positions: %v", err)
	}
	if len(closed) != 0 {
		t.Errorf("closed = %v, want none", closed)
	}
}
