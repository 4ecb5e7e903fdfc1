package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"arbridge/internal/domain"
)

func depositEngine(t *testing.T, dst *fakeAdapter, cfg Config) (*Engine, *fakeClock) {
	t.Helper()
	resolver := &fakeResolver{adapters: map[string]domain.ExchangeAdapter{dst.name: dst}}
	e := New(resolver, &fakeTransferStore{}, &fakeAddressBook{addr: "0x2222222222222222222222222222222222222222"}, cfg, testLogger())
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e.now = clock.Now
	e.sleep = clock.Sleep
	return e, clock
}

func TestWaitForDepositArrivesAfterFourPolls(t *testing.T) {
	dst := &fakeAdapter{
		name: "exchange-b",
		depositFn: func(call int) (domain.DepositStatus, error) {
			if call < 4 {
				return domain.DepositStatus{Arrived: false, Confirmations: call - 1}, nil
			}
			return domain.DepositStatus{Arrived: true, Amount: 0.0199, Confirmations: 3, TxHash: "0xabc"}, nil
		},
	}
	e, clock := depositEngine(t, dst, Config{
		DepositPollInterval: 10 * time.Second,
		DepositMaxWait:      3600 * time.Second,
	})
	start := clock.Now()

	dep, err := e.WaitForDeposit(context.Background(), "exchange-b", "BTC", domain.Credentials{}, "0xabc")
	if err != nil {
		t.Fatalf("WaitForDeposit: %v", err)
	}
	if dep.Amount != 0.0199 {
		t.Errorf("amount = %v, want 0.0199", dep.Amount)
	}
	_, _, polls, _ := dst.calls()
	if polls != 4 {
		t.Errorf("polls = %d, want exactly 4", polls)
	}
	// Three not-arrived polls cost three sleeps; the arriving poll returns
	// immediately without sleeping.
	if elapsed := clock.Now().Sub(start); elapsed != 30*time.Second {
		t.Errorf("elapsed = %s, want 30s", elapsed)
	}
}

func TestWaitForDepositTimesOut(t *testing.T) {
	dst := &fakeAdapter{
		name: "exchange-b",
		depositFn: func(call int) (domain.DepositStatus, error) {
			return domain.DepositStatus{Arrived: false}, nil
		},
	}
	e, _ := depositEngine(t, dst, Config{
		DepositPollInterval: 10 * time.Second,
		DepositMaxWait:      60 * time.Second,
	})

	_, err := e.WaitForDeposit(context.Background(), "exchange-b", "BTC", domain.Credentials{}, "0xabc")
	if !errors.Is(err, domain.ErrDepositTimeout) {
		t.Fatalf("error = %v, want ErrDepositTimeout", err)
	}
	_, _, polls, _ := dst.calls()
	// Polls at t=0,10,...,60: the poll at the deadline still runs, then the
	// budget check fires.
	if polls != 7 {
		t.Errorf("polls = %d, want 7", polls)
	}
}

func TestWaitForDepositRetriesPollErrors(t *testing.T) {
	dst := &fakeAdapter{
		name: "exchange-b",
		depositFn: func(call int) (domain.DepositStatus, error) {
			if call <= 2 {
				return domain.DepositStatus{}, errors.New("502 bad gateway")
			}
			return domain.DepositStatus{Arrived: true, Amount: 1.5, Confirmations: 12}, nil
		},
	}
	e, _ := depositEngine(t, dst, Config{
		DepositPollInterval: 10 * time.Second,
		DepositMaxWait:      3600 * time.Second,
	})

	dep, err := e.WaitForDeposit(context.Background(), "exchange-b", "ETH", domain.Credentials{}, "")
	if err != nil {
		t.Fatalf("transient poll errors should be retried, got %v", err)
	}
	if dep.Amount != 1.5 {
		t.Errorf("amount = %v, want 1.5", dep.Amount)
	}
	_, _, polls, _ := dst.calls()
	if polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
}

func TestWaitForDepositStopsOnContextCancel(t *testing.T) {
	dst := &fakeAdapter{
		name: "exchange-b",
		depositFn: func(call int) (domain.DepositStatus, error) {
			return domain.DepositStatus{Arrived: false}, nil
		},
	}
	e, _ := depositEngine(t, dst, Config{
		DepositPollInterval: 10 * time.Second,
		DepositMaxWait:      3600 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.WaitForDeposit(ctx, "exchange-b", "BTC", domain.Credentials{}, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestWaitForDepositUnknownVenue(t *testing.T) {
	dst := &fakeAdapter{name: "exchange-b"}
	e, _ := depositEngine(t, dst, Config{})

	_, err := e.WaitForDeposit(context.Background(), "exchange-x", "BTC", domain.Credentials{}, "")
	if !errors.Is(err, domain.ErrVenueNotSupported) {
		t.Fatalf("error = %v, want ErrVenueNotSupported", err)
	}
}
