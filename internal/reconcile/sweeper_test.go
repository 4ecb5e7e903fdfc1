package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"arbridge/internal/domain"
)

type fakeStore struct {
	byStatus map[domain.PositionStatus][]domain.Position
}

func (s *fakeStore) Create(ctx context.Context, p domain.Position) error { return nil }

func (s *fakeStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (s *fakeStore) GetOpen(ctx context.Context, userID, exchange string) ([]domain.Position, error) {
	return nil, nil
}

func (s *fakeStore) ListByStatus(ctx context.Context, exchange string, status domain.PositionStatus) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.byStatus[status] {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkClosing(ctx context.Context, id string) error { return nil }

func (s *fakeStore) CloseWith(ctx context.Context, id string, rec domain.PositionClose) error {
	return nil
}

func (s *fakeStore) UpdatePeakPrice(ctx context.Context, id string, price float64) error {
	return nil
}

func (s *fakeStore) ListActivePairs(ctx context.Context) ([]domain.UserExchange, error) {
	return nil, nil
}

func (s *fakeStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	return nil, nil
}

func (s *fakeStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeStrategies struct {
	exchanges []string
}

func (s *fakeStrategies) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	return domain.Strategy{}, domain.ErrNotFound
}

func (s *fakeStrategies) Upsert(ctx context.Context, st domain.Strategy) error { return nil }

func (s *fakeStrategies) ListActiveExchanges(ctx context.Context) ([]string, error) {
	return s.exchanges, nil
}

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Notify(ctx context.Context, event, title, message string) error {
	n.events = append(n.events, event)
	return nil
}

func testSweeper(store *fakeStore) (*Sweeper, time.Time) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := New(store, &fakeStrategies{exchanges: []string{"exchange-b"}}, Config{
		Interval:     10 * time.Minute,
		ClosingGrace: 5 * time.Minute,
		MaxOpenAge:   48 * time.Hour,
	}, slog.New(slog.DiscardHandler))
	s.now = func() time.Time { return now }
	return s, now
}

func closingPosition(id string, closingFor time.Duration, now time.Time) domain.Position {
	at := now.Add(-closingFor)
	return domain.Position{
		ID:        id,
		UserID:    "user-1",
		Exchange:  "exchange-b",
		Pair:      "BTCUSDT",
		Status:    domain.PositionClosing,
		EntryTime: now.Add(-2 * time.Hour),
		ClosingAt: &at,
	}
}

func agedOpenPosition(id string, age time.Duration, now time.Time) domain.Position {
	return domain.Position{
		ID:        id,
		UserID:    "user-1",
		Exchange:  "exchange-b",
		Pair:      "ETHUSDT",
		Status:    domain.PositionOpen,
		EntryTime: now.Add(-age),
	}
}

func TestSweepFlagsStuckClosing(t *testing.T) {
	store := &fakeStore{byStatus: map[domain.PositionStatus][]domain.Position{}}
	s, now := testSweeper(store)
	store.byStatus[domain.PositionClosing] = []domain.Position{
		closingPosition("pos-stuck", 10*time.Minute, now),
		closingPosition("pos-fresh", time.Minute, now),
	}

	found, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("mismatches = %d, want 1", len(found))
	}
	if found[0].Kind != MismatchStuckClosing {
		t.Errorf("kind = %s, want stuck_closing", found[0].Kind)
	}
	if found[0].Position.ID != "pos-stuck" {
		t.Errorf("flagged %s, want pos-stuck", found[0].Position.ID)
	}
}

func TestSweepFlagsOverheldOpen(t *testing.T) {
	store := &fakeStore{byStatus: map[domain.PositionStatus][]domain.Position{}}
	s, now := testSweeper(store)
	store.byStatus[domain.PositionOpen] = []domain.Position{
		agedOpenPosition("pos-old", 50*time.Hour, now),
		agedOpenPosition("pos-young", 40*time.Hour, now),
	}

	found, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("mismatches = %d, want 1", len(found))
	}
	if found[0].Kind != MismatchOverheldOpen {
		t.Errorf("kind = %s, want overheld_open", found[0].Kind)
	}
	if found[0].Position.ID != "pos-old" {
		t.Errorf("flagged %s, want pos-old", found[0].Position.ID)
	}
}

func TestSweepUsesEntryTimeWhenClosingAtMissing(t *testing.T) {
	store := &fakeStore{byStatus: map[domain.PositionStatus][]domain.Position{}}
	s, now := testSweeper(store)
	p := closingPosition("pos-legacy", time.Minute, now)
	p.ClosingAt = nil // pre-migration row; entry was 2h ago
	store.byStatus[domain.PositionClosing] = []domain.Position{p}

	found, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("mismatches = %d, want 1: entry time fallback should flag it", len(found))
	}
}

func TestSweepNotifiesPerMismatch(t *testing.T) {
	store := &fakeStore{byStatus: map[domain.PositionStatus][]domain.Position{}}
	s, now := testSweeper(store)
	notifier := &recordingNotifier{}
	s.SetNotifier(notifier)
	store.byStatus[domain.PositionClosing] = []domain.Position{
		closingPosition("pos-a", 10*time.Minute, now),
	}
	store.byStatus[domain.PositionOpen] = []domain.Position{
		agedOpenPosition("pos-b", 72*time.Hour, now),
	}

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(notifier.events) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notifier.events))
	}
}

func TestSweepReportsMismatchesAtErrorLevel(t *testing.T) {
	store := &fakeStore{byStatus: map[domain.PositionStatus][]domain.Position{}}
	s, now := testSweeper(store)

	var buf bytes.Buffer
	errorOnly := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))
	s.logger = errorOnly.With(slog.String("component", "reconcile_sweeper"))

	store.byStatus[domain.PositionClosing] = []domain.Position{
		closingPosition("pos-stuck", 10*time.Minute, now),
	}

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !strings.Contains(buf.String(), "pos-stuck") {
		t.Error("mismatch did not surface through an error-level handler")
	}
}

func TestSweepCleanStateFindsNothing(t *testing.T) {
	store := &fakeStore{byStatus: map[domain.PositionStatus][]domain.Position{}}
	s, _ := testSweeper(store)

	found, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("mismatches = %d, want 0", len(found))
	}
}
