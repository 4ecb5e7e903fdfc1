// Package reconcile periodically inspects position state for records the
// normal pipelines lost track of. The sweep is advisory: it reports
// mismatches to operators and never mutates positions itself, because every
// stuck record needs a human decision about where the funds actually are.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"arbridge/internal/domain"
)

// MismatchKind classifies what the sweep found.
type MismatchKind string

const (
	// MismatchStuckClosing is a position left in closing past the grace
	// period, e.g. after a crash between sell and close persistence.
	MismatchStuckClosing MismatchKind = "stuck_closing"
	// MismatchOverheldOpen is a position open longer than any strategy
	// should ever hold, suggesting the exit monitor is not covering it.
	MismatchOverheldOpen MismatchKind = "overheld_open"
)

// Mismatch is one finding of a sweep pass.
type Mismatch struct {
	Kind     MismatchKind
	Position domain.Position
	// Stuck is how long the position has been in the offending state.
	Stuck time.Duration
}

// Notifier delivers operator alerts. Satisfied by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the sweep cadence and thresholds.
type Config struct {
	// Interval is the pause between sweep passes.
	Interval time.Duration
	// ClosingGrace is how long a position may sit in closing before it is
	// flagged; a healthy close transits the state in seconds.
	ClosingGrace time.Duration
	// MaxOpenAge flags open positions older than any sane hold time.
	MaxOpenAge time.Duration
}

// Sweeper scans all exchanges with active strategies for stuck positions.
type Sweeper struct {
	positions  domain.PositionStore
	strategies domain.StrategyStore
	notifier   Notifier          // optional
	audit      domain.AuditStore // optional
	cfg        Config
	logger     *slog.Logger

	now func() time.Time
}

// New creates a Sweeper. notifier and audit may be nil.
func New(positions domain.PositionStore, strategies domain.StrategyStore, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.ClosingGrace <= 0 {
		cfg.ClosingGrace = 5 * time.Minute
	}
	if cfg.MaxOpenAge <= 0 {
		cfg.MaxOpenAge = 48 * time.Hour
	}
	return &Sweeper{
		positions:  positions,
		strategies: strategies,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "reconcile_sweeper")),
		now:        time.Now,
	}
}

// SetNotifier enables operator alerts for findings.
func (s *Sweeper) SetNotifier(n Notifier) { s.notifier = n }

// SetAuditStore enables audit logging of findings.
func (s *Sweeper) SetAuditStore(a domain.AuditStore) { s.audit = a }

// Run sweeps on the configured interval until ctx is cancelled. The first
// pass runs immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.ErrorContext(ctx, "sweep pass failed",
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass over every exchange that has an active strategy and
// returns the mismatches found. Findings are reported as a side effect; the
// return value exists for callers that render their own report.
func (s *Sweeper) Sweep(ctx context.Context) ([]Mismatch, error) {
	exchanges, err := s.strategies.ListActiveExchanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list active exchanges: %w", err)
	}

	var found []Mismatch
	for _, exchange := range exchanges {
		mismatches, err := s.sweepExchange(ctx, exchange)
		if err != nil {
			s.logger.ErrorContext(ctx, "exchange sweep failed",
				slog.String("exchange", exchange),
				slog.String("error", err.Error()),
			)
			continue
		}
		found = append(found, mismatches...)
	}

	for _, m := range found {
		s.report(ctx, m)
	}
	s.logger.InfoContext(ctx, "sweep pass finished",
		slog.Int("exchanges", len(exchanges)),
		slog.Int("mismatches", len(found)),
	)
	return found, nil
}

// sweepExchange checks one exchange for positions stuck in closing and for
// positions held past the maximum open age.
func (s *Sweeper) sweepExchange(ctx context.Context, exchange string) ([]Mismatch, error) {
	now := s.now()
	var found []Mismatch

	closing, err := s.positions.ListByStatus(ctx, exchange, domain.PositionClosing)
	if err != nil {
		return nil, fmt.Errorf("list closing positions: %w", err)
	}
	for _, p := range closing {
		if stuck := p.ClosingFor(now); stuck > s.cfg.ClosingGrace {
			found = append(found, Mismatch{Kind: MismatchStuckClosing, Position: p, Stuck: stuck})
		}
	}

	open, err := s.positions.ListByStatus(ctx, exchange, domain.PositionOpen)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	for _, p := range open {
		if age := p.Age(now); age > s.cfg.MaxOpenAge {
			found = append(found, Mismatch{Kind: MismatchOverheldOpen, Position: p, Stuck: age})
		}
	}

	return found, nil
}

// report surfaces one mismatch through every configured channel.
func (s *Sweeper) report(ctx context.Context, m Mismatch) {
	p := m.Position
	s.logger.ErrorContext(ctx, "RECONCILIATION REQUIRED: position mismatch",
		slog.String("kind", string(m.Kind)),
		slog.String("position_id", p.ID),
		slog.String("user_id", p.UserID),
		slog.String("exchange", p.Exchange),
		slog.String("pair", p.Pair),
		slog.Duration("stuck", m.Stuck),
	)

	if s.audit != nil {
		if err := s.audit.Log(ctx, "reconcile_mismatch", map[string]any{
			"kind":        string(m.Kind),
			"position_id": p.ID,
			"user_id":     p.UserID,
			"exchange":    p.Exchange,
			"pair":        p.Pair,
			"stuck":       m.Stuck.String(),
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if s.notifier != nil {
		title := fmt.Sprintf("Position %s needs attention", p.ID)
		msg := fmt.Sprintf("%s: %s %s on %s stuck for %s (user %s)",
			m.Kind, p.Pair, p.Status, p.Exchange, m.Stuck.Round(time.Minute), p.UserID)
		if err := s.notifier.Notify(ctx, "reconcile_mismatch", title, msg); err != nil {
			s.logger.WarnContext(ctx, "mismatch notification failed",
				slog.String("error", err.Error()),
			)
		}
	}
}
