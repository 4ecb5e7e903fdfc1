package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"arbridge/internal/domain"
)

// Quoter fetches a spot price for a pair directly from one venue's REST API.
type Quoter interface {
	Price(ctx context.Context, pair string) (float64, error)
}

// PriceService answers price lookups cache-first. The websocket feed keeps
// the cache warm; when a cached price is missing or stale the service falls
// back to the venue's REST ticker and writes the result back.
type PriceService struct {
	cache      domain.PriceCache
	quoters    map[string]Quoter
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewPriceService creates a PriceService. quoters maps venue name to its REST
// ticker client. staleAfter bounds how old a cached price may be before the
// REST fallback is used; zero means 30 seconds.
func NewPriceService(cache domain.PriceCache, quoters map[string]Quoter, staleAfter time.Duration, logger *slog.Logger) *PriceService {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &PriceService{
		cache:      cache,
		quoters:    quoters,
		staleAfter: staleAfter,
		logger:     logger.With(slog.String("component", "price_service")),
		now:        time.Now,
	}
}

// CurrentPrice returns the freshest known price for (exchange, pair).
func (s *PriceService) CurrentPrice(ctx context.Context, exchange, pair string) (float64, error) {
	price, ts, err := s.cache.GetPrice(ctx, exchange, pair)
	if err == nil && s.now().Sub(ts) <= s.staleAfter {
		return price, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "price cache read failed",
			slog.String("exchange", exchange),
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
	}

	q, ok := s.quoters[exchange]
	if !ok {
		if err == nil {
			// Stale but present beats nothing when no quoter exists.
			return price, nil
		}
		return 0, fmt.Errorf("price_service: no quoter for %q: %w", exchange, domain.ErrNotFound)
	}

	fresh, err := q.Price(ctx, pair)
	if err != nil {
		return 0, fmt.Errorf("price_service: quote %s %s: %w", exchange, pair, err)
	}

	if cacheErr := s.cache.SetPrice(ctx, exchange, pair, fresh, s.now()); cacheErr != nil {
		s.logger.WarnContext(ctx, "price cache write failed",
			slog.String("exchange", exchange),
			slog.String("pair", pair),
			slog.String("error", cacheErr.Error()),
		)
	}
	return fresh, nil
}
