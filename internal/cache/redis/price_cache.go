package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"arbridge/internal/domain"
)

// priceTTL bounds how long a cached ticker survives without a feed update.
// A stale price must expire rather than silently drive exit decisions.
const priceTTL = 2 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes. Each
// (exchange, pair) ticker is a hash at "arbridge:price:{exchange}:{pair}"
// with fields "price" and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(exchange, pair string) string {
	return Key("price", exchange, pair)
}

// SetPrice stores the latest price and timestamp for a pair on an exchange.
func (pc *PriceCache) SetPrice(ctx context.Context, exchange, pair string, price float64, ts time.Time) error {
	key := priceKey(exchange, pair)
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}

	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s %s: %w", exchange, pair, err)
	}
	return nil
}

// GetPrice retrieves the latest cached price for a pair on an exchange. It
// returns domain.ErrNotFound when no fresh price is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, exchange, pair string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(exchange, pair)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s %s: %w", exchange, pair, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s %s: %w", exchange, pair, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s %s: %w", exchange, pair, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
