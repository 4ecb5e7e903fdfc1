// Package feed streams live ticker prices into the price cache so exit
// evaluation reads fresh marks without hitting venue REST limits.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"arbridge/internal/domain"
)

const (
	defaultStreamURL = "wss://stream.binance.com:9443/stream"

	// pongWait is the time allowed between server pings before the
	// connection is considered dead.
	pongWait = 60 * time.Second

	// reconnectDelay is the base delay before reconnecting.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// streamMessage is the combined-stream envelope.
type streamMessage struct {
	Stream string     `json:"stream"`
	Data   miniTicker `json:"data"`
}

// miniTicker is the payload of the <symbol>@miniTicker stream.
type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"` // Unix millis
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

// BinanceFeed subscribes to Binance miniTicker streams and writes every tick
// into the price cache. It reconnects with exponential backoff until its
// context is cancelled.
type BinanceFeed struct {
	streamURL string
	exchange  string
	pairs     []string
	cache     domain.PriceCache
	logger    *slog.Logger
}

// NewBinanceFeed creates a feed for the given pair symbols (e.g. BTCUSDT).
// streamURL may be empty to use the production endpoint.
func NewBinanceFeed(streamURL string, pairs []string, cache domain.PriceCache, logger *slog.Logger) *BinanceFeed {
	if streamURL == "" {
		streamURL = defaultStreamURL
	}
	return &BinanceFeed{
		streamURL: streamURL,
		exchange:  "binance",
		pairs:     pairs,
		cache:     cache,
		logger:    logger.With(slog.String("component", "binance_feed")),
	}
}

// Run connects and pumps ticks until ctx is cancelled.
func (f *BinanceFeed) Run(ctx context.Context) error {
	if len(f.pairs) == 0 {
		return fmt.Errorf("feed: no pairs configured")
	}

	delay := reconnectDelay
	for {
		err := f.connectAndPump(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.WarnContext(ctx, "feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *BinanceFeed) connectAndPump(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url(), nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	// Close the socket when ctx dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	f.logger.InfoContext(ctx, "feed connected",
		slog.Int("pairs", len(f.pairs)),
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		pair, price, ts, ok := parseTick(data)
		if !ok {
			continue
		}
		if err := f.cache.SetPrice(ctx, f.exchange, pair, price, ts); err != nil {
			f.logger.WarnContext(ctx, "price cache write failed",
				slog.String("pair", pair),
				slog.String("error", err.Error()),
			)
		}
	}
}

// url renders the combined-stream URL for all configured pairs.
func (f *BinanceFeed) url() string {
	streams := make([]string, 0, len(f.pairs))
	for _, p := range f.pairs {
		streams = append(streams, strings.ToLower(p)+"@miniTicker")
	}
	return f.streamURL + "?streams=" + strings.Join(streams, "/")
}

// parseTick extracts (pair, price, ts) from one combined-stream message.
// Non-ticker messages and unparsable prices are skipped, not fatal.
func parseTick(data []byte) (pair string, price float64, ts time.Time, ok bool) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", 0, time.Time{}, false
	}
	if msg.Data.Symbol == "" {
		return "", 0, time.Time{}, false
	}
	p, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
	if err != nil || p <= 0 {
		return "", 0, time.Time{}, false
	}
	ts = time.UnixMilli(msg.Data.EventTime)
	if msg.Data.EventTime == 0 {
		ts = time.Now()
	}
	return msg.Data.Symbol, p, ts, true
}
