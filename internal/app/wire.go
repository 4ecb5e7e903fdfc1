package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "arbridge/internal/blob/s3"
	"arbridge/internal/cache/redis"
	"arbridge/internal/chain"
	"arbridge/internal/config"
	"arbridge/internal/domain"
	"arbridge/internal/exchange"
	"arbridge/internal/exchange/binance"
	"arbridge/internal/exchange/kucoin"
	"arbridge/internal/notify"
	"arbridge/internal/service"
	"arbridge/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	TransferStore   domain.TransferStore
	PositionStore   domain.PositionStore
	StrategyStore   domain.StrategyStore
	CredentialStore domain.CredentialStore
	AddressBook     domain.AddressBook
	AuditStore      domain.AuditStore

	// Caches and coordination
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Venue adapters
	Adapters *exchange.Registry
	Quoters  map[string]service.Quoter

	// On-chain confirmation cross-check (nil when no RPC URL configured)
	Confirmer *chain.Confirmer

	// Blob storage (nil unless the mode needs it)
	Archiver *s3blob.Archiver

	// Services
	Credentials *service.CredentialService
	Prices      *service.PriceService

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that require object storage.
func needsS3(cfg *config.Config) bool {
	if !cfg.Archive.Enabled {
		return false
	}
	switch cfg.Mode {
	case "archive", "full":
		return true
	default:
		return false
	}
}

// needsCredentials returns true for modes that decrypt API credential bags.
func needsCredentials(mode string) bool {
	switch mode {
	case "engine", "monitor", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.TransferStore = postgres.NewTransferStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.StrategyStore = postgres.NewStrategyStore(pool)
	deps.CredentialStore = postgres.NewCredentialStore(pool)
	deps.AddressBook = postgres.NewAddressStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)

	// --- Venue adapters ---
	deps.Quoters = make(map[string]service.Quoter)
	var adapters []domain.ExchangeAdapter
	if cfg.Binance.Enabled {
		client := binance.New(binance.Config{
			BaseURL:           cfg.Binance.BaseURL,
			Timeout:           cfg.Binance.Timeout.Duration,
			RequestsPerMinute: cfg.Binance.RequestsPerMinute,
		}, logger)
		adapters = append(adapters, client)
		deps.Quoters["binance"] = client
	}
	if cfg.Kucoin.Enabled {
		client := kucoin.New(kucoin.Config{
			BaseURL:           cfg.Kucoin.BaseURL,
			Timeout:           cfg.Kucoin.Timeout.Duration,
			RequestsPerMinute: cfg.Kucoin.RequestsPerMinute,
		}, logger)
		adapters = append(adapters, client)
		deps.Quoters["kucoin"] = client
	}
	deps.Adapters = exchange.NewRegistry(adapters...)

	// --- On-chain confirmer (optional) ---
	if cfg.Chain.RPCURL != "" {
		confirmer, err := chain.Dial(ctx, cfg.Chain.RPCURL, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain rpc: %w", err)
		}
		closers = append(closers, confirmer.Close)
		deps.Confirmer = confirmer
	}

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(writer, reader, deps.PositionStore, deps.TransferStore, logger)
		deps.Archiver.SetAuditStore(deps.AuditStore)
	}

	// --- Services ---
	if needsCredentials(cfg.Mode) {
		credSvc, err := service.NewCredentialService(deps.CredentialStore, cfg.Credentials.MasterPassword, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: credential service: %w", err)
		}
		credSvc.SetAuditStore(deps.AuditStore)
		deps.Credentials = credSvc
	}
	deps.Prices = service.NewPriceService(deps.PriceCache, deps.Quoters, cfg.Monitor.PriceStaleAfter.Duration, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
