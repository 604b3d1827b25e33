package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/dkrylov/bybitbot/internal/blob/s3"
	"github.com/dkrylov/bybitbot/internal/cache/redis"
	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/crypto"
	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/notify"
	"github.com/dkrylov/bybitbot/internal/platform/bybit"
	"github.com/dkrylov/bybitbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the operating modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	Instruments domain.InstrumentStore
	Trades      domain.TradeStore
	Audits      domain.SignalAuditStore
	OIs         domain.OIStore

	// Caches
	Prices      domain.PriceCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager

	// Exchange
	Gateway *bybit.Client
	Stream  *bybit.WSClient

	// Blob storage
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Instruments = postgres.NewInstrumentStore(pool)
	deps.Trades = postgres.NewTradeStore(pool)
	deps.Audits = postgres.NewSignalStore(pool)
	deps.OIs = postgres.NewOIStore(pool)

	// --- Redis ---
	redisClient, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	priceTTL := cfg.Redis.PriceTTL.Duration
	if priceTTL <= 0 {
		priceTTL = 30 * time.Second
	}
	deps.Prices = redis.NewPriceCache(redisClient, priceTTL)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)

	// --- Exchange gateway ---
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           cfg.Exchange.ApiSecret,
		EncryptedSecretPath: cfg.Exchange.EncryptedSecretPath,
		Password:            cfg.Exchange.SecretPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: load api secret: %w", err)
	}
	auth := &crypto.HMACAuth{
		Key:          cfg.Exchange.ApiKey,
		Secret:       secret,
		RecvWindowMs: cfg.Exchange.RecvWindowMs,
	}
	deps.Gateway = bybit.NewClient(cfg.Exchange.BaseURL, cfg.Exchange.Category, auth, deps.RateLimiter, cfg.Redis.GatewayRate)
	deps.Stream = bybit.NewWSClient(cfg.Exchange.WsPublicURL, logger)

	// --- S3 blob storage (archival job) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, cfg.Archive)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.Trades,
			deps.Audits,
			cfg.Archive.RetentionDays,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
