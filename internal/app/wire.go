package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/poolsniper/internal/blob/s3"
	"github.com/alanyoungcy/poolsniper/internal/cache/redis"
	"github.com/alanyoungcy/poolsniper/internal/config"
	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/ledger"
	"github.com/alanyoungcy/poolsniper/internal/notify"
	"github.com/alanyoungcy/poolsniper/internal/store/postgres"
	"github.com/alanyoungcy/poolsniper/internal/store/sqlite"
)

// Dependencies bundles the infrastructure the modes need. Optional backends
// are nil when not configured. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	Ledger domain.LedgerStore
	// Durable is true when the ledger survives a restart, which makes
	// startup recovery meaningful.
	Durable bool

	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	Archiver *s3blob.LedgerArchiver
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

	// --- Trade ledger ---
	store, closeLedger, err := openLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, closeLedger)
	deps.Ledger = store
	deps.Durable = cfg.Ledger.Driver != config.LedgerMemory

	// --- Redis (optional) ---
	if cfg.Redis.Addr != "" {
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

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		logger.InfoContext(ctx, "redis connected", slog.String("addr", cfg.Redis.Addr))
	}

	// --- S3 archive (optional) ---
	if cfg.S3.Bucket != "" {
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
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable, archive uploads may fail",
				slog.String("bucket", cfg.S3.Bucket),
				slog.String("error", err.Error()),
			)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Ledger, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	closers = append(closers, deps.Notifier.Wait)

	return deps, cleanup, nil
}

// openLedger opens the configured trade ledger backend.
func openLedger(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (domain.LedgerStore, func(), error) {
	switch cfg.Driver {
	case config.LedgerPostgres:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.DatabaseURL,
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		if cfg.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				pgClient.Close()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		logger.InfoContext(ctx, "ledger: postgres")
		return postgres.NewLedgerStore(pgClient.Pool()), pgClient.Close, nil

	case config.LedgerSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		logger.InfoContext(ctx, "ledger: sqlite", slog.String("path", cfg.SQLitePath))
		return store, func() { _ = store.Close() }, nil

	default:
		logger.InfoContext(ctx, "ledger: in-memory, attempts are lost on restart")
		return ledger.NewMemory(), func() {}, nil
	}
}
