package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/oddsync/oddsync/internal/blob/s3"
	"github.com/oddsync/oddsync/internal/config"
	"github.com/oddsync/oddsync/internal/correlate"
	"github.com/oddsync/oddsync/internal/domain"
	"github.com/oddsync/oddsync/internal/session"
	"github.com/oddsync/oddsync/internal/sink"
	"github.com/oddsync/oddsync/internal/store/file"
	"github.com/oddsync/oddsync/internal/store/memory"
	"github.com/oddsync/oddsync/internal/store/postgres"
	"github.com/oddsync/oddsync/internal/store/redis"
	"github.com/oddsync/oddsync/internal/stream"
	"github.com/oddsync/oddsync/internal/telegram"
	"github.com/oddsync/oddsync/internal/vault"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Correlation store and its in-process mirror.
	Pending domain.PendingStore
	Mirror  domain.PendingStore

	// Persistence
	Credentials domain.CredentialStore
	Sessions    domain.SessionStore
	Monitors    domain.MonitorSessionStore
	Locks       domain.LockManager

	// Outbound collaborators
	Sink   domain.RecordSink
	Sender telegram.Sender

	// Blob storage (nil when S3 is disabled)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	Vault      *vault.Vault
	Manager    *session.Manager
	Correlator *correlate.Correlator
}

// streamLauncher builds a stream supervisor per session start. It is the
// production implementation of session.Launcher.
type streamLauncher struct {
	cfg    *config.Config
	store  domain.PendingStore
	mirror domain.PendingStore
	sender telegram.Sender
	logger *slog.Logger
}

// Launch builds a supervisor bound to the decrypted credentials and the
// session's event log.
func (l *streamLauncher) Launch(_ domain.Credential, secrets domain.StreamCredentials, sess *domain.Session) (session.Runner, error) {
	dialer := &stream.WSDialer{
		URL:     l.cfg.Feed.WsURL,
		Sources: l.cfg.Feed.Sources,
	}
	sup := stream.New(stream.Config{
		OwnerID:        l.cfg.Telegram.OwnerID,
		ChatID:         l.cfg.Telegram.OwnerChatID,
		AllowedSources: l.cfg.Feed.Sources,
		Reconnect: stream.ReconnectPolicy{
			MaxAttempts:        l.cfg.Feed.MaxReconnects,
			BaseDelay:          l.cfg.Feed.ReconnectBaseDelay.Duration,
			MaxDelay:           l.cfg.Feed.ReconnectMaxDelay.Duration,
			FloodWaitThreshold: l.cfg.Feed.FloodWaitThreshold.Duration,
		},
	}, secrets, dialer, l.store, l.mirror, l.sender, sess, l.logger)
	return sup, nil
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
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
	deps.Credentials = postgres.NewCredentialStore(pool)
	deps.Sessions = postgres.NewSessionStore(pool)
	deps.Monitors = postgres.NewMonitorSessionStore(pool)

	// --- Pending store ---
	switch strings.ToLower(cfg.Store.Backend) {
	case "redis":
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

		deps.Pending = redis.NewPendingStore(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
	case "file":
		// The file backend serializes per-key operations with an advisory
		// file lock, so no separate lock manager is wired.
		deps.Pending = file.NewPendingStore(cfg.Store.FilePath)
	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: unknown store backend %q", cfg.Store.Backend)
	}
	deps.Mirror = memory.NewPendingStore()

	// --- S3 blob storage (session backups, optional) ---
	if cfg.S3.Enabled {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
	}

	// --- Vault ---
	v, err := vault.New(cfg.Vault.MasterSecret)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: vault: %w", err)
	}
	deps.Vault = v

	// --- Telegram ---
	var tgOpts []telegram.Option
	if cfg.Telegram.APIBaseURL != "" {
		tgOpts = append(tgOpts, telegram.WithBaseURL(cfg.Telegram.APIBaseURL))
	}
	if cfg.Telegram.ParseMode != "" {
		tgOpts = append(tgOpts, telegram.WithParseMode(cfg.Telegram.ParseMode))
	}
	deps.Sender = telegram.NewClient(cfg.Telegram.BotToken, tgOpts...)

	// --- Record sink ---
	if cfg.Sink.URL != "" {
		deps.Sink = sink.NewHTTPSink(cfg.Sink.URL, cfg.Sink.APIKey)
	} else {
		deps.Sink = postgres.NewRecordSink(pool)
	}

	// --- Session lifecycle manager ---
	launcher := &streamLauncher{
		cfg:    cfg,
		store:  deps.Pending,
		mirror: deps.Mirror,
		sender: deps.Sender,
		logger: logger,
	}
	deps.Manager = session.NewManager(
		v,
		deps.Credentials,
		deps.Sessions,
		deps.Monitors,
		deps.Locks,
		launcher,
		deps.BlobWriter,
		deps.BlobReader,
		logger,
	)

	// --- Reply correlator ---
	deps.Correlator = correlate.New(
		cfg.Telegram.OwnerID,
		cfg.Telegram.OwnerChatID,
		deps.Pending,
		deps.Mirror,
		deps.Sink,
		deps.Sender,
		logger,
	)

	return deps, cleanup, nil
}
