package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ODDSYNC_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ODDSYNC_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Telegram ──
	setStr(&cfg.Telegram.BotToken, "ODDSYNC_TELEGRAM_BOT_TOKEN")
	setStr(&cfg.Telegram.APIBaseURL, "ODDSYNC_TELEGRAM_API_BASE_URL")
	setStr(&cfg.Telegram.OwnerID, "ODDSYNC_TELEGRAM_OWNER_ID")
	setInt64(&cfg.Telegram.OwnerChatID, "ODDSYNC_TELEGRAM_OWNER_CHAT_ID")
	setStr(&cfg.Telegram.WebhookSecret, "ODDSYNC_TELEGRAM_WEBHOOK_SECRET")
	setStr(&cfg.Telegram.ParseMode, "ODDSYNC_TELEGRAM_PARSE_MODE")

	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "ODDSYNC_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Sources, "ODDSYNC_FEED_SOURCES")
	setInt(&cfg.Feed.MaxReconnects, "ODDSYNC_FEED_MAX_RECONNECTS")
	setDuration(&cfg.Feed.ReconnectBaseDelay, "ODDSYNC_FEED_RECONNECT_BASE_DELAY")
	setDuration(&cfg.Feed.ReconnectMaxDelay, "ODDSYNC_FEED_RECONNECT_MAX_DELAY")
	setDuration(&cfg.Feed.FloodWaitThreshold, "ODDSYNC_FEED_FLOOD_WAIT_THRESHOLD")
	setDuration(&cfg.Feed.SweepInterval, "ODDSYNC_FEED_SWEEP_INTERVAL")

	// ── Store ──
	setStr(&cfg.Store.Backend, "ODDSYNC_STORE_BACKEND")
	setStr(&cfg.Store.FilePath, "ODDSYNC_STORE_FILE_PATH")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ODDSYNC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ODDSYNC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ODDSYNC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ODDSYNC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ODDSYNC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ODDSYNC_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ODDSYNC_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ODDSYNC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ODDSYNC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ODDSYNC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ODDSYNC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ODDSYNC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ODDSYNC_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ODDSYNC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ODDSYNC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ODDSYNC_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ODDSYNC_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ODDSYNC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ODDSYNC_S3_REGION")
	setStr(&cfg.S3.Bucket, "ODDSYNC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ODDSYNC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ODDSYNC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ODDSYNC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ODDSYNC_S3_FORCE_PATH_STYLE")

	// ── Sink ──
	setStr(&cfg.Sink.URL, "ODDSYNC_SINK_URL")
	setStr(&cfg.Sink.APIKey, "ODDSYNC_SINK_API_KEY")

	// ── Vault ──
	setStr(&cfg.Vault.MasterSecret, "ODDSYNC_VAULT_MASTER_SECRET")

	// ── Monitor ──
	setStr(&cfg.Monitor.AccountID, "ODDSYNC_MONITOR_ACCOUNT_ID")
	setStr(&cfg.Monitor.CredentialID, "ODDSYNC_MONITOR_CREDENTIAL_ID")
	setBool(&cfg.Monitor.AutoStart, "ODDSYNC_MONITOR_AUTO_START")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ODDSYNC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ODDSYNC_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ODDSYNC_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "ODDSYNC_SERVER_CORS_ORIGINS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ODDSYNC_MODE")
	setStr(&cfg.LogLevel, "ODDSYNC_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
