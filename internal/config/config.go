// Package config defines the top-level configuration for oddsync and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ODDSYNC_* environment variables.
type Config struct {
	Telegram TelegramConfig `toml:"telegram"`
	Feed     FeedConfig     `toml:"feed"`
	Store    StoreConfig    `toml:"store"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Sink     SinkConfig     `toml:"sink"`
	Vault    VaultConfig    `toml:"vault"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// TelegramConfig holds bot API credentials and the owner identity that
// notifications are addressed to and correlation keys are derived from.
type TelegramConfig struct {
	BotToken      string `toml:"bot_token"`
	APIBaseURL    string `toml:"api_base_url"`
	OwnerID       string `toml:"owner_id"`
	OwnerChatID   int64  `toml:"owner_chat_id"`
	WebhookSecret string `toml:"webhook_secret"`
	ParseMode     string `toml:"parse_mode"`
}

// FeedConfig holds tip stream connection and reconnect parameters.
type FeedConfig struct {
	WsURL              string   `toml:"ws_url"`
	Sources            []string `toml:"sources"`
	MaxReconnects      int      `toml:"max_reconnects"`
	ReconnectBaseDelay duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay  duration `toml:"reconnect_max_delay"`
	FloodWaitThreshold duration `toml:"flood_wait_threshold"`
	SweepInterval      duration `toml:"sweep_interval"`
}

// StoreConfig selects the pending-bet store backend.
type StoreConfig struct {
	// Backend is "redis" or "file".
	Backend string `toml:"backend"`
	// FilePath is the JSON document path for the file backend.
	FilePath string `toml:"file_path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters for session backups.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SinkConfig holds the finalized-record collector endpoint. When URL is
// empty, records are written to PostgreSQL only.
type SinkConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// VaultConfig holds the credential vault's master secret.
type VaultConfig struct {
	MasterSecret string `toml:"master_secret"`
}

// MonitorConfig selects the account+credential pair to monitor and whether
// its session starts automatically at boot.
type MonitorConfig struct {
	AccountID    string `toml:"account_id"`
	CredentialID string `toml:"credential_id"`
	AutoStart    bool   `toml:"auto_start"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Telegram: TelegramConfig{
			APIBaseURL: "https://api.telegram.org",
			ParseMode:  "HTML",
		},
		Feed: FeedConfig{
			MaxReconnects:      10,
			ReconnectBaseDelay: duration{2 * time.Second},
			ReconnectMaxDelay:  duration{60 * time.Second},
			FloodWaitThreshold: duration{30 * time.Second},
			SweepInterval:      duration{15 * time.Second},
		},
		Store: StoreConfig{
			Backend:  "redis",
			FilePath: "data/pending_bets.json",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "oddsync",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "oddsync-backups",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"webhook": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validStoreBackends enumerates the accepted pending-store backends.
var validStoreBackends = map[string]bool{
	"redis": true,
	"file":  true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, webhook, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Telegram
	if c.Telegram.BotToken == "" {
		errs = append(errs, "telegram: bot_token must not be empty")
	}
	if c.Telegram.OwnerID == "" {
		errs = append(errs, "telegram: owner_id must not be empty")
	} else if strings.Contains(c.Telegram.OwnerID, "_") {
		errs = append(errs, "telegram: owner_id must not contain underscores")
	}
	if c.Telegram.OwnerChatID == 0 {
		errs = append(errs, "telegram: owner_chat_id must be set")
	}

	// Feed, required for modes that open the stream connection.
	if c.Mode == "monitor" || c.Mode == "full" {
		if c.Feed.WsURL == "" {
			errs = append(errs, "feed: ws_url is required for mode "+c.Mode)
		}
		if c.Feed.MaxReconnects < 1 {
			errs = append(errs, "feed: max_reconnects must be >= 1")
		}
		if c.Feed.ReconnectBaseDelay.Duration <= 0 {
			errs = append(errs, "feed: reconnect_base_delay must be positive")
		}
		if c.Feed.ReconnectMaxDelay.Duration < c.Feed.ReconnectBaseDelay.Duration {
			errs = append(errs, "feed: reconnect_max_delay must not be below reconnect_base_delay")
		}
		if c.Feed.SweepInterval.Duration <= 0 {
			errs = append(errs, "feed: sweep_interval must be positive")
		}
		if c.Monitor.AccountID == "" {
			errs = append(errs, "monitor: account_id is required for mode "+c.Mode)
		}
		if c.Monitor.CredentialID == "" {
			errs = append(errs, "monitor: credential_id is required for mode "+c.Mode)
		}
	}

	// Store
	if !validStoreBackends[strings.ToLower(c.Store.Backend)] {
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: redis, file)", c.Store.Backend))
	}
	if strings.ToLower(c.Store.Backend) == "file" && c.Store.FilePath == "" {
		errs = append(errs, "store: file_path must not be empty for the file backend")
	}

	// Redis, required when it backs the pending store or the lock manager.
	if strings.ToLower(c.Store.Backend) == "redis" {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Vault
	if c.Vault.MasterSecret == "" {
		errs = append(errs, "vault: master_secret must not be empty")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	if c.Mode == "webhook" || c.Mode == "full" {
		if !c.Server.Enabled {
			errs = append(errs, "server: must be enabled for mode "+c.Mode)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
