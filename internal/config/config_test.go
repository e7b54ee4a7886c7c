package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns Defaults with the required secrets filled in.
func validConfig() Config {
	cfg := Defaults()
	cfg.Telegram.BotToken = "123:abc"
	cfg.Telegram.OwnerID = "111"
	cfg.Telegram.OwnerChatID = 111
	cfg.Feed.WsURL = "wss://feed.example/stream"
	cfg.Vault.MasterSecret = "master"
	cfg.Monitor.AccountID = "111"
	cfg.Monitor.CredentialID = "cred-1"
	return cfg
}

func TestValidateAcceptsFilledDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.LogLevel = "loud"
	cfg.Store.Backend = "scroll"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
	assert.Contains(t, err.Error(), "unknown backend")
	assert.Contains(t, err.Error(), "bot_token")
	assert.Contains(t, err.Error(), "master_secret")
}

func TestValidateRejectsOwnerWithSeparator(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.OwnerID = "user_111"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "underscores")
}

func TestValidateWebhookModeSkipsFeed(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "webhook"
	cfg.Feed.WsURL = ""
	cfg.Monitor.AccountID = ""
	cfg.Monitor.CredentialID = ""
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"
log_level = "debug"

[telegram]
bot_token = "123:abc"
owner_id = "111"
owner_chat_id = 111

[feed]
ws_url = "wss://feed.example/stream"
sources = ["tipster-a"]
reconnect_base_delay = "5s"

[vault]
master_secret = "master"

[monitor]
account_id = "111"
credential_id = "cred-1"
`), 0o600))

	t.Setenv("ODDSYNC_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("ODDSYNC_FEED_MAX_RECONNECTS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"tipster-a"}, cfg.Feed.Sources)
	assert.Equal(t, 5*time.Second, cfg.Feed.ReconnectBaseDelay.Duration)
	// Defaults survive where the file is silent.
	assert.Equal(t, 60*time.Second, cfg.Feed.ReconnectMaxDelay.Duration)
	// Env overrides win over file and defaults.
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Feed.MaxReconnects)
}
