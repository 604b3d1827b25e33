package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://api.bybit.com", cfg.Exchange.BaseURL)
	assert.Equal(t, "linear", cfg.Exchange.Category)
	assert.Equal(t, 5000, cfg.Exchange.RecvWindowMs)
	assert.Equal(t, "threshold", cfg.Strategy.Name)
	assert.Equal(t, 5, cfg.Strategy.WindowMinutes)
	assert.Equal(t, 3, cfg.Risk.Leverage)
	assert.Equal(t, 30*time.Minute, cfg.Risk.CircuitCooldown.Duration)
	assert.Equal(t, "market", cfg.Execution.EntryMode)
	assert.True(t, cfg.Execution.SoftwareStop.Enabled)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Engine.Symbols)
	assert.Equal(t, 60*time.Second, cfg.Redis.LockTTL.Duration)
	assert.False(t, cfg.Archive.Enabled)
	assert.Equal(t, 90, cfg.Archive.RetentionDays)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "monitor"
log_level = "debug"

[strategy]
name = "momentum"
window_minutes = 15

[engine]
symbols = ["SOLUSDT"]
scan_interval = "750ms"

[risk]
leverage = 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "momentum", cfg.Strategy.Name)
	assert.Equal(t, 15, cfg.Strategy.WindowMinutes)
	assert.Equal(t, []string{"SOLUSDT"}, cfg.Engine.Symbols)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.ScanInterval.Duration)
	assert.Equal(t, 10, cfg.Risk.Leverage)

	// Untouched sections keep their defaults.
	assert.Equal(t, "https://api.bybit.com", cfg.Exchange.BaseURL)
	assert.Equal(t, 0.5, cfg.Execution.TP1Part)
	assert.Equal(t, "5", cfg.Engine.KlineInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
[engine]
scan_interval = "not-a-duration"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
mode = "trade"

[exchange]
api_key = "file-key"
`)

	t.Setenv("BYBOT_EXCHANGE_API_KEY", "env-key")
	t.Setenv("BYBOT_EXCHANGE_API_SECRET", "env-secret")
	t.Setenv("BYBOT_MODE", "monitor")
	t.Setenv("BYBOT_RISK_LEVERAGE", "7")
	t.Setenv("BYBOT_RISK_RISK_USDT", "25.5")
	t.Setenv("BYBOT_POSTGRES_RUN_MIGRATIONS", "false")
	t.Setenv("BYBOT_REDIS_LOCK_TTL", "90s")
	t.Setenv("BYBOT_ENGINE_SYMBOLS", "BTCUSDT, DOGEUSDT ,XRPUSDT")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Exchange.ApiKey, "env wins over file")
	assert.Equal(t, "env-secret", cfg.Exchange.ApiSecret)
	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 7, cfg.Risk.Leverage)
	assert.Equal(t, 25.5, cfg.Risk.RiskUSDT)
	assert.False(t, cfg.Postgres.RunMigrations)
	assert.Equal(t, 90*time.Second, cfg.Redis.LockTTL.Duration)
	assert.Equal(t, []string{"BTCUSDT", "DOGEUSDT", "XRPUSDT"}, cfg.Engine.Symbols)
}

func TestEnvOverrideIgnoresMalformedValues(t *testing.T) {
	cfg := Defaults()
	t.Setenv("BYBOT_RISK_LEVERAGE", "lots")
	t.Setenv("BYBOT_REDIS_PRICE_TTL", "soon")
	applyEnvOverrides(&cfg)

	assert.Equal(t, 3, cfg.Risk.Leverage)
	assert.Equal(t, 10*time.Second, cfg.Redis.PriceTTL.Duration)
}

func TestValidateDefaultsMonitorMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	assert.NoError(t, cfg.Validate())
}

func TestValidateTradeModeRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key must be set")
	assert.Contains(t, err.Error(), "api_secret or encrypted_secret_path")

	cfg.Exchange.ApiKey = "k"
	cfg.Exchange.ApiSecret = "s"
	assert.NoError(t, cfg.Validate())
}

func TestValidateEncryptedSecretNeedsPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.ApiKey = "k"
	cfg.Exchange.EncryptedSecretPath = "/etc/bybitbot/secret.enc"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret_password is required")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	cfg.Strategy.Name = "alpha"
	cfg.Strategy.WindowMinutes = 7
	cfg.Risk.Leverage = 0
	cfg.Execution.EntryMode = "instant"
	cfg.Engine.Symbols = nil

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown name "alpha"`)
	assert.Contains(t, msg, "window_minutes must be a positive multiple of 5")
	assert.Contains(t, msg, "leverage must be >= 1")
	assert.Contains(t, msg, `unknown entry_mode "instant"`)
	assert.Contains(t, msg, "at least one symbol")
}

func TestValidateArchiveOnlyWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	cfg.Archive.Bucket = ""
	assert.NoError(t, cfg.Validate(), "disabled archive is not validated")

	cfg.Archive.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket must not be empty")
}

func TestValidateStopConfiguration(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	cfg.Execution.UseBracket = false
	cfg.Execution.SoftwareStop.Enabled = false
	cfg.Execution.ExchangeStopEnabled = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one of bracket, software stop, or exchange stop")
}

func TestValidateTakeProfitLadder(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	cfg.Execution.TP1RR = 2.0
	cfg.Execution.TP2RR = 1.0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tp2_rr > tp1_rr")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.ApiKey = "key"
	cfg.Exchange.ApiSecret = "secret"
	cfg.Postgres.Password = "pg-pass"
	cfg.Notify.TelegramToken = "123:abc"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Exchange.ApiKey)
	assert.Equal(t, "***", red.Exchange.ApiSecret)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Empty(t, red.Redis.Password, "empty secrets stay empty")

	// Original is untouched.
	assert.Equal(t, "key", cfg.Exchange.ApiKey)

	// Slice copies are independent.
	red.Engine.Symbols[0] = "mutated"
	assert.Equal(t, "BTCUSDT", cfg.Engine.Symbols[0])
}

func TestDurationRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("2m30s")))
	assert.Equal(t, 150*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("forever")))
}
