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
// built-in defaults, applies BYBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known BYBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.ApiKey, "BYBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "BYBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "BYBOT_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "BYBOT_EXCHANGE_SECRET_PASSWORD")
	setStr(&cfg.Exchange.BaseURL, "BYBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WsPublicURL, "BYBOT_EXCHANGE_WS_PUBLIC_URL")
	setInt(&cfg.Exchange.RecvWindowMs, "BYBOT_EXCHANGE_RECV_WINDOW_MS")
	setStr(&cfg.Exchange.Category, "BYBOT_EXCHANGE_CATEGORY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BYBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BYBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BYBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BYBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BYBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BYBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BYBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BYBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BYBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BYBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BYBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BYBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BYBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BYBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BYBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BYBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceTTL, "BYBOT_REDIS_PRICE_TTL")
	setStr(&cfg.Redis.LockKey, "BYBOT_REDIS_LOCK_KEY")
	setDuration(&cfg.Redis.LockTTL, "BYBOT_REDIS_LOCK_TTL")
	setInt(&cfg.Redis.GatewayRate, "BYBOT_REDIS_GATEWAY_RATE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BYBOT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "BYBOT_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "BYBOT_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "BYBOT_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "BYBOT_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "BYBOT_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.UseSSL, "BYBOT_ARCHIVE_USE_SSL")
	setBool(&cfg.Archive.ForcePathStyle, "BYBOT_ARCHIVE_FORCE_PATH_STYLE")
	setInt(&cfg.Archive.RetentionDays, "BYBOT_ARCHIVE_RETENTION_DAYS")

	// ── Strategy ──
	setStr(&cfg.Strategy.Name, "BYBOT_STRATEGY_NAME")
	setInt(&cfg.Strategy.WindowMinutes, "BYBOT_STRATEGY_WINDOW_MINUTES")
	setFloat64(&cfg.Strategy.StopLossPct, "BYBOT_STRATEGY_STOP_LOSS_PCT")
	setInt(&cfg.Strategy.RSIPeriod, "BYBOT_STRATEGY_RSI_PERIOD")
	setFloat64(&cfg.Strategy.RSIOverbought, "BYBOT_STRATEGY_RSI_OVERBOUGHT")
	setFloat64(&cfg.Strategy.LiquidityFloorUSDT, "BYBOT_STRATEGY_LIQUIDITY_FLOOR_USDT")
	setFloat64(&cfg.Strategy.Threshold.PriceChangeThresholdPct, "BYBOT_STRATEGY_THRESHOLD_PRICE_CHANGE_PCT")
	setFloat64(&cfg.Strategy.Threshold.OIChangeThresholdPct, "BYBOT_STRATEGY_THRESHOLD_OI_CHANGE_PCT")
	setFloat64(&cfg.Strategy.Threshold.BreakoutThresholdPct, "BYBOT_STRATEGY_THRESHOLD_BREAKOUT_PCT")
	setInt(&cfg.Strategy.Threshold.MinUniqueOIBars, "BYBOT_STRATEGY_THRESHOLD_MIN_UNIQUE_OI_BARS")
	setFloat64(&cfg.Strategy.Momentum.MinGradientPct, "BYBOT_STRATEGY_MOMENTUM_MIN_GRADIENT_PCT")
	setInt(&cfg.Strategy.Momentum.ConfirmBars, "BYBOT_STRATEGY_MOMENTUM_CONFIRM_BARS")
	setDuration(&cfg.Strategy.Momentum.VetoCooldown, "BYBOT_STRATEGY_MOMENTUM_VETO_COOLDOWN")
	setBool(&cfg.Strategy.Scalp.TestMode, "BYBOT_STRATEGY_SCALP_TEST_MODE")

	// ── Risk ──
	setFloat64(&cfg.Risk.RiskUSDT, "BYBOT_RISK_RISK_USDT")
	setFloat64(&cfg.Risk.BaseNotionalUSDT, "BYBOT_RISK_BASE_NOTIONAL_USDT")
	setInt(&cfg.Risk.Leverage, "BYBOT_RISK_LEVERAGE")
	setFloat64(&cfg.Risk.MaxPositionPct, "BYBOT_RISK_MAX_POSITION_PCT")
	setFloat64(&cfg.Risk.DailyLossLimitPct, "BYBOT_RISK_DAILY_LOSS_LIMIT_PCT")
	setFloat64(&cfg.Risk.FeeRate, "BYBOT_RISK_FEE_RATE")
	setInt(&cfg.Risk.MaxConsecutiveLosses, "BYBOT_RISK_MAX_CONSECUTIVE_LOSSES")
	setDuration(&cfg.Risk.CircuitCooldown, "BYBOT_RISK_CIRCUIT_COOLDOWN")
	setInt(&cfg.Risk.MaxOpenPositions, "BYBOT_RISK_MAX_OPEN_POSITIONS")
	setBool(&cfg.Risk.LossStreakGuard, "BYBOT_RISK_LOSS_STREAK_GUARD")

	// ── Execution ──
	setStr(&cfg.Execution.EntryMode, "BYBOT_EXECUTION_ENTRY_MODE")
	setFloat64(&cfg.Execution.LimitOffsetPct, "BYBOT_EXECUTION_LIMIT_OFFSET_PCT")
	setDuration(&cfg.Execution.LimitWait, "BYBOT_EXECUTION_LIMIT_WAIT")
	setBool(&cfg.Execution.UseBracket, "BYBOT_EXECUTION_USE_BRACKET")
	setFloat64(&cfg.Execution.TP1RR, "BYBOT_EXECUTION_TP1_RR")
	setFloat64(&cfg.Execution.TP2RR, "BYBOT_EXECUTION_TP2_RR")
	setFloat64(&cfg.Execution.TP1Part, "BYBOT_EXECUTION_TP1_PART")
	setBool(&cfg.Execution.ExchangeStopEnabled, "BYBOT_EXECUTION_EXCHANGE_STOP_ENABLED")
	setBool(&cfg.Execution.CancelOrdersEnabled, "BYBOT_EXECUTION_CANCEL_ORDERS_ENABLED")
	setDuration(&cfg.Execution.TradeCooldown, "BYBOT_EXECUTION_TRADE_COOLDOWN")
	setBool(&cfg.Execution.SoftwareStop.Enabled, "BYBOT_EXECUTION_SOFTWARE_STOP_ENABLED")
	setDuration(&cfg.Execution.SoftwareStop.ActivationDelay, "BYBOT_EXECUTION_SOFTWARE_STOP_ACTIVATION_DELAY")
	setFloat64(&cfg.Execution.SoftwareStop.HysteresisPct, "BYBOT_EXECUTION_SOFTWARE_STOP_HYSTERESIS_PCT")
	setBool(&cfg.Execution.Trailing.Enabled, "BYBOT_EXECUTION_TRAILING_ENABLED")
	setFloat64(&cfg.Execution.Trailing.BreakevenRR, "BYBOT_EXECUTION_TRAILING_BREAKEVEN_RR")
	setFloat64(&cfg.Execution.Trailing.TrailPct, "BYBOT_EXECUTION_TRAILING_TRAIL_PCT")
	setBool(&cfg.Execution.Panic.Enabled, "BYBOT_EXECUTION_PANIC_ENABLED")
	setFloat64(&cfg.Execution.Panic.DropPct, "BYBOT_EXECUTION_PANIC_DROP_PCT")
	setFloat64(&cfg.Execution.Panic.DrawdownExitPct, "BYBOT_EXECUTION_PANIC_DRAWDOWN_EXIT_PCT")

	// ── Engine ──
	setStringSlice(&cfg.Engine.Symbols, "BYBOT_ENGINE_SYMBOLS")
	setStr(&cfg.Engine.KlineInterval, "BYBOT_ENGINE_KLINE_INTERVAL")
	setStr(&cfg.Engine.HTFInterval, "BYBOT_ENGINE_HTF_INTERVAL")
	setDuration(&cfg.Engine.ScanInterval, "BYBOT_ENGINE_SCAN_INTERVAL")
	setDuration(&cfg.Engine.ExecInterval, "BYBOT_ENGINE_EXEC_INTERVAL")
	setDuration(&cfg.Engine.OIPollInterval, "BYBOT_ENGINE_OI_POLL_INTERVAL")
	setDuration(&cfg.Engine.ReconcileInterval, "BYBOT_ENGINE_RECONCILE_INTERVAL")
	setDuration(&cfg.Engine.HeartbeatInterval, "BYBOT_ENGINE_HEARTBEAT_INTERVAL")
	setInt(&cfg.Engine.SignalQueueSize, "BYBOT_ENGINE_SIGNAL_QUEUE_SIZE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BYBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BYBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BYBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BYBOT_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.CommandPoll, "BYBOT_NOTIFY_COMMAND_POLL")

	// ── Top-level ──
	setStr(&cfg.Mode, "BYBOT_MODE")
	setStr(&cfg.LogLevel, "BYBOT_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
