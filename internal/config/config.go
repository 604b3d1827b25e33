// Package config defines the top-level configuration for the trading daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BYBOT_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Archive   ArchiveConfig   `toml:"archive"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Engine    EngineConfig    `toml:"engine"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig holds exchange API endpoints and credentials. The API secret
// may be supplied raw or as an encrypted key file plus password.
type ExchangeConfig struct {
	ApiKey              string `toml:"api_key"`
	ApiSecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
	BaseURL             string `toml:"base_url"`
	WsPublicURL         string `toml:"ws_public_url"`
	RecvWindowMs        int    `toml:"recv_window_ms"`
	Category            string `toml:"category"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	PriceTTL    duration `toml:"price_ttl"`
	LockKey     string   `toml:"lock_key"`
	LockTTL     duration `toml:"lock_ttl"`
	GatewayRate int      `toml:"gateway_rate"` // gateway calls per second budget
}

// ArchiveConfig holds S3-compatible object storage parameters for the
// closed-trade archival job.
type ArchiveConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// StrategyConfig selects and parameterizes the signal evaluation pipeline.
// Name picks exactly one variant at startup.
type StrategyConfig struct {
	Name string `toml:"name"` // threshold | momentum | scalp

	// Shared evaluation parameters.
	WindowMinutes      int     `toml:"window_minutes"`
	StopLossPct        float64 `toml:"stop_loss_pct"`
	RSIPeriod          int     `toml:"rsi_period"`
	RSIOverbought      float64 `toml:"rsi_overbought"`
	LiquidityFloorUSDT float64 `toml:"liquidity_floor_usdt"`

	Threshold ThresholdConfig `toml:"threshold"`
	Momentum  MomentumConfig  `toml:"momentum"`
	Scalp     ScalpConfig     `toml:"scalp"`
}

// ThresholdConfig holds parameters for the threshold strategy.
type ThresholdConfig struct {
	PriceChangeThresholdPct float64 `toml:"price_change_threshold_pct"`
	OIChangeThresholdPct    float64 `toml:"oi_change_threshold_pct"`
	BreakoutThresholdPct    float64 `toml:"breakout_threshold_pct"`
	MinUniqueOIBars         int     `toml:"min_unique_oi_bars"`
	MACDConfirmBars         int     `toml:"macd_confirm_bars"`
	RVOLThreshold           float64 `toml:"rvol_threshold"`
	RVOLBreakoutRelax       float64 `toml:"rvol_breakout_relax"`
}

// MomentumConfig holds parameters for the momentum strategy, including the
// named exhaustion-veto knobs.
type MomentumConfig struct {
	LookbackBars         int      `toml:"lookback_bars"`
	MinGradientPct       float64  `toml:"min_gradient_pct"`
	ConfirmBars          int      `toml:"confirm_bars"`
	ExhaustionRSI        float64  `toml:"exhaustion_rsi"`
	VolumeCollapseRatio  float64  `toml:"volume_collapse_ratio"`
	CandleExpansionRatio float64  `toml:"candle_expansion_ratio"`
	VetoMinReasons       int      `toml:"veto_min_reasons"`
	VetoConsecutive      int      `toml:"veto_consecutive"`
	VetoCooldown         duration `toml:"veto_cooldown"`
	OrderFlowMinRatio    float64  `toml:"order_flow_min_ratio"`
}

// ScalpConfig holds parameters for the scalp strategy.
type ScalpConfig struct {
	WarmupBars    int     `toml:"warmup_bars"`
	EMAFast       int     `toml:"ema_fast"`
	EMAMid        int     `toml:"ema_mid"`
	EMASlow       int     `toml:"ema_slow"`
	RSIFloor      float64 `toml:"rsi_floor"`
	VolRVOL       float64 `toml:"vol_rvol"`
	VolZScore     float64 `toml:"vol_zscore"`
	HTFEMAPeriod  int     `toml:"htf_ema_period"`
	ADXPeriod     int     `toml:"adx_period"`
	ADXMin        float64 `toml:"adx_min"`
	MaxSpreadPct  float64 `toml:"max_spread_pct"`
	ATRPeriod     int     `toml:"atr_period"`
	ATRStopMult   float64 `toml:"atr_stop_mult"`
	SessionStartH int     `toml:"session_start_hour"` // UTC, inclusive
	SessionEndH   int     `toml:"session_end_hour"`   // UTC, exclusive
	TestMode      bool    `toml:"test_mode"`
}

// RiskConfig holds sizing and gating parameters.
type RiskConfig struct {
	RiskUSDT             float64  `toml:"risk_usdt"`
	BaseNotionalUSDT     float64  `toml:"base_notional_usdt"`
	Leverage             int      `toml:"leverage"`
	MaxPositionPct       float64  `toml:"max_position_pct"`
	DailyLossLimitPct    float64  `toml:"daily_loss_limit_pct"`
	FeeRate              float64  `toml:"fee_rate"`
	WinrateWindow        int      `toml:"winrate_window"`
	MaxConsecutiveLosses int      `toml:"max_consecutive_losses"`
	CircuitCooldown      duration `toml:"circuit_cooldown"`
	MaxOpenPositions     int      `toml:"max_open_positions"`
	LossStreakGuard      bool     `toml:"loss_streak_guard"`
}

// ExecutionConfig holds order placement and protective-exit parameters.
type ExecutionConfig struct {
	EntryMode           string   `toml:"entry_mode"` // market | limit
	LimitOffsetPct      float64  `toml:"limit_offset_pct"`
	LimitWait           duration `toml:"limit_wait"`
	UseBracket          bool     `toml:"use_bracket"`
	TP1RR               float64  `toml:"tp1_rr"`
	TP2RR               float64  `toml:"tp2_rr"`
	TP1Part             float64  `toml:"tp1_part"`
	ExchangeStopEnabled bool     `toml:"exchange_stop_enabled"`
	CancelOrdersEnabled bool     `toml:"cancel_orders_enabled"`
	TradeCooldown       duration `toml:"trade_cooldown"`

	SoftwareStop SoftwareStopConfig `toml:"software_stop"`
	Trailing     TrailingConfig     `toml:"trailing"`
	Panic        PanicConfig        `toml:"panic"`
}

// SoftwareStopConfig parameterizes the software stop-loss sub-machine.
type SoftwareStopConfig struct {
	Enabled            bool     `toml:"enabled"`
	ActivationDelay    duration `toml:"activation_delay"`
	HysteresisPct      float64  `toml:"hysteresis_pct"`
	PriceMissThreshold int      `toml:"price_miss_threshold"`
	CloseRetries       int      `toml:"close_retries"`
	CloseBackoffBase   duration `toml:"close_backoff_base"`
}

// TrailingConfig parameterizes breakeven and trailing-stop adjustment.
type TrailingConfig struct {
	Enabled     bool    `toml:"enabled"`
	BreakevenRR float64 `toml:"breakeven_rr"`
	TrailPct    float64 `toml:"trail_pct"`
	ATRMult     float64 `toml:"atr_mult"`
	ATRPeriod   int     `toml:"atr_period"`
}

// PanicConfig parameterizes the fast adverse-move exit and its drawdown
// backstop.
type PanicConfig struct {
	Enabled         bool    `toml:"enabled"`
	DropPct         float64 `toml:"drop_pct"`
	DrawdownExitPct float64 `toml:"drawdown_exit_pct"`
}

// EngineConfig holds worker loop intervals and the watched symbol set.
type EngineConfig struct {
	Symbols           []string `toml:"symbols"`
	KlineInterval     string   `toml:"kline_interval"`
	HTFInterval       string   `toml:"htf_interval"`
	ScanInterval      duration `toml:"scan_interval"`
	ExecInterval      duration `toml:"exec_interval"`
	OIPollInterval    duration `toml:"oi_poll_interval"`
	ProtectInterval   duration `toml:"protect_interval"`
	PanicInterval     duration `toml:"panic_interval"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	RegistrySync      duration `toml:"registry_sync"`
	SignalQueueSize   int      `toml:"signal_queue_size"`
}

// NotifyConfig holds notification channel credentials and the inbound
// operator-command poll settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	CommandPoll       duration `toml:"command_poll"`
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
		Exchange: ExchangeConfig{
			BaseURL:      "https://api.bybit.com",
			WsPublicURL:  "wss://stream.bybit.com/v5/public/linear",
			RecvWindowMs: 5000,
			Category:     "linear",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bybitbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			PoolSize:    20,
			MaxRetries:  3,
			TLSEnabled:  false,
			PriceTTL:    duration{10 * time.Second},
			LockKey:     "bybitbot:instance",
			LockTTL:     duration{60 * time.Second},
			GatewayRate: 8,
		},
		Archive: ArchiveConfig{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bybitbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Strategy: StrategyConfig{
			Name:               "threshold",
			WindowMinutes:      5,
			StopLossPct:        1.5,
			RSIPeriod:          14,
			RSIOverbought:      72,
			LiquidityFloorUSDT: 200_000,
			Threshold: ThresholdConfig{
				PriceChangeThresholdPct: 2.0,
				OIChangeThresholdPct:    3.0,
				BreakoutThresholdPct:    4.0,
				MinUniqueOIBars:         2,
				MACDConfirmBars:         3,
				RVOLThreshold:           1.5,
				RVOLBreakoutRelax:       0.7,
			},
			Momentum: MomentumConfig{
				LookbackBars:         3,
				MinGradientPct:       0.6,
				ConfirmBars:          2,
				ExhaustionRSI:        78,
				VolumeCollapseRatio:  0.3,
				CandleExpansionRatio: 2.2,
				VetoMinReasons:       2,
				VetoConsecutive:      3,
				VetoCooldown:         duration{90 * time.Second},
				OrderFlowMinRatio:    0.55,
			},
			Scalp: ScalpConfig{
				WarmupBars:    60,
				EMAFast:       9,
				EMAMid:        21,
				EMASlow:       50,
				RSIFloor:      50,
				VolRVOL:       1.5,
				VolZScore:     1.5,
				HTFEMAPeriod:  50,
				ADXPeriod:     14,
				ADXMin:        20,
				MaxSpreadPct:  0.06,
				ATRPeriod:     14,
				ATRStopMult:   1.2,
				SessionStartH: 6,
				SessionEndH:   22,
				TestMode:      false,
			},
		},
		Risk: RiskConfig{
			RiskUSDT:             10,
			BaseNotionalUSDT:     100,
			Leverage:             3,
			MaxPositionPct:       5.0,
			DailyLossLimitPct:    3.0,
			FeeRate:              0.001,
			WinrateWindow:        20,
			MaxConsecutiveLosses: 5,
			CircuitCooldown:      duration{30 * time.Minute},
			MaxOpenPositions:     3,
			LossStreakGuard:      true,
		},
		Execution: ExecutionConfig{
			EntryMode:           "market",
			LimitOffsetPct:      0.02,
			LimitWait:           duration{8 * time.Second},
			UseBracket:          false,
			TP1RR:               1.0,
			TP2RR:               1.5,
			TP1Part:             0.5,
			ExchangeStopEnabled: false,
			CancelOrdersEnabled: true,
			TradeCooldown:       duration{2 * time.Minute},
			SoftwareStop: SoftwareStopConfig{
				Enabled:            true,
				ActivationDelay:    duration{5 * time.Second},
				HysteresisPct:      0.05,
				PriceMissThreshold: 5,
				CloseRetries:       4,
				CloseBackoffBase:   duration{500 * time.Millisecond},
			},
			Trailing: TrailingConfig{
				Enabled:     true,
				BreakevenRR: 1.0,
				TrailPct:    0.8,
				ATRMult:     1.5,
				ATRPeriod:   14,
			},
			Panic: PanicConfig{
				Enabled:         true,
				DropPct:         2.0,
				DrawdownExitPct: 4.0,
			},
		},
		Engine: EngineConfig{
			Symbols:           []string{"BTCUSDT", "ETHUSDT"},
			KlineInterval:     "5",
			HTFInterval:       "15",
			ScanInterval:      duration{2 * time.Second},
			ExecInterval:      duration{1 * time.Second},
			OIPollInterval:    duration{60 * time.Second},
			ProtectInterval:   duration{2 * time.Second},
			PanicInterval:     duration{10 * time.Second},
			ReconcileInterval: duration{20 * time.Second},
			HeartbeatInterval: duration{30 * time.Second},
			RegistrySync:      duration{10 * time.Minute},
			SignalQueueSize:   32,
		},
		Notify: NotifyConfig{
			Events:      []string{"entry", "exit", "trailing", "panic", "circuit_breaker", "emergency", "error"},
			CommandPoll: duration{3 * time.Second},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validStrategies enumerates the accepted values for Strategy.Name.
var validStrategies = map[string]bool{
	"threshold": true,
	"momentum":  true,
	"scalp":     true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange — trading mode requires credentials.
	if strings.ToLower(c.Mode) == "trade" {
		if c.Exchange.ApiKey == "" {
			errs = append(errs, "exchange: api_key must be set for trade mode")
		}
		if c.Exchange.ApiSecret == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set for trade mode")
		}
		if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
		}
	}
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if c.Exchange.WsPublicURL == "" {
		errs = append(errs, "exchange: ws_public_url must not be empty")
	}
	if c.Exchange.RecvWindowMs <= 0 {
		errs = append(errs, "exchange: recv_window_ms must be positive")
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

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.PriceTTL.Duration <= 0 {
		errs = append(errs, "redis: price_ttl must be positive")
	}
	if c.Redis.LockKey == "" {
		errs = append(errs, "redis: lock_key must not be empty")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive: endpoint must not be empty when enabled")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1 when enabled")
		}
	}

	// Strategy
	if !validStrategies[strings.ToLower(c.Strategy.Name)] {
		errs = append(errs, fmt.Sprintf("strategy: unknown name %q (valid: threshold, momentum, scalp)", c.Strategy.Name))
	}
	if c.Strategy.WindowMinutes < 5 || c.Strategy.WindowMinutes%5 != 0 {
		errs = append(errs, fmt.Sprintf("strategy: window_minutes must be a positive multiple of 5, got %d", c.Strategy.WindowMinutes))
	}
	if c.Strategy.StopLossPct <= 0 {
		errs = append(errs, "strategy: stop_loss_pct must be > 0")
	}
	if c.Strategy.Momentum.VetoMinReasons < 1 || c.Strategy.Momentum.VetoMinReasons > 3 {
		errs = append(errs, "strategy: momentum.veto_min_reasons must be 1-3")
	}
	if c.Strategy.Scalp.SessionStartH < 0 || c.Strategy.Scalp.SessionStartH > 23 ||
		c.Strategy.Scalp.SessionEndH < 1 || c.Strategy.Scalp.SessionEndH > 24 {
		errs = append(errs, "strategy: scalp session hours must be within 0-23 / 1-24")
	}

	// Risk
	if c.Risk.RiskUSDT <= 0 {
		errs = append(errs, "risk: risk_usdt must be > 0")
	}
	if c.Risk.BaseNotionalUSDT <= 0 {
		errs = append(errs, "risk: base_notional_usdt must be > 0")
	}
	if c.Risk.Leverage < 1 {
		errs = append(errs, "risk: leverage must be >= 1")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 100 {
		errs = append(errs, fmt.Sprintf("risk: max_position_pct must be in (0,100], got %g", c.Risk.MaxPositionPct))
	}
	if c.Risk.FeeRate < 0 || c.Risk.FeeRate >= 0.1 {
		errs = append(errs, fmt.Sprintf("risk: fee_rate must be in [0,0.1), got %g", c.Risk.FeeRate))
	}
	if c.Risk.MaxConsecutiveLosses < 1 {
		errs = append(errs, "risk: max_consecutive_losses must be >= 1")
	}
	if c.Risk.MaxOpenPositions < 1 {
		errs = append(errs, "risk: max_open_positions must be >= 1")
	}

	// Execution
	switch strings.ToLower(c.Execution.EntryMode) {
	case "market", "limit":
	default:
		errs = append(errs, fmt.Sprintf("execution: unknown entry_mode %q (valid: market, limit)", c.Execution.EntryMode))
	}
	if c.Execution.TP1Part <= 0 || c.Execution.TP1Part >= 1 {
		errs = append(errs, fmt.Sprintf("execution: tp1_part must be in (0,1), got %g", c.Execution.TP1Part))
	}
	if c.Execution.TP1RR <= 0 || c.Execution.TP2RR <= c.Execution.TP1RR {
		errs = append(errs, "execution: tp1_rr must be > 0 and tp2_rr > tp1_rr")
	}
	if !c.Execution.UseBracket && !c.Execution.SoftwareStop.Enabled && !c.Execution.ExchangeStopEnabled {
		errs = append(errs, "execution: at least one of bracket, software stop, or exchange stop must be enabled")
	}
	if c.Execution.SoftwareStop.HysteresisPct < 0 {
		errs = append(errs, "execution: software_stop.hysteresis_pct must be >= 0")
	}
	if c.Execution.SoftwareStop.CloseRetries < 1 {
		errs = append(errs, "execution: software_stop.close_retries must be >= 1")
	}

	// Engine
	if len(c.Engine.Symbols) == 0 {
		errs = append(errs, "engine: at least one symbol must be configured")
	}
	if c.Engine.SignalQueueSize < 1 {
		errs = append(errs, "engine: signal_queue_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
