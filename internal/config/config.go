package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/testgpt852-arch/korea-stock-bot/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	KIS       KISConfig       `mapstructure:"kis"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Trader    TraderConfig    `mapstructure:"trader"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	MarketCode  string `mapstructure:"market_code"`
	Regime      string `mapstructure:"regime"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN
// disables persistence entirely.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// KISConfig covers broker API access, REST and websocket.
type KISConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	AppKey         string        `mapstructure:"app_key"`
	AppSecret      string        `mapstructure:"app_secret"`
	AccountNo      string        `mapstructure:"account_no"`
	Sandbox        bool          `mapstructure:"sandbox"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      int           `mapstructure:"rate_limit"`
	SandboxLimit   int           `mapstructure:"sandbox_limit"`
}

// EffectiveRateLimit picks the per-second quota for the active endpoint.
func (k KISConfig) EffectiveRateLimit() int {
	if k.Sandbox {
		return k.SandboxLimit
	}
	return k.RateLimit
}

// DetectorConfig holds spike-detection thresholds. Percent fields are in
// percentage points, ratio fields are fractions.
type DetectorConfig struct {
	MinAcceleration     float64       `mapstructure:"min_acceleration"`
	MinInstantVolume    float64       `mapstructure:"min_instant_volume"`
	MinCumulativeVolume float64       `mapstructure:"min_cumulative_volume"`
	MaxChangeCap        float64       `mapstructure:"max_change_cap"`
	FirstEntryMinChange float64       `mapstructure:"first_entry_min_change"`
	GapUpThreshold      float64       `mapstructure:"gap_up_threshold"`
	TickAlertThreshold  float64       `mapstructure:"tick_alert_threshold"`
	ConfirmCycles       int           `mapstructure:"confirm_cycles"`
	MaxAlertsPerCycle   int           `mapstructure:"max_alerts_per_cycle"`
	MinPriorVolume      int64         `mapstructure:"min_prior_volume"`
	MinTradeValue       float64       `mapstructure:"min_trade_value"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
}

// StreamConfig governs the realtime tick subscription.
type StreamConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxSubscriptions int           `mapstructure:"max_subscriptions"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout"`
}

// TraderConfig holds risk limits for automated execution.
type TraderConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	BuyAmount            int64   `mapstructure:"buy_amount"`
	MaxPositionsBull     int     `mapstructure:"max_positions_bull"`
	MaxPositionsNeutral  int     `mapstructure:"max_positions_neutral"`
	MaxPositionsBear     int     `mapstructure:"max_positions_bear"`
	MaxPositionsDefault  int     `mapstructure:"max_positions_default"`
	SectorLimit          int     `mapstructure:"sector_limit"`
	MinRiskRewardBull    float64 `mapstructure:"min_risk_reward_bull"`
	MinRiskRewardBear    float64 `mapstructure:"min_risk_reward_bear"`
	MinRiskRewardDefault float64 `mapstructure:"min_risk_reward_default"`
	TakeProfit1          float64 `mapstructure:"take_profit_1"`
	TakeProfit2          float64 `mapstructure:"take_profit_2"`
	StopLossPct          float64 `mapstructure:"stop_loss_pct"`
	TrailingRatioBull    float64 `mapstructure:"trailing_ratio_bull"`
	TrailingRatioBear    float64 `mapstructure:"trailing_ratio_bear"`
	DailyLossLimitPct    float64 `mapstructure:"daily_loss_limit_pct"`
	FailureSafeLossPct   float64 `mapstructure:"failure_safe_loss_pct"`
	MinEntryChange       float64 `mapstructure:"min_entry_change"`
	MaxEntryChange       float64 `mapstructure:"max_entry_change"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STOCKBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "korea-stock-bot")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.market_code", "J")
	v.SetDefault("app.regime", "neutral")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "10s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x4b535442))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("kis.base_url", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("kis.ws_url", "ws://ops.koreainvestment.com:21000")
	v.SetDefault("kis.sandbox", false)
	v.SetDefault("kis.request_timeout", "10s")
	v.SetDefault("kis.rate_limit", 19)
	v.SetDefault("kis.sandbox_limit", 2)

	v.SetDefault("detector.min_acceleration", 1.5)
	v.SetDefault("detector.min_instant_volume", 0.10)
	v.SetDefault("detector.min_cumulative_volume", 0.30)
	v.SetDefault("detector.max_change_cap", 10.0)
	v.SetDefault("detector.first_entry_min_change", 4.0)
	v.SetDefault("detector.gap_up_threshold", 0.025)
	v.SetDefault("detector.tick_alert_threshold", 3.0)
	v.SetDefault("detector.confirm_cycles", 2)
	v.SetDefault("detector.max_alerts_per_cycle", 5)
	v.SetDefault("detector.min_prior_volume", int64(50_000))
	v.SetDefault("detector.min_trade_value", 3_000_000_000.0)
	v.SetDefault("detector.cooldown", "30m")

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.max_subscriptions", 40)
	v.SetDefault("stream.reconnect_delay", "5s")
	v.SetDefault("stream.ack_timeout", "10s")

	v.SetDefault("trader.enabled", false)
	v.SetDefault("trader.buy_amount", int64(1_000_000))
	v.SetDefault("trader.max_positions_bull", 5)
	v.SetDefault("trader.max_positions_neutral", 3)
	v.SetDefault("trader.max_positions_bear", 2)
	v.SetDefault("trader.max_positions_default", 3)
	v.SetDefault("trader.sector_limit", 2)
	v.SetDefault("trader.min_risk_reward_bull", 1.2)
	v.SetDefault("trader.min_risk_reward_bear", 2.0)
	v.SetDefault("trader.min_risk_reward_default", 1.5)
	v.SetDefault("trader.take_profit_1", 5.0)
	v.SetDefault("trader.take_profit_2", 10.0)
	v.SetDefault("trader.stop_loss_pct", -3.0)
	v.SetDefault("trader.trailing_ratio_bull", 0.92)
	v.SetDefault("trader.trailing_ratio_bear", 0.95)
	v.SetDefault("trader.daily_loss_limit_pct", -3.0)
	v.SetDefault("trader.failure_safe_loss_pct", -1.5)
	v.SetDefault("trader.min_entry_change", 2.0)
	v.SetDefault("trader.max_entry_change", 8.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.KIS.RateLimit <= 0 || c.KIS.SandboxLimit <= 0 {
		return fmt.Errorf("kis rate limits must be greater than zero")
	}
	if c.Detector.MinAcceleration <= 0 {
		return fmt.Errorf("detector.min_acceleration must be greater than zero")
	}
	if c.Detector.ConfirmCycles < 1 {
		return fmt.Errorf("detector.confirm_cycles must be at least 1")
	}
	if c.Detector.MaxAlertsPerCycle <= 0 {
		return fmt.Errorf("detector.max_alerts_per_cycle must be greater than zero")
	}
	if c.Detector.Cooldown <= 0 {
		return fmt.Errorf("detector.cooldown must be greater than zero")
	}
	if c.Detector.FirstEntryMinChange < c.Detector.TickAlertThreshold {
		return fmt.Errorf("detector.first_entry_min_change must not be below detector.tick_alert_threshold")
	}
	if c.Stream.MaxSubscriptions <= 0 {
		return fmt.Errorf("stream.max_subscriptions must be greater than zero")
	}
	if c.Stream.ReconnectDelay <= 0 {
		return fmt.Errorf("stream.reconnect_delay must be greater than zero")
	}
	if c.Trader.Enabled {
		if c.Trader.BuyAmount <= 0 {
			return fmt.Errorf("trader.buy_amount must be greater than zero")
		}
		if c.Trader.StopLossPct >= 0 {
			return fmt.Errorf("trader.stop_loss_pct must be negative")
		}
		if c.Trader.DailyLossLimitPct >= 0 {
			return fmt.Errorf("trader.daily_loss_limit_pct must be negative")
		}
		if c.Trader.FailureSafeLossPct >= 0 {
			return fmt.Errorf("trader.failure_safe_loss_pct must be negative")
		}
		if c.Trader.TrailingRatioBull <= 0 || c.Trader.TrailingRatioBull >= 1 {
			return fmt.Errorf("trader.trailing_ratio_bull must be between 0 and 1")
		}
		if c.Trader.TrailingRatioBear <= 0 || c.Trader.TrailingRatioBear >= 1 {
			return fmt.Errorf("trader.trailing_ratio_bear must be between 0 and 1")
		}
		if c.Trader.TakeProfit2 <= c.Trader.TakeProfit1 {
			return fmt.Errorf("trader.take_profit_2 must exceed trader.take_profit_1")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
