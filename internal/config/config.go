// Package config defines all configuration for the trading gateway.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via GATEWAY_* environment variables plus the documented
// TRADINGVIEW_*, JOURNAL_*, and PAPER_* variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun       bool               `mapstructure:"dry_run"`
	Server       ServerConfig       `mapstructure:"server"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Vault        VaultConfig        `mapstructure:"vault"`
	Brokers      map[string]Broker  `mapstructure:"brokers"`
	Accounts     []AccountConfig    `mapstructure:"accounts"`
	Funded       FundedConfig       `mapstructure:"funded"`
	Sim          SimConfig          `mapstructure:"sim"`
	Strategy     StrategyConfig     `mapstructure:"strategy"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Store        StoreConfig        `mapstructure:"store"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls the HTTP/WS listener.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WebhookConfig controls intake authentication and rate limiting.
//
//   - Secret: HMAC-SHA256 key for X-Webhook-Signature. Empty disables the check.
//   - RateLimit / RateWindow: accepted requests per source per sliding window.
//   - MaxBodyBytes: reject bodies larger than this (default 64 KiB).
type WebhookConfig struct {
	Secret       string        `mapstructure:"secret"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// VaultConfig selects the credential store backend.
type VaultConfig struct {
	Service  string `mapstructure:"service"`   // keyring service / application tag
	FilePath string `mapstructure:"file_path"` // encrypted fallback store location
}

// Broker describes one live or sandbox broker endpoint.
type Broker struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKeyName string        `mapstructure:"api_key_name"` // vault key, env var as fallback
	SecretName string        `mapstructure:"secret_name"`
	Sandbox    bool          `mapstructure:"sandbox"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// AccountConfig declares a routed account and its group binding.
type AccountConfig struct {
	ID             string  `mapstructure:"id"`
	DisplayName    string  `mapstructure:"display_name"`
	Group          string  `mapstructure:"group"`
	BrokerKey      string  `mapstructure:"broker_key"`
	InitialBalance float64 `mapstructure:"initial_balance"`
}

// FundedConfig holds funded-account groups and their rule limits.
type FundedConfig struct {
	Groups map[string]FundedRules `mapstructure:"groups"`
	// DailyResetCron fires the daily P&L reset, in the exchange timezone.
	DailyResetCron string `mapstructure:"daily_reset_cron"`
}

// FundedRules are the per-group limits evaluated before and after each trade.
type FundedRules struct {
	MaxDailyLoss           float64         `mapstructure:"max_daily_loss"`
	TrailingDrawdown       float64         `mapstructure:"trailing_drawdown"`
	MaxContracts           int             `mapstructure:"max_contracts"`
	MaxConcurrentPositions int             `mapstructure:"max_concurrent_positions"`
	MaxDailyTrades         int             `mapstructure:"max_daily_trades"`
	ProfitTarget           float64         `mapstructure:"profit_target"`
	RestrictedSymbols      []string        `mapstructure:"restricted_symbols"`
	TradingWindows         []TradingWindow `mapstructure:"trading_windows"`
}

// TradingWindow is a weekday + interval in a named timezone.
type TradingWindow struct {
	Days     []string `mapstructure:"days"`  // "Mon".."Sun"
	Start    string   `mapstructure:"start"` // "09:30"
	End      string   `mapstructure:"end"`   // "16:00"
	Timezone string   `mapstructure:"timezone"`
}

// SimConfig tunes the paper simulator.
//
//   - ExchangeTimezone: drives session/volatility classification.
//   - TestMode: bypass the market-hours check (PAPER_TEST_MODE).
//   - MaxFuturesPosition: per-symbol absolute net cap for futures.
//   - SnapshotTTL: synthesize a fresh quote when the cache is older than this.
type SimConfig struct {
	ExchangeTimezone   string        `mapstructure:"exchange_timezone"`
	TestMode           bool          `mapstructure:"test_mode"`
	InitialBalance     float64       `mapstructure:"initial_balance"`
	MaxFuturesPosition int64         `mapstructure:"max_futures_position"`
	SnapshotTTL        time.Duration `mapstructure:"snapshot_ttl"`
	PerturbInterval    time.Duration `mapstructure:"perturb_interval"`
	MinLatency         time.Duration `mapstructure:"min_latency"`
	MaxLatency         time.Duration `mapstructure:"max_latency"`
}

// StrategyConfig tunes the performance tracker's set-based auto-rotation.
type StrategyConfig struct {
	SetSize           int     `mapstructure:"set_size"`            // trades per set (default 20)
	ConsecutiveSets   int     `mapstructure:"consecutive_sets"`    // K sets below/above threshold to rotate
	DefaultMinWinRate float64 `mapstructure:"default_min_win_rate"`
	DBPath            string  `mapstructure:"db_path"` // empty = in-memory only
}

// JournalConfig controls the external trade-journal uploader.
type JournalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url"`
	AppID         string        `mapstructure:"app_id"`
	MasterKey     string        `mapstructure:"master_key"`
	BrokerName    string        `mapstructure:"broker_name"`
	UploadMFE     bool          `mapstructure:"upload_mfe"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int           `mapstructure:"retries"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
	BackoffCeil   time.Duration `mapstructure:"backoff_ceiling"`
}

// OrchestratorConfig bounds the alert pipeline.
type OrchestratorConfig struct {
	ExecuteDeadline time.Duration `mapstructure:"execute_deadline"` // per-adapter call (default 10s)
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`    // shutdown drain
}

// StoreConfig sets where paper account data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive and operational fields use the documented env names:
// TRADINGVIEW_WEBHOOK_SECRET, JOURNAL_*, PAPER_TEST_MODE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("webhook.rate_limit", 50)
	v.SetDefault("webhook.rate_window", time.Minute)
	v.SetDefault("webhook.max_body_bytes", 64*1024)
	v.SetDefault("vault.service", "tradegate")
	v.SetDefault("funded.daily_reset_cron", "0 0 * * *")
	v.SetDefault("sim.exchange_timezone", "America/New_York")
	v.SetDefault("sim.initial_balance", 100_000)
	v.SetDefault("sim.max_futures_position", 10)
	v.SetDefault("sim.snapshot_ttl", 5*time.Second)
	v.SetDefault("sim.perturb_interval", time.Second)
	v.SetDefault("sim.min_latency", 50*time.Millisecond)
	v.SetDefault("sim.max_latency", 200*time.Millisecond)
	v.SetDefault("strategy.set_size", 20)
	v.SetDefault("strategy.consecutive_sets", 2)
	v.SetDefault("strategy.default_min_win_rate", 55)
	v.SetDefault("journal.timeout", 30*time.Second)
	v.SetDefault("journal.retries", 3)
	v.SetDefault("journal.batch_size", 10)
	v.SetDefault("journal.flush_interval", 30*time.Second)
	v.SetDefault("journal.queue_size", 1000)
	v.SetDefault("journal.backoff_ceiling", 60*time.Second)
	v.SetDefault("orchestrator.execute_deadline", 10*time.Second)
	v.SetDefault("orchestrator.drain_timeout", 15*time.Second)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides maps the documented environment variables onto the
// loaded config, taking precedence over file values.
func applyEnvOverrides(cfg *Config) {
	if s := os.Getenv("TRADINGVIEW_WEBHOOK_SECRET"); s != "" {
		cfg.Webhook.Secret = s
	}
	if s := os.Getenv("JOURNAL_BASE_URL"); s != "" {
		cfg.Journal.BaseURL = s
	}
	if s := os.Getenv("JOURNAL_APP_ID"); s != "" {
		cfg.Journal.AppID = s
	}
	if s := os.Getenv("JOURNAL_MASTER_KEY"); s != "" {
		cfg.Journal.MasterKey = s
	}
	if s := os.Getenv("JOURNAL_BROKER_NAME"); s != "" {
		cfg.Journal.BrokerName = s
	}
	if s := os.Getenv("JOURNAL_ENABLED"); s != "" {
		cfg.Journal.Enabled = s == "true" || s == "1"
	}
	if s := os.Getenv("JOURNAL_UPLOAD_MFE"); s != "" {
		cfg.Journal.UploadMFE = s == "true" || s == "1"
	}
	if s := os.Getenv("JOURNAL_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.Journal.Timeout = d
		}
	}
	if s := os.Getenv("JOURNAL_RETRIES"); s != "" {
		var n int
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
			cfg.Journal.Retries = n
		}
	}
	if s := os.Getenv("PAPER_TEST_MODE"); s == "true" || s == "1" {
		cfg.Sim.TestMode = true
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Webhook.RateLimit <= 0 {
		return fmt.Errorf("webhook.rate_limit must be > 0")
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		return fmt.Errorf("webhook.max_body_bytes must be > 0")
	}
	if c.Sim.InitialBalance <= 0 {
		return fmt.Errorf("sim.initial_balance must be > 0")
	}
	if c.Strategy.SetSize <= 0 {
		return fmt.Errorf("strategy.set_size must be > 0")
	}
	if c.Strategy.ConsecutiveSets <= 0 {
		return fmt.Errorf("strategy.consecutive_sets must be > 0")
	}
	if c.Journal.Enabled && c.Journal.BaseURL == "" {
		return fmt.Errorf("journal.base_url is required when journal.enabled (set JOURNAL_BASE_URL)")
	}
	if _, err := timeLocation(c.Sim.ExchangeTimezone); err != nil {
		return fmt.Errorf("sim.exchange_timezone: %w", err)
	}
	for key, b := range c.Brokers {
		if b.BaseURL == "" {
			return fmt.Errorf("brokers.%s.base_url is required", key)
		}
	}
	for _, a := range c.Accounts {
		if a.ID == "" || a.Group == "" {
			return fmt.Errorf("accounts entries need id and group")
		}
	}
	return nil
}

func timeLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
