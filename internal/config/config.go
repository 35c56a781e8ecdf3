// Package config defines all configuration for the funding-rate arbitrage
// keeper. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via FUNDKPR_* environment variables.
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
	DryRun       bool             `mapstructure:"dry_run"`
	Venues       map[string]Venue `mapstructure:"venues"`
	Symbols      []string         `mapstructure:"symbols"` // symbols the keeper periodically evaluates
	PollInterval time.Duration    `mapstructure:"poll_interval"`
	Leverage     LeverageConfig   `mapstructure:"leverage"`
	Execution    ExecutionConfig  `mapstructure:"execution"`
	Evaluator    EvaluatorConfig  `mapstructure:"evaluator"`
	Retry        RetryConfig      `mapstructure:"retry"`
	Registry     RegistryConfig   `mapstructure:"registry"`
	Store        StoreConfig      `mapstructure:"store"`
	Risk         RiskConfig       `mapstructure:"risk"`
	Logging      LoggingConfig    `mapstructure:"logging"`
	Dashboard    DashboardConfig  `mapstructure:"dashboard"`
	Notify       NotifyConfig     `mapstructure:"notify"`
}

// Venue holds per-venue credentials, adapter selection, and rate-limit
// overrides.
type Venue struct {
	Type          string        `mapstructure:"type"` // "binance", "genericrest", "onchainperp", or "mock"
	APIKey        string        `mapstructure:"api_key"`
	APISecret     string        `mapstructure:"api_secret"`
	PrivateKey    string        `mapstructure:"private_key"` // EIP-712 signer key, onchain venues only
	ChainID       int64         `mapstructure:"chain_id"`    // onchain venues only
	BaseURL       string        `mapstructure:"base_url"`
	WSURL         string        `mapstructure:"ws_url"`
	FundingPeriod time.Duration `mapstructure:"funding_period"`
	PerSecond     int           `mapstructure:"per_second"`
	PerMinute     int           `mapstructure:"per_minute"`
}

// LeverageConfig bounds the leverage recommendations the caller applies.
//
//   - MinLeverage/MaxLeverage: hard clamp applied to any computed leverage.
//   - LeverageLookbackHours: window used to derive a recommended leverage
//     from historical volatility (computed by the caller, clamped here).
//   - Overrides: per-symbol leverage overrides bypassing the derived value.
type LeverageConfig struct {
	MinLeverage           float64            `mapstructure:"min_leverage"`
	MaxLeverage           float64            `mapstructure:"max_leverage"`
	LeverageLookbackHours int                `mapstructure:"leverage_lookback_hours"`
	Overrides             map[string]float64 `mapstructure:"overrides"`
}

// Clamp applies min/max and any per-symbol override to a recommended leverage.
func (l LeverageConfig) Clamp(symbol string, recommended float64) float64 {
	if v, ok := l.Overrides[symbol]; ok {
		recommended = v
	}
	if l.MaxLeverage > 0 && recommended > l.MaxLeverage {
		recommended = l.MaxLeverage
	}
	if l.MinLeverage > 0 && recommended < l.MinLeverage {
		recommended = l.MinLeverage
	}
	return recommended
}

// ExecutionConfig tunes the Sliced Execution Engine's slicing bounds,
// per-slice timing, and dynamic-slicing behaviour.
type ExecutionConfig struct {
	MaxPortfolioPctPerSlice float64       `mapstructure:"max_portfolio_pct_per_slice"`
	MaxUSDPerSlice          float64       `mapstructure:"max_usd_per_slice"`
	MinSlices               int           `mapstructure:"min_slices"`
	MaxSlices               int           `mapstructure:"max_slices"`
	SliceFillTimeout        time.Duration `mapstructure:"slice_fill_timeout"`
	FillCheckInterval       time.Duration `mapstructure:"fill_check_interval"`
	MaxImbalancePercent     float64       `mapstructure:"max_imbalance_percent"`
	DynamicSlicing          bool          `mapstructure:"dynamic_slicing"`
	FundingBuffer           time.Duration `mapstructure:"funding_buffer"`
	InterSliceSleep         time.Duration `mapstructure:"inter_slice_sleep"`
	LegAMinFillFraction     float64       `mapstructure:"leg_a_min_fill_fraction"`
	FillDeltaTolerance      float64       `mapstructure:"fill_delta_tolerance"`
}

// EvaluatorConfig bounds what the Opportunity Evaluator will accept.
type EvaluatorConfig struct {
	MaxWorstCaseBreakEvenDays float64 `mapstructure:"max_worst_case_break_even_days"`
}

// RetryConfig parameterizes the bounded exponential backoff RetryPolicy.
type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// RegistryConfig sets the Lock & Order Registry's staleness thresholds.
type RegistryConfig struct {
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	SymbolLockTimeout time.Duration `mapstructure:"symbol_lock_timeout"`
	OrderTimeout      time.Duration `mapstructure:"order_timeout"`
}

// StoreConfig selects the Position Loss Tracker's persistence backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // "memory", "file", or "mysql"
	DataDir string `mapstructure:"data_dir"`
	DSN     string `mapstructure:"dsn"`
}

// RiskConfig bounds portfolio-wide loss and exposure before the safety
// guard engages its kill switch; while the switch is active (for
// CooldownAfterKill) the scheduler skips its scans.
type RiskConfig struct {
	MaxDailyLossUSD      float64       `mapstructure:"max_daily_loss_usd"`
	MaxGlobalExposureUSD float64       `mapstructure:"max_global_exposure_usd"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the minimal operator health/status surface.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// NotifyConfig controls the Telegram operator-alert sink.
type NotifyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: FUNDKPR_DRY_RUN, FUNDKPR_NOTIFY_BOT_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FUNDKPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if tok := os.Getenv("FUNDKPR_NOTIFY_BOT_TOKEN"); tok != "" {
		cfg.Notify.BotToken = tok
	}
	if os.Getenv("FUNDKPR_DRY_RUN") == "true" || os.Getenv("FUNDKPR_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills in zero-valued fields that would otherwise leave the
// slicing/retry/registry math degenerate.
func (c *Config) applyDefaults() {
	if c.Execution.MinSlices == 0 {
		c.Execution.MinSlices = 1
	}
	if c.Execution.MaxSlices == 0 {
		c.Execution.MaxSlices = 20
	}
	if c.Execution.SliceFillTimeout == 0 {
		c.Execution.SliceFillTimeout = 30 * time.Second
	}
	if c.Execution.FillCheckInterval == 0 {
		c.Execution.FillCheckInterval = time.Second
	}
	if c.Execution.MaxImbalancePercent == 0 {
		c.Execution.MaxImbalancePercent = 0.10
	}
	if c.Execution.InterSliceSleep == 0 {
		c.Execution.InterSliceSleep = 500 * time.Millisecond
	}
	if c.Execution.LegAMinFillFraction == 0 {
		c.Execution.LegAMinFillFraction = 0.5
	}
	if c.Execution.FillDeltaTolerance == 0 {
		c.Execution.FillDeltaTolerance = 0.02
	}
	if c.Registry.LockTimeout == 0 {
		c.Registry.LockTimeout = 120 * time.Second
	}
	if c.Registry.SymbolLockTimeout == 0 {
		c.Registry.SymbolLockTimeout = 30 * time.Second
	}
	if c.Registry.OrderTimeout == 0 {
		c.Registry.OrderTimeout = 10 * time.Minute
	}
	if c.Risk.CooldownAfterKill == 0 {
		c.Risk.CooldownAfterKill = 15 * time.Minute
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 200 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2.0
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Venues) < 2 {
		return fmt.Errorf("at least two venues are required to run a hedged pair")
	}
	for name, venue := range c.Venues {
		switch venue.Type {
		case "binance", "genericrest", "onchainperp", "mock":
		default:
			return fmt.Errorf("venues.%s.type must be one of: binance, genericrest, onchainperp, mock", name)
		}
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required in symbols")
	}
	if c.Leverage.MaxLeverage > 0 && c.Leverage.MinLeverage > c.Leverage.MaxLeverage {
		return fmt.Errorf("leverage.min_leverage must be <= leverage.max_leverage")
	}
	if c.Execution.MinSlices <= 0 {
		return fmt.Errorf("execution.min_slices must be > 0")
	}
	if c.Execution.MaxSlices < c.Execution.MinSlices {
		return fmt.Errorf("execution.max_slices must be >= execution.min_slices")
	}
	if c.Execution.MaxPortfolioPctPerSlice <= 0 && c.Execution.MaxUSDPerSlice <= 0 {
		return fmt.Errorf("execution requires at least one of max_portfolio_pct_per_slice, max_usd_per_slice")
	}
	if c.Evaluator.MaxWorstCaseBreakEvenDays <= 0 {
		return fmt.Errorf("evaluator.max_worst_case_break_even_days must be > 0")
	}
	switch c.Store.Backend {
	case "memory", "file", "mysql":
	default:
		return fmt.Errorf("store.backend must be one of: memory, file, mysql")
	}
	if c.Store.Backend == "mysql" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required when store.backend is mysql")
	}
	return nil
}
