// Package config defines all configuration for the BTC/USD spot
// market-making bot. Config is loaded from a TOML file (default:
// configs/config.toml) with sensitive fields overridable via BTCFIFO_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the TOML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Regime    RegimeConfig    `mapstructure:"regime"`
	Spacing   SpacingConfig   `mapstructure:"spacing"`
	Skew      SkewConfig      `mapstructure:"skew"`
	Grid      GridConfig      `mapstructure:"grid"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Tax       TaxConfig       `mapstructure:"tax"`
	RateLim   RateLimitConfig `mapstructure:"rate_limit"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Rates     RatesConfig     `mapstructure:"rates"`
	Paper     PaperConfig     `mapstructure:"paper"`
}

// EngineConfig tunes the strategy loop's cadence and grid centering.
type EngineConfig struct {
	// TickInterval is the idle wake fallback; the loop also wakes on
	// book/trade/fill events. Default 1s.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	BookDepth    int           `mapstructure:"book_depth"`
	// ThirtyDayVolumeSeedUSD seeds the fee-tier volume estimate before
	// the bot has accumulated its own trailing fill history.
	ThirtyDayVolumeSeedUSD float64 `mapstructure:"thirty_day_volume_seed_usd"`
}

// RatesConfig selects the EUR/USD rate source.
type RatesConfig struct {
	FixturePath string `mapstructure:"fixture_path"`
	// StaticRate, if > 0, bypasses the fixture (tests/backtests only).
	StaticRate float64 `mapstructure:"static_rate"`
}

// PaperConfig seeds the simulated venue for dry-run and backtest mode.
type PaperConfig struct {
	StartUSD float64 `mapstructure:"start_usd"`
	StartBTC float64 `mapstructure:"start_btc"`
}

// VenueConfig holds the exchange session's connection and credential
// details. API key/secret are never persisted to disk by the core; they
// are taken from venue.api_key / venue.api_secret in the config file,
// and BTCFIFO_API_KEY / BTCFIFO_API_SECRET override them when set.
type VenueConfig struct {
	Pair                  string        `mapstructure:"pair"`
	TickSizeUSD           float64       `mapstructure:"tick_size_usd"`
	LotStepBTC            float64       `mapstructure:"lot_step_btc"`
	MinOrderBTC           float64       `mapstructure:"min_order_btc"`
	RESTBaseURL           string        `mapstructure:"rest_base_url"`
	WSPublicURL           string        `mapstructure:"ws_public_url"`
	WSPrivateURL          string        `mapstructure:"ws_private_url"`
	APIKey                string        `mapstructure:"api_key"`
	APISecret             string        `mapstructure:"api_secret"`
	HeartbeatIntervalSec  int           `mapstructure:"heartbeat_interval_sec"`
	CancelAfterTimeoutSec int           `mapstructure:"cancel_after_timeout_sec"`
	PendingTimeout        time.Duration `mapstructure:"pending_timeout"`
}

// RegimeConfig tunes the EWMA volatility / momentum / VWAP classifier.
type RegimeConfig struct {
	EWMASpan           int           `mapstructure:"ewma_span"`
	MomentumWindow     int           `mapstructure:"momentum_window"`
	VWAPWindow         time.Duration `mapstructure:"vwap_window"`
	ChaosVol           float64       `mapstructure:"chaos_vol"`
	TrendUpThreshold   float64       `mapstructure:"trend_up_threshold"`
	TrendDownThreshold float64       `mapstructure:"trend_down_threshold"`
	HysteresisTicks    int           `mapstructure:"hysteresis_ticks"`
	UseVWAPAsCenter    bool          `mapstructure:"use_vwap_as_center"`

	RangeBound   RegimeBand `mapstructure:"range_bound"`
	TrendingUp   RegimeBand `mapstructure:"trending_up"`
	TrendingDown RegimeBand `mapstructure:"trending_down"`
	Chaos        RegimeBand `mapstructure:"chaos"`
}

// RegimeBand is one regime's allocation/grid tuning bundle.
type RegimeBand struct {
	BTCTargetPct   float64 `mapstructure:"btc_target_pct"`
	BTCMinPct      float64 `mapstructure:"btc_min_pct"`
	BTCMaxPct      float64 `mapstructure:"btc_max_pct"`
	GridLevels     int     `mapstructure:"grid_levels"`
	OrderSizeScale float64 `mapstructure:"order_size_scale"`
	SignalEnabled  bool    `mapstructure:"signal_enabled"`
}

// SpacingConfig tunes BollingerSpacing.
type SpacingConfig struct {
	Window       int     `mapstructure:"window"`
	Multiplier   float64 `mapstructure:"multiplier"`
	SpacingScale float64 `mapstructure:"spacing_scale"`
	ATRWindow    int     `mapstructure:"atr_window"`
	ATRWeight    float64 `mapstructure:"atr_weight"`
	ATREnabled   bool    `mapstructure:"atr_enabled"`
	MinBps       float64 `mapstructure:"min_bps"`
	MaxBps       float64 `mapstructure:"max_bps"`
}

// SkewConfig tunes DeltaSkew.
type SkewConfig struct {
	Sensitivity float64 `mapstructure:"sensitivity"`
	MaxSkewBps  float64 `mapstructure:"max_skew_bps"`
}

// GridConfig tunes GridEngine.
type GridConfig struct {
	LevelsBuy           int     `mapstructure:"levels_buy"`
	LevelsSell          int     `mapstructure:"levels_sell"`
	OrderSizeUSD        float64 `mapstructure:"order_size_usd"`
	PerTickRebalancePct float64 `mapstructure:"per_tick_rebalance_pct"`
}

// RiskConfig tunes drawdown classification and the circuit breaker.
type RiskConfig struct {
	WarningDD               float64 `mapstructure:"warning_dd"`
	ProblemDD               float64 `mapstructure:"problem_dd"`
	CriticalDD              float64 `mapstructure:"critical_dd"`
	EmergencyDD             float64 `mapstructure:"emergency_dd"`
	HysteresisPct           float64 `mapstructure:"hysteresis_pct"`
	TrailingStopEnabled     bool    `mapstructure:"trailing_stop_enabled"`
	TrailingStopFloor       float64 `mapstructure:"trailing_stop_floor"`
	TrailingStopBaselineUSD float64 `mapstructure:"trailing_stop_baseline_usd"`
	VelocityWindowSec       int     `mapstructure:"velocity_window_sec"`
	FreezePct               float64 `mapstructure:"freeze_pct"`
	CooldownSec             int     `mapstructure:"cooldown_sec"`
}

// TaxConfig tunes the German §23 EStG FIFO tax agent.
type TaxConfig struct {
	HoldingPeriodDays      int     `mapstructure:"holding_period_days"`
	NearThresholdDays      int     `mapstructure:"near_threshold_days"`
	AnnualExemptionEUR     float64 `mapstructure:"annual_exemption_eur"`
	EmergencyDDOverridePct float64 `mapstructure:"emergency_dd_override_pct"`
	HarvestEnabled         bool    `mapstructure:"harvest_enabled"`
	HarvestMinLossEUR      float64 `mapstructure:"harvest_min_loss_eur"`
	HarvestMaxPerDay       int     `mapstructure:"harvest_max_per_day"`
	HarvestTargetNetEUR    float64 `mapstructure:"harvest_target_net_eur"`
}

// RateLimitConfig tunes the local mirror of the venue's rate counter.
type RateLimitConfig struct {
	Max         float64 `mapstructure:"max"`
	DecayPerSec float64 `mapstructure:"decay_per_sec"`
	HeadroomPct float64 `mapstructure:"headroom_pct"`
}

// StoreConfig sets where the ledger and position data are persisted.
type StoreConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	LedgerFile string `mapstructure:"ledger_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard/metrics API server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	MetricsPort    int      `mapstructure:"metrics_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a TOML file with env var overrides.
// Sensitive fields use env vars: BTCFIFO_API_KEY, BTCFIFO_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BTCFIFO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("BTCFIFO_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("BTCFIFO_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	if os.Getenv("BTCFIFO_DRY_RUN") == "true" || os.Getenv("BTCFIFO_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges. Returns a
// ConfigInvalid-class error (fatal at startup).
func (c *Config) Validate() error {
	if c.Venue.Pair == "" {
		return fmt.Errorf("venue.pair is required")
	}
	if c.Venue.RESTBaseURL == "" {
		return fmt.Errorf("venue.rest_base_url is required")
	}
	if !c.DryRun && (c.Venue.APIKey == "" || c.Venue.APISecret == "") {
		return fmt.Errorf("venue.api_key/api_secret are required (set BTCFIFO_API_KEY/BTCFIFO_API_SECRET), or enable dry_run")
	}
	if c.Venue.TickSizeUSD <= 0 {
		return fmt.Errorf("venue.tick_size_usd must be > 0")
	}
	if c.Venue.LotStepBTC <= 0 {
		return fmt.Errorf("venue.lot_step_btc must be > 0")
	}
	if c.Grid.OrderSizeUSD <= 0 {
		return fmt.Errorf("grid.order_size_usd must be > 0")
	}
	if c.Grid.LevelsBuy <= 0 || c.Grid.LevelsSell <= 0 {
		return fmt.Errorf("grid.levels_buy and grid.levels_sell must be > 0")
	}
	if c.Tax.HoldingPeriodDays <= 0 {
		return fmt.Errorf("tax.holding_period_days must be > 0")
	}
	if c.Tax.NearThresholdDays < 0 || c.Tax.NearThresholdDays > c.Tax.HoldingPeriodDays {
		return fmt.Errorf("tax.near_threshold_days must be in [0, holding_period_days]")
	}
	if c.RateLim.Max <= 0 {
		return fmt.Errorf("rate_limit.max must be > 0")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}

// RegimeBandFor returns the per-regime allocation/grid band for a tag.
func (r RegimeConfig) RegimeBandFor(tag string) RegimeBand {
	switch tag {
	case "trending_up":
		return r.TrendingUp
	case "trending_down":
		return r.TrendingDown
	case "chaos":
		return r.Chaos
	default:
		return r.RangeBound
	}
}
