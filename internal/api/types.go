package api

import (
	"time"

	"btcfifo-mm/internal/config"
	"btcfifo-mm/internal/engine"
	"btcfifo-mm/internal/metrics"
)

// StatusProvider is the engine surface the dashboard consumes.
type StatusProvider interface {
	Status() engine.StatusSnapshot
	AcknowledgeLedgerMismatch()
	AdjustHWM(deltaUSD float64)
	Metrics() *metrics.Metrics
}

// DashboardSnapshot is the complete dashboard state: the engine's tick
// snapshot plus a configuration summary.
type DashboardSnapshot struct {
	Timestamp time.Time             `json:"timestamp"`
	Engine    engine.StatusSnapshot `json:"engine"`
	Config    ConfigSummary         `json:"config"`
}

// ConfigSummary reflects the operative strategy/risk/tax tuning.
type ConfigSummary struct {
	// Grid
	Pair                string  `json:"pair"`
	LevelsBuy           int     `json:"levels_buy"`
	LevelsSell          int     `json:"levels_sell"`
	OrderSizeUSD        float64 `json:"order_size_usd"`
	PerTickRebalancePct float64 `json:"per_tick_rebalance_pct"`

	// Spacing
	SpacingWindow   int     `json:"spacing_window"`
	SpacingMinBps   float64 `json:"spacing_min_bps"`
	SpacingMaxBps   float64 `json:"spacing_max_bps"`
	ATREnabled      bool    `json:"atr_enabled"`
	SkewSensitivity float64 `json:"skew_sensitivity"`
	MaxSkewBps      float64 `json:"max_skew_bps"`

	// Risk
	CriticalDD        float64 `json:"critical_dd"`
	EmergencyDD       float64 `json:"emergency_dd"`
	FreezePct         float64 `json:"freeze_pct"`
	VelocityWindowSec int     `json:"velocity_window_sec"`
	CooldownSec       int     `json:"cooldown_sec"`

	// Tax
	HoldingPeriodDays  int     `json:"holding_period_days"`
	NearThresholdDays  int     `json:"near_threshold_days"`
	AnnualExemptionEUR float64 `json:"annual_exemption_eur"`
	HarvestEnabled     bool    `json:"harvest_enabled"`

	// Operational
	TickInterval string `json:"tick_interval"`
	DryRun       bool   `json:"dry_run"`
}

// NewConfigSummary creates the summary from config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		Pair:                cfg.Venue.Pair,
		LevelsBuy:           cfg.Grid.LevelsBuy,
		LevelsSell:          cfg.Grid.LevelsSell,
		OrderSizeUSD:        cfg.Grid.OrderSizeUSD,
		PerTickRebalancePct: cfg.Grid.PerTickRebalancePct,

		SpacingWindow:   cfg.Spacing.Window,
		SpacingMinBps:   cfg.Spacing.MinBps,
		SpacingMaxBps:   cfg.Spacing.MaxBps,
		ATREnabled:      cfg.Spacing.ATREnabled,
		SkewSensitivity: cfg.Skew.Sensitivity,
		MaxSkewBps:      cfg.Skew.MaxSkewBps,

		CriticalDD:        cfg.Risk.CriticalDD,
		EmergencyDD:       cfg.Risk.EmergencyDD,
		FreezePct:         cfg.Risk.FreezePct,
		VelocityWindowSec: cfg.Risk.VelocityWindowSec,
		CooldownSec:       cfg.Risk.CooldownSec,

		HoldingPeriodDays:  cfg.Tax.HoldingPeriodDays,
		NearThresholdDays:  cfg.Tax.NearThresholdDays,
		AnnualExemptionEUR: cfg.Tax.AnnualExemptionEUR,
		HarvestEnabled:     cfg.Tax.HarvestEnabled,

		TickInterval: cfg.Engine.TickInterval.String(),
		DryRun:       cfg.DryRun,
	}
}
