// Package metrics instruments the engine with Prometheus counters and
// gauges. The scrape endpoint is mounted by internal/api; this package
// only owns the instruments and a registry the handler serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the engine updates.
type Metrics struct {
	Registry *prometheus.Registry

	OrdersPlaced    prometheus.Counter
	OrdersAmended   prometheus.Counter
	OrdersCancelled prometheus.Counter
	OrdersRejected  prometheus.Counter
	FillsTotal      *prometheus.CounterVec // by side

	TicksTotal         prometheus.Counter
	IntentsDeferred    prometheus.Counter
	ChecksumMismatches prometheus.Counter

	OpenLots       prometheus.Gauge
	TaxFreeBTC     prometheus.Gauge
	TotalBTC       prometheus.Gauge
	YTDGainEUR     prometheus.Gauge
	EquityUSD      prometheus.Gauge
	DrawdownPct    prometheus.Gauge
	RateCounter    prometheus.Gauge
	SpacingBps     prometheus.Gauge
	SellableRatio  prometheus.Gauge
	Regime         *prometheus.GaugeVec // one-hot by tag
	PauseState     *prometheus.GaugeVec // one-hot by state
	CircuitFrozen  prometheus.Gauge
	LiveOrderCount prometheus.Gauge
}

// New creates the instruments on a private registry so tests can build
// as many as they like without duplicate-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		OrdersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_orders_placed_total", Help: "Orders sent to the venue.",
		}),
		OrdersAmended: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_orders_amended_total", Help: "In-place amendments sent.",
		}),
		OrdersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_orders_cancelled_total", Help: "Cancels sent.",
		}),
		OrdersRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_orders_rejected_total", Help: "Rejects received.",
		}),
		FillsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_fills_total", Help: "Fills received.",
		}, []string{"side"}),

		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_ticks_total", Help: "Strategy pipeline executions.",
		}),
		IntentsDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_intents_deferred_total", Help: "Intents deferred by the rate limiter.",
		}),
		ChecksumMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_book_checksum_mismatches_total", Help: "L2 book checksum failures.",
		}),

		OpenLots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_ledger_open_lots", Help: "Open tax lots.",
		}),
		TaxFreeBTC: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_ledger_tax_free_btc", Help: "BTC past the holding period.",
		}),
		TotalBTC: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_ledger_total_btc", Help: "BTC held across open lots.",
		}),
		YTDGainEUR: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_ledger_ytd_taxable_gain_eur", Help: "Realized taxable gain this year.",
		}),
		EquityUSD: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_equity_usd", Help: "Current portfolio equity.",
		}),
		DrawdownPct: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_drawdown_pct", Help: "Drawdown from high-water mark.",
		}),
		RateCounter: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_rate_counter", Help: "Local mirror of the venue rate counter.",
		}),
		SpacingBps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_spacing_bps", Help: "Base grid spacing this tick.",
		}),
		SellableRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_sellable_ratio", Help: "Tax-free fraction of holdings.",
		}),
		Regime: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bot_regime", Help: "Active market regime (one-hot).",
		}, []string{"tag"}),
		PauseState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bot_pause_state", Help: "Active pause state (one-hot).",
		}, []string{"state"}),
		CircuitFrozen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_circuit_frozen", Help: "1 while the circuit breaker is frozen.",
		}),
		LiveOrderCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_live_orders", Help: "Slots holding a live order.",
		}),
	}
}

// SetRegime flips the one-hot regime gauge to the given tag.
func (m *Metrics) SetRegime(tag string) {
	for _, t := range []string{"range_bound", "trending_up", "trending_down", "chaos"} {
		v := 0.0
		if t == tag {
			v = 1.0
		}
		m.Regime.WithLabelValues(t).Set(v)
	}
}

// SetPauseState flips the one-hot pause gauge to the given state.
func (m *Metrics) SetPauseState(state string) {
	for _, s := range []string{"ACTIVE", "TAX_LOCK", "RISK_PAUSE", "DUAL_LOCK", "EMERGENCY_SELL"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.PauseState.WithLabelValues(s).Set(v)
	}
}
