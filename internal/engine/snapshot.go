// snapshot.go publishes a read-only status snapshot after every tick,
// consumed by the dashboard API server and the CLI without touching
// strategy-goroutine state.
package engine

import (
	"time"

	"btcfifo-mm/pkg/types"
)

// StatusSnapshot is the engine's externally visible state.
type StatusSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Pair      string    `json:"pair"`
	DryRun    bool      `json:"dry_run"`

	MidPrice    float64 `json:"mid_price"`
	EquityUSD   float64 `json:"equity_usd"`
	USDQty      string  `json:"usd_qty"`
	BTCQty      string  `json:"btc_qty"`
	BTCAllocPct float64 `json:"btc_alloc_pct"`

	Regime         string  `json:"regime"`
	Pause          string  `json:"pause"`
	Classification string  `json:"risk_classification"`
	DrawdownPct    float64 `json:"drawdown_pct"`
	HighWaterMark  string  `json:"high_water_mark_usd"`
	CircuitFrozen  bool    `json:"circuit_frozen"`
	ConsecLosses   int     `json:"consecutive_losses"`

	SellableRatio float64 `json:"sellable_ratio"`
	OpenLots      int     `json:"open_lots"`
	TotalBTC      string  `json:"total_btc"`
	TaxFreeBTC    string  `json:"tax_free_btc"`
	YTDGainEUR    string  `json:"ytd_taxable_gain_eur"`

	RateCounter    float64 `json:"rate_counter"`
	RateCap        float64 `json:"rate_cap"`
	LiveOrders     int     `json:"live_orders"`
	RejectCount    int     `json:"reject_count"`
	LedgerMismatch bool    `json:"ledger_mismatch"`

	Slots []types.OrderSlot `json:"slots"`
}

// publishSnapshot refreshes the snapshot at the end of a tick. Runs on
// the strategy goroutine; readers take the lock briefly.
func (e *Engine) publishSnapshot(now time.Time) {
	riskSnap := e.riskMgr.State()

	snap := StatusSnapshot{
		Timestamp: now,
		Pair:      e.cfg.Venue.Pair,
		DryRun:    e.cfg.DryRun,

		MidPrice:    e.lastMid,
		USDQty:      e.usdQty.String(),
		BTCQty:      e.btcQty.String(),
		EquityUSD:   riskSnap.CurrentEquityUSD.Float64(),
		BTCAllocPct: 0,

		Regime:         string(e.regime.Current()),
		Pause:          string(riskSnap.Pause),
		Classification: string(riskSnap.Classification),
		DrawdownPct:    riskSnap.DrawdownPct,
		HighWaterMark:  riskSnap.HighWaterMarkUSD.String(),
		CircuitFrozen:  riskSnap.CircuitFrozen,
		ConsecLosses:   riskSnap.ConsecutiveLosses,

		SellableRatio: e.taxAgent.SellableRatio(),
		OpenLots:      len(e.ledger.OpenLots()),
		TotalBTC:      e.ledger.TotalBTC().String(),
		TaxFreeBTC:    e.ledger.TaxFreeBTC().String(),
		YTDGainEUR:    e.ledger.YTDRealizedGainEUR(now.UTC().Year()).String(),

		RateCounter:    e.limiter.Counter(),
		RateCap:        e.limiter.Cap(),
		LiveOrders:     e.ordMgr.LiveOrderCount(),
		RejectCount:    e.ordMgr.RejectCount(),
		LedgerMismatch: e.ordMgr.LedgerMismatch(),

		Slots: e.ordMgr.Slots(),
	}
	if snap.EquityUSD > 0 && e.lastMid > 0 {
		btcVal := e.btcQty.Float64() * e.lastMid
		snap.BTCAllocPct = btcVal / snap.EquityUSD
	}

	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()
}

// Status returns the latest published snapshot.
func (e *Engine) Status() StatusSnapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}
