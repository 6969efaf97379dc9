// loop.go is the StrategyLoop: the tick orchestrator that turns market
// data into the desired grid and drives the OrderManager.
// Event-driven with a bounded idle fallback: the
// loop wakes on book/trade/fill events or at most every TickInterval,
// executes the pipeline exactly once per wake, and never re-enters
// while in flight. All mutations of ledger, risk state, and order
// slots happen on this goroutine; execution events are drained at the
// start of each tick and again after dispatching intents.
package engine

import (
	"context"
	"math"
	"time"

	"btcfifo-mm/internal/config"
	"btcfifo-mm/internal/exchange"
	"btcfifo-mm/internal/market"
	"btcfifo-mm/internal/money"
	"btcfifo-mm/internal/notify"
	"btcfifo-mm/internal/strategy"
	"btcfifo-mm/internal/tax"
	"btcfifo-mm/pkg/types"
)

func (e *Engine) runLoop(ctx context.Context) {
	interval := e.cfg.Engine.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Nil channels in replay mode simply never fire.
	var bookCh <-chan exchange.BookUpdate
	var tradeCh <-chan types.TradePrint
	if e.pubFeed != nil {
		bookCh = e.pubFeed.BookUpdates()
		tradeCh = e.pubFeed.TradePrints()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case update := <-bookCh:
			e.applyBookUpdate(ctx, update)
			e.tick(ctx, time.Now())

		case print := <-tradeCh:
			e.regime.OnTrade(print)
			if e.paper != nil && print.Price > 0 {
				e.paper.OnPrice(money.NewUSD(print.Price))
			}
			e.tick(ctx, time.Now())

		case evt, ok := <-e.session.Events():
			if !ok {
				return
			}
			e.handleExecEvent(evt)
			e.tick(ctx, time.Now())

		case <-ticker.C:
			e.tick(ctx, time.Now())
		}
	}
}

// applyBookUpdate merges one L2 message and enforces the checksum
// contract: on mismatch, pause trading, resubscribe, and wait for the
// fresh snapshot.
func (e *Engine) applyBookUpdate(ctx context.Context, u exchange.BookUpdate) {
	if u.IsSnapshot {
		e.book.ApplySnapshot(types.BookSnapshot{
			Bids: u.Bids, Asks: u.Asks, Checksum: u.Checksum, UpdatedAt: time.Now(),
		})
		if e.desyncPaused {
			e.desyncPaused = false
			e.notifier.Notify(notify.Info, "book_resynced", "order book resynced, trading resumes", nil)
		}
		return
	}

	if !e.book.ApplyDelta(u.Bids, u.Asks, u.Checksum) {
		e.metrics.ChecksumMismatches.Inc()
		e.desyncPaused = true
		e.notifier.Notify(notify.Warning, "book_checksum_mismatch",
			"L2 checksum mismatch — trading paused until resync", nil)
		if err := e.pubFeed.Resubscribe(ctx); err != nil {
			e.logger.Error("book resubscribe failed", "error", err)
		}
	}
}

// handleExecEvent routes one execution event: rate-counter
// reconciliation, counters, slot state.
func (e *Engine) handleExecEvent(evt types.ExecEvent) {
	if evt.VenueRateCounter > 0 {
		e.limiter.Reconcile(evt.VenueRateCounter)
	}
	switch evt.Type {
	case types.EventNewAck:
		e.metrics.OrdersPlaced.Inc()
	case types.EventAmendAck:
		e.metrics.OrdersAmended.Inc()
	case types.EventReject:
		e.metrics.OrdersRejected.Inc()
	case types.EventCancelAck:
		e.metrics.OrdersCancelled.Inc()
	}
	e.ordMgr.HandleExec(evt)
}

// drainExecEvents applies every queued execution event without blocking.
func (e *Engine) drainExecEvents() {
	for {
		select {
		case evt, ok := <-e.session.Events():
			if !ok {
				return
			}
			e.handleExecEvent(evt)
		default:
			return
		}
	}
}

// tick executes the quoting pipeline exactly once.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	e.drainExecEvents()
	defer e.publishSnapshot(now)
	e.metrics.TicksTotal.Inc()

	// Ledger mismatch is loud and absolute: no trading until the
	// operator acknowledges.
	if e.ordMgr.LedgerMismatch() {
		if !e.mismatchNotified {
			e.mismatchNotified = true
			e.notifier.Notify(notify.Critical, "ledger_mismatch",
				"trading paused: ledger mismatch requires operator acknowledgement", nil)
		}
		return
	}
	if e.desyncPaused {
		return
	}

	mid, ok := e.book.MidPrice()
	if !ok || mid <= 0 {
		return
	}
	e.lastMid = mid

	// Feed the estimators.
	e.regime.OnMid(mid)
	e.spacing.OnMid(mid)
	e.rollCandle(mid, now)

	midUSD := money.NewUSD(mid)
	riskSnap := e.riskMgr.ObservePrice(midUSD, now)
	e.regime.SetCircuitFrozen(riskSnap.CircuitFrozen)

	portfolio := strategy.ComputePortfolio(e.btcQty, e.usdQty, midUSD)
	riskSnap = e.riskMgr.UpdateEquity(portfolio.EquityUSD, now)

	regimeTag := e.regime.Classify()
	band := e.cfg.Regime.RegimeBandFor(string(regimeTag))

	// Tax gating inputs.
	sellableRatio := e.taxAgent.SellableRatio()
	sellFraction := tax.SellLevelFraction(sellableRatio)
	taxLocked := sellFraction == 0 && !e.btcQty.IsZero()
	riskSnap = e.riskMgr.SetTaxLocked(taxLocked)

	e.notifyPauseTransition(riskSnap.Pause)
	e.metrics.EquityUSD.Set(portfolio.EquityUSD.Float64())
	e.metrics.DrawdownPct.Set(riskSnap.DrawdownPct)
	e.metrics.SetRegime(string(regimeTag))
	e.updateLedgerMetrics()

	// Circuit freeze blocks all dispatches for its duration.
	if riskSnap.CircuitFrozen {
		e.metrics.CircuitFrozen.Set(1)
		return
	}
	e.metrics.CircuitFrozen.Set(0)

	if riskSnap.TradingHalted() {
		// RISK_PAUSE / DUAL_LOCK: stand down the whole grid.
		e.ordMgr.SetDesired(nil)
		e.dispatch(ctx, now, true)
		return
	}

	// Spacing, profitability gate, skew.
	vol30 := e.thirtyDayVolume(now)
	baseBps := e.spacing.SpacingBps(vol30)
	if e.feeModel.ExpectedNetEdgeBps(baseBps, vol30) <= 0 {
		// Nothing profitable to quote at this spacing; leave resting
		// orders alone and wait for wider bands.
		return
	}
	minBps := e.feeModel.MinProfitableSpacingBps(vol30)
	buyBps, sellBps := e.skew.Apply(baseBps, portfolio.BTCAllocPct, band.BTCTargetPct, minBps)

	// Grid center: VWAP by default, mid as fallback or by config.
	center := midUSD
	if e.cfg.Regime.UseVWAPAsCenter {
		if vwap, ok := e.regime.VWAP(); ok && vwap > 0 {
			center = money.NewUSD(vwap)
		}
	}

	levelsBuy, levelsSell := e.levelCounts(band)
	levelsSell = int(math.Floor(float64(levelsSell) * sellFraction))

	emergency := riskSnap.SellOnly()
	if emergency {
		// EMERGENCY_SELL overrides the tax gate: full sell ladder, no buys.
		levelsBuy = 0
		_, levelsSell = e.levelCounts(band)
	}

	levels, ok := e.grid.Emit(center, buyBps, sellBps, levelsBuy, levelsSell,
		e.cfg.Grid.OrderSizeUSD, orderSizeScale(band))
	if !ok {
		e.logger.Warn("grid collapsed: sell[0] would not clear buy[0]",
			"center", center, "buy_bps", buyBps, "sell_bps", sellBps)
		return
	}

	// Tax agent vetoes or trims the sell side; no suspension happens
	// between this decision and the dispatch below.
	levels = e.gateSells(levels, riskSnap.DrawdownPct, midUSD, now)

	// Inventory caps per regime band, then the per-tick rebalance cap.
	maxBuy, maxSell := e.arbiter.Capacity(portfolio, types.RegimeConfig{
		Tag:          regimeTag,
		BTCTargetPct: band.BTCTargetPct,
		BTCMinPct:    band.BTCMinPct,
		BTCMaxPct:    band.BTCMaxPct,
	})
	if emergency {
		// The emergency ladder may liquidate past the regime band.
		maxSell = e.btcQty
	}
	levels = strategy.TrimToCapacity(levels, maxBuy, maxSell)

	e.ordMgr.SetDesired(levels)
	e.dispatch(ctx, now, riskSnap.Pause != types.Active)

	e.metrics.SpacingBps.Set(baseBps)
	e.metrics.SellableRatio.Set(sellableRatio)

	e.maybeRecommendHarvest(midUSD, now)
}

// harvestCheckInterval paces the advisory loss-harvest scan; the
// recommendations are operator-facing, never auto-executed.
const harvestCheckInterval = time.Hour

func (e *Engine) maybeRecommendHarvest(price money.USD, now time.Time) {
	if now.Sub(e.lastHarvestCheck) < harvestCheckInterval {
		return
	}
	e.lastHarvestCheck = now

	rate, err := e.ratesSrc.RateFor(now)
	if err != nil {
		return
	}
	recs := e.taxAgent.RecommendHarvest(price, rate, now)
	for _, rec := range recs {
		e.notifier.Notify(notify.Info, "harvest_candidate",
			"tax-loss harvest candidate", map[string]any{
				"lot_id":              rec.Lot.LotID,
				"purchased_at":        rec.Lot.PurchasedAt.Format("2006-01-02"),
				"remaining_btc":       rec.Lot.RemainingQty.String(),
				"unrealized_loss_eur": rec.UnrealizedLossEUR.String(),
			})
	}
}

// levelCounts resolves the per-side level counts, preferring the
// regime band's grid_levels over the global grid config.
func (e *Engine) levelCounts(band config.RegimeBand) (buy, sell int) {
	buy, sell = e.cfg.Grid.LevelsBuy, e.cfg.Grid.LevelsSell
	if band.GridLevels > 0 {
		buy, sell = band.GridLevels, band.GridLevels
	}
	return buy, sell
}

// gateSells asks the TaxAgent about the grid's total sell quantity and
// trims (or drops) the sell side per its verdict.
func (e *Engine) gateSells(levels []strategy.Level, ddPct float64, price money.USD, now time.Time) []strategy.Level {
	var sellQty money.BTC
	for _, l := range levels {
		if l.Side == types.Sell {
			sellQty = sellQty.Add(l.Qty)
		}
	}
	if sellQty.IsZero() {
		return levels
	}

	rate, err := e.ratesSrc.RateFor(now)
	if err != nil {
		e.logger.Error("eur/usd rate unavailable, dropping sell side", "error", err)
		return dropSells(levels)
	}

	decision := e.taxAgent.EvaluateSell(sellQty, ddPct, price, rate, now)
	switch decision.Verdict {
	case types.DecisionAllow, types.DecisionAllowAll:
		return levels
	case types.DecisionAllowPartial:
		return strategy.TrimToCapacity(levels, unboundedBTC, decision.AllowedQty)
	default: // VETO
		e.logger.Debug("tax veto on sell side", "reason", decision.Reason, "qty", sellQty)
		return dropSells(levels)
	}
}

// unboundedBTC caps nothing: more than all bitcoin that will ever exist.
var unboundedBTC = money.NewBTC(21_000_000)

func dropSells(levels []strategy.Level) []strategy.Level {
	kept := levels[:0]
	for _, l := range levels {
		if l.Side == types.Buy {
			kept = append(kept, l)
		}
	}
	return kept
}

// dispatch reconciles slots into intents and admits them through the
// rate limiter; whatever is deferred retries next tick.
func (e *Engine) dispatch(ctx context.Context, now time.Time, riskMode bool) {
	intents := e.ordMgr.Reconcile(ctx, now, riskMode)
	if len(intents) > 0 {
		deferred := e.limiter.AdmitIntents(intents)
		if n := len(deferred); n > 0 {
			e.metrics.IntentsDeferred.Add(float64(n))
			e.logger.Debug("intents deferred by rate limiter", "count", n)
		}
	}

	e.metrics.RateCounter.Set(e.limiter.Counter())
	e.metrics.LiveOrderCount.Set(float64(e.ordMgr.LiveOrderCount()))
	e.drainExecEvents()
}

// rollCandle aggregates mids into one-minute OHLC bars for the ATR term.
func (e *Engine) rollCandle(mid float64, now time.Time) {
	if e.candleStart.IsZero() {
		e.candleStart = now
		e.curCandle = market.Candle{High: mid, Low: mid, Close: mid}
		return
	}
	if now.Sub(e.candleStart) >= time.Minute {
		e.spacing.OnCandle(e.curCandle)
		e.candleStart = now
		e.curCandle = market.Candle{High: mid, Low: mid, Close: mid}
		return
	}
	if mid > e.curCandle.High {
		e.curCandle.High = mid
	}
	if mid < e.curCandle.Low {
		e.curCandle.Low = mid
	}
	e.curCandle.Close = mid
}

func (e *Engine) updateLedgerMetrics() {
	e.metrics.OpenLots.Set(float64(len(e.ledger.OpenLots())))
	e.metrics.TotalBTC.Set(e.ledger.TotalBTC().Float64())
	e.metrics.TaxFreeBTC.Set(e.ledger.TaxFreeBTC().Float64())
	e.metrics.YTDGainEUR.Set(e.ledger.YTDRealizedGainEUR(time.Now().UTC().Year()).Float64())
}

func orderSizeScale(band config.RegimeBand) float64 {
	if band.OrderSizeScale <= 0 {
		return 1.0
	}
	return band.OrderSizeScale
}

// notifyPauseTransition publishes every pause-state change.
func (e *Engine) notifyPauseTransition(pause types.PauseState) {
	if pause == e.lastPause {
		return
	}
	level := notify.Info
	if pause != types.Active {
		level = notify.Warning
	}
	if pause == types.EmergencySell || pause == types.DualLock {
		level = notify.Critical
	}
	e.notifier.Notify(level, "pause_transition",
		"pause state changed", map[string]any{"from": string(e.lastPause), "to": string(pause)})
	e.metrics.SetPauseState(string(pause))
	e.lastPause = pause
}

// ReplayTick drives one backtest step: mark the synthetic book at the
// replayed price, cross the paper venue, drain fills, and run the
// pipeline with the replayed clock.
func (e *Engine) ReplayTick(price, volume float64, ts time.Time) {
	e.book.ApplySnapshot(types.BookSnapshot{
		Bids:      []types.BookLevel{{Price: price - e.cfg.Venue.TickSizeUSD/2, Size: volume}},
		Asks:      []types.BookLevel{{Price: price + e.cfg.Venue.TickSizeUSD/2, Size: volume}},
		UpdatedAt: ts,
	})
	e.regime.OnTrade(types.TradePrint{Price: price, Volume: volume, Timestamp: ts})
	if e.paper != nil {
		e.paper.SetClock(func() time.Time { return ts })
		e.paper.OnPrice(money.NewUSD(price))
	}
	e.tick(context.Background(), ts)
}

// ReplayStartup runs the startup reconciliation without network feeds.
func (e *Engine) ReplayStartup(ctx context.Context) error {
	return e.startup(ctx)
}

// ReplayFinish persists the ledger at the end of a backtest run.
func (e *Engine) ReplayFinish() error {
	return e.ledger.Save()
}
