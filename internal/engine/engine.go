// Package engine is the central orchestrator of the market-making bot.
//
// It wires together all subsystems:
//
//  1. The exchange session (live REST+WS, or the paper simulator) carries
//     order commands out and execution events back.
//  2. The public WS feed mirrors the L2 book (checksum-validated), trade
//     prints, and the ticker into the strategy loop's event channels.
//  3. The strategy loop (loop.go) runs the tick pipeline: regime → risk →
//     spacing → skew → grid → tax gate → inventory caps → slot diff →
//     rate-limited dispatch.
//  4. The FIFO tax ledger records every fill; the persistence worker
//     saves it with coalesced atomic writes.
//  5. The heartbeat goroutine re-arms the venue's dead-man's switch.
//
// Lifecycle: New() → Run(ctx) → [runs until ctx cancelled] → graceful
// drain: cancel orders, disarm DMS, persist ledger, close session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shopspring/decimal"

	"btcfifo-mm/internal/config"
	"btcfifo-mm/internal/exchange"
	"btcfifo-mm/internal/fee"
	"btcfifo-mm/internal/ledger"
	"btcfifo-mm/internal/market"
	"btcfifo-mm/internal/metrics"
	"btcfifo-mm/internal/money"
	"btcfifo-mm/internal/notify"
	"btcfifo-mm/internal/orders"
	"btcfifo-mm/internal/rates"
	"btcfifo-mm/internal/risk"
	"btcfifo-mm/internal/store"
	"btcfifo-mm/internal/strategy"
	"btcfifo-mm/internal/tax"
	"btcfifo-mm/pkg/types"
)

const shutdownDeadline = 5 * time.Second

// volSample is one fill's notional in the trailing 30-day volume window.
type volSample struct {
	at       time.Time
	notional float64
}

// Engine owns every component and the goroutines that drive them.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	session  exchange.Session
	pubFeed  *exchange.WSFeed       // nil in backtest mode
	privFeed *exchange.WSFeed       // nil in dry-run/backtest mode
	paper    *exchange.PaperSession // non-nil in dry-run/backtest mode

	book     *market.Book
	regime   *market.RegimeRouter
	spacing  *market.BollingerSpacing
	skew     *strategy.DeltaSkew
	grid     *strategy.GridEngine
	arbiter  *strategy.InventoryArbiter
	feeModel *fee.Model
	riskMgr  *risk.Manager
	ledger   *ledger.Ledger
	taxAgent *tax.Agent
	ordMgr   *orders.Manager
	limiter  *exchange.RateLimiter
	ratesSrc rates.Source
	notifier notify.Notifier
	metrics  *metrics.Metrics

	// Portfolio state, mutated only on the strategy goroutine.
	usdQty money.USD
	btcQty money.BTC

	volWindow []volSample

	// Candle state for the ATR term, rolled once per minute.
	curCandle   market.Candle
	candleStart time.Time

	lastPause        types.PauseState
	lastMid          float64
	lastHarvestCheck time.Time

	mismatchNotified bool
	desyncPaused     bool

	// bookFetch seeds the book from REST depth before the WS snapshot
	// arrives; nil in dry-run/replay mode.
	bookFetch func(context.Context) (types.BookSnapshot, error)

	saveCh chan struct{}

	snapMu sync.RWMutex
	snap   StatusSnapshot
}

// New wires all components for live or dry-run operation. Dry-run keeps
// the real market-data feed but routes orders to the paper simulator.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	var (
		session   exchange.Session
		privFeed  *exchange.WSFeed
		paper     *exchange.PaperSession
		bookFetch func(context.Context) (types.BookSnapshot, error)
	)

	if cfg.DryRun {
		paper = exchange.NewPaperSession(
			money.NewUSD(cfg.Paper.StartUSD),
			money.NewBTC(cfg.Paper.StartBTC),
			25, // paper fills pay the base maker tier
		)
		session = paper
	} else {
		auth, err := exchange.NewAuth(cfg.Venue.APIKey, cfg.Venue.APISecret)
		if err != nil {
			return nil, err
		}
		client := exchange.NewClient(cfg.Venue.RESTBaseURL, cfg.Venue.Pair, auth, logger)
		privFeed = exchange.NewPrivateFeed(cfg.Venue.WSPrivateURL, cfg.Venue.Pair, client.WebSocketToken, logger)
		session = exchange.NewLiveSession(client, privFeed)
		bookFetch = func(ctx context.Context) (types.BookSnapshot, error) {
			return client.BookSnapshot(ctx, cfg.Engine.BookDepth)
		}
	}

	ratesSrc, err := buildRatesSource(cfg.Rates)
	if err != nil {
		return nil, err
	}

	eng, err := build(cfg, logger, session, ratesSrc)
	if err != nil {
		return nil, err
	}
	eng.bookFetch = bookFetch
	eng.pubFeed = exchange.NewPublicFeed(cfg.Venue.WSPublicURL, cfg.Venue.Pair, cfg.Engine.BookDepth, logger)
	eng.privFeed = privFeed
	eng.paper = paper
	return eng, nil
}

// NewReplay wires the engine for backtest mode: no network feeds, a
// paper session for fills, and a static EUR/USD rate. The caller drives
// it with ReplayTick.
func NewReplay(cfg config.Config, logger *slog.Logger, staticRate float64) (*Engine, error) {
	paper := exchange.NewPaperSession(
		money.NewUSD(cfg.Paper.StartUSD),
		money.NewBTC(cfg.Paper.StartBTC),
		25,
	)
	eng, err := build(cfg, logger, paper, rates.StaticSource(staticRate))
	if err != nil {
		return nil, err
	}
	eng.paper = paper
	return eng, nil
}

func buildRatesSource(cfg config.RatesConfig) (rates.Source, error) {
	if cfg.StaticRate > 0 {
		return rates.StaticSource(cfg.StaticRate), nil
	}
	if cfg.FixturePath == "" {
		return nil, fmt.Errorf("rates.fixture_path or rates.static_rate must be set")
	}
	src, err := rates.NewFileSource(cfg.FixturePath)
	if err != nil {
		return nil, fmt.Errorf("load rates fixture: %w", err)
	}
	return src, nil
}

func build(cfg config.Config, logger *slog.Logger, session exchange.Session, ratesSrc rates.Source) (*Engine, error) {
	ledgerPath := cfg.Store.LedgerFile
	if ledgerPath == "" {
		ledgerPath = filepath.Join(cfg.Store.DataDir, "ledger.json")
	}
	st, err := store.Open(ledgerPath)
	if err != nil {
		return nil, err
	}

	holding := time.Duration(cfg.Tax.HoldingPeriodDays) * 24 * time.Hour
	led := ledger.New(holding, st)

	taxCfg := tax.Config{
		HoldingPeriod:          holding,
		NearThreshold:          time.Duration(cfg.Tax.NearThresholdDays) * 24 * time.Hour,
		AnnualExemptionEUR:     money.NewEUR(cfg.Tax.AnnualExemptionEUR),
		EmergencyDDOverridePct: cfg.Tax.EmergencyDDOverridePct,
		HarvestEnabled:         cfg.Tax.HarvestEnabled,
		HarvestMinLossEUR:      money.NewEUR(cfg.Tax.HarvestMinLossEUR),
		HarvestMaxPerDay:       cfg.Tax.HarvestMaxPerDay,
		HarvestTargetNetEUR:    money.NewEUR(cfg.Tax.HarvestTargetNetEUR),
	}

	feeModel := fee.NewModel()
	tick := decimal.NewFromFloat(cfg.Venue.TickSizeUSD)
	lotStep := decimal.NewFromFloat(cfg.Venue.LotStepBTC)

	eng := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		session:   session,
		book:      market.NewBook(),
		regime:    market.NewRegimeRouter(cfg.Regime),
		spacing:   market.NewBollingerSpacing(cfg.Spacing, feeModel),
		skew:      strategy.NewDeltaSkew(cfg.Skew),
		grid:      strategy.NewGridEngine(tick, lotStep, money.NewBTC(cfg.Venue.MinOrderBTC)),
		arbiter:   strategy.NewInventoryArbiter(cfg.Grid.PerTickRebalancePct),
		feeModel:  feeModel,
		riskMgr:   risk.NewManager(cfg.Risk, logger, money.ZeroUSD),
		ledger:    led,
		taxAgent:  tax.New(taxCfg, led),
		limiter:   exchange.NewRateLimiter(cfg.RateLim.Max, cfg.RateLim.DecayPerSec, cfg.RateLim.HeadroomPct),
		ratesSrc:  ratesSrc,
		notifier:  notify.NewLogNotifier(logger),
		metrics:   metrics.New(),
		lastPause: types.Active,
		saveCh:    make(chan struct{}, 1),
	}

	eng.ordMgr = orders.NewManager(orders.Config{
		PriceTick:          tick,
		LotStep:            lotStep,
		PendingTimeout:     cfg.Venue.PendingTimeout,
		HeartbeatInterval:  time.Duration(cfg.Venue.HeartbeatIntervalSec) * time.Second,
		CancelAfterTimeout: time.Duration(cfg.Venue.CancelAfterTimeoutSec) * time.Second,
	}, session, eng.onFill, logger)

	return eng, nil
}

// SetNotifier swaps the notification collaborator (before Run).
func (e *Engine) SetNotifier(n notify.Notifier) {
	e.notifier = n
}

// Metrics exposes the engine's instrument set for the API server.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Run starts the engine and blocks until ctx is cancelled, then drains
// gracefully. Returns the first fatal error.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startup(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if e.pubFeed != nil {
		g.Go(func() error {
			err := e.pubFeed.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if e.privFeed != nil {
		g.Go(func() error {
			err := e.privFeed.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		e.ordMgr.RunHeartbeat(gctx)
		return nil
	})
	g.Go(func() error {
		e.saveWorker(gctx)
		return nil
	})
	g.Go(func() error {
		e.runLoop(gctx)
		return nil
	})

	err := g.Wait()

	e.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startup loads the ledger, seeds balances, and reconciles our slots
// against the venue's open-order snapshot before the loop begins.
func (e *Engine) startup(ctx context.Context) error {
	if err := e.ledger.Load(); err != nil {
		return err // ErrCorrupt: refuse to start
	}
	e.logger.Info("ledger loaded",
		"open_lots", len(e.ledger.OpenLots()),
		"total_btc", e.ledger.TotalBTC(),
	)

	usd, btc, err := e.session.Balances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	e.usdQty, e.btcQty = usd, btc

	open, err := e.session.OpenOrdersSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("open orders snapshot: %w", err)
	}
	e.ordMgr.ReconcileSnapshot(ctx, open)

	// Seed the book from REST depth so the first ticks have a mid
	// before the WS snapshot lands.
	if e.bookFetch != nil {
		if snap, err := e.bookFetch(ctx); err != nil {
			e.logger.Warn("initial book snapshot failed", "error", err)
		} else if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
			e.book.ApplySnapshot(snap)
		}
	}

	e.logger.Info("engine started",
		"pair", e.cfg.Venue.Pair,
		"usd", usd, "btc", btc,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// shutdown drains the engine: cancel orders, disarm the DMS, persist
// the ledger synchronously, close the session. Bounded by a 5s deadline.
func (e *Engine) shutdown() {
	e.logger.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	e.ordMgr.CancelAll(ctx)
	if err := e.ordMgr.DisarmDMS(ctx); err != nil {
		e.logger.Warn("disarm dead-man's switch failed", "error", err)
	}
	if err := e.ledger.Save(); err != nil {
		e.logger.Error("final ledger save failed", "error", err)
	}
	if e.pubFeed != nil {
		e.pubFeed.Close()
	}
	if err := e.session.Close(); err != nil {
		e.logger.Warn("session close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// requestSave schedules a coalesced async ledger save: a request while
// one is in flight leaves exactly one more queued.
func (e *Engine) requestSave() {
	select {
	case e.saveCh <- struct{}{}:
	default:
	}
}

func (e *Engine) saveWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.saveCh:
			if err := e.ledger.Save(); err != nil {
				e.logger.Error("ledger save failed", "error", err)
				e.notifier.Notify(notify.Critical, "ledger_save_failed", "ledger save failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// onFill is the OrderManager's fill handler: ledger dispatch, portfolio
// and volume bookkeeping. An InsufficientLots error propagates back and
// latches the ledger-mismatch state.
func (e *Engine) onFill(trade types.Trade) error {
	rate, err := e.ratesSrc.RateFor(trade.Timestamp)
	if err != nil {
		return fmt.Errorf("eur/usd rate for fill: %w", err)
	}

	qty := money.NewBTC(trade.Qty)
	notional := qty.MulUSD(money.NewUSD(trade.Price))
	feeUSD := money.NewUSD(trade.Fee)

	if trade.Side == types.Buy {
		e.ledger.RecordBuy(trade, rate)
		e.usdQty = e.usdQty.Sub(notional).Sub(feeUSD)
		e.btcQty = e.btcQty.Add(qty)
	} else {
		disposals, err := e.ledger.RecordSell(trade, rate)
		if err != nil {
			e.notifier.Notify(notify.Critical, "ledger_mismatch",
				"sell fill exceeds ledger holdings — trading paused until operator acknowledgement",
				map[string]any{"order_id": trade.VenueOrderID, "qty": trade.Qty})
			return err
		}
		for _, d := range disposals {
			e.riskMgr.RecordDisposalOutcome(d.GainLossEUR)
		}
		e.usdQty = e.usdQty.Add(notional).Sub(feeUSD)
		e.btcQty = e.btcQty.Sub(qty)
	}

	e.metrics.FillsTotal.WithLabelValues(string(trade.Side)).Inc()
	e.volWindow = append(e.volWindow, volSample{at: trade.Timestamp, notional: notional.Float64()})
	e.requestSave()

	e.logger.Info("fill",
		"side", trade.Side, "qty", trade.Qty, "price", trade.Price,
		"fee", trade.Fee, "usd", e.usdQty, "btc", e.btcQty,
	)
	return nil
}

// thirtyDayVolume returns the trailing 30-day filled notional plus the
// configured seed.
func (e *Engine) thirtyDayVolume(now time.Time) float64 {
	cutoff := now.Add(-30 * 24 * time.Hour)
	kept := e.volWindow[:0]
	total := e.cfg.Engine.ThirtyDayVolumeSeedUSD
	for _, s := range e.volWindow {
		if s.at.After(cutoff) {
			kept = append(kept, s)
			total += s.notional
		}
	}
	e.volWindow = kept
	return total
}

// AcknowledgeLedgerMismatch clears the mismatch latch after an operator
// confirmed ledger and venue agree again (exposed via the API server).
func (e *Engine) AcknowledgeLedgerMismatch() {
	e.ordMgr.AcknowledgeMismatch()
	e.mismatchNotified = false
	e.notifier.Notify(notify.Info, "ledger_mismatch_ack", "ledger mismatch acknowledged, trading resumes", nil)
}

// AdjustHWM forwards a deposit/withdrawal adjustment to the risk
// manager so external cash flow doesn't register as drawdown.
func (e *Engine) AdjustHWM(deltaUSD float64) {
	e.riskMgr.AdjustHWM(money.NewUSD(deltaUSD))
}
