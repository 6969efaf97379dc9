// Package ledger implements the German §23 EStG FIFO tax ledger: a
// single-writer store of BTC purchase lots and the disposals that
// consume them in strictly ascending purchase-time order. The ledger
// exclusively owns lots and disposals; TaxAgent holds only a read-only
// handle.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/internal/store"
	"btcfifo-mm/pkg/types"
)

// ErrInsufficientLots is returned by RecordSell when the requested sale
// quantity exceeds total open lot quantity — the ledger never silently
// short-sells.
var ErrInsufficientLots = errors.New("ledger: insufficient open lots for requested sale")

// ErrCorrupt marks an unreadable ledger file. Fatal at startup: the
// engine refuses to trade over a ledger it cannot trust (the CLI maps
// it to exit code 3).
var ErrCorrupt = errors.New("ledger: file corrupt")

const ledgerVersion = 1

// document is the on-disk shape: plain JSON-friendly fields so the
// ledger file format stays stable across money-type refactors (keys
// are never renamed; unknown keys are tolerated forward-compatibly on
// load).
type document struct {
	Version   int                `json:"version"`
	Lots      []lotDoc           `json:"lots"`
	Disposals []disposalDoc      `json:"disposals"`
	YTDCache  map[string]float64 `json:"ytd_cache"`
}

type lotDoc struct {
	LotID        string    `json:"lot_id"`
	VenueOrderID string    `json:"venue_order_id"`
	VenueTradeID string    `json:"venue_trade_id"`
	Source       string    `json:"source"`
	PurchasedAt  time.Time `json:"purchased_at"`
	OriginalQty  string    `json:"original_qty_btc"`
	RemainingQty string    `json:"remaining_qty_btc"`
	PriceUSD     string    `json:"purchase_price_usd"`
	TotalUSD     string    `json:"purchase_total_usd"`
	FeeUSD       string    `json:"purchase_fee_usd"`
	PriceEUR     string    `json:"purchase_price_eur"`
	TotalEUR     string    `json:"purchase_total_eur"`
	EURUSDRate   float64   `json:"eur_usd_rate_at_purchase"`
}

type disposalDoc struct {
	DisposalID   string    `json:"disposal_id"`
	LotID        string    `json:"lot_id"`
	DisposedAt   time.Time `json:"disposed_at"`
	Qty          string    `json:"qty_btc"`
	SalePriceUSD string    `json:"sale_price_usd"`
	SaleFeeUSD   string    `json:"sale_fee_usd_portion"`
	EURUSDRate   float64   `json:"eur_usd_rate_at_sale"`
	ProceedsEUR  string    `json:"proceeds_eur"`
	CostBasisEUR string    `json:"cost_basis_eur"`
	GainLossEUR  string    `json:"gain_loss_eur"`
	IsTaxable    bool      `json:"is_taxable"`
}

// Ledger is the FIFO tax ledger. All mutating operations are
// serialized by the caller (StrategyLoop, per tick) but the ledger
// additionally guards its own state with a mutex since report/CLI
// readers may consult it concurrently with the strategy task.
type Ledger struct {
	mu sync.RWMutex

	holdingPeriod time.Duration
	store         *store.Store

	lots      []*types.TaxLot
	disposals []types.Disposal
	ytdCache  map[int]money.EUR // year -> realized taxable gain

	totalBTC   money.BTC
	taxFreeBTC money.BTC
	cacheAt    time.Time
	cacheValid bool
}

// New creates an empty ledger with the given holding period (365 days
// under German law) and an optional backing store for
// persistence. st may be nil for pure in-memory use (tests).
func New(holdingPeriod time.Duration, st *store.Store) *Ledger {
	return &Ledger{
		holdingPeriod: holdingPeriod,
		store:         st,
		ytdCache:      make(map[int]money.EUR),
	}
}

// Load restores ledger state from the backing store. Returns nil
// (leaving the ledger empty) if no document has ever been saved.
func (l *Ledger) Load() error {
	if l.store == nil {
		return nil
	}
	var doc document
	if err := l.store.Load(&doc); err != nil {
		if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lots = make([]*types.TaxLot, 0, len(doc.Lots))
	for _, ld := range doc.Lots {
		lot := &types.TaxLot{
			LotID:        ld.LotID,
			VenueOrderID: ld.VenueOrderID,
			VenueTradeID: ld.VenueTradeID,
			Source:       types.LotSource(ld.Source),
			PurchasedAt:  ld.PurchasedAt,
			OriginalQty:  money.NewBTC(parseFloat(ld.OriginalQty)),
			RemainingQty: money.NewBTC(parseFloat(ld.RemainingQty)),
			PriceUSD:     money.NewUSD(parseFloat(ld.PriceUSD)),
			TotalUSD:     money.NewUSD(parseFloat(ld.TotalUSD)),
			FeeUSD:       money.NewUSD(parseFloat(ld.FeeUSD)),
			PriceEUR:     money.NewEUR(parseFloat(ld.PriceEUR)),
			TotalEUR:     money.NewEUR(parseFloat(ld.TotalEUR)),
			EURUSDRate:   ld.EURUSDRate,
		}
		lot.TaxFreeAt = lot.PurchasedAt.Add(l.holdingPeriod)
		l.lots = append(l.lots, lot)
	}

	l.disposals = make([]types.Disposal, 0, len(doc.Disposals))
	for _, dd := range doc.Disposals {
		l.disposals = append(l.disposals, types.Disposal{
			DisposalID:   dd.DisposalID,
			LotID:        dd.LotID,
			DisposedAt:   dd.DisposedAt,
			Qty:          money.NewBTC(parseFloat(dd.Qty)),
			SalePriceUSD: money.NewUSD(parseFloat(dd.SalePriceUSD)),
			SaleFeeUSD:   money.NewUSD(parseFloat(dd.SaleFeeUSD)),
			EURUSDRate:   dd.EURUSDRate,
			ProceedsEUR:  money.NewEUR(parseFloat(dd.ProceedsEUR)),
			CostBasisEUR: money.NewEUR(parseFloat(dd.CostBasisEUR)),
			GainLossEUR:  money.NewEUR(parseFloat(dd.GainLossEUR)),
			IsTaxable:    dd.IsTaxable,
		})
	}

	l.ytdCache = make(map[int]money.EUR, len(doc.YTDCache))
	for yearStr, v := range doc.YTDCache {
		var year int
		fmt.Sscanf(yearStr, "%d", &year)
		l.ytdCache[year] = money.NewEUR(v)
	}

	l.cacheValid = false
	return nil
}

// Save persists the ledger atomically. Safe to call from any
// goroutine; the backing store serializes concurrent saves.
func (l *Ledger) Save() error {
	if l.store == nil {
		return nil
	}
	l.mu.RLock()
	doc := l.toDocument()
	l.mu.RUnlock()
	return l.store.Save(doc)
}

func (l *Ledger) toDocument() document {
	doc := document{
		Version:  ledgerVersion,
		YTDCache: make(map[string]float64, len(l.ytdCache)),
	}
	for _, lot := range l.lots {
		doc.Lots = append(doc.Lots, lotDoc{
			LotID:        lot.LotID,
			VenueOrderID: lot.VenueOrderID,
			VenueTradeID: lot.VenueTradeID,
			Source:       string(lot.Source),
			PurchasedAt:  lot.PurchasedAt,
			OriginalQty:  lot.OriginalQty.String(),
			RemainingQty: lot.RemainingQty.String(),
			PriceUSD:     lot.PriceUSD.String(),
			TotalUSD:     lot.TotalUSD.String(),
			FeeUSD:       lot.FeeUSD.String(),
			PriceEUR:     lot.PriceEUR.String(),
			TotalEUR:     lot.TotalEUR.String(),
			EURUSDRate:   lot.EURUSDRate,
		})
	}
	for _, d := range l.disposals {
		doc.Disposals = append(doc.Disposals, disposalDoc{
			DisposalID:   d.DisposalID,
			LotID:        d.LotID,
			DisposedAt:   d.DisposedAt,
			Qty:          d.Qty.String(),
			SalePriceUSD: d.SalePriceUSD.String(),
			SaleFeeUSD:   d.SaleFeeUSD.String(),
			EURUSDRate:   d.EURUSDRate,
			ProceedsEUR:  d.ProceedsEUR.String(),
			CostBasisEUR: d.CostBasisEUR.String(),
			GainLossEUR:  d.GainLossEUR.String(),
			IsTaxable:    d.IsTaxable,
		})
	}
	for year, gain := range l.ytdCache {
		doc.YTDCache[fmt.Sprintf("%d", year)] = gain.Float64()
	}
	return doc
}

// RecordBuy appends a new TaxLot for a buy fill. eurUSDRate is the ECB
// reference rate valid on purchasedAt's UTC date.
func (l *Ledger) RecordBuy(trade types.Trade, eurUSDRate float64) *types.TaxLot {
	l.mu.Lock()
	defer l.mu.Unlock()

	qty := money.NewBTC(trade.Qty)
	priceUSD := money.NewUSD(trade.Price)
	totalUSD := qty.MulUSD(priceUSD)
	feeUSD := money.NewUSD(trade.Fee)

	rateDec := decimalFromFloat(eurUSDRate)
	priceEUR := money.EURFromDecimal(priceUSD.Decimal().Div(rateDec))
	totalEUR := money.EURFromDecimal(totalUSD.Add(feeUSD).Decimal().Div(rateDec))

	lot := &types.TaxLot{
		LotID:        uuid.NewString(),
		VenueOrderID: trade.VenueOrderID,
		VenueTradeID: trade.VenueTradeID,
		Source:       trade.Source,
		PurchasedAt:  trade.Timestamp,
		OriginalQty:  qty,
		RemainingQty: qty,
		PriceUSD:     priceUSD,
		TotalUSD:     totalUSD,
		FeeUSD:       feeUSD,
		PriceEUR:     priceEUR,
		TotalEUR:     totalEUR,
		EURUSDRate:   eurUSDRate,
		TaxFreeAt:    trade.Timestamp.Add(l.holdingPeriod),
	}
	l.lots = append(l.lots, lot)
	l.cacheValid = false
	return lot
}

// RecordSell consumes oldest open lots in purchase-time order
// (tie-broken by ascending lot_id) to satisfy trade.Qty. Returns
// ErrInsufficientLots if open quantity is insufficient — no disposals
// are created in that case.
func (l *Ledger) RecordSell(trade types.Trade, eurUSDRate float64) ([]types.Disposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sellQty := money.NewBTC(trade.Qty)

	open := l.openLotsLocked()
	var available money.BTC
	for _, lot := range open {
		available = available.Add(lot.RemainingQty)
	}
	if available.Cmp(sellQty) < 0 {
		return nil, ErrInsufficientLots
	}

	rateDec := decimalFromFloat(eurUSDRate)
	salePriceUSD := money.NewUSD(trade.Price)
	saleFeeUSD := money.NewUSD(trade.Fee)

	var disposals []types.Disposal
	remaining := sellQty

	for _, lot := range open {
		if remaining.IsZero() {
			break
		}
		sellPortion := lot.RemainingQty.Min(remaining)
		if sellPortion.IsZero() {
			continue
		}

		costProportion := sellPortion.Decimal().Div(lot.OriginalQty.Decimal())
		costBasisEUR := lot.TotalEUR.Mul(costProportion)

		feePortionUSD := money.USDFromDecimal(
			saleFeeUSD.Decimal().Mul(sellPortion.Decimal()).Div(sellQty.Decimal()),
		)
		grossUSD := sellPortion.MulUSD(salePriceUSD)
		proceedsEUR := money.EURFromDecimal(grossUSD.Sub(feePortionUSD).Decimal().Div(rateDec))
		gainLossEUR := proceedsEUR.Sub(costBasisEUR)

		isTaxable := trade.Timestamp.Sub(lot.PurchasedAt) < l.holdingPeriod

		d := types.Disposal{
			DisposalID:   uuid.NewString(),
			LotID:        lot.LotID,
			DisposedAt:   trade.Timestamp,
			Qty:          sellPortion,
			SalePriceUSD: salePriceUSD,
			SaleFeeUSD:   feePortionUSD,
			EURUSDRate:   eurUSDRate,
			ProceedsEUR:  proceedsEUR,
			CostBasisEUR: costBasisEUR,
			GainLossEUR:  gainLossEUR,
			IsTaxable:    isTaxable,
		}
		disposals = append(disposals, d)
		l.disposals = append(l.disposals, d)

		lot.RemainingQty = lot.RemainingQty.Sub(sellPortion)
		remaining = remaining.Sub(sellPortion)

		if isTaxable {
			year := trade.Timestamp.Year()
			l.ytdCache[year] = l.ytdCache[year].Add(gainLossEUR)
		}
	}

	l.cacheValid = false
	return disposals, nil
}

// openLotsLocked returns lots with remaining > 0, sorted ascending by
// purchase time then lot_id (caller must hold l.mu).
func (l *Ledger) openLotsLocked() []*types.TaxLot {
	var open []*types.TaxLot
	for _, lot := range l.lots {
		if !lot.RemainingQty.IsZero() {
			open = append(open, lot)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].PurchasedAt.Equal(open[j].PurchasedAt) {
			return open[i].LotID < open[j].LotID
		}
		return open[i].PurchasedAt.Before(open[j].PurchasedAt)
	})
	return open
}

// refreshCacheLocked recomputes total_btc/tax_free_btc.
func (l *Ledger) refreshCacheLocked() {
	if l.cacheValid {
		return
	}
	var total, taxFree money.BTC
	now := time.Now()
	for _, lot := range l.lots {
		total = total.Add(lot.RemainingQty)
		if !now.Before(lot.TaxFreeAt) {
			taxFree = taxFree.Add(lot.RemainingQty)
		}
	}
	l.totalBTC = total
	l.taxFreeBTC = taxFree
	l.cacheValid = true
	l.cacheAt = now
}

// TotalBTC returns the sum of remaining quantity across all open lots.
func (l *Ledger) TotalBTC() money.BTC {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshCacheLocked()
	return l.totalBTC
}

// TaxFreeBTC returns the sum of remaining quantity across lots whose
// holding period has elapsed as of now.
func (l *Ledger) TaxFreeBTC() money.BTC {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshCacheLocked()
	return l.taxFreeBTC
}

// OpenLots returns a snapshot of currently open/partial lots, oldest
// first.
func (l *Ledger) OpenLots() []types.TaxLot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lots := l.openLotsLocked()
	out := make([]types.TaxLot, len(lots))
	for i, lot := range lots {
		out[i] = *lot
	}
	return out
}

// UnderwaterLots returns open lots whose mark-to-market EUR value is
// below their EUR cost basis, paired with the unrealized loss.
func (l *Ledger) UnderwaterLots(currentPriceUSD money.USD, currentEURUSDRate float64) []types.HarvestRecommendation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rateDec := decimalFromFloat(currentEURUSDRate)
	var out []types.HarvestRecommendation
	for _, lot := range l.lots {
		if lot.RemainingQty.IsZero() {
			continue
		}
		markEUR := money.EURFromDecimal(
			lot.RemainingQty.MulUSD(currentPriceUSD).Decimal().Div(rateDec),
		)
		costProportion := lot.RemainingQty.Decimal().Div(lot.OriginalQty.Decimal())
		costBasisEUR := lot.TotalEUR.Mul(costProportion)
		if markEUR.Cmp(costBasisEUR) < 0 {
			loss := costBasisEUR.Sub(markEUR)
			out = append(out, types.HarvestRecommendation{
				Lot:               *lot,
				UnrealizedLossEUR: loss,
			})
		}
	}
	return out
}

// YTDRealizedGainEUR returns the cached sum of taxable gain/loss
// realized in the given calendar year.
func (l *Ledger) YTDRealizedGainEUR(year int) money.EUR {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ytdCache[year]
}

// AllLots returns a copy of every lot ever recorded, open and closed,
// oldest purchase first — the report generator resolves acquisition
// dates through it.
func (l *Ledger) AllLots() []types.TaxLot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.TaxLot, len(l.lots))
	for i, lot := range l.lots {
		out[i] = *lot
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PurchasedAt.Equal(out[j].PurchasedAt) {
			return out[i].LotID < out[j].LotID
		}
		return out[i].PurchasedAt.Before(out[j].PurchasedAt)
	})
	return out
}

// Disposals returns a copy of all disposals recorded so far, in
// creation order.
func (l *Ledger) Disposals() []types.Disposal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Disposal, len(l.disposals))
	copy(out, l.disposals)
	return out
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
