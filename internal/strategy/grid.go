package strategy

import (
	"github.com/shopspring/decimal"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

// Level is one desired grid position emitted by GridEngine.
type Level struct {
	Side  types.Side
	Price money.USD
	Qty   money.BTC
}

// GridEngine emits the desired ladder of buy/sell levels around a
// center price, given per-side spacing and level counts.
// Multiplicative spacing is the only mode used by
// default.
type GridEngine struct {
	Tick    decimal.Decimal
	LotStep decimal.Decimal
	MinBTC  money.BTC
}

// NewGridEngine creates an engine using the venue's tick/lot-step
// conventions.
func NewGridEngine(tick, lotStep decimal.Decimal, minBTC money.BTC) *GridEngine {
	return &GridEngine{Tick: tick, LotStep: lotStep, MinBTC: minBTC}
}

// Emit computes the desired ladder. orderSizeUSD is the per-level
// notional before the regime's order_size_scale is applied. Returns an
// empty grid (and ok=false) if the resulting sell[0] would not clear
// buy[0] — the caller should log and skip dispatch that tick.
func (g *GridEngine) Emit(center money.USD, buySpacingBps, sellSpacingBps float64, levelsBuy, levelsSell int, orderSizeUSD float64, orderSizeScale float64) ([]Level, bool) {
	scale := decimal.NewFromFloat(orderSizeScale)
	notional := money.NewUSD(orderSizeUSD).Mul(scale)

	var levels []Level

	for i := 0; i < levelsBuy; i++ {
		factor := decimal.NewFromInt(int64(i + 1)).Mul(decimal.NewFromFloat(buySpacingBps)).Div(decimal.NewFromInt(10_000))
		raw := center.Mul(decimal.NewFromInt(1).Sub(factor))
		price := money.RoundTickDown(raw, g.Tick)
		qty := money.RoundLotDown(notional.DivBTC(price), g.LotStep)
		if qty.Cmp(g.MinBTC) < 0 {
			continue
		}
		levels = append(levels, Level{Side: types.Buy, Price: price, Qty: qty})
	}

	for i := 0; i < levelsSell; i++ {
		factor := decimal.NewFromInt(int64(i + 1)).Mul(decimal.NewFromFloat(sellSpacingBps)).Div(decimal.NewFromInt(10_000))
		raw := center.Mul(decimal.NewFromInt(1).Add(factor))
		price := money.RoundTickUp(raw, g.Tick)
		qty := money.RoundLotDown(notional.DivBTC(price), g.LotStep)
		if qty.Cmp(g.MinBTC) < 0 {
			continue
		}
		levels = append(levels, Level{Side: types.Sell, Price: price, Qty: qty})
	}

	if !g.sellClearsBuy(levels) {
		return nil, false
	}
	return levels, true
}

// sellClearsBuy checks sell[0] > buy[0] among the emitted levels (the
// nearest level on each side, i.e. i=0).
func (g *GridEngine) sellClearsBuy(levels []Level) bool {
	var buy0, sell0 *money.USD
	for i := range levels {
		l := levels[i]
		if l.Side == types.Buy && buy0 == nil {
			buy0 = &l.Price
		}
		if l.Side == types.Sell && sell0 == nil {
			sell0 = &l.Price
		}
	}
	if buy0 == nil || sell0 == nil {
		return len(levels) > 0 // one-sided grid (e.g. buy-only when sellable_ratio=0) is fine
	}
	return sell0.Cmp(*buy0) > 0
}
