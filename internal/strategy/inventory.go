package strategy

import (
	"github.com/shopspring/decimal"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

// InventoryArbiter caps the grid's buy/sell capacity by the active
// regime's allocation band and a per-tick rebalance limit. It holds no
// state of its own: every call is a pure function of the current
// portfolio snapshot and regime band.
type InventoryArbiter struct {
	PerTickRebalancePct float64
}

// NewInventoryArbiter creates an arbiter using the given per-tick
// rebalance cap (fraction of equity, default 0.10).
func NewInventoryArbiter(perTickRebalancePct float64) *InventoryArbiter {
	if perTickRebalancePct <= 0 {
		perTickRebalancePct = 0.10
	}
	return &InventoryArbiter{PerTickRebalancePct: perTickRebalancePct}
}

// Capacity returns the maximum BTC quantity that may be bought and sold
// this tick, given the regime's min/max allocation band:
//
//	max_buy_btc  = max(0, (btc_max_pct - btc_alloc_pct) * equity_usd / mid_price)
//	max_sell_btc = max(0, (btc_alloc_pct - btc_min_pct) * equity_usd / mid_price)
//
// both further capped by the per-tick rebalance limit.
func (a *InventoryArbiter) Capacity(p types.Portfolio, band types.RegimeConfig) (maxBuy, maxSell money.BTC) {
	if p.MidPrice.IsZero() || p.EquityUSD.IsZero() {
		return money.ZeroBTC, money.ZeroBTC
	}

	maxBuyPct := band.BTCMaxPct - p.BTCAllocPct
	if maxBuyPct < 0 {
		maxBuyPct = 0
	}
	maxSellPct := p.BTCAllocPct - band.BTCMinPct
	if maxSellPct < 0 {
		maxSellPct = 0
	}

	maxBuy = p.EquityUSD.Mul(decimal.NewFromFloat(maxBuyPct)).DivBTC(p.MidPrice)
	maxSell = p.EquityUSD.Mul(decimal.NewFromFloat(maxSellPct)).DivBTC(p.MidPrice)

	rebalanceCap := p.EquityUSD.Mul(decimal.NewFromFloat(a.PerTickRebalancePct)).DivBTC(p.MidPrice)
	maxBuy = maxBuy.Min(rebalanceCap)
	maxSell = maxSell.Min(rebalanceCap)
	return maxBuy, maxSell
}

// TrimToCapacity drops outermost levels on each side until the
// cumulative desired quantity fits within the given per-side capacity.
func TrimToCapacity(levels []Level, maxBuy, maxSell money.BTC) []Level {
	var buys, sells []Level
	for _, l := range levels {
		if l.Side == types.Buy {
			buys = append(buys, l)
		} else {
			sells = append(sells, l)
		}
	}
	kept := append(trimSide(buys, maxBuy), trimSide(sells, maxSell)...)
	return kept
}

func trimSide(levels []Level, capQty money.BTC) []Level {
	var cum money.BTC
	kept := make([]Level, 0, len(levels))
	for _, l := range levels {
		next := cum.Add(l.Qty)
		if next.Cmp(capQty) > 0 {
			break
		}
		cum = next
		kept = append(kept, l)
	}
	return kept
}

// ComputePortfolio derives the allocation snapshot from raw holdings.
func ComputePortfolio(btcQty money.BTC, usdQty, midPrice money.USD) types.Portfolio {
	equity := usdQty.Add(btcQty.MulUSD(midPrice))
	var allocPct float64
	if !equity.IsZero() {
		allocPct = btcQty.MulUSD(midPrice).Float64() / equity.Float64()
	}
	return types.Portfolio{
		BTCQty:      btcQty,
		USDQty:      usdQty,
		MidPrice:    midPrice,
		EquityUSD:   equity,
		BTCAllocPct: allocPct,
	}
}
