// Package money implements exact fixed-point arithmetic for the three
// currency scales the engine tracks: USD and EUR to 2 decimal places,
// BTC to 8. It wraps shopspring/decimal so that no monetary value is
// ever represented as a binary float.
package money

import "github.com/shopspring/decimal"

// USD is a United States Dollar amount rounded to 2 decimal places on
// every operation that produces a new value.
type USD struct{ d decimal.Decimal }

// BTC is a Bitcoin quantity rounded to 8 decimal places.
type BTC struct{ d decimal.Decimal }

// EUR is a Euro amount rounded to 2 decimal places.
type EUR struct{ d decimal.Decimal }

const usdScale = 2
const btcScale = 8
const eurScale = 2

func NewUSD(v float64) USD { return USD{decimal.NewFromFloat(v).Round(usdScale)} }
func NewBTC(v float64) BTC { return BTC{decimal.NewFromFloat(v).Round(btcScale)} }
func NewEUR(v float64) EUR { return EUR{decimal.NewFromFloat(v).Round(eurScale)} }

func USDFromDecimal(d decimal.Decimal) USD { return USD{d.Round(usdScale)} }
func BTCFromDecimal(d decimal.Decimal) BTC { return BTC{d.Round(btcScale)} }
func EURFromDecimal(d decimal.Decimal) EUR { return EUR{d.Round(eurScale)} }

func (u USD) Decimal() decimal.Decimal { return u.d }
func (b BTC) Decimal() decimal.Decimal { return b.d }
func (e EUR) Decimal() decimal.Decimal { return e.d }

func (u USD) Add(o USD) USD             { return USDFromDecimal(u.d.Add(o.d)) }
func (u USD) Sub(o USD) USD             { return USDFromDecimal(u.d.Sub(o.d)) }
func (u USD) Mul(f decimal.Decimal) USD { return USDFromDecimal(u.d.Mul(f)) }
func (u USD) Cmp(o USD) int             { return u.d.Cmp(o.d) }
func (u USD) IsZero() bool              { return u.d.IsZero() }
func (u USD) IsNegative() bool          { return u.d.IsNegative() }
func (u USD) String() string            { return u.d.StringFixed(usdScale) }
func (u USD) Float64() float64          { f, _ := u.d.Float64(); return f }

// DivBTC divides a USD notional by a USD price to produce a BTC quantity,
// rounded down to the lot step by the caller (GridEngine, InventoryArbiter).
func (u USD) DivBTC(price USD) BTC {
	if price.d.IsZero() {
		return ZeroBTC
	}
	return BTCFromDecimal(u.d.Div(price.d))
}

func (b BTC) Add(o BTC) BTC             { return BTCFromDecimal(b.d.Add(o.d)) }
func (b BTC) Sub(o BTC) BTC             { return BTCFromDecimal(b.d.Sub(o.d)) }
func (b BTC) Mul(f decimal.Decimal) BTC { return BTCFromDecimal(b.d.Mul(f)) }
func (b BTC) Cmp(o BTC) int             { return b.d.Cmp(o.d) }
func (b BTC) IsZero() bool              { return b.d.IsZero() }
func (b BTC) IsNegative() bool          { return b.d.IsNegative() }
func (b BTC) String() string            { return b.d.StringFixed(btcScale) }
func (b BTC) Float64() float64          { f, _ := b.d.Float64(); return f }

// MulUSD multiplies a BTC quantity by a USD price to produce a USD notional.
func (b BTC) MulUSD(price USD) USD { return USDFromDecimal(b.d.Mul(price.d)) }

// Min returns the smaller of two BTC quantities.
func (b BTC) Min(o BTC) BTC {
	if b.d.Cmp(o.d) <= 0 {
		return b
	}
	return o
}

func (e EUR) Add(o EUR) EUR             { return EURFromDecimal(e.d.Add(o.d)) }
func (e EUR) Sub(o EUR) EUR             { return EURFromDecimal(e.d.Sub(o.d)) }
func (e EUR) Mul(f decimal.Decimal) EUR { return EURFromDecimal(e.d.Mul(f)) }
func (e EUR) Div(f decimal.Decimal) EUR { return EURFromDecimal(e.d.Div(f)) }
func (e EUR) Cmp(o EUR) int             { return e.d.Cmp(o.d) }
func (e EUR) IsZero() bool              { return e.d.IsZero() }
func (e EUR) IsNegative() bool          { return e.d.IsNegative() }
func (e EUR) String() string            { return e.d.StringFixed(eurScale) }
func (e EUR) Float64() float64          { f, _ := e.d.Float64(); return f }

// ZeroUSD, ZeroBTC, ZeroEUR are the additive identities for their types.
var (
	ZeroUSD = USD{decimal.Zero}
	ZeroBTC = BTC{decimal.Zero}
	ZeroEUR = EUR{decimal.Zero}
)

// RoundTickDown rounds a USD price down to the nearest multiple of tick.
func RoundTickDown(price USD, tick decimal.Decimal) USD {
	if tick.IsZero() {
		return price
	}
	steps := price.d.Div(tick).Floor()
	return USDFromDecimal(steps.Mul(tick))
}

// RoundTickUp rounds a USD price up to the nearest multiple of tick.
func RoundTickUp(price USD, tick decimal.Decimal) USD {
	if tick.IsZero() {
		return price
	}
	steps := price.d.Div(tick).Ceil()
	return USDFromDecimal(steps.Mul(tick))
}

// RoundLotDown rounds a BTC quantity down to the nearest multiple of lotStep.
func RoundLotDown(qty BTC, lotStep decimal.Decimal) BTC {
	if lotStep.IsZero() {
		return qty
	}
	steps := qty.d.Div(lotStep).Floor()
	return BTCFromDecimal(steps.Mul(lotStep))
}
