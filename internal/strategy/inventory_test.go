package strategy

import (
	"testing"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

func testBand() types.RegimeConfig {
	return types.RegimeConfig{
		Tag:          types.RangeBound,
		BTCTargetPct: 0.5,
		BTCMinPct:    0.3,
		BTCMaxPct:    0.7,
	}
}

func TestComputePortfolioBalanced(t *testing.T) {
	p := ComputePortfolio(money.NewBTC(1), money.NewUSD(50000), money.NewUSD(50000))
	if p.EquityUSD.Cmp(money.NewUSD(100000)) != 0 {
		t.Errorf("equity = %v, want 100000", p.EquityUSD)
	}
	if p.BTCAllocPct != 0.5 {
		t.Errorf("alloc = %v, want 0.5", p.BTCAllocPct)
	}
}

func TestCapacityWithinBand(t *testing.T) {
	a := NewInventoryArbiter(1.0) // no rebalance cap binding
	p := ComputePortfolio(money.NewBTC(1), money.NewUSD(50000), money.NewUSD(50000))

	maxBuy, maxSell := a.Capacity(p, testBand())
	// alloc=0.5, max=0.7 -> buy headroom 0.2 * 100000 / 50000 = 0.4 BTC
	// alloc=0.5, min=0.3 -> sell headroom 0.2 * 100000 / 50000 = 0.4 BTC
	if maxBuy.Cmp(money.NewBTC(0.4)) != 0 {
		t.Errorf("maxBuy = %v, want 0.4", maxBuy)
	}
	if maxSell.Cmp(money.NewBTC(0.4)) != 0 {
		t.Errorf("maxSell = %v, want 0.4", maxSell)
	}
}

func TestCapacityClampsAtBandEdge(t *testing.T) {
	a := NewInventoryArbiter(1.0)
	// fully allocated to BTC: no more buying allowed, full sell headroom to min
	p := ComputePortfolio(money.NewBTC(2), money.ZeroUSD, money.NewUSD(50000))

	maxBuy, maxSell := a.Capacity(p, testBand())
	if !maxBuy.IsZero() {
		t.Errorf("maxBuy = %v, want 0 at max allocation", maxBuy)
	}
	if maxSell.IsZero() {
		t.Error("maxSell should be positive when allocation exceeds min band")
	}
}

func TestCapacityRebalanceCapBinds(t *testing.T) {
	a := NewInventoryArbiter(0.05) // tight per-tick cap
	p := ComputePortfolio(money.NewBTC(1), money.NewUSD(50000), money.NewUSD(50000))

	maxBuy, _ := a.Capacity(p, testBand())
	// band headroom would be 0.4 BTC, but rebalance cap is 0.05*100000/50000=0.1
	if maxBuy.Cmp(money.NewBTC(0.1)) != 0 {
		t.Errorf("maxBuy = %v, want 0.1 (rebalance-capped)", maxBuy)
	}
}

func TestCapacityZeroEquity(t *testing.T) {
	a := NewInventoryArbiter(0.1)
	p := ComputePortfolio(money.ZeroBTC, money.ZeroUSD, money.NewUSD(50000))

	maxBuy, maxSell := a.Capacity(p, testBand())
	if !maxBuy.IsZero() || !maxSell.IsZero() {
		t.Error("capacity should be zero with zero equity")
	}
}

func TestTrimToCapacityDropsOutermostLevels(t *testing.T) {
	levels := []Level{
		{Side: types.Buy, Price: money.NewUSD(49900), Qty: money.NewBTC(0.05)},
		{Side: types.Buy, Price: money.NewUSD(49800), Qty: money.NewBTC(0.05)},
		{Side: types.Buy, Price: money.NewUSD(49700), Qty: money.NewBTC(0.05)},
		{Side: types.Sell, Price: money.NewUSD(50100), Qty: money.NewBTC(0.05)},
	}

	trimmed := TrimToCapacity(levels, money.NewBTC(0.08), money.NewBTC(0.05))

	var buyCount, sellCount int
	var buyQty money.BTC
	for _, l := range trimmed {
		if l.Side == types.Buy {
			buyCount++
			buyQty = buyQty.Add(l.Qty)
		} else {
			sellCount++
		}
	}
	if buyCount != 1 {
		t.Errorf("buyCount = %d, want 1 (only the first 0.05 fits under 0.08 cap)", buyCount)
	}
	if sellCount != 1 {
		t.Errorf("sellCount = %d, want 1", sellCount)
	}
	if buyQty.Cmp(money.NewBTC(0.05)) != 0 {
		t.Errorf("buyQty = %v, want 0.05", buyQty)
	}
}

func TestTrimToCapacityZeroCapDropsAll(t *testing.T) {
	levels := []Level{
		{Side: types.Buy, Price: money.NewUSD(49900), Qty: money.NewBTC(0.05)},
	}
	trimmed := TrimToCapacity(levels, money.ZeroBTC, money.ZeroBTC)
	if len(trimmed) != 0 {
		t.Errorf("trimmed = %v, want empty", trimmed)
	}
}

func TestCapacityUsesDecimalArithmetic(t *testing.T) {
	a := NewInventoryArbiter(1.0)
	p := types.Portfolio{
		BTCQty:      money.NewBTC(0.33333333),
		USDQty:      money.NewUSD(12345.67),
		MidPrice:    money.NewUSD(61234.56),
		EquityUSD:   money.NewUSD(12345.67).Add(money.NewBTC(0.33333333).MulUSD(money.NewUSD(61234.56))),
		BTCAllocPct: 0.0,
	}
	maxBuy, maxSell := a.Capacity(p, testBand())
	if maxBuy.IsNegative() || maxSell.IsNegative() {
		t.Error("capacity should never be negative")
	}
}
