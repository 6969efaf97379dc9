package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

func testGrid() *GridEngine {
	return NewGridEngine(
		decimal.NewFromFloat(0.1),        // XBT/USD tick
		decimal.NewFromFloat(0.00000001), // lot step
		money.NewBTC(0.0001),             // venue minimum
	)
}

func TestEmitLadderShape(t *testing.T) {
	t.Parallel()
	g := testGrid()

	levels, ok := g.Emit(money.NewUSD(50000), 30, 30, 3, 3, 100, 1.0)
	if !ok {
		t.Fatal("grid collapsed unexpectedly")
	}

	var buys, sells []Level
	for _, l := range levels {
		if l.Side == types.Buy {
			buys = append(buys, l)
		} else {
			sells = append(sells, l)
		}
	}
	if len(buys) != 3 || len(sells) != 3 {
		t.Fatalf("levels = %d buys / %d sells, want 3/3", len(buys), len(sells))
	}

	// Buy prices strictly decreasing, sell prices strictly increasing.
	for i := 1; i < len(buys); i++ {
		if buys[i].Price.Cmp(buys[i-1].Price) >= 0 {
			t.Errorf("buy[%d]=%s not below buy[%d]=%s", i, buys[i].Price, i-1, buys[i-1].Price)
		}
	}
	for i := 1; i < len(sells); i++ {
		if sells[i].Price.Cmp(sells[i-1].Price) <= 0 {
			t.Errorf("sell[%d]=%s not above sell[%d]=%s", i, sells[i].Price, i-1, sells[i-1].Price)
		}
	}

	// Nearest sell clears nearest buy.
	if sells[0].Price.Cmp(buys[0].Price) <= 0 {
		t.Errorf("sell[0]=%s does not clear buy[0]=%s", sells[0].Price, buys[0].Price)
	}

	// Buys round down to tick, sells round up: 50000*(1-30/10000)=49850.
	if buys[0].Price.Cmp(money.NewUSD(49850.0)) != 0 {
		t.Errorf("buy[0] = %s, want 49850.0", buys[0].Price)
	}
	if sells[0].Price.Cmp(money.NewUSD(50150.0)) != 0 {
		t.Errorf("sell[0] = %s, want 50150.0", sells[0].Price)
	}
}

func TestEmitAppliesSizeScale(t *testing.T) {
	t.Parallel()
	g := testGrid()

	full, _ := g.Emit(money.NewUSD(50000), 30, 30, 1, 0, 100, 1.0)
	half, _ := g.Emit(money.NewUSD(50000), 30, 30, 1, 0, 100, 0.5)
	if len(full) != 1 || len(half) != 1 {
		t.Fatalf("levels = %d/%d, want 1/1", len(full), len(half))
	}

	ratio := half[0].Qty.Decimal().Div(full[0].Qty.Decimal())
	if ratio.Sub(decimal.NewFromFloat(0.5)).Abs().Cmp(decimal.NewFromFloat(0.01)) > 0 {
		t.Errorf("scaled qty ratio = %s, want ~0.5", ratio)
	}
}

func TestEmitRejectsDust(t *testing.T) {
	t.Parallel()
	g := testGrid()

	// $1 at $50,000 is 0.00002 BTC — below the venue minimum.
	levels, ok := g.Emit(money.NewUSD(50000), 30, 30, 2, 2, 1, 1.0)
	if len(levels) != 0 {
		t.Errorf("dust levels emitted: %+v", levels)
	}
	_ = ok
}

func TestEmitCollapsedGridRefused(t *testing.T) {
	t.Parallel()
	g := NewGridEngine(
		decimal.NewFromFloat(100), // absurd tick forces overlap
		decimal.NewFromFloat(0.00000001),
		money.NewBTC(0.0001),
	)

	// With a 100 USD tick and 1 bps spacing around $50, both sides
	// round onto the same ticks and the ladder cannot separate.
	levels, ok := g.Emit(money.NewUSD(50), 1, 1, 1, 1, 100, 1.0)
	if ok && len(levels) > 0 {
		var buy0, sell0 *money.USD
		for i := range levels {
			if levels[i].Side == types.Buy && buy0 == nil {
				buy0 = &levels[i].Price
			}
			if levels[i].Side == types.Sell && sell0 == nil {
				sell0 = &levels[i].Price
			}
		}
		if buy0 != nil && sell0 != nil && sell0.Cmp(*buy0) <= 0 {
			t.Error("collapsed grid was emitted")
		}
	}
}

func TestOneSidedGridAllowed(t *testing.T) {
	t.Parallel()
	g := testGrid()

	// Buy-only (sellable_ratio = 0) is a valid grid.
	levels, ok := g.Emit(money.NewUSD(50000), 30, 30, 3, 0, 100, 1.0)
	if !ok || len(levels) != 3 {
		t.Fatalf("buy-only grid: ok=%v levels=%d, want true/3", ok, len(levels))
	}
	for _, l := range levels {
		if l.Side != types.Buy {
			t.Errorf("unexpected side %s", l.Side)
		}
	}
}
