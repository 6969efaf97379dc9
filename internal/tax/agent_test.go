package tax

import (
	"testing"
	"time"

	"btcfifo-mm/internal/ledger"
	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

func newTestAgent() (*Agent, *ledger.Ledger) {
	cfg := DefaultConfig()
	l := ledger.New(cfg.HoldingPeriod, nil)
	return New(cfg, l), l
}

func TestEvaluateSellAllowWhenTaxFree(t *testing.T) {
	a, l := newTestAgent()
	now := time.Now()
	l.RecordBuy(types.Trade{Qty: 0.02, Price: 50000, Timestamp: now.Add(-366 * 24 * time.Hour)}, 1.10)

	d := a.EvaluateSell(money.NewBTC(0.02), 0, money.NewUSD(51000), 1.10, now)
	if d.Verdict != types.DecisionAllow {
		t.Errorf("verdict = %v, want ALLOW", d.Verdict)
	}
}

func TestEvaluateSellEmergencyOverride(t *testing.T) {
	a, l := newTestAgent()
	now := time.Now()
	l.RecordBuy(types.Trade{Qty: 0.01, Price: 50000, Timestamp: now}, 1.10)

	d := a.EvaluateSell(money.NewBTC(0.01), 0.21, money.NewUSD(40000), 1.10, now)
	if d.Verdict != types.DecisionAllowAll {
		t.Errorf("verdict = %v, want ALLOW_ALL at dd=0.21", d.Verdict)
	}
}

func TestEvaluateSellWithinExemption(t *testing.T) {
	a, l := newTestAgent()
	now := time.Now()
	// Tiny lot, tiny gain, comfortably within the 1000 EUR exemption.
	l.RecordBuy(types.Trade{Qty: 0.001, Price: 50000, Timestamp: now}, 1.10)

	d := a.EvaluateSell(money.NewBTC(0.001), 0, money.NewUSD(50100), 1.10, now)
	if d.Verdict != types.DecisionAllow {
		t.Errorf("verdict = %v, want ALLOW (small gain within Freigrenze)", d.Verdict)
	}
}

func TestEvaluateSellGatedOverExemption(t *testing.T) {
	a, l := newTestAgent()
	now := time.Now()
	// Large lot, large price jump -> gain far exceeds 1000 EUR and
	// the lot is fresh (not near-threshold-protected... actually must
	// be within the taxable-eligible window, not near threshold).
	l.RecordBuy(types.Trade{Qty: 1.0, Price: 50000, Timestamp: now.Add(-10 * 24 * time.Hour)}, 1.10)

	d := a.EvaluateSell(money.NewBTC(1.0), 0, money.NewUSD(60000), 1.10, now)
	if d.Verdict != types.DecisionAllowPartial && d.Verdict != types.DecisionVeto {
		t.Errorf("verdict = %v, want ALLOW_PARTIAL or VETO for large gain", d.Verdict)
	}
}

func TestEvaluateSellNearThresholdProtection(t *testing.T) {
	a, l := newTestAgent()
	now := time.Now()
	// Age = 340 days: within [330, 365) near-threshold protection window.
	l.RecordBuy(types.Trade{Qty: 0.01, Price: 50000, Timestamp: now.Add(-340 * 24 * time.Hour)}, 1.10)

	d := a.EvaluateSell(money.NewBTC(0.01), 0, money.NewUSD(60000), 1.10, now)
	if d.Verdict == types.DecisionAllow {
		t.Error("near-threshold lot should not be freely sellable via the taxable path")
	}
}

func TestEvaluateSellMidAgeLotIsEligible(t *testing.T) {
	a, l := newTestAgent()
	now := time.Now()
	// Age = 100 days: taxable but well before the 330-day protection
	// start, so the lot must be freely consumable by the taxable path.
	// The tiny projected gain stays inside the Freigrenze.
	l.RecordBuy(types.Trade{Qty: 0.01, Price: 50000, Timestamp: now.Add(-100 * 24 * time.Hour)}, 1.10)

	d := a.EvaluateSell(money.NewBTC(0.01), 0, money.NewUSD(50100), 1.10, now)
	if d.Verdict != types.DecisionAllow {
		t.Errorf("verdict = %v, want ALLOW for a 100-day-old lot (protection starts at 330 days)", d.Verdict)
	}
}

func TestSellableRatioFullWhenAllTaxFree(t *testing.T) {
	a, l := newTestAgent()
	now := time.Now()
	l.RecordBuy(types.Trade{Qty: 0.01, Price: 50000, Timestamp: now.Add(-400 * 24 * time.Hour)}, 1.10)
	_ = l.TotalBTC() // warm cache

	if ratio := a.SellableRatio(); ratio != 1.0 {
		t.Errorf("SellableRatio = %v, want 1.0", ratio)
	}
}

func TestSellableRatioZeroWhenAllFresh(t *testing.T) {
	a, l := newTestAgent()
	l.RecordBuy(types.Trade{Qty: 0.01, Price: 50000, Timestamp: time.Now()}, 1.10)

	if ratio := a.SellableRatio(); ratio != 0.0 {
		t.Errorf("SellableRatio = %v, want 0.0 for all-fresh lots", ratio)
	}
}

func TestSellLevelFractionMapping(t *testing.T) {
	cases := []struct {
		ratio float64
		want  float64
	}{
		{0.9, 1.0},
		{0.8, 1.0},
		{0.6, 0.6},
		{0.5, 0.6},
		{0.3, 0.2},
		{0.2, 0.2},
		{0.1, 0.0},
	}
	for _, c := range cases {
		if got := SellLevelFraction(c.ratio); got != c.want {
			t.Errorf("SellLevelFraction(%v) = %v, want %v", c.ratio, got, c.want)
		}
	}
}

func TestRecommendHarvestRequiresYTDGain(t *testing.T) {
	a, l := newTestAgent()
	now := time.Now()
	l.RecordBuy(types.Trade{Qty: 0.01, Price: 60000, Timestamp: now}, 1.10)

	recs := a.RecommendHarvest(money.NewUSD(50000), 1.10, now)
	if recs != nil {
		t.Error("no YTD gain recorded yet, harvest should not be recommended")
	}
}

func TestRecommendHarvestSkipsNearThreshold(t *testing.T) {
	a, l := newTestAgent()
	now := time.Now()

	// Realize a YTD gain to create harvesting motive.
	l.RecordBuy(types.Trade{Qty: 0.01, Price: 40000, Timestamp: now}, 1.10)
	l.RecordSell(types.Trade{Qty: 0.01, Price: 50000, Timestamp: now}, 1.10)

	// Two underwater lots: one at 340 days (protected, never harvested)
	// and one at 100 days (fair game). The protected one carries the
	// larger loss so it is considered, and skipped, first.
	l.RecordBuy(types.Trade{Qty: 0.01, Price: 90000, Timestamp: now.Add(-340 * 24 * time.Hour)}, 1.10)
	l.RecordBuy(types.Trade{Qty: 0.01, Price: 80000, Timestamp: now.Add(-100 * 24 * time.Hour)}, 1.10)

	recs := a.RecommendHarvest(money.NewUSD(50000), 1.10, now)
	if len(recs) == 0 {
		t.Fatal("expected the 100-day underwater lot to be recommended")
	}
	for _, r := range recs {
		age := now.Sub(r.Lot.PurchasedAt)
		// Protection starts at the literal 330-day threshold.
		if age >= 330*24*time.Hour {
			t.Errorf("harvest recommendation includes near-threshold lot, age=%v", age)
		}
		if age < 99*24*time.Hour {
			t.Errorf("unexpected lot recommended, age=%v", age)
		}
	}
}
