package fee

import "testing"

func TestFeeTierLookup(t *testing.T) {
	t.Parallel()
	m := NewModel()

	tests := []struct {
		name      string
		volume    float64
		wantMaker float64
		wantTaker float64
	}{
		{"base tier", 0, 25, 40},
		{"just below next tier", 9_999.99, 25, 40},
		{"exactly 10k", 10_000, 20, 35},
		{"mid schedule", 300_000, 8, 18},
		{"top tier", 50_000_000, 0, 10},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			maker, taker, rt := m.FeeTier(tt.volume)
			if maker != tt.wantMaker || taker != tt.wantTaker {
				t.Errorf("FeeTier(%v) = %v/%v, want %v/%v", tt.volume, maker, taker, tt.wantMaker, tt.wantTaker)
			}
			if rt != 2*tt.wantMaker {
				t.Errorf("round-trip cost = %v, want %v", rt, 2*tt.wantMaker)
			}
		})
	}
}

func TestMinProfitableSpacing(t *testing.T) {
	t.Parallel()
	m := NewModel()

	// 2*25 + 10 + 5 at the base tier.
	if got := m.MinProfitableSpacingBps(0); got != 65 {
		t.Errorf("MinProfitableSpacingBps(0) = %v, want 65", got)
	}
	// Top tier: 0 maker fees leave only adverse selection and min edge.
	if got := m.MinProfitableSpacingBps(20_000_000); got != 15 {
		t.Errorf("MinProfitableSpacingBps(20M) = %v, want 15", got)
	}
}

func TestExpectedNetEdge(t *testing.T) {
	t.Parallel()
	m := NewModel()

	// spacing - rt_cost - adverse = 70 - 50 - 10 at the base tier.
	if got := m.ExpectedNetEdgeBps(70, 0); got != 10 {
		t.Errorf("ExpectedNetEdgeBps(70, 0) = %v, want 10", got)
	}
	// At exactly the round-trip cost plus adverse selection, edge is 0
	// and no order may be emitted.
	if got := m.ExpectedNetEdgeBps(60, 0); got != 0 {
		t.Errorf("ExpectedNetEdgeBps(60, 0) = %v, want 0", got)
	}
}
