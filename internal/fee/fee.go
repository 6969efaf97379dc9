// Package fee implements the venue's maker/taker fee schedule and the
// profitability checks that gate spacing decisions: orders are only
// worth resting when the spacing clears the round-trip fee cost plus
// an adverse-selection allowance.
package fee

// Tier is one row of the fee schedule: fees in basis points by 30-day
// USD trading volume.
type Tier struct {
	MinVolumeUSD float64
	MakerBps     float64
	TakerBps     float64
}

// schedule is the venue's published fee table.
var schedule = []Tier{
	{0, 25, 40},
	{10_000, 20, 35},
	{50_000, 14, 24},
	{100_000, 12, 20},
	{250_000, 8, 18},
	{500_000, 6, 16},
	{1_000_000, 4, 14},
	{5_000_000, 2, 12},
	{10_000_000, 0, 10},
}

// Model exposes fee-tier lookups and the profitability gates derived
// from them.
type Model struct {
	AdverseSelectionBps float64
	MinEdgeBps          float64
}

// NewModel returns a Model with the stock tuning.
func NewModel() *Model {
	return &Model{AdverseSelectionBps: 10, MinEdgeBps: 5}
}

// FeeTier returns the maker/taker bps and round-trip cost for the
// given trailing 30-day USD volume.
func (m *Model) FeeTier(thirtyDayVolumeUSD float64) (makerBps, takerBps, rtCostBps float64) {
	tier := schedule[0]
	for _, t := range schedule {
		if thirtyDayVolumeUSD >= t.MinVolumeUSD {
			tier = t
		} else {
			break
		}
	}
	return tier.MakerBps, tier.TakerBps, 2 * tier.MakerBps
}

// MinProfitableSpacingBps is the minimum spacing, in bps, that can
// ever be profitable at the given volume tier.
func (m *Model) MinProfitableSpacingBps(thirtyDayVolumeUSD float64) float64 {
	makerBps, _, _ := m.FeeTier(thirtyDayVolumeUSD)
	return 2*makerBps + m.AdverseSelectionBps + m.MinEdgeBps
}

// ExpectedNetEdgeBps is the expected profit, in bps, of a round trip
// at the given spacing and volume tier. Orders may only be emitted
// when this is strictly positive.
func (m *Model) ExpectedNetEdgeBps(spacingBps, thirtyDayVolumeUSD float64) float64 {
	_, _, rtCostBps := m.FeeTier(thirtyDayVolumeUSD)
	return spacingBps - rtCostBps - m.AdverseSelectionBps
}
