// Package tax implements TaxAgent: the sell-gating decision layer on
// top of the FIFO ledger. It never mutates the
// ledger; it only reads lot state to veto, allow, or partially allow a
// proposed sell, and to recommend tax-loss harvesting candidates.
package tax

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"btcfifo-mm/internal/ledger"
	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Config holds the agent's tunables.
type Config struct {
	HoldingPeriod          time.Duration
	NearThreshold          time.Duration
	AnnualExemptionEUR     money.EUR
	EmergencyDDOverridePct float64
	HarvestEnabled         bool
	HarvestMinLossEUR      money.EUR
	HarvestMaxPerDay       int
	HarvestTargetNetEUR    money.EUR
}

// DefaultConfig returns the statutory defaults: 365-day holding
// period, 330-day near-threshold protection, €1000 Freigrenze, 20% dd
// emergency override.
func DefaultConfig() Config {
	return Config{
		HoldingPeriod:          365 * 24 * time.Hour,
		NearThreshold:          330 * 24 * time.Hour,
		AnnualExemptionEUR:     money.NewEUR(1000),
		EmergencyDDOverridePct: 0.20,
		HarvestEnabled:         true,
		HarvestMinLossEUR:      money.NewEUR(50),
		HarvestMaxPerDay:       3,
		HarvestTargetNetEUR:    money.NewEUR(0),
	}
}

// Decision is the outcome of EvaluateSell, carrying the verdict and,
// for ALLOW_PARTIAL, the maximum sellable quantity.
type Decision struct {
	Verdict    types.TaxDecision
	AllowedQty money.BTC
	Reason     string
}

// Agent evaluates sell requests against a read-only ledger handle.
type Agent struct {
	cfg    Config
	ledger *ledger.Ledger
}

// New creates a TaxAgent bound to the given ledger.
func New(cfg Config, l *ledger.Ledger) *Agent {
	return &Agent{cfg: cfg, ledger: l}
}

// EvaluateSell runs the sell-gating decision ladder. Projecting the
// YTD taxable gain needs a hypothetical sale price, so the signature
// takes the price and EUR/USD rate the grid would realize, exactly
// like RecordSell's inputs.
func (a *Agent) EvaluateSell(qty money.BTC, currentDDPct float64, priceUSD money.USD, eurUSDRate float64, now time.Time) Decision {
	if currentDDPct >= a.cfg.EmergencyDDOverridePct {
		return Decision{Verdict: types.DecisionAllowAll, AllowedQty: qty, Reason: "emergency drawdown override"}
	}

	open := a.ledger.OpenLots()

	taxFreeQty := a.taxFreeQty(open, now)
	if taxFreeQty.Cmp(qty) >= 0 {
		return Decision{Verdict: types.DecisionAllow, AllowedQty: qty, Reason: "covered by tax-free lots"}
	}

	need := qty.Sub(taxFreeQty)
	taxable := a.taxableEligibleLots(open, now)

	var eligibleTotal money.BTC
	for _, lot := range taxable {
		eligibleTotal = eligibleTotal.Add(lot.RemainingQty)
	}
	if eligibleTotal.Cmp(need) < 0 {
		// Near-threshold protection leaves too little eligible supply
		// to satisfy the remainder at all.
		allowed := taxFreeQty.Add(eligibleTotal)
		if allowed.IsZero() {
			return Decision{Verdict: types.DecisionVeto, Reason: "insufficient eligible lots"}
		}
		return Decision{Verdict: types.DecisionAllowPartial, AllowedQty: allowed, Reason: "near-threshold lots excluded"}
	}

	currentYTD := a.ledger.YTDRealizedGainEUR(now.Year())
	projectedGain := a.projectedGain(taxable, need, priceUSD, eurUSDRate)

	if currentYTD.Add(projectedGain).Cmp(a.cfg.AnnualExemptionEUR) <= 0 {
		return Decision{Verdict: types.DecisionAllow, AllowedQty: qty, Reason: "within annual exemption"}
	}

	// Exceeds the Freigrenze: binary-search the largest quantity whose
	// projected gain keeps YTD strictly at or below the exemption
	// (all-or-nothing once crossed).
	partialQty := a.maxQtyWithinExemption(taxable, currentYTD, priceUSD, eurUSDRate, need)
	allowed := taxFreeQty.Add(partialQty)
	if allowed.IsZero() {
		return Decision{Verdict: types.DecisionVeto, Reason: "would breach Freigrenze"}
	}
	return Decision{Verdict: types.DecisionAllowPartial, AllowedQty: allowed, Reason: "capped to stay within Freigrenze"}
}

func (a *Agent) taxFreeQty(open []types.TaxLot, now time.Time) money.BTC {
	var total money.BTC
	for _, lot := range open {
		if now.Sub(lot.PurchasedAt) >= a.cfg.HoldingPeriod {
			total = total.Add(lot.RemainingQty)
		}
	}
	return total
}

// taxableEligibleLots returns open, not-yet-tax-free lots whose age is
// NOT within the near-threshold protection window [near, holding),
// sorted oldest first for FIFO simulation. NearThreshold is the
// absolute age (330 days) at which protection begins.
func (a *Agent) taxableEligibleLots(open []types.TaxLot, now time.Time) []types.TaxLot {
	nearStart := a.cfg.NearThreshold
	var out []types.TaxLot
	for _, lot := range open {
		age := now.Sub(lot.PurchasedAt)
		if age >= a.cfg.HoldingPeriod {
			continue // already tax-free, handled separately
		}
		if age >= nearStart {
			continue // protected near-threshold lot
		}
		out = append(out, lot)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PurchasedAt.Equal(out[j].PurchasedAt) {
			return out[i].LotID < out[j].LotID
		}
		return out[i].PurchasedAt.Before(out[j].PurchasedAt)
	})
	return out
}

// projectedGain simulates FIFO consumption of qty from lots at the
// given hypothetical sale price, returning the total gain/loss in EUR
// (mirroring FifoLedger.RecordSell's math without mutating anything).
func (a *Agent) projectedGain(lots []types.TaxLot, qty money.BTC, priceUSD money.USD, eurUSDRate float64) money.EUR {
	remaining := qty
	var gain money.EUR
	rate := decimalFromFloat(eurUSDRate)

	for _, lot := range lots {
		if remaining.IsZero() {
			break
		}
		portion := lot.RemainingQty.Min(remaining)
		if portion.IsZero() {
			continue
		}
		costProportion := portion.Decimal().Div(lot.OriginalQty.Decimal())
		costBasisEUR := lot.TotalEUR.Mul(costProportion)
		proceedsEUR := money.EURFromDecimal(portion.MulUSD(priceUSD).Decimal().Div(rate))
		gain = gain.Add(proceedsEUR.Sub(costBasisEUR))
		remaining = remaining.Sub(portion)
	}
	return gain
}

// maxQtyWithinExemption binary-searches (in steps of want/40) the
// largest quantity in [0, want] whose projected gain keeps
// currentYTD + gain at or below the exemption.
func (a *Agent) maxQtyWithinExemption(lots []types.TaxLot, currentYTD money.EUR, priceUSD money.USD, eurUSDRate float64, want money.BTC) money.BTC {
	const steps = 40
	lo, hi := 0, steps
	best := money.ZeroBTC

	fits := func(frac int) bool {
		qty := want.Mul(decimalFromFloat(float64(frac) / steps))
		gain := a.projectedGain(lots, qty, priceUSD, eurUSDRate)
		return currentYTD.Add(gain).Cmp(a.cfg.AnnualExemptionEUR) <= 0
	}

	for lo <= hi {
		mid := (lo + hi) / 2
		if fits(mid) {
			best = want.Mul(decimalFromFloat(float64(mid) / steps))
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// SellableRatio is the level-count scaling input:
// ratio = clamp(tax_free_btc / max(total_btc, eps), 0, 1).
func (a *Agent) SellableRatio() float64 {
	total := a.ledger.TotalBTC()
	taxFree := a.ledger.TaxFreeBTC()

	const eps = 1e-8
	denom := total.Float64()
	if denom < eps {
		denom = eps
	}
	ratio := taxFree.Float64() / denom
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// SellLevelFraction maps SellableRatio to the fraction of sell-side
// grid levels that may be emitted this tick.
func SellLevelFraction(ratio float64) float64 {
	switch {
	case ratio >= 0.8:
		return 1.0
	case ratio >= 0.5:
		return 0.6
	case ratio >= 0.2:
		return 0.2
	default:
		return 0.0
	}
}

// RecommendHarvest returns loss-harvesting candidates, largest loss
// first, that would realize a loss to reduce this year's taxable gain
// toward the configured target. Returns nil if
// harvesting is disabled or there is no YTD gain to offset.
func (a *Agent) RecommendHarvest(currentPriceUSD money.USD, eurUSDRate float64, now time.Time) []types.HarvestRecommendation {
	if !a.cfg.HarvestEnabled {
		return nil
	}
	ytd := a.ledger.YTDRealizedGainEUR(now.Year())
	if ytd.Cmp(money.ZeroEUR) <= 0 {
		return nil
	}

	nearStart := a.cfg.NearThreshold
	candidates := a.ledger.UnderwaterLots(currentPriceUSD, eurUSDRate)

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UnrealizedLossEUR.Cmp(candidates[j].UnrealizedLossEUR) > 0
	})

	var out []types.HarvestRecommendation
	projectedNet := ytd
	for _, c := range candidates {
		if len(out) >= a.cfg.HarvestMaxPerDay {
			break
		}
		age := now.Sub(c.Lot.PurchasedAt)
		if age >= nearStart {
			continue // never harvest near-threshold lots
		}
		if c.UnrealizedLossEUR.Cmp(a.cfg.HarvestMinLossEUR) < 0 {
			continue
		}
		out = append(out, c)
		projectedNet = projectedNet.Sub(c.UnrealizedLossEUR)
		if projectedNet.Cmp(a.cfg.HarvestTargetNetEUR) <= 0 {
			break
		}
	}
	return out
}
