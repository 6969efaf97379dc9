// Package strategy implements the inventory-aware grid shaping that sits
// between the market-data classifiers (internal/market) and the
// OrderManager: DeltaSkew, GridEngine, and InventoryArbiter.
package strategy

import (
	"btcfifo-mm/internal/config"
)

// DeltaSkew turns an allocation deviation from target into asymmetric
// per-side spacing offsets: over-allocated widens buys and tightens
// sells, under-allocated mirrors it.
type DeltaSkew struct {
	cfg config.SkewConfig
}

// NewDeltaSkew creates a skew model using the given config, defaulting
// sensitivity to 2.0 and max skew to 30 bps if unset.
func NewDeltaSkew(cfg config.SkewConfig) *DeltaSkew {
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = 2.0
	}
	if cfg.MaxSkewBps <= 0 {
		cfg.MaxSkewBps = 30
	}
	return &DeltaSkew{cfg: cfg}
}

// Skew returns the raw clamped skew in bps (positive = over-allocated).
func (d *DeltaSkew) Skew(btcAllocPct, targetPct float64) float64 {
	deviation := btcAllocPct - targetPct
	raw := deviation * 100 * d.cfg.Sensitivity
	return clamp(raw, -d.cfg.MaxSkewBps, d.cfg.MaxSkewBps)
}

// Apply computes per-side spacing in bps from a base spacing and the
// current allocation deviation. Both sides are floored at minBps after
// the offset is applied.
func (d *DeltaSkew) Apply(baseBps, btcAllocPct, targetPct, minBps float64) (buyBps, sellBps float64) {
	// skew > 0 (over-allocated) widens buys and tightens sells; skew < 0
	// (under-allocated) mirrors that symmetrically with the same formula.
	skew := d.Skew(btcAllocPct, targetPct)
	buyBps = baseBps + skew
	sellBps = baseBps - skew

	if buyBps < minBps {
		buyBps = minBps
	}
	if sellBps < minBps {
		sellBps = minBps
	}
	return buyBps, sellBps
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
