package market

import (
	"math"
	"time"

	"btcfifo-mm/internal/config"
	"btcfifo-mm/pkg/types"
)

// RegimeRouter classifies the current market regime from EWMA
// volatility, short-horizon momentum, and a trailing VWAP. A candidate
// regime must persist for HysteresisTicks consecutive ticks before it
// is adopted, to avoid flapping between classifications.
type RegimeRouter struct {
	cfg config.RegimeConfig

	alpha       float64
	ewmaVar     float64
	haveEWMA    bool
	lastMid     float64
	haveLastMid bool

	mids []float64 // ring of recent mids for momentum

	vwapNum    float64
	vwapDen    float64
	vwapWindow []types.TradePrint

	current      types.Regime
	candidate    types.Regime
	candidateRun int

	circuitFrozen bool
}

// NewRegimeRouter creates a router using the given config.
func NewRegimeRouter(cfg config.RegimeConfig) *RegimeRouter {
	span := cfg.EWMASpan
	if span <= 0 {
		span = 50
	}
	hysteresis := cfg.HysteresisTicks
	if hysteresis <= 0 {
		hysteresis = 5
	}
	cfg.HysteresisTicks = hysteresis
	return &RegimeRouter{
		cfg:     cfg,
		alpha:   2.0 / (float64(span) + 1.0),
		current: types.RangeBound,
	}
}

// OnMid feeds a new mid price into the EWMA-volatility and momentum
// estimators. Must be called once per tick before Classify.
func (r *RegimeRouter) OnMid(mid float64) {
	if r.haveLastMid && r.lastMid != 0 {
		ret := (mid - r.lastMid) / r.lastMid
		if !r.haveEWMA {
			if ret != 0 {
				r.ewmaVar = ret * ret
				r.haveEWMA = true
			}
		} else {
			r.ewmaVar = r.alpha*ret*ret + (1-r.alpha)*r.ewmaVar
		}
	}
	r.lastMid = mid
	r.haveLastMid = true

	window := r.cfg.MomentumWindow
	if window <= 0 {
		window = 20
	}
	r.mids = append(r.mids, mid)
	if len(r.mids) > window {
		r.mids = r.mids[len(r.mids)-window:]
	}
}

// OnTrade feeds a trade print into the trailing VWAP.
func (r *RegimeRouter) OnTrade(print types.TradePrint) {
	window := r.cfg.VWAPWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	r.vwapWindow = append(r.vwapWindow, print)
	cutoff := print.Timestamp.Add(-window)
	kept := r.vwapWindow[:0]
	for _, p := range r.vwapWindow {
		if p.Timestamp.After(cutoff) {
			kept = append(kept, p)
		}
	}
	r.vwapWindow = kept

	r.vwapNum, r.vwapDen = 0, 0
	for _, p := range r.vwapWindow {
		r.vwapNum += p.Price * p.Volume
		r.vwapDen += p.Volume
	}
}

// VWAP returns the current trailing volume-weighted average price and
// whether any volume has been observed yet.
func (r *RegimeRouter) VWAP() (float64, bool) {
	if r.vwapDen <= 0 {
		return 0, false
	}
	return r.vwapNum / r.vwapDen, true
}

// EWMAVol returns the current EWMA volatility estimate.
func (r *RegimeRouter) EWMAVol() float64 {
	return math.Sqrt(r.ewmaVar)
}

// Momentum returns (newest-oldest)/oldest over the momentum ring.
func (r *RegimeRouter) Momentum() float64 {
	if len(r.mids) < 2 {
		return 0
	}
	oldest := r.mids[0]
	newest := r.mids[len(r.mids)-1]
	if oldest == 0 {
		return 0
	}
	return (newest - oldest) / oldest
}

// SetCircuitFrozen informs the router that RiskManager's circuit
// breaker is currently frozen, which forces a chaos classification
// regardless of volatility.
func (r *RegimeRouter) SetCircuitFrozen(frozen bool) {
	r.circuitFrozen = frozen
}

// Classify runs the hysteresis-gated classification and returns the
// (possibly unchanged) adopted regime tag.
func (r *RegimeRouter) Classify() types.Regime {
	candidate := r.classifyRaw()

	if candidate == r.current {
		r.candidate = ""
		r.candidateRun = 0
		return r.current
	}

	if candidate == r.candidate {
		r.candidateRun++
	} else {
		r.candidate = candidate
		r.candidateRun = 1
	}

	if r.candidateRun >= r.cfg.HysteresisTicks {
		r.current = candidate
		r.candidate = ""
		r.candidateRun = 0
	}
	return r.current
}

func (r *RegimeRouter) classifyRaw() types.Regime {
	chaosVol := r.cfg.ChaosVol
	if chaosVol <= 0 {
		chaosVol = 0.008
	}
	if r.circuitFrozen || r.EWMAVol() > chaosVol {
		return types.Chaos
	}

	mom := r.Momentum()
	trendUp := r.cfg.TrendUpThreshold
	if trendUp <= 0 {
		trendUp = 0.015
	}
	trendDown := r.cfg.TrendDownThreshold
	if trendDown <= 0 {
		trendDown = 0.015
	}

	switch {
	case mom > trendUp:
		return types.TrendingUp
	case mom < -trendDown:
		return types.TrendingDown
	default:
		return types.RangeBound
	}
}

// Current returns the currently adopted regime without reclassifying.
func (r *RegimeRouter) Current() types.Regime {
	return r.current
}
