package market

import (
	"math"

	"btcfifo-mm/internal/config"
	"btcfifo-mm/internal/fee"
)

// Candle is one OHLC bar used to compute true range for the ATR term of
// BollingerSpacing. It carries no open or volume: true range needs only
// high, low and the previous close.
type Candle struct {
	High  float64
	Low   float64
	Close float64
}

// BollingerSpacing computes the per-tick grid spacing in basis points
// from a rolling band-width plus an optional ATR blend.
type BollingerSpacing struct {
	cfg config.SpacingConfig
	fee *fee.Model

	mids    []float64
	candles []Candle
}

// NewBollingerSpacing creates a spacing model using the given config and
// fee model (min_bps is raised to at least the fee model's minimum
// profitable spacing).
func NewBollingerSpacing(cfg config.SpacingConfig, feeModel *fee.Model) *BollingerSpacing {
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.SpacingScale <= 0 {
		cfg.SpacingScale = 1.0
	}
	if cfg.ATRWindow <= 0 {
		cfg.ATRWindow = 14
	}
	return &BollingerSpacing{cfg: cfg, fee: feeModel}
}

// OnMid feeds a new mid price into the rolling window.
func (s *BollingerSpacing) OnMid(mid float64) {
	s.mids = append(s.mids, mid)
	if len(s.mids) > s.cfg.Window {
		s.mids = s.mids[len(s.mids)-s.cfg.Window:]
	}
}

// OnCandle feeds a new OHLC bar into the ATR window.
func (s *BollingerSpacing) OnCandle(c Candle) {
	s.candles = append(s.candles, c)
	if len(s.candles) > s.cfg.ATRWindow+1 {
		s.candles = s.candles[len(s.candles)-(s.cfg.ATRWindow+1):]
	}
}

// sma and population stddev of the rolling mid window.
func (s *BollingerSpacing) smaAndStdDev() (sma, stddev float64, ok bool) {
	n := len(s.mids)
	if n == 0 {
		return 0, 0, false
	}
	sum := 0.0
	for _, m := range s.mids {
		sum += m
	}
	sma = sum / float64(n)

	var variance float64
	for _, m := range s.mids {
		d := m - sma
		variance += d * d
	}
	variance /= float64(n)
	return sma, math.Sqrt(variance), true
}

// bandwidthBps is (upper-lower)/sma*10000 where upper/lower = sma +/- multiplier*stddev.
func (s *BollingerSpacing) bandwidthBps() (float64, bool) {
	sma, stddev, ok := s.smaAndStdDev()
	if !ok || sma == 0 {
		return 0, false
	}
	upper := sma + s.cfg.Multiplier*stddev
	lower := sma - s.cfg.Multiplier*stddev
	return (upper - lower) / sma * 10_000, true
}

// atr is the mean true range over the last atr_window candles.
func (s *BollingerSpacing) atr() (float64, bool) {
	if len(s.candles) < 2 {
		return 0, false
	}
	n := s.cfg.ATRWindow
	start := 1
	if len(s.candles)-1 > n {
		start = len(s.candles) - n
	}
	var sum float64
	count := 0
	for i := start; i < len(s.candles); i++ {
		prevClose := s.candles[i-1].Close
		c := s.candles[i]
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		sum += tr
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// SpacingBps computes the final clamped spacing in basis points, raising
// min_bps to at least the fee model's minimum profitable spacing at the
// given trailing 30-day volume.
func (s *BollingerSpacing) SpacingBps(thirtyDayVolumeUSD float64) float64 {
	bw, ok := s.bandwidthBps()
	if !ok {
		bw = 0
	}
	bbSpacing := bw * s.cfg.SpacingScale

	blended := bbSpacing
	if s.cfg.ATREnabled {
		sma, _, _ := s.smaAndStdDev()
		var atrSpacing float64
		if atrVal, ok := s.atr(); ok && sma > 0 {
			atrSpacing = (atrVal / sma) * 10_000 * s.cfg.SpacingScale
		}
		w := s.cfg.ATRWeight
		blended = (1-w)*bbSpacing + w*atrSpacing
	}

	minBps := s.cfg.MinBps
	if s.fee != nil {
		if feeFloor := s.fee.MinProfitableSpacingBps(thirtyDayVolumeUSD); feeFloor > minBps {
			minBps = feeFloor
		}
	}
	maxBps := s.cfg.MaxBps
	if maxBps <= 0 {
		maxBps = math.MaxFloat64
	}

	return clampBps(blended, minBps, maxBps)
}

func clampBps(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
