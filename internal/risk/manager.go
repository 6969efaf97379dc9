// Package risk implements RiskManager: high-water-mark drawdown
// classification, a price-velocity circuit breaker, and the pause
// state machine composing drawdown gating with tax lock. It owns
// RiskState exclusively; every other component reads it through a
// snapshot.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"btcfifo-mm/internal/config"
	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

// priceSample is one entry in the circuit breaker's velocity ring.
type priceSample struct {
	at    time.Time
	price money.USD
}

// Snapshot is a read-only copy of RiskState plus the ambient
// consecutive-loss counter, safe to hand to other goroutines.
type Snapshot struct {
	types.RiskState
	ConsecutiveLosses int
}

// Manager owns RiskState: HWM, drawdown classification, the circuit
// breaker, and the composed pause state machine.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu    sync.RWMutex
	state types.RiskState

	samples []priceSample

	taxLocked bool // last-known tax-lock input (ACTIVE <-> TAX_LOCK)

	consecutiveLosses int
	lossWarnThreshold int
}

// NewManager creates a RiskManager seeded at the given starting
// equity; HWM starts equal to equity so drawdown begins at zero.
func NewManager(cfg config.RiskConfig, logger *slog.Logger, startingEquity money.USD) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		state: types.RiskState{
			HighWaterMarkUSD: startingEquity,
			CurrentEquityUSD: startingEquity,
			Classification:   types.Healthy,
			Pause:            types.Active,
			PauseReason:      types.ReasonNone,
		},
		lossWarnThreshold: 3,
	}
}

// AdjustHWM shifts the high-water mark by delta, used when a deposit
// or withdrawal would otherwise register as a spurious drawdown.
func (m *Manager) AdjustHWM(delta money.USD) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.HighWaterMarkUSD = m.state.HighWaterMarkUSD.Add(delta)
	m.recomputeDrawdownLocked()
}

// UpdateEquity records a fresh equity reading, advances the HWM on a
// new high, and recomputes the drawdown classification and pause
// transitions that follow from it.
func (m *Manager) UpdateEquity(equity money.USD, now time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.CurrentEquityUSD = equity
	if equity.Cmp(m.state.HighWaterMarkUSD) > 0 {
		m.state.HighWaterMarkUSD = equity
	}
	m.recomputeDrawdownLocked()
	m.applyPauseTransitionLocked()
	return m.snapshotLocked()
}

func (m *Manager) recomputeDrawdownLocked() {
	hwm := m.state.HighWaterMarkUSD
	if hwm.IsZero() {
		m.state.DrawdownPct = 0
		m.state.Classification = types.Healthy
		return
	}
	dd := hwm.Sub(m.state.CurrentEquityUSD).Float64() / hwm.Float64()
	if dd < 0 {
		dd = 0
	}
	m.state.DrawdownPct = dd
	m.state.Classification = m.classify(dd, hwm)
}

// classify buckets a drawdown fraction, optionally interpolating the
// critical threshold downward from 0.15 toward TrailingStopFloor as
// equity grows past TrailingStopBaselineUSD.
func (m *Manager) classify(dd float64, hwm money.USD) types.RiskClassification {
	critical := m.cfg.CriticalDD
	if m.cfg.TrailingStopEnabled && m.cfg.TrailingStopBaselineUSD > 0 {
		baseline := m.cfg.TrailingStopBaselineUSD
		if growth := hwm.Float64() / baseline; growth > 1 {
			floor := m.cfg.TrailingStopFloor
			if floor <= 0 {
				floor = 0.075
			}
			// Interpolate: every doubling of equity beyond baseline
			// halves the distance from 0.15 to the floor.
			interp := critical - (critical-floor)*(1-1/growth)
			if interp > floor {
				critical = interp
			} else {
				critical = floor
			}
		}
	}

	switch {
	case dd >= m.cfg.EmergencyDD:
		return types.Emergency
	case dd >= critical:
		return types.Critical
	case dd >= m.cfg.ProblemDD:
		return types.Problem
	case dd >= m.cfg.WarningDD:
		return types.Warning
	default:
		return types.Healthy
	}
}

// SetTaxLocked records whether StrategyLoop's tax gating currently
// forbids sells entirely, the other half of the pause composition.
func (m *Manager) SetTaxLocked(locked bool) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taxLocked = locked
	m.applyPauseTransitionLocked()
	return m.snapshotLocked()
}

// applyPauseTransitionLocked composes drawdown classification and tax
// lock into a single PauseState. Recovery out of a drawdown-driven pause requires
// the drawdown to fall back below critical x (1 - hysteresis), not
// merely below critical, so a pause doesn't flap at the boundary.
func (m *Manager) applyPauseTransitionLocked() {
	if m.state.Classification == types.Emergency {
		m.state.Pause = types.EmergencySell
		m.state.PauseReason = types.ReasonEmergency
		return
	}

	recoveryFloor := m.cfg.CriticalDD * (1 - m.cfg.HysteresisPct)
	wasRiskPaused := m.state.Pause == types.RiskPause || m.state.Pause == types.DualLock || m.state.Pause == types.EmergencySell

	ddCritical := m.state.Classification == types.Critical
	if !ddCritical && wasRiskPaused && m.state.DrawdownPct >= recoveryFloor {
		ddCritical = true
	}

	switch {
	case ddCritical && m.taxLocked:
		m.state.Pause = types.DualLock
		m.state.PauseReason = types.ReasonDrawdown
	case ddCritical:
		m.state.Pause = types.RiskPause
		m.state.PauseReason = types.ReasonDrawdown
	case m.taxLocked:
		m.state.Pause = types.TaxLock
		m.state.PauseReason = types.ReasonTaxLock
	default:
		m.state.Pause = types.Active
		m.state.PauseReason = types.ReasonNone
	}
}

// ObservePrice feeds the circuit breaker's velocity ring and updates
// CircuitFrozen/CircuitFrozenUntil with hysteresis. Freezes trip symmetrically on up and down moves.
func (m *Manager) ObservePrice(price money.USD, now time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := time.Duration(m.cfg.VelocityWindowSec) * time.Second
	if window <= 0 {
		window = 60 * time.Second
	}
	m.samples = append(m.samples, priceSample{at: now, price: price})

	cutoff := now.Add(-window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	// Keep one sample at or before the window edge as the velocity
	// reference point; drop everything older than that.
	if i > 0 {
		i--
	}
	m.samples = m.samples[i:]

	velocity := 0.0
	if len(m.samples) > 0 {
		ref := m.samples[0].price
		if !ref.IsZero() {
			velocity = price.Sub(ref).Float64() / ref.Float64()
			if velocity < 0 {
				velocity = -velocity
			}
		}
	}

	freezePct := m.cfg.FreezePct
	if freezePct <= 0 {
		freezePct = 0.03
	}
	cooldown := time.Duration(m.cfg.CooldownSec) * time.Second
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}

	switch {
	case !m.state.CircuitFrozen && velocity >= freezePct:
		m.state.CircuitFrozen = true
		m.state.CircuitFrozenUntil = now.Add(cooldown)
		m.logger.Warn("circuit breaker tripped", "velocity", velocity, "freeze_pct", freezePct)
	case m.state.CircuitFrozen:
		cooledDown := !now.Before(m.state.CircuitFrozenUntil)
		calm := velocity < freezePct*0.5
		if cooledDown && calm {
			m.state.CircuitFrozen = false
			m.logger.Info("circuit breaker resumed", "velocity", velocity)
		}
	}

	return m.snapshotLocked()
}

// RecordDisposalOutcome updates the ambient consecutive-loss counter
// from a FifoLedger disposal's realized gain/loss. It never gates
// trading by itself; it is surfaced on Snapshot for operator
// visibility and logged when it crosses the warn threshold.
func (m *Manager) RecordDisposalOutcome(gainLossEUR money.EUR) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gainLossEUR.IsNegative() {
		m.consecutiveLosses++
		if m.consecutiveLosses >= m.lossWarnThreshold {
			m.logger.Warn("consecutive realized losses", "count", m.consecutiveLosses)
		}
	} else {
		m.consecutiveLosses = 0
	}
}

// State returns the current RiskState and ambient counters.
func (m *Manager) State() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{RiskState: m.state, ConsecutiveLosses: m.consecutiveLosses}
}

// TradingHalted reports whether the current pause state forbids all
// order placement, buy and sell alike.
func (s Snapshot) TradingHalted() bool {
	return s.Pause == types.RiskPause || s.Pause == types.DualLock
}

// BuyOnly reports whether the current pause state restricts the
// engine to buy-side activity because sells are tax-locked.
func (s Snapshot) BuyOnly() bool {
	return s.Pause == types.TaxLock
}

// SellOnly reports whether the current pause state forces
// inventory-reducing activity only, overriding the tax lock.
func (s Snapshot) SellOnly() bool {
	return s.Pause == types.EmergencySell
}
