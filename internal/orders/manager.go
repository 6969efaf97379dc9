// Package orders implements OrderManager: the per-slot state machine
// that reconciles the desired grid against live venue orders with an
// amend-first protocol. The manager exclusively owns all OrderSlots;
// the StrategyLoop is the only caller of its mutating operations,
// serialized per tick.
package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"btcfifo-mm/internal/exchange"
	"btcfifo-mm/internal/money"
	"btcfifo-mm/internal/strategy"
	"btcfifo-mm/pkg/types"
)

const (
	costNew    = 1.0
	costAmend  = 1.0
	costCancel = 1.0
)

// Config bundles the venue conventions and timeouts the manager needs.
type Config struct {
	PriceTick      decimal.Decimal
	LotStep        decimal.Decimal
	PendingTimeout time.Duration // default 1500ms

	HeartbeatInterval  time.Duration // default 20s
	CancelAfterTimeout time.Duration // default 60s
}

func (c Config) withDefaults() Config {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 1500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.CancelAfterTimeout <= 0 {
		c.CancelAfterTimeout = 60 * time.Second
	}
	return c
}

// FillHandler receives each normalized fill for ledger dispatch. An
// error (InsufficientLots) flips the manager into the ledger-mismatch
// state: trading pauses until an operator acknowledges.
type FillHandler func(trade types.Trade) error

// slot wraps OrderSlot with reconciliation bookkeeping that never
// leaves this package.
type slot struct {
	types.OrderSlot

	hasDesired   bool
	desiredSide  types.Side
	forceReplace bool            // amend was rejected: retry as cancel+add
	priorState   types.SlotState // state to revert to on reject
}

// Manager owns the order slots and drives the exchange session.
type Manager struct {
	cfg     Config
	session exchange.Session
	onFill  FillHandler
	logger  *slog.Logger

	slots []*slot

	ledgerMismatch bool
	rejectCount    int
}

// NewManager creates an OrderManager bound to a session and a fill
// handler.
func NewManager(cfg Config, session exchange.Session, onFill FillHandler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		session: session,
		onFill:  onFill,
		logger:  logger.With("component", "orders"),
	}
}

// SetDesired assigns this tick's desired grid to the slots, growing the
// slot set if the grid has more levels than any previous tick. Levels
// beyond the desired set have their desire cleared, which reconciles
// them into cancels.
func (m *Manager) SetDesired(levels []strategy.Level) {
	for len(m.slots) < len(levels) {
		m.slots = append(m.slots, &slot{
			OrderSlot: types.OrderSlot{SlotIndex: len(m.slots), State: types.Empty},
		})
	}
	for i, s := range m.slots {
		if i < len(levels) {
			l := levels[i]
			s.hasDesired = true
			s.DesiredPrice = l.Price
			s.DesiredQty = l.Qty
			if s.State == types.Empty {
				s.Side = l.Side
			}
			// A live slot quoting the opposite side keeps its live side
			// until the cancel clears; desiredSide is what we compare.
			s.desiredSide = l.Side
		} else {
			s.hasDesired = false
		}
	}
}

// Reconcile walks every slot and emits the commands that move live
// state toward desired state, as rate-limited intents. Slot state only
// advances when an intent actually dispatches, so deferred intents
// retry naturally on the next tick. riskMode promotes amends in the
// admission priority order (risk-amend > normal-amend).
func (m *Manager) Reconcile(ctx context.Context, now time.Time, riskMode bool) []exchange.Intent {
	var intents []exchange.Intent

	amendPriority := exchange.PriorityNormalAmend
	if riskMode {
		amendPriority = exchange.PriorityRiskAmend
	}

	for _, s := range m.slots {
		s := s

		switch s.State {
		case types.PendingNew, types.AmendPending, types.CancelPending:
			// At most one pending command per slot: nothing may stack
			// until the ack arrives or the pending op goes stale.
			if now.Sub(s.PendingSince) > m.cfg.PendingTimeout {
				m.expireStale(ctx, s, now, &intents)
			}
			continue

		case types.Empty:
			if !s.hasDesired {
				continue
			}
			intents = append(intents, exchange.Intent{
				Priority: exchange.PriorityNew,
				Cost:     costNew,
				Dispatch: func() { m.dispatchAdd(ctx, s, now) },
			})

		case types.Live:
			switch {
			case !s.hasDesired:
				intents = append(intents, exchange.Intent{
					Priority: exchange.PriorityCancel,
					Cost:     costCancel,
					Dispatch: func() { m.dispatchCancel(ctx, s, now) },
				})

			case s.desiredSide != s.Side || s.forceReplace:
				// Side change (or a rejected amend) forces cancel+add:
				// the add happens next tick once the slot is EMPTY.
				intents = append(intents, exchange.Intent{
					Priority: exchange.PriorityCancel,
					Cost:     costCancel,
					Dispatch: func() { m.dispatchCancel(ctx, s, now) },
				})

			case m.differs(s):
				intents = append(intents, exchange.Intent{
					Priority: amendPriority,
					Cost:     costAmend,
					Dispatch: func() { m.dispatchAmend(ctx, s, now) },
				})
			}
		}
	}
	return intents
}

// differs compares live vs desired params with the venue epsilons:
// one price tick, one BTC lot step.
func (m *Manager) differs(s *slot) bool {
	priceDiff := s.LivePrice.Decimal().Sub(s.DesiredPrice.Decimal()).Abs()
	if priceDiff.Cmp(m.cfg.PriceTick) > 0 {
		return true
	}
	qtyDiff := s.LiveQty.Decimal().Sub(s.DesiredQty.Decimal()).Abs()
	return qtyDiff.Cmp(m.cfg.LotStep) > 0
}

// expireStale handles a pending command that outlived PendingTimeout.
func (m *Manager) expireStale(ctx context.Context, s *slot, now time.Time, intents *[]exchange.Intent) {
	m.logger.Warn("pending command stale",
		"slot", s.SlotIndex, "state", s.State, "age", now.Sub(s.PendingSince))

	if s.LiveOrderID == "" {
		// A stale PENDING_NEW that never got an order ID has nothing to
		// cancel by; release the slot and let the next tick re-quote.
		m.clearSlot(s)
		return
	}
	if s.State == types.CancelPending {
		// Re-issue the cancel.
		s.State = types.Live
	}
	*intents = append(*intents, exchange.Intent{
		Priority: exchange.PriorityCancel,
		Cost:     costCancel,
		Dispatch: func() { m.dispatchCancel(ctx, s, now) },
	})
}

func (m *Manager) dispatchAdd(ctx context.Context, s *slot, now time.Time) {
	clOrdID := uuid.NewString()
	if err := m.session.AddOrder(ctx, clOrdID, s.desiredSide, s.DesiredPrice, s.DesiredQty); err != nil {
		m.logger.Warn("add order failed", "slot", s.SlotIndex, "error", err)
		return // slot stays EMPTY; retried next tick
	}
	s.priorState = types.Empty
	s.State = types.PendingNew
	s.Side = s.desiredSide
	s.PendingClOrdID = clOrdID
	s.PendingSince = now
	s.LastIntentAt = now
}

func (m *Manager) dispatchAmend(ctx context.Context, s *slot, now time.Time) {
	price, qty := s.DesiredPrice, s.DesiredQty
	if err := m.session.AmendOrder(ctx, s.LiveOrderID, &price, &qty); err != nil {
		m.logger.Warn("amend order failed", "slot", s.SlotIndex, "error", err)
		return
	}
	s.priorState = types.Live
	s.State = types.AmendPending
	s.PendingSince = now
	s.LastIntentAt = now
}

func (m *Manager) dispatchCancel(ctx context.Context, s *slot, now time.Time) {
	if err := m.session.CancelOrder(ctx, s.LiveOrderID); err != nil {
		m.logger.Warn("cancel order failed", "slot", s.SlotIndex, "error", err)
		return
	}
	s.priorState = types.Live
	s.State = types.CancelPending
	s.PendingSince = now
	s.LastIntentAt = now
}

// HandleExec applies one execution event to the owning slot; fills on
// known orders are forwarded to the fill handler for ledger dispatch.
func (m *Manager) HandleExec(evt types.ExecEvent) {
	switch evt.Type {
	case types.EventNewAck:
		s := m.findByClOrdID(evt.ClOrdID)
		if s == nil || s.State != types.PendingNew {
			return
		}
		s.State = types.Live
		s.LiveOrderID = evt.OrderID
		s.PendingClOrdID = ""
		s.LivePrice = s.DesiredPrice
		s.LiveQty = s.DesiredQty

	case types.EventAmendAck:
		s := m.findByOrderID(evt.OrderID)
		if s == nil || s.State != types.AmendPending {
			return
		}
		s.State = types.Live
		s.LivePrice = s.DesiredPrice
		s.LiveQty = s.DesiredQty

	case types.EventCancelAck:
		s := m.findByOrderID(evt.OrderID)
		if s == nil {
			return
		}
		m.clearSlot(s)

	case types.EventTrade:
		m.handleTrade(evt)

	case types.EventReject:
		s := m.findByClOrdID(evt.ClOrdID)
		if s == nil {
			s = m.findByOrderID(evt.OrderID)
		}
		if s == nil {
			return
		}
		m.rejectCount++
		m.logger.Debug("order rejected",
			"slot", s.SlotIndex, "state", s.State, "reason", evt.RejectReason)

		switch s.State {
		case types.PendingNew:
			m.clearSlot(s)
		case types.AmendPending:
			// Amend rejected: back to LIVE with unchanged params; the
			// next tick retries as cancel+add.
			s.State = types.Live
			s.forceReplace = true
		case types.CancelPending:
			s.State = s.priorState
		}
	}
}

func (m *Manager) handleTrade(evt types.ExecEvent) {
	s := m.findByOrderID(evt.OrderID)
	if s == nil {
		return
	}

	filled := money.NewBTC(evt.Qty)
	s.LiveQty = s.LiveQty.Sub(filled)
	if s.LiveQty.IsZero() || s.LiveQty.IsNegative() {
		m.clearSlot(s)
	}

	trade := types.Trade{
		VenueOrderID: evt.OrderID,
		VenueTradeID: evt.TradeID,
		Side:         evt.Side,
		Qty:          evt.Qty,
		Price:        evt.Price,
		Fee:          evt.Fee,
		Timestamp:    evt.Timestamp,
		Source:       types.SourceGrid,
	}
	if err := m.onFill(trade); err != nil {
		m.ledgerMismatch = true
		m.logger.Error("ledger mismatch on fill dispatch",
			"order_id", evt.OrderID, "side", evt.Side, "qty", evt.Qty, "error", err)
	}
}

func (m *Manager) clearSlot(s *slot) {
	s.State = types.Empty
	s.LiveOrderID = ""
	s.PendingClOrdID = ""
	s.LivePrice = money.ZeroUSD
	s.LiveQty = money.ZeroBTC
	s.forceReplace = false
}

func (m *Manager) findByClOrdID(clOrdID string) *slot {
	if clOrdID == "" {
		return nil
	}
	for _, s := range m.slots {
		if s.PendingClOrdID == clOrdID {
			return s
		}
	}
	return nil
}

func (m *Manager) findByOrderID(orderID string) *slot {
	if orderID == "" {
		return nil
	}
	for _, s := range m.slots {
		if s.LiveOrderID == orderID {
			return s
		}
	}
	return nil
}

// ReconcileSnapshot aligns slot state with the venue's open-order
// snapshot at startup or after a reconnect:
// venue orders we don't know are orphans to cancel; slots referencing
// orders the venue doesn't report are reset to EMPTY.
func (m *Manager) ReconcileSnapshot(ctx context.Context, open []exchange.OpenOrder) {
	venueOrders := make(map[string]bool, len(open))
	for _, o := range open {
		venueOrders[o.OrderID] = true
	}

	known := make(map[string]bool)
	for _, s := range m.slots {
		if s.LiveOrderID != "" {
			known[s.LiveOrderID] = true
			if !venueOrders[s.LiveOrderID] {
				m.logger.Info("slot order gone from venue, resetting", "slot", s.SlotIndex, "order_id", s.LiveOrderID)
				m.clearSlot(s)
			}
		}
	}

	for _, o := range open {
		if !known[o.OrderID] {
			m.logger.Warn("cancelling orphan order", "order_id", o.OrderID, "side", o.Side, "price", o.Price)
			if err := m.session.CancelOrder(ctx, o.OrderID); err != nil {
				m.logger.Error("orphan cancel failed", "order_id", o.OrderID, "error", err)
			}
		}
	}
}

// CancelAll issues cancels for every slot holding a venue order ID, used
// on graceful shutdown. PENDING_NEW slots have no order ID yet and are
// not cancelled.
func (m *Manager) CancelAll(ctx context.Context) {
	for _, s := range m.slots {
		if s.LiveOrderID == "" {
			continue
		}
		if err := m.session.CancelOrder(ctx, s.LiveOrderID); err != nil {
			m.logger.Warn("shutdown cancel failed", "slot", s.SlotIndex, "error", err)
		}
	}
}

// RunHeartbeat re-arms the venue's dead-man's switch every heartbeat
// interval until ctx is cancelled. If this loop stalls or the process
// dies, the venue cancels all orders after CancelAfterTimeout.
func (m *Manager) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	// Arm immediately so a crash in the first interval is covered.
	if err := m.session.CancelAfter(ctx, m.cfg.CancelAfterTimeout); err != nil {
		m.logger.Warn("arm dead-man's switch failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.session.CancelAfter(ctx, m.cfg.CancelAfterTimeout); err != nil {
				m.logger.Warn("re-arm dead-man's switch failed", "error", err)
			}
		}
	}
}

// DisarmDMS issues cancel_after(0), used on graceful shutdown after all
// orders are cancelled.
func (m *Manager) DisarmDMS(ctx context.Context) error {
	return m.session.CancelAfter(ctx, 0)
}

// LedgerMismatch reports whether a fill failed ledger dispatch. While
// true the engine must not trade; only AcknowledgeMismatch clears it.
func (m *Manager) LedgerMismatch() bool {
	return m.ledgerMismatch
}

// AcknowledgeMismatch clears the ledger-mismatch latch after operator
// intervention.
func (m *Manager) AcknowledgeMismatch() {
	m.ledgerMismatch = false
}

// RejectCount returns the cumulative rejected-order count.
func (m *Manager) RejectCount() int {
	return m.rejectCount
}

// LiveOrderCount returns how many slots currently hold a live order.
func (m *Manager) LiveOrderCount() int {
	n := 0
	for _, s := range m.slots {
		if s.State == types.Live {
			n++
		}
	}
	return n
}

// Slots returns a snapshot copy of all slots for the dashboard.
func (m *Manager) Slots() []types.OrderSlot {
	out := make([]types.OrderSlot, len(m.slots))
	for i, s := range m.slots {
		out[i] = s.OrderSlot
	}
	return out
}
