package orders

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"btcfifo-mm/internal/exchange"
	"btcfifo-mm/internal/money"
	"btcfifo-mm/internal/strategy"
	"btcfifo-mm/pkg/types"
)

// fakeSession records commands; the test injects exec events by
// calling HandleExec directly.
type fakeSession struct {
	adds    []string // clOrdIDs
	amends  []string // orderIDs
	cancels []string // orderIDs
	armed   []time.Duration
}

func (f *fakeSession) AddOrder(_ context.Context, clOrdID string, _ types.Side, _ money.USD, _ money.BTC) error {
	f.adds = append(f.adds, clOrdID)
	return nil
}

func (f *fakeSession) AmendOrder(_ context.Context, orderID string, _ *money.USD, _ *money.BTC) error {
	f.amends = append(f.amends, orderID)
	return nil
}

func (f *fakeSession) CancelOrder(_ context.Context, orderID string) error {
	f.cancels = append(f.cancels, orderID)
	return nil
}

func (f *fakeSession) CancelAfter(_ context.Context, timeout time.Duration) error {
	f.armed = append(f.armed, timeout)
	return nil
}

func (f *fakeSession) OpenOrdersSnapshot(context.Context) ([]exchange.OpenOrder, error) {
	return nil, nil
}

func (f *fakeSession) Balances(context.Context) (money.USD, money.BTC, error) {
	return money.ZeroUSD, money.ZeroBTC, nil
}

func (f *fakeSession) Events() <-chan types.ExecEvent { return nil }
func (f *fakeSession) Close() error                   { return nil }

func testManager(t *testing.T, onFill FillHandler) (*Manager, *fakeSession) {
	t.Helper()
	if onFill == nil {
		onFill = func(types.Trade) error { return nil }
	}
	sess := &fakeSession{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := NewManager(Config{
		PriceTick: decimal.NewFromFloat(0.1),
		LotStep:   decimal.NewFromFloat(0.00000001),
	}, sess, onFill, logger)
	return m, sess
}

// dispatchAll runs every intent, bypassing rate limiting.
func dispatchAll(intents []exchange.Intent) {
	for _, in := range intents {
		in.Dispatch()
	}
}

func buyLevel(price float64, qty float64) strategy.Level {
	return strategy.Level{Side: types.Buy, Price: money.NewUSD(price), Qty: money.NewBTC(qty)}
}

func TestEmptySlotPlacesOrder(t *testing.T) {
	t.Parallel()
	m, sess := testManager(t, nil)
	now := time.Now()

	m.SetDesired([]strategy.Level{buyLevel(49500, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now, false))

	if len(sess.adds) != 1 {
		t.Fatalf("adds = %d, want 1", len(sess.adds))
	}
	slots := m.Slots()
	if slots[0].State != types.PendingNew {
		t.Errorf("state = %s, want PENDING_NEW", slots[0].State)
	}

	// Pending slot must not stack another command.
	dispatchAll(m.Reconcile(context.Background(), now.Add(100*time.Millisecond), false))
	if len(sess.adds) != 1 || len(sess.amends) != 0 || len(sess.cancels) != 0 {
		t.Errorf("pending slot issued extra commands: %+v", sess)
	}

	// Ack promotes to LIVE.
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[0], OrderID: "O1"})
	if s := m.Slots()[0]; s.State != types.Live || s.LiveOrderID != "O1" {
		t.Errorf("after ack: %+v", s)
	}
}

func TestAmendFirstOnPriceDrift(t *testing.T) {
	t.Parallel()
	m, sess := testManager(t, nil)
	now := time.Now()

	m.SetDesired([]strategy.Level{buyLevel(49500, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now, false))
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[0], OrderID: "O1"})

	// Desired price moves by 10 ticks, same qty: amend, not cancel+add.
	m.SetDesired([]strategy.Level{buyLevel(49510, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now.Add(time.Second), false))

	if len(sess.amends) != 1 || sess.amends[0] != "O1" {
		t.Fatalf("amends = %v, want [O1]", sess.amends)
	}
	if len(sess.cancels) != 0 {
		t.Errorf("unexpected cancels: %v", sess.cancels)
	}
	if s := m.Slots()[0]; s.State != types.AmendPending {
		t.Errorf("state = %s, want AMEND_PENDING", s.State)
	}

	// Amend ack returns to LIVE with the new params and same order ID.
	m.HandleExec(types.ExecEvent{Type: types.EventAmendAck, OrderID: "O1"})
	s := m.Slots()[0]
	if s.State != types.Live || s.LiveOrderID != "O1" {
		t.Fatalf("after amend ack: %+v", s)
	}
	if s.LivePrice.Cmp(money.NewUSD(49510)) != 0 {
		t.Errorf("live price = %s, want 49510", s.LivePrice)
	}
}

func TestLiveWithinEpsilonIsNoop(t *testing.T) {
	t.Parallel()
	m, sess := testManager(t, nil)
	now := time.Now()

	m.SetDesired([]strategy.Level{buyLevel(49500, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now, false))
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[0], OrderID: "O1"})

	// Same desired params: no commands.
	m.SetDesired([]strategy.Level{buyLevel(49500, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now.Add(time.Second), false))
	if len(sess.amends) != 0 || len(sess.cancels) != 0 || len(sess.adds) != 1 {
		t.Errorf("no-op tick issued commands: %+v", sess)
	}
}

func TestSideChangeForcesCancelThenAdd(t *testing.T) {
	t.Parallel()
	m, sess := testManager(t, nil)
	now := time.Now()

	m.SetDesired([]strategy.Level{buyLevel(49500, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now, false))
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[0], OrderID: "O1"})

	// Same slot now wants a SELL.
	m.SetDesired([]strategy.Level{{Side: types.Sell, Price: money.NewUSD(50500), Qty: money.NewBTC(0.01)}})
	dispatchAll(m.Reconcile(context.Background(), now.Add(time.Second), false))

	if len(sess.cancels) != 1 || sess.cancels[0] != "O1" {
		t.Fatalf("cancels = %v, want [O1]", sess.cancels)
	}
	if len(sess.adds) != 1 {
		t.Errorf("add issued same tick as cancel")
	}

	// Cancel ack empties the slot; next tick places the sell.
	m.HandleExec(types.ExecEvent{Type: types.EventCancelAck, OrderID: "O1"})
	dispatchAll(m.Reconcile(context.Background(), now.Add(2*time.Second), false))
	if len(sess.adds) != 2 {
		t.Fatalf("adds = %d, want 2 (cancel+add across ticks)", len(sess.adds))
	}
}

func TestAmendRejectDegradesToCancelAdd(t *testing.T) {
	t.Parallel()
	m, sess := testManager(t, nil)
	now := time.Now()

	m.SetDesired([]strategy.Level{buyLevel(49500, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now, false))
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[0], OrderID: "O1"})

	m.SetDesired([]strategy.Level{buyLevel(49510, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now.Add(time.Second), false))

	m.HandleExec(types.ExecEvent{Type: types.EventReject, OrderID: "O1", RejectReason: "amend not allowed"})
	s := m.Slots()[0]
	if s.State != types.Live {
		t.Fatalf("after reject state = %s, want LIVE", s.State)
	}
	if s.LivePrice.Cmp(money.NewUSD(49500)) != 0 {
		t.Errorf("live price changed on rejected amend: %s", s.LivePrice)
	}
	if m.RejectCount() != 1 {
		t.Errorf("reject count = %d, want 1", m.RejectCount())
	}

	// Next tick retries as cancel+add.
	dispatchAll(m.Reconcile(context.Background(), now.Add(2*time.Second), false))
	if len(sess.cancels) != 1 || sess.cancels[0] != "O1" {
		t.Errorf("cancels = %v, want [O1]", sess.cancels)
	}
}

func TestPendingTimeoutForcesCancel(t *testing.T) {
	t.Parallel()
	m, sess := testManager(t, nil)
	now := time.Now()

	m.SetDesired([]strategy.Level{buyLevel(49500, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now, false))
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[0], OrderID: "O1"})

	m.SetDesired([]strategy.Level{buyLevel(49510, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now.Add(time.Second), false))
	// Amend ack never arrives; past the 1500ms timeout the slot is
	// treated as stale and cancelled.
	dispatchAll(m.Reconcile(context.Background(), now.Add(3*time.Second), false))

	if len(sess.cancels) != 1 {
		t.Fatalf("cancels = %v, want the stale order cancelled", sess.cancels)
	}
	if s := m.Slots()[0]; s.State != types.CancelPending {
		t.Errorf("state = %s, want CANCEL_PENDING", s.State)
	}
}

func TestFillDecrementsAndDispatchesToLedger(t *testing.T) {
	t.Parallel()
	var fills []types.Trade
	m, sess := testManager(t, func(tr types.Trade) error {
		fills = append(fills, tr)
		return nil
	})
	now := time.Now()

	m.SetDesired([]strategy.Level{buyLevel(49500, 0.02)})
	dispatchAll(m.Reconcile(context.Background(), now, false))
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[0], OrderID: "O1"})

	// Partial fill keeps the slot live.
	m.HandleExec(types.ExecEvent{Type: types.EventTrade, OrderID: "O1", Side: types.Buy, Qty: 0.01, Price: 49500, Fee: 0.5, Timestamp: now})
	if s := m.Slots()[0]; s.State != types.Live {
		t.Errorf("after partial fill state = %s, want LIVE", s.State)
	}
	if len(fills) != 1 || fills[0].Qty != 0.01 {
		t.Fatalf("fills = %+v", fills)
	}

	// Remainder fills: slot goes EMPTY.
	m.HandleExec(types.ExecEvent{Type: types.EventTrade, OrderID: "O1", Side: types.Buy, Qty: 0.01, Price: 49500, Fee: 0.5, Timestamp: now})
	if s := m.Slots()[0]; s.State != types.Empty {
		t.Errorf("after full fill state = %s, want EMPTY", s.State)
	}
	if len(fills) != 2 {
		t.Errorf("fills = %d, want 2", len(fills))
	}
}

func TestInsufficientLotsLatchesMismatch(t *testing.T) {
	t.Parallel()
	m, sess := testManager(t, func(types.Trade) error {
		return errors.New("ledger: insufficient open lots")
	})
	now := time.Now()

	m.SetDesired([]strategy.Level{{Side: types.Sell, Price: money.NewUSD(50500), Qty: money.NewBTC(0.01)}})
	dispatchAll(m.Reconcile(context.Background(), now, false))
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[0], OrderID: "O1"})
	m.HandleExec(types.ExecEvent{Type: types.EventTrade, OrderID: "O1", Side: types.Sell, Qty: 0.01, Price: 50500, Timestamp: now})

	if !m.LedgerMismatch() {
		t.Fatal("ledger mismatch not latched")
	}
	m.AcknowledgeMismatch()
	if m.LedgerMismatch() {
		t.Error("mismatch survived acknowledgement")
	}
}

func TestReconcileSnapshotCancelsOrphansAndResetsGhosts(t *testing.T) {
	t.Parallel()
	m, sess := testManager(t, nil)
	now := time.Now()

	m.SetDesired([]strategy.Level{buyLevel(49500, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now, false))
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[0], OrderID: "O1"})

	// The venue reports an orphan we don't know and omits our O1.
	m.ReconcileSnapshot(context.Background(), []exchange.OpenOrder{
		{OrderID: "ORPHAN", Side: types.Sell, Price: money.NewUSD(60000), Qty: money.NewBTC(0.5)},
	})

	if len(sess.cancels) != 1 || sess.cancels[0] != "ORPHAN" {
		t.Errorf("cancels = %v, want [ORPHAN]", sess.cancels)
	}
	if s := m.Slots()[0]; s.State != types.Empty {
		t.Errorf("ghost slot state = %s, want EMPTY", s.State)
	}
}

func TestCancelPriorityOrdering(t *testing.T) {
	t.Parallel()
	m, sess := testManager(t, nil)
	now := time.Now()

	// Two live slots; the second level is then dropped. The unchanged
	// first slot emits nothing, and the dropped slot's cancel carries
	// cancel priority so it is admitted ahead of amends and new orders.
	m.SetDesired([]strategy.Level{buyLevel(49500, 0.01), buyLevel(49400, 0.01)})
	dispatchAll(m.Reconcile(context.Background(), now, false))
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[0], OrderID: "O1"})
	m.HandleExec(types.ExecEvent{Type: types.EventNewAck, ClOrdID: sess.adds[1], OrderID: "O2"})

	m.SetDesired([]strategy.Level{buyLevel(49500, 0.01)}) // second level dropped
	intents := m.Reconcile(context.Background(), now.Add(time.Second), false)

	if len(intents) != 1 {
		t.Fatalf("intents = %d, want 1 (cancel only)", len(intents))
	}
	if intents[0].Priority != exchange.PriorityCancel {
		t.Errorf("priority = %v, want cancel", intents[0].Priority)
	}
}
