package exchange

import (
	"context"
	"testing"
	"time"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

func drainEvent(t *testing.T, p *PaperSession) types.ExecEvent {
	t.Helper()
	select {
	case evt := <-p.Events():
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event")
		return types.ExecEvent{}
	}
}

func TestPaperAddAckThenFill(t *testing.T) {
	t.Parallel()
	p := NewPaperSession(money.NewUSD(1000), money.ZeroBTC, 25)
	ctx := context.Background()

	if err := p.AddOrder(ctx, "cl-1", types.Buy, money.NewUSD(50000), money.NewBTC(0.01)); err != nil {
		t.Fatalf("AddOrder: %v", err)
	}

	ack := drainEvent(t, p)
	if ack.Type != types.EventNewAck || ack.ClOrdID != "cl-1" || ack.OrderID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	// Price above the buy limit: no fill.
	p.OnPrice(money.NewUSD(50100))
	if n := p.OpenOrderCount(); n != 1 {
		t.Fatalf("open orders = %d, want 1", n)
	}

	// Price crosses the limit: full fill with maker fee.
	p.OnPrice(money.NewUSD(49990))
	fill := drainEvent(t, p)
	if fill.Type != types.EventTrade || fill.OrderID != ack.OrderID {
		t.Fatalf("unexpected fill: %+v", fill)
	}
	if fill.Price != 50000 || fill.Qty != 0.01 {
		t.Errorf("fill at %v x %v, want 50000 x 0.01", fill.Price, fill.Qty)
	}
	// fee = 500 * 25bps = 1.25
	if fill.Fee != 1.25 {
		t.Errorf("fee = %v, want 1.25", fill.Fee)
	}

	usd, btc, _ := p.Balances(ctx)
	if usd.Cmp(money.NewUSD(1000-500-1.25)) != 0 {
		t.Errorf("usd = %s, want 498.75", usd)
	}
	if btc.Cmp(money.NewBTC(0.01)) != 0 {
		t.Errorf("btc = %s, want 0.01", btc)
	}
}

func TestPaperAmendMovesPrice(t *testing.T) {
	t.Parallel()
	p := NewPaperSession(money.NewUSD(1000), money.NewBTC(1), 0)
	ctx := context.Background()

	p.AddOrder(ctx, "cl-s", types.Sell, money.NewUSD(51000), money.NewBTC(0.01))
	ack := drainEvent(t, p)

	newPrice := money.NewUSD(50500)
	if err := p.AmendOrder(ctx, ack.OrderID, &newPrice, nil); err != nil {
		t.Fatalf("AmendOrder: %v", err)
	}
	amend := drainEvent(t, p)
	if amend.Type != types.EventAmendAck || amend.Price != 50500 {
		t.Fatalf("unexpected amend ack: %+v", amend)
	}

	// The old price would not have filled here; the amended one does.
	p.OnPrice(money.NewUSD(50600))
	fill := drainEvent(t, p)
	if fill.Type != types.EventTrade || fill.Price != 50500 {
		t.Fatalf("unexpected fill: %+v", fill)
	}
}

func TestPaperCancelAndUnknownOrder(t *testing.T) {
	t.Parallel()
	p := NewPaperSession(money.NewUSD(1000), money.ZeroBTC, 0)
	ctx := context.Background()

	p.AddOrder(ctx, "cl-1", types.Buy, money.NewUSD(40000), money.NewBTC(0.01))
	ack := drainEvent(t, p)

	p.CancelOrder(ctx, ack.OrderID)
	cancel := drainEvent(t, p)
	if cancel.Type != types.EventCancelAck {
		t.Fatalf("unexpected event: %+v", cancel)
	}
	if n := p.OpenOrderCount(); n != 0 {
		t.Fatalf("open orders = %d, want 0", n)
	}

	p.CancelOrder(ctx, "nope")
	reject := drainEvent(t, p)
	if reject.Type != types.EventReject {
		t.Fatalf("unexpected event: %+v", reject)
	}
}

func TestPaperSnapshotListsRestingOrders(t *testing.T) {
	t.Parallel()
	p := NewPaperSession(money.NewUSD(1000), money.NewBTC(1), 0)
	ctx := context.Background()

	p.AddOrder(ctx, "cl-b", types.Buy, money.NewUSD(49000), money.NewBTC(0.01))
	p.AddOrder(ctx, "cl-s", types.Sell, money.NewUSD(51000), money.NewBTC(0.02))
	drainEvent(t, p)
	drainEvent(t, p)

	snap, err := p.OpenOrdersSnapshot(ctx)
	if err != nil {
		t.Fatalf("OpenOrdersSnapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d orders, want 2", len(snap))
	}
}
