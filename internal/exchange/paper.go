// paper.go is an in-memory venue simulator used by dry-run mode and
// the backtest replay driver. Orders rest in a book keyed by order ID;
// OnPrice crosses them against the latest mark, emitting the same
// normalized execution events the live feed would, so the engine runs
// unchanged against it.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

// paperOrder is one resting simulated order.
type paperOrder struct {
	orderID string
	clOrdID string
	side    types.Side
	price   money.USD
	qty     money.BTC
}

// PaperSession simulates the venue in memory.
type PaperSession struct {
	mu sync.Mutex

	usd money.USD
	btc money.BTC

	makerFeeBps float64
	orders      map[string]*paperOrder
	events      chan types.ExecEvent

	clock func() time.Time
}

// NewPaperSession creates a simulator seeded with starting balances.
// makerFeeBps is charged on every simulated fill.
func NewPaperSession(startUSD money.USD, startBTC money.BTC, makerFeeBps float64) *PaperSession {
	return &PaperSession{
		usd:         startUSD,
		btc:         startBTC,
		makerFeeBps: makerFeeBps,
		orders:      make(map[string]*paperOrder),
		events:      make(chan types.ExecEvent, 256),
		clock:       time.Now,
	}
}

// SetClock overrides the simulator's time source, used by the backtest
// driver to stamp fills with replayed timestamps.
func (p *PaperSession) SetClock(clock func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
}

func (p *PaperSession) AddOrder(ctx context.Context, clOrdID string, side types.Side, price money.USD, qty money.BTC) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if qty.IsZero() || qty.IsNegative() {
		p.emitLocked(types.ExecEvent{
			Type: types.EventReject, ClOrdID: clOrdID, Side: side,
			RejectReason: "invalid volume", Timestamp: p.clock(),
		})
		return nil
	}

	o := &paperOrder{
		orderID: "P" + uuid.NewString()[:12],
		clOrdID: clOrdID,
		side:    side,
		price:   price,
		qty:     qty,
	}
	p.orders[o.orderID] = o
	p.emitLocked(types.ExecEvent{
		Type: types.EventNewAck, ClOrdID: clOrdID, OrderID: o.orderID, Side: side,
		Price: price.Float64(), Qty: qty.Float64(), Timestamp: p.clock(),
	})
	return nil
}

func (p *PaperSession) AmendOrder(ctx context.Context, orderID string, newPrice *money.USD, newQty *money.BTC) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		p.emitLocked(types.ExecEvent{
			Type: types.EventReject, OrderID: orderID,
			RejectReason: "unknown order", Timestamp: p.clock(),
		})
		return nil
	}
	if newPrice != nil {
		o.price = *newPrice
	}
	if newQty != nil {
		o.qty = *newQty
	}
	p.emitLocked(types.ExecEvent{
		Type: types.EventAmendAck, OrderID: orderID, Side: o.side,
		Price: o.price.Float64(), Qty: o.qty.Float64(), Timestamp: p.clock(),
	})
	return nil
}

func (p *PaperSession) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		p.emitLocked(types.ExecEvent{
			Type: types.EventReject, OrderID: orderID,
			RejectReason: "unknown order", Timestamp: p.clock(),
		})
		return nil
	}
	delete(p.orders, orderID)
	p.emitLocked(types.ExecEvent{
		Type: types.EventCancelAck, OrderID: orderID, Side: o.side, Timestamp: p.clock(),
	})
	return nil
}

func (p *PaperSession) CancelAfter(ctx context.Context, timeout time.Duration) error {
	// The simulated venue never loses the connection, so the dead-man's
	// switch is accepted and ignored.
	return nil
}

func (p *PaperSession) OpenOrdersSnapshot(ctx context.Context) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OpenOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, OpenOrder{
			OrderID: o.orderID, ClOrdID: o.clOrdID, Side: o.side, Price: o.price, Qty: o.qty,
		})
	}
	return out, nil
}

func (p *PaperSession) Balances(ctx context.Context) (money.USD, money.BTC, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usd, p.btc, nil
}

func (p *PaperSession) Events() <-chan types.ExecEvent {
	return p.events
}

func (p *PaperSession) Close() error {
	return nil
}

// OnPrice marks the book at the given trade price and fills any resting
// order it crosses: buys fill when price trades at or below the limit,
// sells when at or above. Fills are full (the simulator has no partial
// fill model) and charge the maker fee.
func (p *PaperSession) OnPrice(price money.USD) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, o := range p.orders {
		crossed := (o.side == types.Buy && price.Cmp(o.price) <= 0) ||
			(o.side == types.Sell && price.Cmp(o.price) >= 0)
		if !crossed {
			continue
		}

		notional := o.qty.MulUSD(o.price)
		fee := notional.Mul(decimal.NewFromFloat(p.makerFeeBps / 10_000))

		if o.side == types.Buy {
			p.usd = p.usd.Sub(notional).Sub(fee)
			p.btc = p.btc.Add(o.qty)
		} else {
			p.usd = p.usd.Add(notional).Sub(fee)
			p.btc = p.btc.Sub(o.qty)
		}

		delete(p.orders, id)
		p.emitLocked(types.ExecEvent{
			Type:      types.EventTrade,
			OrderID:   o.orderID,
			ClOrdID:   o.clOrdID,
			Side:      o.side,
			Price:     o.price.Float64(),
			Qty:       o.qty.Float64(),
			Fee:       fee.Float64(),
			Timestamp: p.clock(),
		})
	}
}

// OpenOrderCount reports how many simulated orders are resting.
func (p *PaperSession) OpenOrderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

func (p *PaperSession) emitLocked(evt types.ExecEvent) {
	select {
	case p.events <- evt:
	default:
		// The simulator's consumer drains synchronously in tests and
		// backtests; a full buffer means it stopped reading.
		panic(fmt.Sprintf("paper session event buffer full (type %s)", evt.Type))
	}
}
