// session.go defines the abstract exchange session the engine depends
// on. The engine core never talks to a concrete venue client directly:
// LiveSession (REST+WS) and PaperSession both satisfy Session, wired at
// startup.
package exchange

import (
	"context"
	"time"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

// OpenOrder is one venue-side resting order reported by the executions
// snapshot, used for startup/reconnect reconciliation.
type OpenOrder struct {
	OrderID string
	ClOrdID string
	Side    types.Side
	Price   money.USD
	Qty     money.BTC
}

// Session is the exchange collaborator contract. All order commands are
// asynchronous: the call returns once the command is on the wire, and
// the outcome (ack, fill, reject) arrives on Events.
type Session interface {
	// AddOrder places a post-only limit order identified by clOrdID
	// until the venue assigns an order ID in the new_ack event.
	AddOrder(ctx context.Context, clOrdID string, side types.Side, price money.USD, qty money.BTC) error

	// AmendOrder modifies price and/or quantity in place, preserving
	// queue priority where the venue allows. Nil leaves a field unchanged.
	AmendOrder(ctx context.Context, orderID string, newPrice *money.USD, newQty *money.BTC) error

	// CancelOrder cancels a single resting order.
	CancelOrder(ctx context.Context, orderID string) error

	// CancelAfter arms (or with 0, disarms) the venue's dead-man's
	// switch: all orders are cancelled if no re-arm arrives in time.
	CancelAfter(ctx context.Context, timeout time.Duration) error

	// OpenOrdersSnapshot returns the venue's view of our resting orders,
	// equivalent to subscribing executions with snap_orders=true.
	OpenOrdersSnapshot(ctx context.Context) ([]OpenOrder, error)

	// Balances returns the current USD and BTC balances.
	Balances(ctx context.Context) (money.USD, money.BTC, error)

	// Events is the normalized execution event stream. Execution events
	// are never dropped; the channel is buffered and the live producer
	// blocks rather than discarding (PaperSession panics on a full buffer).
	Events() <-chan types.ExecEvent

	// Close releases the session's connections.
	Close() error
}
