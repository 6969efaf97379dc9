// live.go composes the REST client and the private WS feed into the
// Session the engine runs against in production.
package exchange

import (
	"context"
	"time"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

// LiveSession is the production Session: order commands go out over
// REST, execution events come back over the private WS feed.
type LiveSession struct {
	client *Client
	feed   *WSFeed
}

// NewLiveSession wires a REST client and a private executions feed.
func NewLiveSession(client *Client, feed *WSFeed) *LiveSession {
	return &LiveSession{client: client, feed: feed}
}

func (s *LiveSession) AddOrder(ctx context.Context, clOrdID string, side types.Side, price money.USD, qty money.BTC) error {
	return s.client.AddOrder(ctx, clOrdID, side, price, qty)
}

func (s *LiveSession) AmendOrder(ctx context.Context, orderID string, newPrice *money.USD, newQty *money.BTC) error {
	return s.client.AmendOrder(ctx, orderID, newPrice, newQty)
}

func (s *LiveSession) CancelOrder(ctx context.Context, orderID string) error {
	return s.client.CancelOrder(ctx, orderID)
}

func (s *LiveSession) CancelAfter(ctx context.Context, timeout time.Duration) error {
	return s.client.CancelAfter(ctx, timeout)
}

func (s *LiveSession) OpenOrdersSnapshot(ctx context.Context) ([]OpenOrder, error) {
	return s.client.OpenOrdersSnapshot(ctx)
}

func (s *LiveSession) Balances(ctx context.Context) (money.USD, money.BTC, error) {
	return s.client.Balances(ctx)
}

func (s *LiveSession) Events() <-chan types.ExecEvent {
	return s.feed.ExecEvents()
}

func (s *LiveSession) Close() error {
	return s.feed.Close()
}
