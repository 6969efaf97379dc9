// ws.go implements the WebSocket feeds for real-time venue data.
//
// Two independent feeds run concurrently:
//
//   - Public feed: subscribes book/trade/ticker for the configured pair.
//     L2 book updates carry the venue's CRC32 checksum and are validated
//     downstream by market.Book before they influence quoting.
//
//   - Private feed (token-authenticated): subscribes the executions
//     channel with snap_orders=true, receiving order acks, amends,
//     cancels, fills, and rejects as a single normalized stream.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max) and
// re-subscribe on reconnection. A read deadline (90s) detects silent
// server failures within ~2 missed pings. Market-data channels drop the
// OLDEST buffered message under backpressure; execution events are
// never dropped — the reader blocks instead.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"btcfifo-mm/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	bookBufferSize   = 256
	tradeBufferSize  = 256
	execBufferSize   = 64
)

// BookUpdate is a normalized L2 book message: a full snapshot or an
// incremental delta, both carrying the venue checksum.
type BookUpdate struct {
	Bids       []types.BookLevel
	Asks       []types.BookLevel
	Checksum   uint32
	IsSnapshot bool
}

// TickerUpdate carries the venue's best bid/ask for the pair.
type TickerUpdate struct {
	Bid  float64
	Ask  float64
	Last float64
}

// wsEnvelope is the outer frame of every venue WS message.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"` // "snapshot" or "update"
	Data    json.RawMessage `json:"data"`
}

type wsBookData struct {
	Bids     []wsBookLevel `json:"bids"`
	Asks     []wsBookLevel `json:"asks"`
	Checksum uint32        `json:"checksum"`
}

type wsBookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

type wsTradeData struct {
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Timestamp time.Time `json:"timestamp"`
}

type wsTickerData struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Last float64 `json:"last"`
}

type wsExecData struct {
	ExecType  string    `json:"exec_type"` // new, amended, canceled, trade, rejected
	OrderID   string    `json:"order_id"`
	ClOrdID   string    `json:"cl_ord_id"`
	TradeID   string    `json:"exec_id"`
	Side      string    `json:"side"`
	LastQty   float64   `json:"last_qty"`
	LastPrice float64   `json:"last_price"`
	FeeUSD    float64   `json:"fee_usd_equiv"`
	Reason    string    `json:"reason"`
	RateCount float64   `json:"ratecount"`
	Timestamp time.Time `json:"timestamp"`
}

type wsSubscribeMsg struct {
	Method string            `json:"method"`
	Params wsSubscribeParams `json:"params"`
}

type wsSubscribeParams struct {
	Channel    string   `json:"channel"`
	Symbol     []string `json:"symbol,omitempty"`
	Depth      int      `json:"depth,omitempty"`
	SnapOrders bool     `json:"snap_orders,omitempty"`
	Token      string   `json:"token,omitempty"`
}

// WSFeed manages a single WebSocket connection (public or private).
type WSFeed struct {
	url    string
	pair   string
	conn   *websocket.Conn
	connMu sync.Mutex

	// tokenFn fetches a fresh auth token before each (re)connect of the
	// private feed; nil for the public feed.
	tokenFn func(context.Context) (string, error)
	depth   int

	bookCh   chan BookUpdate
	tradeCh  chan types.TradePrint
	tickerCh chan TickerUpdate
	execCh   chan types.ExecEvent

	logger *slog.Logger
}

// NewPublicFeed creates the market-data feed (book, trade, ticker).
func NewPublicFeed(wsURL, pair string, depth int, logger *slog.Logger) *WSFeed {
	if depth <= 0 {
		depth = 10
	}
	return &WSFeed{
		url:      wsURL,
		pair:     pair,
		depth:    depth,
		bookCh:   make(chan BookUpdate, bookBufferSize),
		tradeCh:  make(chan types.TradePrint, tradeBufferSize),
		tickerCh: make(chan TickerUpdate, tradeBufferSize),
		execCh:   make(chan types.ExecEvent, execBufferSize),
		logger:   logger.With("component", "ws_public"),
	}
}

// NewPrivateFeed creates the execution-stream feed. tokenFn is called
// on every (re)connect since venue WS tokens are short-lived.
func NewPrivateFeed(wsURL, pair string, tokenFn func(context.Context) (string, error), logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:      wsURL,
		pair:     pair,
		tokenFn:  tokenFn,
		bookCh:   make(chan BookUpdate, bookBufferSize),
		tradeCh:  make(chan types.TradePrint, tradeBufferSize),
		tickerCh: make(chan TickerUpdate, tradeBufferSize),
		execCh:   make(chan types.ExecEvent, execBufferSize),
		logger:   logger.With("component", "ws_private"),
	}
}

// BookUpdates returns a read-only channel of book snapshots and deltas.
func (f *WSFeed) BookUpdates() <-chan BookUpdate { return f.bookCh }

// TradePrints returns a read-only channel of public trade prints.
func (f *WSFeed) TradePrints() <-chan types.TradePrint { return f.tradeCh }

// TickerUpdates returns a read-only channel of best bid/ask updates.
func (f *WSFeed) TickerUpdates() <-chan TickerUpdate { return f.tickerCh }

// ExecEvents returns a read-only channel of execution events.
func (f *WSFeed) ExecEvents() <-chan types.ExecEvent { return f.execCh }

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Resubscribe re-issues the book subscription, used after a checksum
// mismatch: unsubscribe+subscribe forces the venue to send a fresh
// snapshot.
func (f *WSFeed) Resubscribe(ctx context.Context) error {
	unsub := wsSubscribeMsg{
		Method: "unsubscribe",
		Params: wsSubscribeParams{Channel: "book", Symbol: []string{f.pair}, Depth: f.depth},
	}
	if err := f.writeJSON(unsub); err != nil {
		return fmt.Errorf("unsubscribe book: %w", err)
	}
	sub := wsSubscribeMsg{
		Method: "subscribe",
		Params: wsSubscribeParams{Channel: "book", Symbol: []string{f.pair}, Depth: f.depth},
	}
	if err := f.writeJSON(sub); err != nil {
		return fmt.Errorf("resubscribe book: %w", err)
	}
	return nil
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendSubscriptions(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(ctx, msg)
	}
}

func (f *WSFeed) sendSubscriptions(ctx context.Context) error {
	if f.tokenFn != nil {
		token, err := f.tokenFn(ctx)
		if err != nil {
			return fmt.Errorf("fetch ws token: %w", err)
		}
		return f.writeJSON(wsSubscribeMsg{
			Method: "subscribe",
			Params: wsSubscribeParams{Channel: "executions", SnapOrders: true, Token: token},
		})
	}

	for _, params := range []wsSubscribeParams{
		{Channel: "book", Symbol: []string{f.pair}, Depth: f.depth},
		{Channel: "trade", Symbol: []string{f.pair}},
		{Channel: "ticker", Symbol: []string{f.pair}},
	} {
		if err := f.writeJSON(wsSubscribeMsg{Method: "subscribe", Params: params}); err != nil {
			return err
		}
	}
	return nil
}

func (f *WSFeed) dispatchMessage(ctx context.Context, data []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Channel {
	case "book":
		var rows []wsBookData
		if err := json.Unmarshal(envelope.Data, &rows); err != nil {
			f.logger.Error("unmarshal book data", "error", err)
			return
		}
		for _, row := range rows {
			update := BookUpdate{
				Bids:       convertLevels(row.Bids),
				Asks:       convertLevels(row.Asks),
				Checksum:   row.Checksum,
				IsSnapshot: envelope.Type == "snapshot",
			}
			sendDropOldest(f.bookCh, update, f.logger, "book")
		}

	case "trade":
		var rows []wsTradeData
		if err := json.Unmarshal(envelope.Data, &rows); err != nil {
			f.logger.Error("unmarshal trade data", "error", err)
			return
		}
		for _, row := range rows {
			print := types.TradePrint{Price: row.Price, Volume: row.Qty, Timestamp: row.Timestamp}
			sendDropOldest(f.tradeCh, print, f.logger, "trade")
		}

	case "ticker":
		var rows []wsTickerData
		if err := json.Unmarshal(envelope.Data, &rows); err != nil {
			f.logger.Error("unmarshal ticker data", "error", err)
			return
		}
		for _, row := range rows {
			update := TickerUpdate{Bid: row.Bid, Ask: row.Ask, Last: row.Last}
			sendDropOldest(f.tickerCh, update, f.logger, "ticker")
		}

	case "executions":
		var rows []wsExecData
		if err := json.Unmarshal(envelope.Data, &rows); err != nil {
			f.logger.Error("unmarshal exec data", "error", err)
			return
		}
		for _, row := range rows {
			evt, ok := normalizeExec(row)
			if !ok {
				continue
			}
			// Execution events are never dropped: block until the
			// strategy drains the queue or shutdown begins.
			select {
			case f.execCh <- evt:
			case <-ctx.Done():
				return
			}
		}

	case "heartbeat", "status", "pong":
		// Keep-alive traffic, nothing to route.

	default:
		f.logger.Debug("unknown ws channel", "channel", envelope.Channel)
	}
}

// normalizeExec maps the venue's exec_type taxonomy onto the engine's
// event vocabulary.
func normalizeExec(row wsExecData) (types.ExecEvent, bool) {
	evt := types.ExecEvent{
		ClOrdID:          row.ClOrdID,
		OrderID:          row.OrderID,
		TradeID:          row.TradeID,
		Price:            row.LastPrice,
		Qty:              row.LastQty,
		Fee:              row.FeeUSD,
		RejectReason:     row.Reason,
		VenueRateCounter: row.RateCount,
		Timestamp:        row.Timestamp,
	}
	if row.Side == "sell" {
		evt.Side = types.Sell
	} else {
		evt.Side = types.Buy
	}

	switch row.ExecType {
	case "new":
		evt.Type = types.EventNewAck
	case "amended":
		evt.Type = types.EventAmendAck
	case "canceled", "expired":
		evt.Type = types.EventCancelAck
	case "trade":
		evt.Type = types.EventTrade
	case "rejected":
		evt.Type = types.EventReject
	default:
		return types.ExecEvent{}, false
	}
	return evt, true
}

func convertLevels(rows []wsBookLevel) []types.BookLevel {
	out := make([]types.BookLevel, len(rows))
	for i, r := range rows {
		out[i] = types.BookLevel{Price: r.Price, Size: r.Qty}
	}
	return out
}

// sendDropOldest pushes onto a market-data channel, evicting the oldest
// buffered message if the consumer has fallen behind.
func sendDropOldest[T any](ch chan T, v T, logger *slog.Logger, name string) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
		logger.Warn("channel full, dropping oldest", "channel", name)
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]string{"method": "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
