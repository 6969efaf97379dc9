// Package exchange implements the venue session for the BTC/USD spot
// exchange: a REST client for order commands and account state, a
// WebSocket feed for market data and the execution stream, and a paper
// simulator for dry runs and backtests. The engine consumes all of
// them through the Session interface (session.go); the venue's exact
// wire grammar is normalized at this boundary.
//
// The REST client speaks the venue's form-encoded private API:
//   - AddOrder:     POST /0/private/AddOrder          — place one post-only limit order
//   - AmendOrder:   POST /0/private/EditOrder         — in-place price/qty amendment
//   - CancelOrder:  POST /0/private/CancelOrder       — cancel one order
//   - CancelAfter:  POST /0/private/CancelAllOrdersAfter — arm/disarm the dead-man's switch
//   - OpenOrders:   POST /0/private/OpenOrders        — resting-order snapshot for reconciliation
//   - Balances:     POST /0/private/Balance           — USD/BTC balances
//   - WSToken:      POST /0/private/GetWebSocketsToken — auth token for the private WS feed
//   - Depth:        GET  /0/public/Depth              — L2 book snapshot
//
// Every private request is HMAC-signed (auth.go) and retried on 5xx.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

// apiResponse is the venue's uniform REST envelope.
type apiResponse struct {
	Error  []string       `json:"error"`
	Result map[string]any `json:"result"`
}

// Client is the venue REST API client.
type Client struct {
	http   *resty.Client
	auth   *Auth
	pair   string
	logger *slog.Logger
}

// NewClient creates a REST client with retry and auth.
func NewClient(baseURL, pair string, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/x-www-form-urlencoded")

	return &Client{
		http:   httpClient,
		auth:   auth,
		pair:   pair,
		logger: logger.With("component", "rest"),
	}
}

// private issues one signed POST and decodes the venue envelope.
func (c *Client) private(ctx context.Context, path string, values url.Values) (map[string]any, error) {
	nonce := c.auth.Nonce()
	values.Set("nonce", nonce)

	var result apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(path, nonce, values)).
		SetFormDataFromValues(values).
		SetResult(&result).
		ForceContentType("application/json").
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s: status %d", ErrAuth, path, resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	if len(result.Error) > 0 {
		for _, e := range result.Error {
			// EAPI:Invalid key / Invalid signature / Invalid nonce
			if strings.HasPrefix(e, "EAPI:Invalid") {
				return nil, fmt.Errorf("%w: %s: %s", ErrAuth, path, e)
			}
		}
		return nil, fmt.Errorf("%s: venue error: %v", path, result.Error)
	}
	return result.Result, nil
}

// AddOrder places a single post-only limit order carrying our client
// order ID, so the new_ack on the execution stream can be matched back
// to the slot that issued it.
func (c *Client) AddOrder(ctx context.Context, clOrdID string, side types.Side, price money.USD, qty money.BTC) error {
	values := url.Values{}
	values.Set("pair", c.pair)
	values.Set("type", orderType(side))
	values.Set("ordertype", "limit")
	values.Set("price", price.String())
	values.Set("volume", qty.String())
	values.Set("cl_ord_id", clOrdID)
	values.Set("oflags", "post")

	_, err := c.private(ctx, "/0/private/AddOrder", values)
	if err != nil {
		return fmt.Errorf("add order: %w", err)
	}
	return nil
}

// AmendOrder edits price and/or volume of a resting order in place.
func (c *Client) AmendOrder(ctx context.Context, orderID string, newPrice *money.USD, newQty *money.BTC) error {
	values := url.Values{}
	values.Set("txid", orderID)
	values.Set("pair", c.pair)
	if newPrice != nil {
		values.Set("price", newPrice.String())
	}
	if newQty != nil {
		values.Set("volume", newQty.String())
	}

	_, err := c.private(ctx, "/0/private/EditOrder", values)
	if err != nil {
		return fmt.Errorf("amend order %s: %w", orderID, err)
	}
	return nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	values := url.Values{}
	values.Set("txid", orderID)

	_, err := c.private(ctx, "/0/private/CancelOrder", values)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAfter re-arms the venue's dead-man's switch; 0 disarms it.
func (c *Client) CancelAfter(ctx context.Context, timeout time.Duration) error {
	values := url.Values{}
	values.Set("timeout", strconv.Itoa(int(timeout.Seconds())))

	_, err := c.private(ctx, "/0/private/CancelAllOrdersAfter", values)
	if err != nil {
		return fmt.Errorf("cancel after: %w", err)
	}
	return nil
}

// OpenOrdersSnapshot fetches the venue's view of our resting orders.
func (c *Client) OpenOrdersSnapshot(ctx context.Context) ([]OpenOrder, error) {
	result, err := c.private(ctx, "/0/private/OpenOrders", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	openRaw, _ := result["open"].(map[string]any)
	orders := make([]OpenOrder, 0, len(openRaw))
	for orderID, raw := range openRaw {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		descr, _ := entry["descr"].(map[string]any)

		side := types.Buy
		if s, _ := descr["type"].(string); s == "sell" {
			side = types.Sell
		}
		clOrdID, _ := entry["cl_ord_id"].(string)

		orders = append(orders, OpenOrder{
			OrderID: orderID,
			ClOrdID: clOrdID,
			Side:    side,
			Price:   money.NewUSD(parseNum(descr["price"])),
			Qty:     money.NewBTC(parseNum(entry["vol"]) - parseNum(entry["vol_exec"])),
		})
	}
	return orders, nil
}

// Balances returns the account's USD and BTC balances.
func (c *Client) Balances(ctx context.Context) (money.USD, money.BTC, error) {
	result, err := c.private(ctx, "/0/private/Balance", url.Values{})
	if err != nil {
		return money.ZeroUSD, money.ZeroBTC, fmt.Errorf("balances: %w", err)
	}
	usd := money.NewUSD(parseNum(result["ZUSD"]))
	btc := money.NewBTC(parseNum(result["XXBT"]))
	return usd, btc, nil
}

// WebSocketToken fetches the short-lived token the private WS feed
// authenticates with.
func (c *Client) WebSocketToken(ctx context.Context) (string, error) {
	result, err := c.private(ctx, "/0/private/GetWebSocketsToken", url.Values{})
	if err != nil {
		return "", fmt.Errorf("ws token: %w", err)
	}
	token, _ := result["token"].(string)
	if token == "" {
		return "", fmt.Errorf("%w: ws token missing from response", ErrAuth)
	}
	return token, nil
}

// BookSnapshot fetches an L2 depth snapshot for the configured pair.
func (c *Client) BookSnapshot(ctx context.Context, depth int) (types.BookSnapshot, error) {
	var result apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("pair", c.pair).
		SetQueryParam("count", strconv.Itoa(depth)).
		SetResult(&result).
		ForceContentType("application/json").
		Get("/0/public/Depth")
	if err != nil {
		return types.BookSnapshot{}, fmt.Errorf("depth: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.BookSnapshot{}, fmt.Errorf("depth: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Error) > 0 {
		return types.BookSnapshot{}, fmt.Errorf("depth: venue error: %v", result.Error)
	}

	for _, raw := range result.Result {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		snap := types.BookSnapshot{
			Bids:      parseDepthSide(entry["bids"]),
			Asks:      parseDepthSide(entry["asks"]),
			UpdatedAt: time.Now(),
		}
		return snap, nil
	}
	return types.BookSnapshot{}, fmt.Errorf("depth: pair %s missing from response", c.pair)
}

func parseDepthSide(raw any) []types.BookLevel {
	rows, ok := raw.([]any)
	if !ok {
		return nil
	}
	levels := make([]types.BookLevel, 0, len(rows))
	for _, r := range rows {
		cols, ok := r.([]any)
		if !ok || len(cols) < 2 {
			continue
		}
		levels = append(levels, types.BookLevel{
			Price: parseNum(cols[0]),
			Size:  parseNum(cols[1]),
		})
	}
	return levels
}

// parseNum handles the venue's habit of sending numbers both as JSON
// numbers and as decimal strings.
func parseNum(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func orderType(side types.Side) string {
	if side == types.Sell {
		return "sell"
	}
	return "buy"
}
