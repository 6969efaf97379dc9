package exchange

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestClient spins up a fake venue returning the given body per path.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	secret := base64.StdEncoding.EncodeToString([]byte("secret"))
	auth, err := NewAuth("key", secret)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return NewClient(srv.URL, "XBT/USD", auth, testLogger())
}

func TestAddOrderSignsAndPosts(t *testing.T) {
	t.Parallel()

	var gotPath, gotKey, gotSign, gotClOrdID, gotFlags string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("API-Key")
		gotSign = r.Header.Get("API-Sign")
		r.ParseForm()
		gotClOrdID = r.FormValue("cl_ord_id")
		gotFlags = r.FormValue("oflags")
		fmt.Fprint(w, `{"error":[],"result":{"txid":["OABC12"]}}`)
	})

	err := c.AddOrder(context.Background(), "cl-1", types.Buy, money.NewUSD(50000), money.NewBTC(0.01))
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}
	if gotPath != "/0/private/AddOrder" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "key" || gotSign == "" {
		t.Errorf("auth headers missing: key=%q sign=%q", gotKey, gotSign)
	}
	if gotClOrdID != "cl-1" {
		t.Errorf("cl_ord_id = %q, want cl-1", gotClOrdID)
	}
	if gotFlags != "post" {
		t.Errorf("oflags = %q, want post (post-only is mandatory)", gotFlags)
	}
}

func TestVenueErrorSurfaced(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":["EOrder:Insufficient funds"],"result":{}}`)
	})

	err := c.CancelOrder(context.Background(), "OXYZ")
	if err == nil {
		t.Fatal("expected venue error, got nil")
	}
}

func TestAuthErrorClassified(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":["EAPI:Invalid key"],"result":{}}`)
	})

	err := c.CancelAfter(context.Background(), 60*time.Second)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, ErrAuth) {
		t.Errorf("error %v not classified as ErrAuth", err)
	}
}

func TestOpenOrdersSnapshotParsesOrders(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":[],"result":{"open":{
			"OAAA11":{"cl_ord_id":"cl-a","vol":"0.02000000","vol_exec":"0.00500000","descr":{"type":"buy","price":"49500.0"}},
			"OBBB22":{"cl_ord_id":"cl-b","vol":"0.01000000","vol_exec":"0","descr":{"type":"sell","price":"50500.0"}}
		}}}`)
	})

	orders, err := c.OpenOrdersSnapshot(context.Background())
	if err != nil {
		t.Fatalf("OpenOrdersSnapshot: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}

	byID := map[string]OpenOrder{}
	for _, o := range orders {
		byID[o.OrderID] = o
	}

	a := byID["OAAA11"]
	if a.Side != types.Buy || a.ClOrdID != "cl-a" {
		t.Errorf("OAAA11 = %+v", a)
	}
	if a.Qty.Cmp(money.NewBTC(0.015)) != 0 {
		t.Errorf("OAAA11 remaining qty = %s, want 0.015 (vol minus vol_exec)", a.Qty)
	}
	if a.Price.Cmp(money.NewUSD(49500)) != 0 {
		t.Errorf("OAAA11 price = %s", a.Price)
	}

	b := byID["OBBB22"]
	if b.Side != types.Sell {
		t.Errorf("OBBB22 side = %s, want SELL", b.Side)
	}
}

func TestBalancesParsed(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":[],"result":{"ZUSD":"1000.50","XXBT":"0.12345678"}}`)
	})

	usd, btc, err := c.Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if usd.Cmp(money.NewUSD(1000.50)) != 0 {
		t.Errorf("usd = %s", usd)
	}
	if btc.Cmp(money.NewBTC(0.12345678)) != 0 {
		t.Errorf("btc = %s", btc)
	}
}

func TestBookSnapshotParsed(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":[],"result":{"XXBTZUSD":{
			"bids":[["49999.9","1.5",1700000000],["49999.8","0.3",1700000000]],
			"asks":[["50000.1","2.0",1700000000]]
		}}}`)
	})

	snap, err := c.BookSnapshot(context.Background(), 10)
	if err != nil {
		t.Fatalf("BookSnapshot: %v", err)
	}
	if len(snap.Bids) != 2 || len(snap.Asks) != 1 {
		t.Fatalf("levels = %d bids / %d asks", len(snap.Bids), len(snap.Asks))
	}
	if snap.Bids[0].Price != 49999.9 || snap.Bids[0].Size != 1.5 {
		t.Errorf("bid[0] = %+v", snap.Bids[0])
	}
}
