package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"tradegate/pkg/exchanges/common"
)

const marketsJSON = `[
	{"market": "KRW-BTC"},
	{"market": "KRW-ETH"},
	{"market": "BTC-ETH"}
]`

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{AccessKey: "ak", SecretKey: "sk"})
	c.http.SetBaseURL(srv.URL)
	return c
}

func TestSymbolConversion(t *testing.T) {
	c := New(Config{})
	native, err := c.ToExchangeSymbol("BTC/KRW")
	if err != nil || native != "KRW-BTC" {
		t.Errorf("ToExchangeSymbol = %s, %v", native, err)
	}
	canonical, err := c.FromExchangeSymbol("KRW-BTC")
	if err != nil || canonical != "BTC/KRW" {
		t.Errorf("FromExchangeSymbol = %s, %v", canonical, err)
	}
}

func TestAuthTokenCarriesQueryHash(t *testing.T) {
	var authHeader, gotQuery string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[]`))
	}))

	params := url.Values{}
	params.Set("state", "wait")
	params.Set("market", "KRW-BTC")
	var rows []orderResponse
	if err := c.doAuthed(context.Background(), http.MethodGet, "/v1/orders/open", params, &rows); err != nil {
		t.Fatalf("doAuthed: %v", err)
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		t.Fatalf("authorization header = %q", authHeader)
	}
	token, err := jwt.Parse(strings.TrimPrefix(authHeader, "Bearer "), func(tok *jwt.Token) (any, error) {
		return []byte("sk"), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("parse token: %v", err)
	}
	claims := token.Claims.(jwt.MapClaims)
	if claims["access_key"] != "ak" {
		t.Errorf("access_key = %v", claims["access_key"])
	}
	if claims["nonce"] == "" {
		t.Error("nonce missing")
	}
	if claims["query_hash_alg"] != "SHA512" {
		t.Errorf("query_hash_alg = %v", claims["query_hash_alg"])
	}
	sum := sha512.Sum512([]byte(gotQuery))
	if claims["query_hash"] != hex.EncodeToString(sum[:]) {
		t.Errorf("query_hash does not match sent query %q", gotQuery)
	}
}

func TestCreateOrderAppliesKRWTick(t *testing.T) {
	var got url.Values
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/market/all":
			w.Write([]byte(marketsJSON))
		case "/v1/orders":
			body, _ := readForm(r)
			got = body
			json.NewEncoder(w).Encode(map[string]any{
				"uuid": "ord-1", "side": body.Get("side"), "ord_type": body.Get("ord_type"),
				"state": "wait", "market": body.Get("market"),
				"price": body.Get("price"), "volume": body.Get("volume"), "executed_volume": "0",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	// 52,345,678 KRW sits in the >= 2M band where the tick is 1000.
	order, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol:   "BTC/KRW",
		Side:     common.SideBuy,
		Type:     common.OrderTypeLimit,
		Quantity: decimal.RequireFromString("0.123456789"),
		Price:    decimal.RequireFromString("52345678"),
		ClientID: "tg-7",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if got.Get("market") != "KRW-BTC" || got.Get("side") != "bid" || got.Get("ord_type") != "limit" {
		t.Errorf("params = %v", got)
	}
	if got.Get("price") != "52345000" {
		t.Errorf("price sent = %s, want 52345000 (floored to 1000 tick)", got.Get("price"))
	}
	if got.Get("volume") != "0.12345678" {
		t.Errorf("volume sent = %s, want 0.12345678", got.Get("volume"))
	}
	if got.Get("identifier") != "tg-7" {
		t.Errorf("identifier = %s", got.Get("identifier"))
	}
	if order.ExchangeOrderID != "ord-1" || order.Status != common.StatusOpen {
		t.Errorf("order = %+v", order)
	}
}

func TestMarketBuySendsQuoteTotal(t *testing.T) {
	var got url.Values
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/market/all":
			w.Write([]byte(marketsJSON))
		case "/v1/ticker":
			w.Write([]byte(`[{"trade_price": 100000, "acc_trade_volume_24h": 1, "timestamp": 1700000000000}]`))
		case "/v1/orders":
			body, _ := readForm(r)
			got = body
			json.NewEncoder(w).Encode(map[string]any{
				"uuid": "ord-2", "side": "bid", "ord_type": "price",
				"state": "wait", "market": "KRW-ETH", "price": body.Get("price"), "executed_volume": "0",
			})
		}
	}))

	_, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol:   "ETH/KRW",
		Side:     common.SideBuy,
		Type:     common.OrderTypeMarket,
		Quantity: decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if got.Get("ord_type") != "price" {
		t.Errorf("ord_type = %s, want price", got.Get("ord_type"))
	}
	if got.Get("volume") != "" {
		t.Error("market buy must not send a volume")
	}
	if got.Get("price") != "50000" {
		t.Errorf("price = %s, want 50000 (0.5 * last 100000)", got.Get("price"))
	}
}

func TestBelowMinimumRejected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/market/all" {
			w.Write([]byte(marketsJSON))
			return
		}
		t.Errorf("order request should not reach the venue, path %s", r.URL.Path)
	}))

	// 0.0001 * 1,000,000 KRW = 100 KRW, under the 5000 KRW minimum.
	_, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol:   "ETH/KRW",
		Side:     common.SideSell,
		Type:     common.OrderTypeLimit,
		Quantity: decimal.RequireFromString("0.0001"),
		Price:    decimal.RequireFromString("1000000"),
	})
	if common.KindOf(err) != common.KindMinNotional {
		t.Errorf("kind = %s, want min_notional", common.KindOf(err))
	}
}

func TestMapState(t *testing.T) {
	if got := mapState("wait", decimal.Zero); got != common.StatusOpen {
		t.Errorf("wait = %s", got)
	}
	if got := mapState("wait", decimal.RequireFromString("0.5")); got != common.StatusPartial {
		t.Errorf("wait with fills = %s", got)
	}
	if got := mapState("done", decimal.RequireFromString("1")); got != common.StatusFilled {
		t.Errorf("done = %s", got)
	}
	if got := mapState("cancel", decimal.Zero); got != common.StatusCanceled {
		t.Errorf("cancel = %s", got)
	}
}

func readForm(r *http.Request) (url.Values, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return r.PostForm, nil
}
