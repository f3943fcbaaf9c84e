package bithumb

import (
	"context"
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
	{"market": "KRW-XRP"}
]`

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{AccessKey: "ak", SecretKey: "sk"})
	c.http.SetBaseURL(srv.URL)
	return c
}

func TestAuthTokenCarriesTimestamp(t *testing.T) {
	var authHeader string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.Write([]byte(`[]`))
	}))

	if _, err := c.FetchBalance(context.Background()); err != nil {
		t.Fatalf("FetchBalance: %v", err)
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
	if _, ok := claims["timestamp"].(float64); !ok {
		t.Errorf("timestamp claim missing or wrong type: %v", claims["timestamp"])
	}
}

func TestCreateOrderFloorsToKRWBand(t *testing.T) {
	var got url.Values
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/market/all":
			w.Write([]byte(marketsJSON))
		case "/v1/orders":
			r.ParseForm()
			got = r.PostForm
			json.NewEncoder(w).Encode(map[string]any{
				"uuid": "b-1", "side": "ask", "ord_type": "limit",
				"state": "wait", "market": "KRW-XRP",
				"price": got.Get("price"), "volume": got.Get("volume"), "executed_volume": "0",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	// 734.56 KRW sits in the [100, 1000) band where the tick is 0.1.
	order, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol:   "XRP/KRW",
		Side:     common.SideSell,
		Type:     common.OrderTypeLimit,
		Quantity: decimal.RequireFromString("100.123456789"),
		Price:    decimal.RequireFromString("734.56"),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if got.Get("price") != "734.5" {
		t.Errorf("price sent = %s, want 734.5 (floored to 0.1 tick)", got.Get("price"))
	}
	if got.Get("volume") != "100.12345678" {
		t.Errorf("volume sent = %s", got.Get("volume"))
	}
	if got.Get("side") != "ask" {
		t.Errorf("side = %s", got.Get("side"))
	}
	if order.Status != common.StatusOpen || order.ExchangeOrderID != "b-1" {
		t.Errorf("order = %+v", order)
	}
}

func TestStopOrdersRejected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(marketsJSON))
	}))

	_, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol:    "BTC/KRW",
		Side:      common.SideBuy,
		Type:      common.OrderTypeStopLimit,
		Quantity:  decimal.RequireFromString("0.1"),
		Price:     decimal.RequireFromString("50000000"),
		StopPrice: decimal.RequireFromString("49000000"),
	})
	if common.KindOf(err) != common.KindValidation {
		t.Errorf("kind = %s, want validation", common.KindOf(err))
	}
}
