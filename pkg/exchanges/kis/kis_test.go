package kis

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"tradegate/pkg/exchanges/common"
)

func testClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{AppKey: "app", AppSecret: "secret", AccountNo: "12345678"}, opts...)
	c.http.SetBaseURL(srv.URL)
	return c
}

func tokenHandler(tokenCalls *atomic.Int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/tokenP" {
			tokenCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok-1", "token_type": "Bearer", "expires_in": 86400,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TestHashkeyCanonicalization(t *testing.T) {
	c := New(Config{AppKey: "app", AppSecret: "secret"})
	body := map[string]string{
		"PDNO":     "005930",
		"CANO":     "12345678",
		"ORD_QTY":  "10",
		"ORD_UNPR": "71000",
	}
	got := c.hashkey(body)

	// Keys sorted, joined k=v with pipes, prefixed by app creds.
	canonical := "app|secret|CANO=12345678|ORD_QTY=10|ORD_UNPR=71000|PDNO=005930"
	sum := sha256.Sum256([]byte(canonical))
	want := base64.StdEncoding.EncodeToString(sum[:])
	if got != want {
		t.Errorf("hashkey = %s, want %s", got, want)
	}

	// Insertion order must not change the digest.
	reordered := map[string]string{
		"ORD_UNPR": "71000",
		"PDNO":     "005930",
		"ORD_QTY":  "10",
		"CANO":     "12345678",
	}
	if c.hashkey(reordered) != want {
		t.Error("hashkey depends on map insertion order")
	}
}

func TestTokenReusedAcrossCalls(t *testing.T) {
	var tokenCalls atomic.Int64
	c := testClient(t, tokenHandler(&tokenCalls, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0", "output": map[string]string{"ODNO": "1234", "KRX_FWDG_ORD_ORGNO": "06010"},
		})
	})))

	req := common.OrderRequest{
		Symbol:   "005930/KRW",
		Side:     common.SideBuy,
		Type:     common.OrderTypeLimit,
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.NewFromInt(71000),
	}
	for i := 0; i < 3; i++ {
		if _, err := c.CreateOrder(context.Background(), req); err != nil {
			t.Fatalf("CreateOrder #%d: %v", i, err)
		}
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Errorf("token requests = %d, want 1 (token valid 24h must be reused)", n)
	}
}

func TestConcurrentRefreshMakesOneTokenCall(t *testing.T) {
	var tokenCalls atomic.Int64
	c := testClient(t, tokenHandler(&tokenCalls, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"rt_cd": "0", "output": map[string]string{"stck_prpr": "71000"}})
	})))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.bearerToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("bearerToken #%d: %v", i, err)
		}
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Errorf("token requests = %d, want exactly 1 under concurrency", n)
	}
}

func TestCreateOrderSendsHashkeyAndFlooredPrice(t *testing.T) {
	var tokenCalls atomic.Int64
	var gotBody map[string]string
	var gotHashkey, gotTrID string
	c := testClient(t, tokenHandler(&tokenCalls, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uapi/domestic-stock/v1/trading/order-cash" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotHashkey = r.Header.Get("hashkey")
		gotTrID = r.Header.Get("tr_id")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0", "output": map[string]string{"ODNO": "0000117057"},
		})
	})))

	// 71,234 KRW sits in the [10k, 100k) band where the tick is 10.
	order, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol:   "005930/KRW",
		Side:     common.SideSell,
		Type:     common.OrderTypeLimit,
		Quantity: decimal.RequireFromString("10.7"),
		Price:    decimal.NewFromInt(71234),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if gotTrID != trSell {
		t.Errorf("tr_id = %s, want %s", gotTrID, trSell)
	}
	if gotBody["ORD_QTY"] != "10" {
		t.Errorf("ORD_QTY = %s, want 10 (whole shares)", gotBody["ORD_QTY"])
	}
	if gotBody["ORD_UNPR"] != "71230" {
		t.Errorf("ORD_UNPR = %s, want 71230 (floored to 10 tick)", gotBody["ORD_UNPR"])
	}
	if gotHashkey != c.hashkey(gotBody) {
		t.Error("hashkey header does not match the sent body")
	}
	if order.ExchangeOrderID != "0000117057" || order.Status != common.StatusOpen {
		t.Errorf("order = %+v", order)
	}
}

func TestPaperTrID(t *testing.T) {
	c := New(Config{Paper: true})
	if got := c.trID(trBuy); got != "VTTC0802U" {
		t.Errorf("paper buy tr_id = %s", got)
	}
	if got := c.trID(trQuotePrice); got != trQuotePrice {
		t.Errorf("quote tr_id must not change, got %s", got)
	}
}

func TestBusinessErrorClassification(t *testing.T) {
	var tokenCalls atomic.Int64
	c := testClient(t, tokenHandler(&tokenCalls, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "1", "msg_cd": "APBK0013", "msg1": "주문가능금액이 부족합니다",
		})
	})))

	_, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol:   "005930/KRW",
		Side:     common.SideBuy,
		Type:     common.OrderTypeLimit,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(71000),
	})
	if common.KindOf(err) != common.KindBusiness {
		t.Errorf("kind = %s, want business", common.KindOf(err))
	}
}
