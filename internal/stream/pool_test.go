package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tradegate/internal/events"
	"tradegate/internal/fill"
	"tradegate/internal/gateway"
	"tradegate/internal/position"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// restAdapter is a spot-like adapter with no stream capability.
type restAdapter struct{}

func (a *restAdapter) Name() string              { return "binance-spot" }
func (a *restAdapter) Market() common.MarketType { return common.MarketSpot }
func (a *restAdapter) LoadMarkets(ctx context.Context, reload bool) (map[string]common.MarketInfo, error) {
	return nil, nil
}
func (a *restAdapter) FetchBalance(ctx context.Context) (map[string]common.Balance, error) {
	return nil, nil
}
func (a *restAdapter) FetchQuote(ctx context.Context, symbol string) (common.PriceQuote, error) {
	return common.PriceQuote{}, nil
}
func (a *restAdapter) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	return common.Order{}, nil
}
func (a *restAdapter) CancelOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	return common.Order{}, nil
}
func (a *restAdapter) FetchOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	return common.Order{}, nil
}
func (a *restAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	return nil, nil
}
func (a *restAdapter) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
	return nil, nil
}
func (a *restAdapter) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	return common.BatchResult{}, nil
}
func (a *restAdapter) ToExchangeSymbol(symbol string) (string, error) {
	base, quote, err := common.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}
func (a *restAdapter) FromExchangeSymbol(symbol string) (string, error) {
	return common.NormalizeSymbol(symbol)
}

// streamAdapter adds the stream capability, with the endpoint pointed
// at a test server.
type streamAdapter struct {
	restAdapter
	wsURL      string
	keepAlives chan string
}

func (a *streamAdapter) CreateListenKey(ctx context.Context) (string, error) { return "lk-1", nil }
func (a *streamAdapter) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	select {
	case a.keepAlives <- listenKey:
	default:
	}
	return nil
}
func (a *streamAdapter) CloseListenKey(ctx context.Context, listenKey string) error { return nil }
func (a *streamAdapter) StreamURL(listenKey string) string {
	return a.wsURL + "/ws/" + listenKey
}

func setupPool(t *testing.T, adapter common.Adapter) (*Pool, *db.Database, int64) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	keys, err := crypto.NewKeyRing("stream-test-passphrase")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	gw := gateway.NewManager(database, keys, func(acct db.ExchangeAccount, apiKey, apiSecret, extra string) (common.Adapter, error) {
		return adapter, nil
	}, gateway.DefaultConfig())

	userID, err := database.CreateUser(context.Background(), db.User{Email: "stream@test.dev", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	encKey, _ := keys.Encrypt("k")
	encSecret, _ := keys.Encrypt("s")
	acctID, err := database.CreateAccount(context.Background(), db.ExchangeAccount{
		UserID: userID, Venue: "binance-spot", Market: "SPOT", Name: "t",
		APIKeyEncrypted: encKey, APISecretEncrypted: encSecret, KeyVersion: keys.CurrentVersion(),
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	bus := events.NewBus()
	monitor := fill.NewMonitor(database, bus, db.NewLockRegistry(), position.NewService(database, bus))
	return NewPool(gw, monitor, bus), database, acctID
}

func TestStreamDeliversFillToMonitor(t *testing.T) {
	frame := `{
		"e": "executionReport", "E": 1700000000123,
		"s": "BTCUSDT", "S": "BUY", "x": "TRADE", "X": "FILLED",
		"i": 42, "c": "tg-1", "t": 9001,
		"l": "2", "L": "100", "z": "2", "Z": "200",
		"n": "0.002", "m": false, "T": 1700000000100
	}`

	var upgrader websocket.Upgrader
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	adapter := &streamAdapter{
		wsURL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		keepAlives: make(chan string, 1),
	}
	pool, database, acctID := setupPool(t, adapter)

	orderID, err := database.CreateOpenOrder(context.Background(), db.OpenOrder{
		UserID: 1, StrategyID: 2, AccountID: acctID,
		ExchangeOrderID: "42", ClientOrderID: "tg-1",
		Venue: "binance-spot", Market: "SPOT", Symbol: "BTC/USDT",
		Side: "BUY", OrderType: "LIMIT", Status: "OPEN",
		Quantity: decimal.RequireFromString("2"),
		Price:    decimal.RequireFromString("100"),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Connect(ctx, acctID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Disconnect(acctID)

	// The fill arrives asynchronously; poll for the execution row.
	deadline := time.Now().Add(5 * time.Second)
	for {
		execs, err := database.ListExecutionsByOrder(context.Background(), "42")
		if err != nil {
			t.Fatalf("list executions: %v", err)
		}
		if len(execs) == 1 {
			if execs[0].ExchangeTradeID != "9001" {
				t.Errorf("trade id = %s", execs[0].ExchangeTradeID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fill never reached the monitor")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A full fill sweeps the open-order row.
	deadline = time.Now().Add(5 * time.Second)
	for {
		_, err := database.GetOpenOrder(context.Background(), orderID)
		if errors.Is(err, db.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("filled order still in open_orders")
		}
		time.Sleep(10 * time.Millisecond)
	}

	pos, err := database.GetPosition(context.Background(), 2, acctID, "BTC/USDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Qty.String() != "2" {
		t.Errorf("position qty = %s, want 2", pos.Qty)
	}
}

func TestFailedHandshakeNotRegistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain HTTP response; the websocket upgrade fails.
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := &streamAdapter{
		wsURL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		keepAlives: make(chan string, 1),
	}
	pool, _, acctID := setupPool(t, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Connect(ctx, acctID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Disconnect(acctID)

	time.Sleep(100 * time.Millisecond)
	if pool.Connected(acctID) {
		t.Error("failed handshake left an active registration")
	}
}

func TestNonStreamingVenueSkipped(t *testing.T) {
	// An adapter without the stream capability is a silent no-op.
	pool, _, acctID := setupPool(t, &restAdapter{})
	if err := pool.Connect(context.Background(), acctID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if pool.Connected(acctID) {
		t.Error("non-streaming venue reported connected")
	}
}
