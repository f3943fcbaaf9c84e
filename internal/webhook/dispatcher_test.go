package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/events"
	"tradegate/internal/gateway"
	"tradegate/internal/order"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// recordingAdapter acknowledges every order and remembers what each
// account was asked to do.
type recordingAdapter struct {
	accountID int64
	mu        *sync.Mutex
	placed    map[int64][]common.OrderRequest
	delay     time.Duration
	nextID    *int64
}

func (a *recordingAdapter) Name() string              { return "binance-spot" }
func (a *recordingAdapter) Market() common.MarketType { return common.MarketSpot }
func (a *recordingAdapter) LoadMarkets(ctx context.Context, reload bool) (map[string]common.MarketInfo, error) {
	return nil, nil
}
func (a *recordingAdapter) FetchBalance(ctx context.Context) (map[string]common.Balance, error) {
	return nil, nil
}
func (a *recordingAdapter) FetchQuote(ctx context.Context, symbol string) (common.PriceQuote, error) {
	return common.PriceQuote{}, nil
}
func (a *recordingAdapter) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return common.Order{}, common.NewAPIError("binance-spot", common.KindNetwork, "", ctx.Err().Error())
		case <-time.After(a.delay):
		}
	}
	a.mu.Lock()
	a.placed[a.accountID] = append(a.placed[a.accountID], req)
	*a.nextID++
	id := *a.nextID
	a.mu.Unlock()
	return common.Order{
		ExchangeOrderID: fmt.Sprintf("%d", id),
		ClientID:        req.ClientID,
		Status:          common.StatusOpen,
		UpdatedAt:       time.Now(),
	}, nil
}
func (a *recordingAdapter) CancelOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	return common.Order{ExchangeOrderID: orderID, Status: common.StatusCanceled}, nil
}
func (a *recordingAdapter) FetchOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	return common.Order{}, nil
}
func (a *recordingAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	return nil, nil
}
func (a *recordingAdapter) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
	return nil, nil
}
func (a *recordingAdapter) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	return common.BatchResult{}, nil
}
func (a *recordingAdapter) ToExchangeSymbol(symbol string) (string, error)   { return symbol, nil }
func (a *recordingAdapter) FromExchangeSymbol(symbol string) (string, error) { return symbol, nil }

type fixture struct {
	db         *db.Database
	keys       *crypto.KeyRing
	dispatcher *Dispatcher
	userID     int64
	strategyID int64
	accounts   []int64
	mu         sync.Mutex
	placed     map[int64][]common.OrderRequest
	slow       map[int64]time.Duration
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{
		db:     database,
		placed: make(map[int64][]common.OrderRequest),
		slow:   make(map[int64]time.Duration),
	}

	keys, err := crypto.NewKeyRing("webhook-test-passphrase")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	f.keys = keys
	var nextID int64
	pool := gateway.NewManager(database, keys, func(acct db.ExchangeAccount, apiKey, apiSecret, extra string) (common.Adapter, error) {
		return &recordingAdapter{
			accountID: acct.ID,
			mu:        &f.mu,
			placed:    f.placed,
			delay:     f.slow[acct.ID],
			nextID:    &nextID,
		}, nil
	}, gateway.DefaultConfig())

	f.userID, err = database.CreateUser(context.Background(), db.User{Email: "hook@test.dev", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	f.strategyID, err = database.CreateStrategy(context.Background(), db.Strategy{
		UserID: f.userID, Name: "momentum", WebhookToken: "sekrit-token",
	})
	if err != nil {
		t.Fatalf("seed strategy: %v", err)
	}

	orders := order.NewManager(database, pool, events.NewBus())
	f.dispatcher = NewDispatcher(database, orders, events.NewBus(), cfg)
	return f
}

func (f *fixture) addAccount(t *testing.T, weight string) int64 {
	t.Helper()
	encKey, _ := f.keys.Encrypt("k")
	encSecret, _ := f.keys.Encrypt("s")
	id, err := f.db.CreateAccount(context.Background(), db.ExchangeAccount{
		UserID: f.userID, Venue: "binance-spot", Market: "SPOT",
		Name:            fmt.Sprintf("acct-%d", len(f.accounts)+1),
		APIKeyEncrypted: encKey, APISecretEncrypted: encSecret, KeyVersion: f.keys.CurrentVersion(),
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := f.db.BindAccount(context.Background(), f.strategyID, id, decimal.RequireFromString(weight)); err != nil {
		t.Fatalf("bind account: %v", err)
	}
	f.accounts = append(f.accounts, id)
	return id
}

func signal(body string) []byte { return []byte(body) }

func TestRejectsBadToken(t *testing.T) {
	f := setup(t, DefaultConfig())
	_, err := f.dispatcher.Handle(context.Background(), signal(`{
		"group_name": "momentum", "token": "wrong", "action": "trading_signal",
		"order_type": "MARKET", "side": "buy", "symbol": "BTC/USDT", "quantity": "1"
	}`))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRejectsInactiveStrategy(t *testing.T) {
	f := setup(t, DefaultConfig())
	if err := f.db.DeactivateStrategy(context.Background(), f.userID, f.strategyID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := f.dispatcher.Handle(context.Background(), signal(`{
		"group_name": "momentum", "token": "sekrit-token", "action": "trading_signal",
		"order_type": "MARKET", "side": "buy", "symbol": "BTC/USDT", "quantity": "1"
	}`))
	if !errors.Is(err, ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
}

func TestTokenDisambiguatesSameName(t *testing.T) {
	f := setup(t, DefaultConfig())
	otherUser, err := f.db.CreateUser(context.Background(), db.User{Email: "other@test.dev", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := f.db.CreateStrategy(context.Background(), db.Strategy{
		UserID: otherUser, Name: "momentum", WebhookToken: "other-token",
	}); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}

	resp, err := f.dispatcher.Handle(context.Background(), signal(`{
		"group_name": "momentum", "token": "sekrit-token", "action": "test"
	}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !resp.Success || resp.Strategy != "momentum" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestTestActionDoesNotTrade(t *testing.T) {
	f := setup(t, DefaultConfig())
	f.addAccount(t, "1")

	resp, err := f.dispatcher.Handle(context.Background(), signal(`{
		"group_name": "momentum", "token": "sekrit-token", "action": "test"
	}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Action != ActionTest || len(resp.Results) != 0 {
		t.Errorf("resp = %+v", resp)
	}
	if len(f.placed) != 0 {
		t.Errorf("test action placed orders: %v", f.placed)
	}
}

func TestFanOutSizesByWeight(t *testing.T) {
	f := setup(t, DefaultConfig())
	heavy := f.addAccount(t, "2")
	light := f.addAccount(t, "1")

	resp, err := f.dispatcher.Handle(context.Background(), signal(`{
		"group_name": "momentum", "token": "sekrit-token", "action": "trading_signal",
		"order_type": "LIMIT", "side": "buy", "symbol": "BTC/USDT",
		"quantity": "3", "price": "100"
	}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Summary.SuccessfulOrders != 2 || resp.Summary.FailedOrders != 0 {
		t.Fatalf("summary = %+v", resp.Summary)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if got := f.placed[heavy][0].Quantity.String(); got != "2" {
		t.Errorf("heavy account qty = %s, want 2", got)
	}
	if got := f.placed[light][0].Quantity.String(); got != "1" {
		t.Errorf("light account qty = %s, want 1", got)
	}
	if f.placed[heavy][0].Side != common.SideBuy {
		t.Errorf("side not normalized: %s", f.placed[heavy][0].Side)
	}
}

func TestDisabledBindingSkipped(t *testing.T) {
	f := setup(t, DefaultConfig())
	active := f.addAccount(t, "1")
	disabled := f.addAccount(t, "1")
	if err := f.db.SetBindingActive(context.Background(), f.strategyID, disabled, false); err != nil {
		t.Fatalf("disable binding: %v", err)
	}

	resp, err := f.dispatcher.Handle(context.Background(), signal(`{
		"group_name": "momentum", "token": "sekrit-token", "action": "trading_signal",
		"order_type": "LIMIT", "side": "buy", "symbol": "BTC/USDT",
		"quantity": "2", "price": "100"
	}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Summary.TotalAccounts != 1 || resp.Summary.SuccessfulOrders != 1 {
		t.Fatalf("summary = %+v, want only the active binding", resp.Summary)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// The whole quantity routes to the remaining binding.
	if got := f.placed[active][0].Quantity.String(); got != "2" {
		t.Errorf("active account qty = %s, want 2", got)
	}
	if len(f.placed[disabled]) != 0 {
		t.Errorf("disabled binding received %d orders", len(f.placed[disabled]))
	}

	// Re-binding turns it back on.
	if err := f.db.BindAccount(context.Background(), f.strategyID, disabled, decimal.RequireFromString("1")); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	bindings, err := f.db.ListBindings(context.Background(), f.strategyID)
	if err != nil {
		t.Fatalf("list bindings: %v", err)
	}
	if len(bindings) != 2 {
		t.Errorf("bindings = %d, want 2 after rebind", len(bindings))
	}
}

func TestSlowAccountTimesOutAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AccountTimeout = 100 * time.Millisecond
	f := setup(t, cfg)
	fast := f.addAccount(t, "1")
	slow := f.addAccount(t, "1")
	f.slow[slow] = time.Hour

	start := time.Now()
	resp, err := f.dispatcher.Handle(context.Background(), signal(`{
		"group_name": "momentum", "token": "sekrit-token", "action": "trading_signal",
		"order_type": "MARKET", "side": "sell", "symbol": "BTC/USDT", "quantity": "2"
	}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("dispatch took %v; slow account stalled the batch", elapsed)
	}

	var fastOK, slowTimedOut bool
	for _, r := range resp.Results {
		switch r.AccountID {
		case fast:
			fastOK = r.Success
		case slow:
			slowTimedOut = r.Timeout && !r.Success
		}
	}
	if !fastOK {
		t.Error("fast account did not succeed")
	}
	if !slowTimedOut {
		t.Errorf("slow account result = %+v", resp.Results)
	}
}

func TestBulkCancelScopedToSymbol(t *testing.T) {
	f := setup(t, DefaultConfig())
	acct := f.addAccount(t, "1")

	seed := func(exchangeID, symbol string) int64 {
		id, err := f.db.CreateOpenOrder(context.Background(), db.OpenOrder{
			UserID: f.userID, StrategyID: f.strategyID, AccountID: acct,
			ExchangeOrderID: exchangeID, ClientOrderID: "c-" + exchangeID,
			Venue: "binance-spot", Market: "SPOT", Symbol: symbol,
			Side: "BUY", OrderType: "LIMIT", Status: "OPEN",
			Quantity: decimal.RequireFromString("1"),
			Price:    decimal.RequireFromString("100"),
		})
		if err != nil {
			t.Fatalf("seed order: %v", err)
		}
		return id
	}
	target := seed("1001", "BTC/USDT")
	other := seed("1002", "ETH/USDT")

	resp, err := f.dispatcher.Handle(context.Background(), signal(`{
		"group_name": "momentum", "token": "sekrit-token", "action": "trading_signal",
		"order_type": "CANCEL", "symbol": "BTC/USDT"
	}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].OrderID != target {
		t.Fatalf("results = %+v", resp.Results)
	}

	got, _ := f.db.GetOpenOrder(context.Background(), target)
	if got.Status != "CANCELED" {
		t.Errorf("target status = %s", got.Status)
	}
	untouched, _ := f.db.GetOpenOrder(context.Background(), other)
	if untouched.Status != "OPEN" {
		t.Errorf("other symbol status = %s", untouched.Status)
	}
}

func TestMalformedSignalRejected(t *testing.T) {
	f := setup(t, DefaultConfig())
	for _, body := range []string{
		`{`,
		`{"group_name": "momentum", "token": "sekrit-token", "action": "nope"}`,
		`{"group_name": "momentum", "token": "sekrit-token", "action": "trading_signal", "order_type": "MARKET", "side": "buy", "symbol": "BTC/USDT"}`,
		`{"group_name": "momentum", "token": "sekrit-token", "action": "trading_signal", "order_type": "LIMIT", "side": "buy", "symbol": "BTC/USDT", "quantity": "1"}`,
	} {
		if _, err := f.dispatcher.Handle(context.Background(), signal(body)); !errors.Is(err, ErrBadSignal) {
			t.Errorf("body %s: err = %v, want ErrBadSignal", body, err)
		}
	}
}
