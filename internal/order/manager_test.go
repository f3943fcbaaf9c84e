package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/events"
	"tradegate/internal/fill"
	"tradegate/internal/gateway"
	"tradegate/internal/position"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// fakeAdapter scripts venue behavior per test.
type fakeAdapter struct {
	createFn func(ctx context.Context, req common.OrderRequest) (common.Order, error)
	cancelFn func(ctx context.Context, orderID, symbol string) (common.Order, error)
	fetchFn  func(ctx context.Context, orderID, symbol string) (common.Order, error)
	tradesFn func(ctx context.Context, symbol string, limit int) ([]common.Fill, error)
}

func (f *fakeAdapter) Name() string              { return "fake" }
func (f *fakeAdapter) Market() common.MarketType { return common.MarketSpot }
func (f *fakeAdapter) LoadMarkets(ctx context.Context, reload bool) (map[string]common.MarketInfo, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchBalance(ctx context.Context) (map[string]common.Balance, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchQuote(ctx context.Context, symbol string) (common.PriceQuote, error) {
	return common.PriceQuote{}, nil
}
func (f *fakeAdapter) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	return f.createFn(ctx, req)
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	return f.cancelFn(ctx, orderID, symbol)
}
func (f *fakeAdapter) FetchOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	return f.fetchFn(ctx, orderID, symbol)
}
func (f *fakeAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
	if f.tradesFn != nil {
		return f.tradesFn(ctx, symbol, limit)
	}
	return nil, nil
}
func (f *fakeAdapter) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	return common.SequentialBatch(ctx, "fake", reqs, 0, f.CreateOrder)
}
func (f *fakeAdapter) ToExchangeSymbol(symbol string) (string, error)   { return symbol, nil }
func (f *fakeAdapter) FromExchangeSymbol(symbol string) (string, error) { return symbol, nil }

type fixture struct {
	db      *db.Database
	pool    *gateway.Manager
	manager *Manager
	adapter *fakeAdapter
	userID  int64
	acctID  int64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	keys, err := crypto.NewKeyRing("order-test-passphrase")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	adapter := &fakeAdapter{}
	pool := gateway.NewManager(database, keys, func(acct db.ExchangeAccount, apiKey, apiSecret, extra string) (common.Adapter, error) {
		return adapter, nil
	}, gateway.DefaultConfig())

	userID, err := database.CreateUser(context.Background(), db.User{Email: "trader@test.dev", PasswordHash: "x"})
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

	return &fixture{
		db:      database,
		pool:    pool,
		manager: NewManager(database, pool, events.NewBus()),
		adapter: adapter,
		userID:  userID,
		acctID:  acctID,
	}
}

func (f *fixture) params(req common.OrderRequest) PlaceParams {
	return PlaceParams{
		UserID:     f.userID,
		StrategyID: 1,
		AccountID:  f.acctID,
		Venue:      "binance-spot",
		Market:     "SPOT",
		Request:    req,
	}
}

func limitBuy() common.OrderRequest {
	return common.OrderRequest{
		Symbol:   "BTC/USDT",
		Side:     common.SideBuy,
		Type:     common.OrderTypeLimit,
		Quantity: decimal.RequireFromString("1"),
		Price:    decimal.RequireFromString("100"),
	}
}

func TestPlacePatchesPlaceholder(t *testing.T) {
	f := setup(t)
	f.adapter.createFn = func(ctx context.Context, req common.OrderRequest) (common.Order, error) {
		if req.ClientID == "" {
			t.Error("client order id not set")
		}
		return common.Order{
			ExchangeOrderID: "555",
			ClientID:        req.ClientID,
			Status:          common.StatusOpen,
			UpdatedAt:       time.Now(),
		}, nil
	}

	row, _, err := f.manager.Place(context.Background(), f.params(limitBuy()))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if row.ExchangeOrderID != "555" {
		t.Errorf("exchange id = %s, want 555 (placeholder patched)", row.ExchangeOrderID)
	}
	if row.Status != "OPEN" {
		t.Errorf("status = %s, want OPEN", row.Status)
	}

	active, _ := f.db.ListActiveOrders(context.Background(), f.userID, 0)
	if len(active) != 1 {
		t.Errorf("active orders = %d, want 1", len(active))
	}
}

func TestPlaceFailureRecordsAndCleansUp(t *testing.T) {
	f := setup(t)
	f.adapter.createFn = func(ctx context.Context, req common.OrderRequest) (common.Order, error) {
		return common.Order{}, common.NewAPIError("binance-spot", common.KindMinNotional, "", "notional 5 must be greater than minimum 10")
	}

	_, _, err := f.manager.Place(context.Background(), f.params(limitBuy()))
	if common.KindOf(err) != common.KindMinNotional {
		t.Fatalf("err kind = %s, want min_notional", common.KindOf(err))
	}

	active, _ := f.db.ListActiveOrders(context.Background(), f.userID, 0)
	if len(active) != 0 {
		t.Errorf("failed submission left %d rows in open_orders", len(active))
	}
	failed, _ := f.db.ListFailedOrders(context.Background(), f.userID, 0, "", 10)
	if len(failed) != 1 {
		t.Fatalf("failed_orders = %d, want 1", len(failed))
	}
	if failed[0].ErrorKind != "min_notional" {
		t.Errorf("error kind = %s", failed[0].ErrorKind)
	}
}

func TestCancelImmediate(t *testing.T) {
	f := setup(t)
	f.adapter.createFn = func(ctx context.Context, req common.OrderRequest) (common.Order, error) {
		return common.Order{ExchangeOrderID: "777", Status: common.StatusOpen, UpdatedAt: time.Now()}, nil
	}
	f.adapter.cancelFn = func(ctx context.Context, orderID, symbol string) (common.Order, error) {
		return common.Order{ExchangeOrderID: orderID, Status: common.StatusCanceled}, nil
	}

	row, _, err := f.manager.Place(context.Background(), f.params(limitBuy()))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	outcome, err := f.manager.Cancel(context.Background(), f.userID, row.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if outcome != CancelDone {
		t.Errorf("outcome = %s, want canceled", outcome)
	}

	// Terminal rows never linger in open_orders.
	if _, err := f.db.GetOpenOrder(context.Background(), row.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("canceled row still present, err = %v", err)
	}

	// A second cancel finds nothing to cancel.
	if _, err := f.manager.Cancel(context.Background(), f.userID, row.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("second cancel err = %v, want ErrNotFound", err)
	}
}

func TestCancelQueuedOnNetworkError(t *testing.T) {
	f := setup(t)
	f.adapter.createFn = func(ctx context.Context, req common.OrderRequest) (common.Order, error) {
		return common.Order{ExchangeOrderID: "888", Status: common.StatusOpen, UpdatedAt: time.Now()}, nil
	}
	f.adapter.cancelFn = func(ctx context.Context, orderID, symbol string) (common.Order, error) {
		return common.Order{}, common.NewAPIError("binance-spot", common.KindNetwork, "", "connection reset")
	}

	row, _, err := f.manager.Place(context.Background(), f.params(limitBuy()))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	outcome, err := f.manager.Cancel(context.Background(), f.userID, row.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if outcome != CancelQueued {
		t.Errorf("outcome = %s, want queued", outcome)
	}
	if _, err := f.db.GetCancelByOrder(context.Background(), row.ID); err != nil {
		t.Errorf("cancel queue row missing: %v", err)
	}
}

func TestCancelWorkerFinishesQueuedItem(t *testing.T) {
	f := setup(t)
	f.adapter.createFn = func(ctx context.Context, req common.OrderRequest) (common.Order, error) {
		return common.Order{ExchangeOrderID: "999", Status: common.StatusOpen, UpdatedAt: time.Now()}, nil
	}
	calls := 0
	f.adapter.cancelFn = func(ctx context.Context, orderID, symbol string) (common.Order, error) {
		calls++
		if calls == 1 {
			return common.Order{}, common.NewAPIError("binance-spot", common.KindNetwork, "", "connection reset")
		}
		return common.Order{ExchangeOrderID: orderID, Status: common.StatusCanceled}, nil
	}

	row, _, err := f.manager.Place(context.Background(), f.params(limitBuy()))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if outcome, _ := f.manager.Cancel(context.Background(), f.userID, row.ID); outcome != CancelQueued {
		t.Fatalf("expected queued outcome, got %s", outcome)
	}

	w := NewCancelWorker(f.db, f.pool, f.manager, time.Second)
	w.drain(context.Background()) // fails, reschedules

	item, err := f.db.GetCancelByOrder(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("queue item: %v", err)
	}
	if item.Attempts != 1 || item.Status != db.CancelQueued {
		t.Fatalf("after failed attempt: attempts=%d status=%s", item.Attempts, item.Status)
	}

	// Make it due again and retry.
	if err := f.db.MarkCancelAttempt(context.Background(), item.ID, item.Attempts, cancelMaxAttempts, time.Now().Add(-time.Second), item.LastError); err != nil {
		t.Fatalf("force due: %v", err)
	}
	w.drain(context.Background())

	item, _ = f.db.GetCancelByOrder(context.Background(), row.ID)
	if item.Status != db.CancelDone {
		t.Errorf("queue status = %s, want DONE", item.Status)
	}
	if _, err := f.db.GetOpenOrder(context.Background(), row.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("canceled row still present, err = %v", err)
	}
}

func (f *fixture) fillMonitor() *fill.Monitor {
	return fill.NewMonitor(f.db, nil, db.NewLockRegistry(), position.NewService(f.db, nil))
}

func TestReconcilerSweepsFilledAckRow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Now()

	// The venue acknowledges FILLED before reporting fill totals; the
	// row lingers in a terminal status until reconciliation settles it.
	f.adapter.createFn = func(ctx context.Context, req common.OrderRequest) (common.Order, error) {
		return common.Order{ExchangeOrderID: "321", Status: common.StatusFilled, UpdatedAt: now}, nil
	}
	row, _, err := f.manager.Place(ctx, f.params(limitBuy()))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	got, err := f.db.GetOpenOrder(ctx, row.ID)
	if err != nil {
		t.Fatalf("row missing before sweep: %v", err)
	}
	if got.Status != "FILLED" {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}

	f.adapter.fetchFn = func(ctx context.Context, orderID, symbol string) (common.Order, error) {
		return common.Order{
			ExchangeOrderID: "321",
			Status:          common.StatusFilled,
			FilledQuantity:  decimal.RequireFromString("1"),
			AvgFillPrice:    decimal.RequireFromString("100"),
			UpdatedAt:       now.Add(2 * time.Second),
		}, nil
	}
	f.adapter.tradesFn = func(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
		return []common.Fill{{
			ExchangeOrderID: "321", TradeID: "bt-1", Symbol: "BTC/USDT",
			Side: common.SideBuy, Quantity: decimal.RequireFromString("1"),
			Price: decimal.RequireFromString("100"), Time: now.Add(time.Second),
		}}, nil
	}

	r := NewReconciler(f.db, f.pool, f.fillMonitor(), time.Minute)
	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, err := f.db.GetOpenOrder(ctx, row.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("terminal row survived the sweep, err = %v", err)
	}
	execs, _ := f.db.ListExecutionsByOrder(ctx, "321")
	if len(execs) != 1 {
		t.Errorf("executions = %d, want 1 backfilled before the sweep", len(execs))
	}
	pos, _ := f.db.GetPosition(ctx, 1, f.acctID, "BTC/USDT")
	if !pos.Qty.Equal(decimal.RequireFromString("1")) {
		t.Errorf("position qty = %s, want 1", pos.Qty)
	}
}

func TestBackfillReportsRunningCumulative(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	base := time.Now()

	rowID, err := f.db.CreateOpenOrder(ctx, db.OpenOrder{
		UserID: f.userID, StrategyID: 1, AccountID: f.acctID,
		ExchangeOrderID: "654", ClientOrderID: "tg-m",
		Venue: "binance-spot", Market: "SPOT", Symbol: "BTC/USDT",
		Side: "BUY", OrderType: "LIMIT", Status: "OPEN",
		Quantity: decimal.RequireFromString("1"),
		Price:    decimal.RequireFromString("100"),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	f.adapter.tradesFn = func(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
		return []common.Fill{
			{ExchangeOrderID: "654", TradeID: "bt-1", Symbol: "BTC/USDT", Side: common.SideBuy,
				Quantity: decimal.RequireFromString("0.4"), Price: decimal.RequireFromString("100"), Time: base.Add(time.Second)},
			{ExchangeOrderID: "other", TradeID: "bt-2", Symbol: "BTC/USDT", Side: common.SideBuy,
				Quantity: decimal.RequireFromString("9"), Price: decimal.RequireFromString("100"), Time: base.Add(time.Second)},
			{ExchangeOrderID: "654", TradeID: "bt-3", Symbol: "BTC/USDT", Side: common.SideBuy,
				Quantity: decimal.RequireFromString("0.6"), Price: decimal.RequireFromString("110"), Time: base.Add(2 * time.Second)},
		}, nil
	}

	r := NewReconciler(f.db, f.pool, f.fillMonitor(), time.Minute)
	o, err := f.db.GetOpenOrder(ctx, rowID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if err := r.backfillTrades(ctx, f.adapter, *o); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	// Two missed fills accumulate across the loop; the second event
	// must carry 1.0, not 0.6.
	got, err := f.db.GetOpenOrder(ctx, rowID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !got.FilledQty.Equal(decimal.RequireFromString("1")) {
		t.Errorf("filled qty = %s, want 1", got.FilledQty)
	}
	execs, _ := f.db.ListExecutionsByOrder(ctx, "654")
	if len(execs) != 2 {
		t.Errorf("executions = %d, want 2 (foreign order filtered out)", len(execs))
	}
	pos, _ := f.db.GetPosition(ctx, 1, f.acctID, "BTC/USDT")
	if !pos.Qty.Equal(decimal.RequireFromString("1")) {
		t.Errorf("position qty = %s, want 1", pos.Qty)
	}
}
