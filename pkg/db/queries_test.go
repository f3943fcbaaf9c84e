package db

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestOrderLifecycle(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	placeholder := "PENDING-abc-123"
	id, err := database.CreateOpenOrder(ctx, OpenOrder{
		UserID:          1,
		StrategyID:      10,
		AccountID:       5,
		ExchangeOrderID: placeholder,
		ClientOrderID:   "tg-1",
		Venue:           "binance",
		Market:          "SPOT",
		Symbol:          "BTC/USDT",
		Side:            "BUY",
		OrderType:       "LIMIT",
		Status:          "PENDING",
		Quantity:        decimal.RequireFromString("0.5"),
		Price:           decimal.RequireFromString("50000"),
	})
	if err != nil {
		t.Fatalf("CreateOpenOrder: %v", err)
	}

	// Placeholder is swapped after the REST acknowledgement.
	if err := database.PatchExchangeOrderID(ctx, id, "998877"); err != nil {
		t.Fatalf("PatchExchangeOrderID: %v", err)
	}
	o, err := database.GetOpenOrderByExchangeID(ctx, "binance", "998877")
	if err != nil {
		t.Fatalf("GetOpenOrderByExchangeID: %v", err)
	}
	if o.ID != id {
		t.Errorf("order id = %d, want %d", o.ID, id)
	}
	if _, err := database.GetOpenOrderByExchangeID(ctx, "binance", placeholder); err != ErrNotFound {
		t.Errorf("placeholder lookup after patch: err = %v, want ErrNotFound", err)
	}

	// Progress updates apply in execution-time order.
	applied, err := database.UpdateOrderProgress(ctx, id, "PARTIALLY_FILLED",
		decimal.RequireFromString("0.2"), decimal.RequireFromString("50000"), 2000)
	if err != nil || !applied {
		t.Fatalf("UpdateOrderProgress: applied=%v err=%v", applied, err)
	}
	// An older event must be dropped.
	applied, err = database.UpdateOrderProgress(ctx, id, "OPEN",
		decimal.Zero, decimal.Zero, 1000)
	if err != nil {
		t.Fatalf("UpdateOrderProgress stale: %v", err)
	}
	if applied {
		t.Error("stale update was applied")
	}
	o, _ = database.GetOpenOrder(ctx, id)
	if o.Status != "PARTIALLY_FILLED" || !o.FilledQty.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("order after stale update: status=%s filled=%s", o.Status, o.FilledQty)
	}
}

func TestExecutionDeduplication(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	fill := TradeExecution{
		AccountID:       5,
		StrategyID:      10,
		ExchangeOrderID: "998877",
		ExchangeTradeID: "T-1",
		Venue:           "binance",
		Symbol:          "BTC/USDT",
		Side:            "BUY",
		Quantity:        decimal.RequireFromString("0.2"),
		Price:           decimal.RequireFromString("50000"),
		ExecutedAt:      time.Now(),
	}
	if _, err := database.RecordExecution(ctx, fill); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if _, err := database.RecordExecution(ctx, fill); err != ErrDuplicate {
		t.Errorf("replayed execution: err = %v, want ErrDuplicate", err)
	}

	fills, err := database.ListExecutionsByOrder(ctx, "998877")
	if err != nil {
		t.Fatalf("ListExecutionsByOrder: %v", err)
	}
	if len(fills) != 1 {
		t.Errorf("executions = %d, want 1", len(fills))
	}
}

func TestUserIsolation(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	userA, err := database.CreateUser(ctx, User{Email: "a@example.com", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	userB, err := database.CreateUser(ctx, User{Email: "b@example.com", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	accA, err := database.CreateAccount(ctx, ExchangeAccount{
		UserID: userA, Venue: "upbit", Market: "SPOT", Name: "upbit-main",
		APIKeyEncrypted: "enc-k", APISecretEncrypted: "enc-s", KeyVersion: 1,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if _, err := database.GetAccount(ctx, userB, accA); err != ErrNotFound {
		t.Errorf("cross-user account read: err = %v, want ErrNotFound", err)
	}
	accounts, err := database.ListAccountsByUser(ctx, userB)
	if err != nil {
		t.Fatalf("ListAccountsByUser: %v", err)
	}
	if len(accounts) != 0 {
		t.Errorf("user B sees %d accounts, want 0", len(accounts))
	}
}

func TestPositionAccounting(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	buy := func(qty, price string) *StrategyPosition {
		t.Helper()
		sp, err := database.ApplyFill(ctx, 1, 1, "BTC/USDT", "BUY",
			decimal.RequireFromString(qty), decimal.RequireFromString(price))
		if err != nil {
			t.Fatalf("ApplyFill buy: %v", err)
		}
		return sp
	}
	sell := func(qty, price string) *StrategyPosition {
		t.Helper()
		sp, err := database.ApplyFill(ctx, 1, 1, "BTC/USDT", "SELL",
			decimal.RequireFromString(qty), decimal.RequireFromString(price))
		if err != nil {
			t.Fatalf("ApplyFill sell: %v", err)
		}
		return sp
	}

	sp := buy("1", "100")
	if !sp.AvgPrice.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("avg after open = %s", sp.AvgPrice)
	}
	sp = buy("1", "200")
	if !sp.AvgPrice.Equal(decimal.RequireFromString("150")) || !sp.Qty.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("avg after add = %s qty = %s", sp.AvgPrice, sp.Qty)
	}

	// Partial close realizes on the closed part only.
	sp = sell("1", "180")
	if !sp.RealizedPnL.Equal(decimal.RequireFromString("30")) {
		t.Errorf("realized after partial close = %s, want 30", sp.RealizedPnL)
	}
	if !sp.AvgPrice.Equal(decimal.RequireFromString("150")) {
		t.Errorf("avg must not move on close, got %s", sp.AvgPrice)
	}

	// Crossing zero closes the remainder and opens a short at fill price.
	sp = sell("2", "160")
	if !sp.Qty.Equal(decimal.RequireFromString("-1")) {
		t.Errorf("qty after cross = %s, want -1", sp.Qty)
	}
	if !sp.AvgPrice.Equal(decimal.RequireFromString("160")) {
		t.Errorf("avg after cross = %s, want 160", sp.AvgPrice)
	}
	if !sp.RealizedPnL.Equal(decimal.RequireFromString("40")) {
		t.Errorf("realized after cross = %s, want 40", sp.RealizedPnL)
	}

	// Closing the short below entry is a profit.
	sp = buy("1", "150")
	if !sp.Qty.IsZero() || !sp.AvgPrice.IsZero() {
		t.Errorf("flat position: qty=%s avg=%s", sp.Qty, sp.AvgPrice)
	}
	if !sp.RealizedPnL.Equal(decimal.RequireFromString("50")) {
		t.Errorf("realized after covering = %s, want 50", sp.RealizedPnL)
	}
}

func TestCancelQueue(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	item := CancelQueueItem{OrderID: 42, AccountID: 5, ExchangeOrderID: "998877", Symbol: "BTC/USDT"}
	id, err := database.EnqueueCancel(ctx, item)
	if err != nil {
		t.Fatalf("EnqueueCancel: %v", err)
	}
	if _, err := database.EnqueueCancel(ctx, item); err != ErrDuplicate {
		t.Errorf("double enqueue: err = %v, want ErrDuplicate", err)
	}

	due, err := database.DueCancels(ctx, 10)
	if err != nil {
		t.Fatalf("DueCancels: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	// Exhausted attempts abandon the item.
	if err := database.MarkCancelAttempt(ctx, id, 5, 5, time.Now(), "venue down"); err != nil {
		t.Fatalf("MarkCancelAttempt: %v", err)
	}
	got, err := database.GetCancelByOrder(ctx, 42)
	if err != nil {
		t.Fatalf("GetCancelByOrder: %v", err)
	}
	if got.Status != CancelAbandoned {
		t.Errorf("status = %s, want %s", got.Status, CancelAbandoned)
	}
}

func TestLockRegistry(t *testing.T) {
	reg := NewLockRegistry()
	counter := 0
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			unlock := reg.Lock("order:1")
			counter++
			unlock()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	if counter != 10 {
		t.Errorf("counter = %d, want 10", counter)
	}
}
