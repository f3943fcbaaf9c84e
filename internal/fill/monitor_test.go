package fill

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/events"
	"tradegate/internal/position"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

func setupMonitor(t *testing.T) (*Monitor, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	positions := position.NewService(database, bus)
	return NewMonitor(database, bus, db.NewLockRegistry(), positions), database
}

func seedOrder(t *testing.T, database *db.Database, exchangeID, clientID string) int64 {
	t.Helper()
	id, err := database.CreateOpenOrder(context.Background(), db.OpenOrder{
		UserID:          1,
		StrategyID:      2,
		AccountID:       3,
		ExchangeOrderID: exchangeID,
		ClientOrderID:   clientID,
		Venue:           "binance-spot",
		Market:          "SPOT",
		Symbol:          "BTC/USDT",
		Side:            "BUY",
		OrderType:       "LIMIT",
		Status:          "OPEN",
		Quantity:        decimal.RequireFromString("2"),
		Price:           decimal.RequireFromString("100"),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return id
}

func fillEvent(exchangeID, tradeID string, qty, price string, cumFilled string, status common.OrderStatus, eventTime int64) Update {
	q := decimal.RequireFromString(qty)
	p := decimal.RequireFromString(price)
	return Update{
		AccountID:       3,
		Venue:           "binance-spot",
		Symbol:          "BTC/USDT",
		ExchangeOrderID: exchangeID,
		Status:          status,
		FilledQty:       decimal.RequireFromString(cumFilled),
		AvgFillPrice:    p,
		EventTime:       eventTime,
		Fill: &common.Fill{
			ExchangeOrderID: exchangeID,
			TradeID:         tradeID,
			Symbol:          "BTC/USDT",
			Side:            common.SideBuy,
			Quantity:        q,
			Price:           p,
			Time:            time.Now(),
		},
	}
}

func TestFillIdempotence(t *testing.T) {
	m, database := setupMonitor(t)
	seedOrder(t, database, "777", "tg-1")
	ctx := context.Background()

	ev := fillEvent("777", "t-1", "1", "100", "1", common.StatusPartial, 1000)
	if err := m.Process(ctx, ev); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := m.Process(ctx, ev); err != nil {
		t.Fatalf("replay process: %v", err)
	}

	execs, err := database.ListExecutionsByOrder(ctx, "777")
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1 after replay", len(execs))
	}
	pos, err := database.GetPosition(ctx, 2, 3, "BTC/USDT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !pos.Qty.Equal(decimal.RequireFromString("1")) {
		t.Errorf("position qty = %s, want 1 (replay must not double-apply)", pos.Qty)
	}
}

func TestFullFillRemovesOpenOrder(t *testing.T) {
	m, database := setupMonitor(t)
	orderID := seedOrder(t, database, "888", "tg-2")
	ctx := context.Background()

	if err := m.Process(ctx, fillEvent("888", "t-1", "1", "100", "1", common.StatusPartial, 1000)); err != nil {
		t.Fatalf("partial: %v", err)
	}
	if err := m.Process(ctx, fillEvent("888", "t-2", "1", "110", "2", common.StatusFilled, 2000)); err != nil {
		t.Fatalf("final: %v", err)
	}

	if _, err := database.GetOpenOrder(ctx, orderID); err != db.ErrNotFound {
		t.Errorf("filled order still present (err = %v)", err)
	}
	execs, _ := database.ListExecutionsByOrder(ctx, "888")
	if len(execs) != 2 {
		t.Errorf("executions = %d, want 2 to survive order removal", len(execs))
	}
	pos, _ := database.GetPosition(ctx, 2, 3, "BTC/USDT")
	if !pos.Qty.Equal(decimal.RequireFromString("2")) {
		t.Errorf("position qty = %s, want 2", pos.Qty)
	}
	if !pos.AvgPrice.Equal(decimal.RequireFromString("105")) {
		t.Errorf("avg price = %s, want 105", pos.AvgPrice)
	}
}

func TestCanceledEventRemovesOpenOrder(t *testing.T) {
	m, database := setupMonitor(t)
	orderID := seedOrder(t, database, "555", "tg-c")
	ctx := context.Background()

	canceled := Update{
		AccountID:       3,
		Venue:           "binance-spot",
		Symbol:          "BTC/USDT",
		ExchangeOrderID: "555",
		Status:          common.StatusCanceled,
		FilledQty:       decimal.Zero,
		AvgFillPrice:    decimal.Zero,
		EventTime:       1000,
	}
	if err := m.Process(ctx, canceled); err != nil {
		t.Fatalf("process: %v", err)
	}

	// Any terminal status removes the row, not just FILLED.
	if _, err := database.GetOpenOrder(ctx, orderID); err != db.ErrNotFound {
		t.Errorf("canceled order still present (err = %v)", err)
	}
}

func TestClosingFillMovesCapital(t *testing.T) {
	m, database := setupMonitor(t)
	seedOrder(t, database, "601", "tg-b")
	ctx := context.Background()

	if err := database.UpsertCapital(ctx, db.StrategyCapital{
		StrategyID: 2, AccountID: 3,
		Allocated: decimal.RequireFromString("1000"),
		Available: decimal.RequireFromString("1000"),
	}); err != nil {
		t.Fatalf("seed capital: %v", err)
	}

	// Open long 1 @ 100 on the buy order.
	if err := m.Process(ctx, fillEvent("601", "t-1", "1", "100", "1", common.StatusFilled, 1000)); err != nil {
		t.Fatalf("buy fill: %v", err)
	}

	// Close it at 110 through a sell order.
	sellID, err := database.CreateOpenOrder(ctx, db.OpenOrder{
		UserID: 1, StrategyID: 2, AccountID: 3,
		ExchangeOrderID: "602", ClientOrderID: "tg-s",
		Venue: "binance-spot", Market: "SPOT", Symbol: "BTC/USDT",
		Side: "SELL", OrderType: "LIMIT", Status: "OPEN",
		Quantity: decimal.RequireFromString("1"),
		Price:    decimal.RequireFromString("110"),
	})
	if err != nil {
		t.Fatalf("seed sell order: %v", err)
	}
	sell := fillEvent("602", "t-2", "1", "110", "1", common.StatusFilled, 2000)
	sell.Fill.Side = common.SideSell
	if err := m.Process(ctx, sell); err != nil {
		t.Fatalf("sell fill: %v", err)
	}
	if _, err := database.GetOpenOrder(ctx, sellID); err != db.ErrNotFound {
		t.Errorf("filled sell order still present (err = %v)", err)
	}

	pos, _ := database.GetPosition(ctx, 2, 3, "BTC/USDT")
	if !pos.RealizedPnL.Equal(decimal.RequireFromString("10")) {
		t.Errorf("position realized pnl = %s, want 10", pos.RealizedPnL)
	}

	// The realized 10 lands on the capital ledger too.
	cap, err := database.GetCapital(ctx, 2, 3)
	if err != nil {
		t.Fatalf("get capital: %v", err)
	}
	if !cap.RealizedPnL.Equal(decimal.RequireFromString("10")) {
		t.Errorf("capital realized pnl = %s, want 10", cap.RealizedPnL)
	}
	if !cap.Available.Equal(decimal.RequireFromString("1010")) {
		t.Errorf("capital available = %s, want 1010", cap.Available)
	}
	if !cap.Allocated.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("capital allocated = %s, want 1000 (untouched)", cap.Allocated)
	}
}

func TestStaleEventDropped(t *testing.T) {
	m, database := setupMonitor(t)
	orderID := seedOrder(t, database, "999", "tg-3")
	ctx := context.Background()

	if err := m.Process(ctx, fillEvent("999", "t-1", "1", "100", "1", common.StatusPartial, 2000)); err != nil {
		t.Fatalf("fresh event: %v", err)
	}

	// An older status-only event must not roll the order back.
	stale := Update{
		AccountID:       3,
		Venue:           "binance-spot",
		ExchangeOrderID: "999",
		Status:          common.StatusOpen,
		FilledQty:       decimal.Zero,
		AvgFillPrice:    decimal.Zero,
		EventTime:       1000,
	}
	if err := m.Process(ctx, stale); err != nil {
		t.Fatalf("stale event: %v", err)
	}

	order, err := database.GetOpenOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != "PARTIALLY_FILLED" {
		t.Errorf("status = %s, stale event must not apply", order.Status)
	}
	if !order.FilledQty.Equal(decimal.RequireFromString("1")) {
		t.Errorf("filled = %s, want 1", order.FilledQty)
	}
}

func TestStreamBeforeRestAckPatchesPlaceholder(t *testing.T) {
	m, database := setupMonitor(t)
	orderID := seedOrder(t, database, "PENDING-tg-4", "tg-4")
	ctx := context.Background()

	// The stream event arrives before the REST ack patched the row;
	// resolution falls back to the client order id.
	ev := fillEvent("424242", "t-1", "2", "100", "2", common.StatusFilled, 1000)
	ev.ClientOrderID = "tg-4"
	if err := m.Process(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, err := database.GetOpenOrder(ctx, orderID); err != db.ErrNotFound {
		t.Errorf("order should be filled and removed, err = %v", err)
	}
	execs, _ := database.ListExecutionsByOrder(ctx, "424242")
	if len(execs) != 1 {
		t.Errorf("executions under the real exchange id = %d, want 1", len(execs))
	}
}
