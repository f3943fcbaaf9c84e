// Package fill turns raw lifecycle events from user-data streams and
// REST reconciliation into consistent order, execution and position
// state.
package fill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/events"
	"tradegate/internal/position"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// Update is one normalized lifecycle event. FilledQty and AvgFillPrice
// are cumulative for the order; Fill is set when the event carries an
// individual execution.
type Update struct {
	AccountID       int64
	Venue           string
	Symbol          string
	ExchangeOrderID string
	ClientOrderID   string
	Status          common.OrderStatus
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	EventTime       int64 // venue event time in ms
	Fill            *common.Fill
}

// Monitor is the single writer for order lifecycle state. All stream
// and reconciliation events funnel through Process, serialized per
// order by the lock registry.
type Monitor struct {
	db        *db.Database
	bus       *events.Bus
	locks     *db.LockRegistry
	positions *position.Service
}

// NewMonitor creates a fill monitor.
func NewMonitor(database *db.Database, bus *events.Bus, locks *db.LockRegistry, positions *position.Service) *Monitor {
	return &Monitor{db: database, bus: bus, locks: locks, positions: positions}
}

// Process applies one lifecycle event. Replayed fills are no-ops,
// events older than the last applied execution time are dropped, and
// equal-time events win so reconciliation can correct stream state.
func (m *Monitor) Process(ctx context.Context, u Update) error {
	unlock := m.locks.Lock(fmt.Sprintf("order:%s:%s", u.Venue, u.ExchangeOrderID))
	defer unlock()

	order, err := m.lookupOrder(ctx, u)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Order placed outside the gateway, or the local row is
			// already gone. Nothing to update.
			log.Printf("⚠️ fill: unknown order %s on %s, skipping", u.ExchangeOrderID, u.Venue)
			return nil
		}
		return err
	}

	// The stream can beat the REST acknowledgement: the row still has
	// its placeholder id. Patch it so later events match directly.
	if order.ExchangeOrderID != u.ExchangeOrderID {
		if err := m.db.PatchExchangeOrderID(ctx, order.ID, u.ExchangeOrderID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("patch exchange order id: %w", err)
		}
	}

	applyPosition := false
	if u.Fill != nil {
		_, err := m.db.RecordExecution(ctx, db.TradeExecution{
			AccountID:       u.AccountID,
			StrategyID:      order.StrategyID,
			ExchangeOrderID: u.ExchangeOrderID,
			ExchangeTradeID: u.Fill.TradeID,
			Venue:           u.Venue,
			Symbol:          order.Symbol,
			Side:            string(u.Fill.Side),
			Quantity:        u.Fill.Quantity,
			Price:           u.Fill.Price,
			Commission:      u.Fill.Commission,
			CommissionAsset: "",
			IsMaker:         u.Fill.IsMaker,
			ExecutedAt:      u.Fill.Time,
		})
		switch {
		case errors.Is(err, db.ErrDuplicate):
			// Replay. The order row already reflects this execution.
		case err != nil:
			return fmt.Errorf("record execution: %w", err)
		default:
			applyPosition = true
		}
	}

	applied, err := m.db.UpdateOrderProgress(ctx, order.ID, string(u.Status), u.FilledQty, u.AvgFillPrice, u.EventTime)
	if err != nil {
		return fmt.Errorf("update order progress: %w", err)
	}

	if applyPosition {
		if _, err := m.positions.ApplyFill(ctx, order.UserID, order.StrategyID, u.AccountID,
			order.Symbol, string(u.Fill.Side), u.Fill.Quantity, u.Fill.Price); err != nil {
			return err
		}
	}

	if !applied {
		return nil
	}

	// Terminal rows never linger; history stays in trade_executions.
	if u.Status.Terminal() {
		if err := m.db.DeleteOpenOrder(ctx, order.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("delete terminal order: %w", err)
		}
	}

	if m.bus != nil {
		m.bus.Publish(events.EventOrderUpdate, events.OrderUpdate{
			UserID:          order.UserID,
			StrategyID:      order.StrategyID,
			AccountID:       u.AccountID,
			OrderID:         order.ID,
			ExchangeOrderID: u.ExchangeOrderID,
			Venue:           u.Venue,
			Symbol:          order.Symbol,
			Side:            order.Side,
			Status:          string(u.Status),
			FilledQty:       u.FilledQty,
			AvgFillPrice:    u.AvgFillPrice,
			Timestamp:       time.Now(),
		})
	}
	return nil
}

// lookupOrder resolves the local row for an event, by exchange order
// id first and falling back to the client order id for rows that
// still carry their placeholder.
func (m *Monitor) lookupOrder(ctx context.Context, u Update) (*db.OpenOrder, error) {
	order, err := m.db.GetOpenOrderByExchangeID(ctx, u.Venue, u.ExchangeOrderID)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	return m.db.GetOpenOrderByClientID(ctx, u.Venue, u.ClientOrderID)
}
