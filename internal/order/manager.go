// Package order owns order submission and cancellation: the local
// lifecycle row is created before the venue call, patched with the
// venue's id on acknowledgement, and failures land in failed_orders.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/events"
	"tradegate/internal/gateway"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

var (
	// ErrTerminal is returned when cancelling an order that already
	// reached a terminal state.
	ErrTerminal = errors.New("order is terminal")
)

// CancelOutcome tells the caller how a cancel request ended.
type CancelOutcome string

const (
	CancelDone   CancelOutcome = "canceled" // venue acknowledged
	CancelQueued CancelOutcome = "queued"   // retried in the background
)

// Manager places and cancels orders through the adapter pool.
type Manager struct {
	db   *db.Database
	pool *gateway.Manager
	bus  *events.Bus
}

// NewManager creates an order manager.
func NewManager(database *db.Database, pool *gateway.Manager, bus *events.Bus) *Manager {
	return &Manager{db: database, pool: pool, bus: bus}
}

// PlaceParams identifies where an order goes.
type PlaceParams struct {
	UserID     int64
	StrategyID int64
	AccountID  int64
	Venue      string
	Market     string
	Request    common.OrderRequest
}

// Place submits one order. The lifecycle row is inserted first with a
// local placeholder id so a stream event racing the acknowledgement
// can still find it by client order id. The returned adjustment is
// non-nil when precision rules changed the requested quantity.
func (m *Manager) Place(ctx context.Context, p PlaceParams) (*db.OpenOrder, *common.AdjustmentInfo, error) {
	adapter, err := m.pool.Get(ctx, p.UserID, p.AccountID)
	if err != nil {
		m.recordFailure(ctx, p, common.KindExchange, err.Error())
		return nil, nil, err
	}

	clientID := uuid.NewString()
	p.Request.ClientID = clientID

	rowID, err := m.db.CreateOpenOrder(ctx, db.OpenOrder{
		UserID:          p.UserID,
		StrategyID:      p.StrategyID,
		AccountID:       p.AccountID,
		ExchangeOrderID: "PENDING-" + clientID,
		ClientOrderID:   clientID,
		Venue:           p.Venue,
		Market:          p.Market,
		Symbol:          p.Request.Symbol,
		Side:            string(p.Request.Side),
		OrderType:       string(p.Request.Type),
		Status:          string(common.StatusPending),
		Quantity:        p.Request.Quantity,
		Price:           p.Request.Price,
		StopPrice:       p.Request.StopPrice,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create order row: %w", err)
	}

	placed, err := adapter.CreateOrder(ctx, p.Request)
	if err != nil {
		// No venue order exists; the local row must not linger.
		if delErr := m.db.DeleteOpenOrder(ctx, rowID); delErr != nil && !errors.Is(delErr, db.ErrNotFound) {
			log.Printf("❌ order: delete failed row %d: %v", rowID, delErr)
		}
		kind := common.KindOf(err)
		m.recordFailure(ctx, p, kind, err.Error())
		if kind == common.KindNetwork || kind == common.KindExchange {
			m.pool.RecordFailure(p.AccountID)
		}
		return nil, nil, err
	}
	m.pool.RecordSuccess(p.AccountID)

	if err := m.db.PatchExchangeOrderID(ctx, rowID, placed.ExchangeOrderID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, nil, fmt.Errorf("patch order id: %w", err)
	}
	status := placed.Status
	if status == "" || status == common.StatusUnknown {
		status = common.StatusOpen
	}
	eventTime := placed.UpdatedAt.UnixMilli()
	if placed.UpdatedAt.IsZero() {
		eventTime = 0
	}
	if _, err := m.db.UpdateOrderProgress(ctx, rowID, string(status), placed.FilledQuantity, placed.AvgFillPrice, eventTime); err != nil {
		return nil, nil, err
	}

	row, err := m.db.GetOpenOrder(ctx, rowID)
	if err != nil {
		// Fully filled on acknowledgement and already swept; report
		// what the venue returned.
		if errors.Is(err, db.ErrNotFound) {
			row = &db.OpenOrder{ID: rowID, ExchangeOrderID: placed.ExchangeOrderID, Status: string(status)}
		} else {
			return nil, nil, err
		}
	}

	if m.bus != nil {
		m.bus.Publish(events.EventOrderUpdate, events.OrderUpdate{
			UserID:          p.UserID,
			StrategyID:      p.StrategyID,
			AccountID:       p.AccountID,
			OrderID:         rowID,
			ExchangeOrderID: placed.ExchangeOrderID,
			Venue:           p.Venue,
			Symbol:          p.Request.Symbol,
			Side:            string(p.Request.Side),
			Status:          string(status),
			FilledQty:       placed.FilledQuantity,
			AvgFillPrice:    placed.AvgFillPrice,
			Timestamp:       time.Now(),
		})
	}
	return row, placed.Adjustment, nil
}

// Cancel requests cancellation of an order the user owns. A venue
// failure that can heal (network, rate limit, pending acknowledgement)
// queues the cancel for background retry instead of failing.
func (m *Manager) Cancel(ctx context.Context, userID, orderID int64) (CancelOutcome, error) {
	order, err := m.db.GetOpenOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.UserID != userID {
		return "", db.ErrNotFound
	}
	if common.OrderStatus(order.Status).Terminal() {
		return "", ErrTerminal
	}

	// Still waiting for the venue id: the worker retries once the
	// acknowledgement lands.
	if strings.HasPrefix(order.ExchangeOrderID, "PENDING-") {
		return m.enqueue(ctx, order)
	}

	adapter, err := m.pool.Get(ctx, userID, order.AccountID)
	if err != nil {
		return m.enqueue(ctx, order)
	}

	_, err = adapter.CancelOrder(ctx, order.ExchangeOrderID, order.Symbol)
	switch {
	case err == nil, common.KindOf(err) == common.KindNotFound:
		// Not found means the venue no longer has it open; either way
		// it is done from our side. The row goes with it; executions
		// already recorded keep the history.
		if err := m.db.DeleteOpenOrder(ctx, order.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return "", err
		}
		m.publishStatus(order, common.StatusCanceled)
		return CancelDone, nil
	case common.IsRetryable(err):
		return m.enqueue(ctx, order)
	default:
		return "", err
	}
}

// CancelStrategy cancels every active order of a strategy. It returns
// how many were canceled immediately and how many were queued.
func (m *Manager) CancelStrategy(ctx context.Context, userID, strategyID int64) (done, queued int, err error) {
	orders, err := m.db.ListActiveOrders(ctx, userID, strategyID)
	if err != nil {
		return 0, 0, err
	}
	for _, o := range orders {
		outcome, err := m.Cancel(ctx, userID, o.ID)
		switch {
		case errors.Is(err, ErrTerminal):
			// Lost the race against a fill; nothing to do.
		case err != nil:
			log.Printf("❌ cancel order %d: %v", o.ID, err)
		case outcome == CancelDone:
			done++
		default:
			queued++
		}
	}
	return done, queued, nil
}

func (m *Manager) enqueue(ctx context.Context, order *db.OpenOrder) (CancelOutcome, error) {
	_, err := m.db.EnqueueCancel(ctx, db.CancelQueueItem{
		OrderID:         order.ID,
		AccountID:       order.AccountID,
		ExchangeOrderID: order.ExchangeOrderID,
		Symbol:          order.Symbol,
	})
	if err != nil && !errors.Is(err, db.ErrDuplicate) {
		return "", err
	}
	return CancelQueued, nil
}

func (m *Manager) recordFailure(ctx context.Context, p PlaceParams, kind common.ErrorKind, reason string) {
	if err := m.db.CreateFailedOrder(ctx, db.FailedOrder{
		UserID:     p.UserID,
		StrategyID: p.StrategyID,
		AccountID:  p.AccountID,
		Venue:      p.Venue,
		Symbol:     p.Request.Symbol,
		Side:       string(p.Request.Side),
		OrderType:  string(p.Request.Type),
		Quantity:   p.Request.Quantity,
		Price:      p.Request.Price,
		ErrorKind:  string(kind),
		Reason:     reason,
	}); err != nil {
		log.Printf("❌ order: record failure: %v", err)
	}
}

func (m *Manager) publishStatus(order *db.OpenOrder, status common.OrderStatus) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventOrderUpdate, events.OrderUpdate{
		UserID:          order.UserID,
		StrategyID:      order.StrategyID,
		AccountID:       order.AccountID,
		OrderID:         order.ID,
		ExchangeOrderID: order.ExchangeOrderID,
		Venue:           order.Venue,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Status:          string(status),
		FilledQty:       order.FilledQty,
		AvgFillPrice:    order.AvgFillPrice,
		Timestamp:       time.Now(),
	})
}
