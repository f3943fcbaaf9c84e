package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"tradegate/internal/events"
	"tradegate/internal/gateway"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

const (
	cancelMaxAttempts = 5
	cancelBaseDelay   = 2 * time.Second
)

// CancelWorker drains the cancel queue, retrying each item with
// exponential backoff until the venue confirms or attempts run out.
type CancelWorker struct {
	db       *db.Database
	pool     *gateway.Manager
	manager  *Manager
	interval time.Duration
}

// NewCancelWorker creates a cancel queue worker.
func NewCancelWorker(database *db.Database, pool *gateway.Manager, manager *Manager, interval time.Duration) *CancelWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &CancelWorker{db: database, pool: pool, manager: manager, interval: interval}
}

// Run processes the queue until the context ends.
func (w *CancelWorker) Run(ctx context.Context) {
	log.Printf("✓ cancel worker started (interval: %v)", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *CancelWorker) drain(ctx context.Context) {
	items, err := w.db.DueCancels(ctx, 50)
	if err != nil {
		log.Printf("❌ cancel worker: load queue: %v", err)
		return
	}
	for _, item := range items {
		if err := w.attempt(ctx, item); err != nil {
			w.reschedule(ctx, item, err)
		}
	}
}

func (w *CancelWorker) attempt(ctx context.Context, item db.CancelQueueItem) error {
	order, err := w.db.GetOpenOrder(ctx, item.OrderID)
	if errors.Is(err, db.ErrNotFound) {
		// Filled and swept while queued; nothing left to cancel.
		return w.db.FinishCancel(ctx, item.ID)
	}
	if err != nil {
		return err
	}
	if common.OrderStatus(order.Status).Terminal() {
		return w.db.FinishCancel(ctx, item.ID)
	}
	if strings.HasPrefix(order.ExchangeOrderID, "PENDING-") {
		// Acknowledgement still outstanding; try again later.
		return fmt.Errorf("order %d not yet acknowledged", order.ID)
	}

	adapter, err := w.pool.GetInternal(ctx, item.AccountID)
	if err != nil {
		return err
	}

	_, err = adapter.CancelOrder(ctx, order.ExchangeOrderID, order.Symbol)
	if err != nil && common.KindOf(err) != common.KindNotFound {
		return err
	}

	if err := w.db.DeleteOpenOrder(ctx, order.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	w.manager.publishStatus(order, common.StatusCanceled)
	return w.db.FinishCancel(ctx, item.ID)
}

func (w *CancelWorker) reschedule(ctx context.Context, item db.CancelQueueItem, cause error) {
	attempts := item.Attempts + 1
	next := time.Now().Add(cancelBaseDelay * (1 << uint(attempts)))
	if err := w.db.MarkCancelAttempt(ctx, item.ID, attempts, cancelMaxAttempts, next, cause.Error()); err != nil {
		log.Printf("❌ cancel worker: mark attempt: %v", err)
		return
	}
	if attempts >= cancelMaxAttempts {
		log.Printf("⚠️ cancel worker: abandoning order %d after %d attempts: %v", item.OrderID, attempts, cause)
		if w.manager != nil && w.manager.bus != nil {
			w.manager.bus.Publish(events.EventAlert, events.Alert{
				Source:    "cancel_worker",
				AccountID: item.AccountID,
				Message:   fmt.Sprintf("cancel abandoned for order %d after %d attempts: %v", item.OrderID, attempts, cause),
				Timestamp: time.Now(),
			})
		}
	}
}
