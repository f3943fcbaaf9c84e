package order

import (
	"context"
	"log"
	"strings"
	"time"

	"tradegate/internal/fill"
	"tradegate/internal/gateway"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// Reconciler periodically checks every active order against the venue
// over REST. Streams can drop events; this is the slow path that makes
// the local state converge. All findings flow through the fill
// monitor, whose execution-time guard keeps replays harmless.
type Reconciler struct {
	db       *db.Database
	pool     *gateway.Manager
	monitor  *fill.Monitor
	interval time.Duration
}

// NewReconciler creates a reconciliation service.
func NewReconciler(database *db.Database, pool *gateway.Manager, monitor *fill.Monitor, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{db: database, pool: pool, monitor: monitor, interval: interval}
}

// Run reconciles until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("✓ reconciliation started (interval: %v)", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				log.Printf("❌ reconciliation: %v", err)
			}
		}
	}
}

// ReconcileOnce checks all active orders once. Rows stuck in a
// terminal status are included so they get settled and swept; the
// steady state has no terminal rows in open_orders.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	orders, err := r.db.ListAllActiveOrders(ctx)
	if err != nil {
		return err
	}
	terminal, err := r.db.ListTerminalOrders(ctx)
	if err != nil {
		return err
	}
	orders = append(orders, terminal...)

	for _, o := range orders {
		// Rows still carrying their placeholder are in the submission
		// window; the acknowledgement or the stream resolves them.
		if strings.HasPrefix(o.ExchangeOrderID, "PENDING-") {
			if time.Since(o.CreatedAt) > 5*time.Minute {
				log.Printf("⚠️ reconcile: order %d unacknowledged for %v", o.ID, time.Since(o.CreatedAt))
			}
			continue
		}
		if err := r.reconcileOrder(ctx, o); err != nil {
			log.Printf("❌ reconcile order %d (%s %s): %v", o.ID, o.Venue, o.ExchangeOrderID, err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileOrder(ctx context.Context, o db.OpenOrder) error {
	adapter, err := r.pool.GetInternal(ctx, o.AccountID)
	if err != nil {
		return err
	}

	remote, err := adapter.FetchOrder(ctx, o.ExchangeOrderID, o.Symbol)
	if err != nil {
		if common.KindOf(err) == common.KindNotFound {
			// The venue no longer knows the order: orphaned, treat as
			// canceled with the current time as the event time.
			return r.monitor.Process(ctx, fill.Update{
				AccountID:       o.AccountID,
				Venue:           o.Venue,
				Symbol:          o.Symbol,
				ExchangeOrderID: o.ExchangeOrderID,
				Status:          common.StatusCanceled,
				FilledQty:       o.FilledQty,
				AvgFillPrice:    o.AvgFillPrice,
				EventTime:       time.Now().UnixMilli(),
			})
		}
		return err
	}

	// Backfill executions the stream may have missed before applying
	// order progress, so positions move with the fills.
	if remote.FilledQuantity.GreaterThan(o.FilledQty) {
		if err := r.backfillTrades(ctx, adapter, o); err != nil {
			log.Printf("⚠️ reconcile: backfill trades for order %d: %v", o.ID, err)
		}
	}

	eventTime := remote.UpdatedAt.UnixMilli()
	if remote.UpdatedAt.IsZero() {
		eventTime = time.Now().UnixMilli()
	}
	return r.monitor.Process(ctx, fill.Update{
		AccountID:       o.AccountID,
		Venue:           o.Venue,
		Symbol:          o.Symbol,
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Status:          remote.Status,
		FilledQty:       remote.FilledQuantity,
		AvgFillPrice:    remote.AvgFillPrice,
		EventTime:       eventTime,
	})
}

func (r *Reconciler) backfillTrades(ctx context.Context, adapter common.Adapter, o db.OpenOrder) error {
	fills, err := adapter.FetchMyTrades(ctx, o.Symbol, 100)
	if err != nil {
		return err
	}
	// Each event carries the running cumulative, so two missed fills
	// do not report the same total twice.
	cumulative := o.FilledQty
	for i := range fills {
		f := fills[i]
		if f.ExchangeOrderID != o.ExchangeOrderID {
			continue
		}
		cumulative = cumulative.Add(f.Quantity)
		err := r.monitor.Process(ctx, fill.Update{
			AccountID:       o.AccountID,
			Venue:           o.Venue,
			Symbol:          o.Symbol,
			ExchangeOrderID: o.ExchangeOrderID,
			ClientOrderID:   o.ClientOrderID,
			Status:          common.StatusPartial,
			FilledQty:       cumulative,
			AvgFillPrice:    f.Price,
			EventTime:       f.Time.UnixMilli(),
			Fill:            &f,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
