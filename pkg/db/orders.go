package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

const openOrderColumns = `
	id, user_id, strategy_id, account_id, exchange_order_id, client_order_id,
	venue, market, symbol, side, order_type, status,
	quantity, price, stop_price, filled_qty, avg_fill_price,
	last_execution_time, created_at, updated_at`

func scanOpenOrder(row interface{ Scan(...any) error }) (OpenOrder, error) {
	var o OpenOrder
	var qty, price, stop, filled, avg string
	err := row.Scan(&o.ID, &o.UserID, &o.StrategyID, &o.AccountID, &o.ExchangeOrderID, &o.ClientOrderID,
		&o.Venue, &o.Market, &o.Symbol, &o.Side, &o.OrderType, &o.Status,
		&qty, &price, &stop, &filled, &avg,
		&o.LastExecutionTime, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.Quantity = parseDec(qty)
	o.Price = parseDec(price)
	o.StopPrice = parseDec(stop)
	o.FilledQty = parseDec(filled)
	o.AvgFillPrice = parseDec(avg)
	return o, nil
}

// CreateOpenOrder inserts a lifecycle row and returns its id. The
// exchange_order_id may still be a local placeholder at this point.
func (d *Database) CreateOpenOrder(ctx context.Context, o OpenOrder) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO open_orders (
			user_id, strategy_id, account_id, exchange_order_id, client_order_id,
			venue, market, symbol, side, order_type, status,
			quantity, price, stop_price, filled_qty, avg_fill_price, last_execution_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.UserID, o.StrategyID, o.AccountID, o.ExchangeOrderID, o.ClientOrderID,
		o.Venue, o.Market, o.Symbol, o.Side, o.OrderType, o.Status,
		decStr(o.Quantity), decStr(o.Price), decStr(o.StopPrice), decStr(o.FilledQty), decStr(o.AvgFillPrice),
		o.LastExecutionTime,
	)
	if err != nil {
		return 0, fmt.Errorf("insert open order: %w", err)
	}
	return res.LastInsertId()
}

// PatchExchangeOrderID swaps the local placeholder for the venue's
// order id after the REST acknowledgement.
func (d *Database) PatchExchangeOrderID(ctx context.Context, id int64, exchangeOrderID string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE open_orders
		SET exchange_order_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, exchangeOrderID, id)
	if err != nil {
		return fmt.Errorf("patch exchange order id: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOpenOrder returns an order by row id.
func (d *Database) GetOpenOrder(ctx context.Context, id int64) (*OpenOrder, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+openOrderColumns+` FROM open_orders WHERE id = ?`, id)
	o, err := scanOpenOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open order: %w", err)
	}
	return &o, nil
}

// GetOpenOrderByExchangeID returns an order by venue and exchange id.
func (d *Database) GetOpenOrderByExchangeID(ctx context.Context, venue, exchangeOrderID string) (*OpenOrder, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+openOrderColumns+` FROM open_orders
		WHERE venue = ? AND exchange_order_id = ?
	`, venue, exchangeOrderID)
	o, err := scanOpenOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open order: %w", err)
	}
	return &o, nil
}

// GetOpenOrderByClientID looks an order up by the client order id we
// attached at submission, used when a stream event arrives before the
// REST acknowledgement has patched the exchange id.
func (d *Database) GetOpenOrderByClientID(ctx context.Context, venue, clientOrderID string) (*OpenOrder, error) {
	if clientOrderID == "" {
		return nil, ErrNotFound
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+openOrderColumns+` FROM open_orders
		WHERE venue = ? AND client_order_id = ?
	`, venue, clientOrderID)
	o, err := scanOpenOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open order: %w", err)
	}
	return &o, nil
}

// ListActiveOrders returns orders whose status is still non-terminal,
// optionally filtered by strategy (0 means all).
func (d *Database) ListActiveOrders(ctx context.Context, userID, strategyID int64) ([]OpenOrder, error) {
	query := `
		SELECT ` + openOrderColumns + ` FROM open_orders
		WHERE user_id = ? AND status IN ('PENDING', 'OPEN', 'PARTIALLY_FILLED')`
	args := []any{userID}
	if strategyID > 0 {
		query += ` AND strategy_id = ?`
		args = append(args, strategyID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()

	var res []OpenOrder
	for rows.Next() {
		o, err := scanOpenOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListAllActiveOrders returns every non-terminal order across users,
// for reconciliation and stream workers.
func (d *Database) ListAllActiveOrders(ctx context.Context) ([]OpenOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+openOrderColumns+` FROM open_orders
		WHERE status IN ('PENDING', 'OPEN', 'PARTIALLY_FILLED')
		ORDER BY account_id, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query all active orders: %w", err)
	}
	defer rows.Close()

	var res []OpenOrder
	for rows.Next() {
		o, err := scanOpenOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListTerminalOrders returns rows that reached a terminal status but
// were not swept yet, usually orders filled on acknowledgement whose
// executions the stream has not delivered. Reconciliation settles and
// removes them.
func (d *Database) ListTerminalOrders(ctx context.Context) ([]OpenOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+openOrderColumns+` FROM open_orders
		WHERE status IN ('FILLED', 'CANCELED', 'REJECTED', 'EXPIRED')
		ORDER BY account_id, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query terminal orders: %w", err)
	}
	defer rows.Close()

	var res []OpenOrder
	for rows.Next() {
		o, err := scanOpenOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpdateOrderProgress applies a lifecycle update if it is not older
// than what we already recorded. Updates carrying an execution time
// earlier than the stored one are dropped; equal times win so REST
// reconciliation can correct a same-instant stream event.
func (d *Database) UpdateOrderProgress(ctx context.Context, id int64, status string, filledQty, avgPrice decimal.Decimal, execTime int64) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE open_orders
		SET status = ?, filled_qty = ?, avg_fill_price = ?,
		    last_execution_time = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND last_execution_time <= ?
	`, status, decStr(filledQty), decStr(avgPrice), execTime, id, execTime)
	if err != nil {
		return false, fmt.Errorf("update order progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteOpenOrder removes an order row. Fully filled orders leave the
// open-order set; their history lives in trade_executions.
func (d *Database) DeleteOpenOrder(ctx context.Context, id int64) error {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM open_orders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Trade executions
// ----------------------------------------

// RecordExecution inserts a fill. A duplicate exchange trade id
// returns ErrDuplicate so callers can treat replays as no-ops.
func (d *Database) RecordExecution(ctx context.Context, t TradeExecution) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO trade_executions (
			account_id, strategy_id, exchange_order_id, exchange_trade_id,
			venue, symbol, side, quantity, price, commission, commission_asset,
			is_maker, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.AccountID, t.StrategyID, t.ExchangeOrderID, t.ExchangeTradeID,
		t.Venue, t.Symbol, t.Side, decStr(t.Quantity), decStr(t.Price),
		decStr(t.Commission), t.CommissionAsset, t.IsMaker, t.ExecutedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert execution: %w", err)
	}
	return res.LastInsertId()
}

// ListExecutionsByOrder returns fills for one exchange order.
func (d *Database) ListExecutionsByOrder(ctx context.Context, exchangeOrderID string) ([]TradeExecution, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, strategy_id, exchange_order_id, exchange_trade_id,
		       venue, symbol, side, quantity, price, commission, commission_asset,
		       is_maker, executed_at, created_at
		FROM trade_executions
		WHERE exchange_order_id = ?
		ORDER BY executed_at ASC
	`, exchangeOrderID)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var res []TradeExecution
	for rows.Next() {
		var t TradeExecution
		var qty, price, comm string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.StrategyID, &t.ExchangeOrderID, &t.ExchangeTradeID,
			&t.Venue, &t.Symbol, &t.Side, &qty, &price, &comm, &t.CommissionAsset,
			&t.IsMaker, &t.ExecutedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		t.Quantity = parseDec(qty)
		t.Price = parseDec(price)
		t.Commission = parseDec(comm)
		res = append(res, t)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Failed orders
// ----------------------------------------

// CreateFailedOrder records a terminal submission failure.
func (d *Database) CreateFailedOrder(ctx context.Context, f FailedOrder) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO failed_orders (
			user_id, strategy_id, account_id, venue, symbol, side, order_type,
			quantity, price, error_kind, reason, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.UserID, f.StrategyID, f.AccountID, f.Venue, f.Symbol, f.Side, f.OrderType,
		decStr(f.Quantity), decStr(f.Price), f.ErrorKind, f.Reason, f.Payload,
	)
	return err
}

// ListFailedOrders returns recent failures for a user, newest first.
// accountID and symbol narrow the result when non-zero.
func (d *Database) ListFailedOrders(ctx context.Context, userID, accountID int64, symbol string, limit int) ([]FailedOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, strategy_id, account_id, venue, symbol, side, order_type,
		       quantity, price, error_kind, reason, payload, created_at
		FROM failed_orders
		WHERE user_id = ?`
	args := []any{userID}
	if accountID > 0 {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed orders: %w", err)
	}
	defer rows.Close()

	var res []FailedOrder
	for rows.Next() {
		var f FailedOrder
		var qty, price string
		if err := rows.Scan(&f.ID, &f.UserID, &f.StrategyID, &f.AccountID, &f.Venue, &f.Symbol,
			&f.Side, &f.OrderType, &qty, &price, &f.ErrorKind, &f.Reason, &f.Payload, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed order: %w", err)
		}
		f.Quantity = parseDec(qty)
		f.Price = parseDec(price)
		res = append(res, f)
	}
	return res, rows.Err()
}

// GetFailedOrder loads one failure record, verifying ownership.
func (d *Database) GetFailedOrder(ctx context.Context, userID, id int64) (*FailedOrder, error) {
	var f FailedOrder
	var qty, price string
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, strategy_id, account_id, venue, symbol, side, order_type,
		       quantity, price, error_kind, reason, payload, created_at
		FROM failed_orders
		WHERE id = ? AND user_id = ?
	`, id, userID).Scan(&f.ID, &f.UserID, &f.StrategyID, &f.AccountID, &f.Venue, &f.Symbol,
		&f.Side, &f.OrderType, &qty, &price, &f.ErrorKind, &f.Reason, &f.Payload, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed order: %w", err)
	}
	f.Quantity = parseDec(qty)
	f.Price = parseDec(price)
	return &f, nil
}

// DeleteFailedOrder removes one failure record, verifying ownership.
func (d *Database) DeleteFailedOrder(ctx context.Context, userID, id int64) error {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM failed_orders WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Cancel queue
// ----------------------------------------

// EnqueueCancel adds an order to the cancel queue. A second enqueue
// for the same order returns ErrDuplicate.
func (d *Database) EnqueueCancel(ctx context.Context, item CancelQueueItem) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO cancel_queue (order_id, account_id, exchange_order_id, symbol, status, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, item.OrderID, item.AccountID, item.ExchangeOrderID, item.Symbol, CancelQueued)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("enqueue cancel: %w", err)
	}
	return res.LastInsertId()
}

// DueCancels returns queued items whose next attempt time has passed.
func (d *Database) DueCancels(ctx context.Context, limit int) ([]CancelQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, account_id, exchange_order_id, symbol, attempts,
		       status, next_attempt_at, last_error, created_at, updated_at
		FROM cancel_queue
		WHERE status = ? AND next_attempt_at <= CURRENT_TIMESTAMP
		ORDER BY next_attempt_at ASC
		LIMIT ?
	`, CancelQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("query cancel queue: %w", err)
	}
	defer rows.Close()

	var res []CancelQueueItem
	for rows.Next() {
		var item CancelQueueItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.AccountID, &item.ExchangeOrderID,
			&item.Symbol, &item.Attempts, &item.Status, &item.NextAttemptAt,
			&item.LastError, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cancel item: %w", err)
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// MarkCancelAttempt records a failed attempt and schedules the next
// one, or abandons the item once attempts are exhausted.
func (d *Database) MarkCancelAttempt(ctx context.Context, id int64, attempts, maxAttempts int, nextAttempt time.Time, lastErr string) error {
	status := CancelQueued
	if attempts >= maxAttempts {
		status = CancelAbandoned
	}
	_, err := d.DB.ExecContext(ctx, `
		UPDATE cancel_queue
		SET attempts = ?, status = ?, next_attempt_at = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, attempts, status, nextAttempt, lastErr, id)
	return err
}

// FinishCancel marks a queue item done.
func (d *Database) FinishCancel(ctx context.Context, id int64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE cancel_queue SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, CancelDone, id)
	return err
}

// GetCancelByOrder returns a cancel queue item for an order, if any.
func (d *Database) GetCancelByOrder(ctx context.Context, orderID int64) (*CancelQueueItem, error) {
	var item CancelQueueItem
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, order_id, account_id, exchange_order_id, symbol, attempts,
		       status, next_attempt_at, last_error, created_at, updated_at
		FROM cancel_queue WHERE order_id = ?
	`, orderID).Scan(&item.ID, &item.OrderID, &item.AccountID, &item.ExchangeOrderID,
		&item.Symbol, &item.Attempts, &item.Status, &item.NextAttemptAt,
		&item.LastError, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cancel item: %w", err)
	}
	return &item, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
