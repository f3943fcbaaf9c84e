package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ApplyFill folds one fill into the strategy position for its symbol.
//
// Accounting rules:
//   - Adding to a position (same direction) moves the average price.
//   - Reducing realizes PnL on the closed quantity against the stored
//     average price; the average price of the remainder is unchanged.
//   - Crossing through zero is decomposed: close the old position in
//     full, then open the remainder at the fill price.
func (d *Database) ApplyFill(ctx context.Context, strategyID, accountID int64, symbol, side string, qty, price decimal.Decimal) (*StrategyPosition, error) {
	var out *StrategyPosition
	err := d.WithTx(func(tx *sql.Tx) error {
		sp, err := getPositionTx(tx, strategyID, accountID, symbol)
		if err != nil {
			return err
		}

		signed := qty
		if side == "SELL" {
			signed = qty.Neg()
		}

		next := applySignedFill(sp, signed, price)
		next.UpdatedAt = time.Now().UTC()

		_, err = tx.Exec(`
			INSERT INTO strategy_positions (strategy_id, account_id, symbol, qty, avg_price, realized_pnl, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(strategy_id, account_id, symbol) DO UPDATE SET
				qty = excluded.qty,
				avg_price = excluded.avg_price,
				realized_pnl = excluded.realized_pnl,
				updated_at = excluded.updated_at
		`, strategyID, accountID, symbol,
			decStr(next.Qty), decStr(next.AvgPrice), decStr(next.RealizedPnL), next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}

		// A reducing fill moves the capital ledger with the position.
		if delta := next.RealizedPnL.Sub(sp.RealizedPnL); !delta.IsZero() {
			if err := addRealizedTx(tx, strategyID, accountID, delta); err != nil {
				return err
			}
		}
		out = &next
		return nil
	})
	return out, err
}

// addRealizedTx folds a realized PnL delta into strategy_capital.
// Profit grows the available allocation, loss shrinks it.
func addRealizedTx(tx *sql.Tx, strategyID, accountID int64, delta decimal.Decimal) error {
	var pnl, avail string
	err := tx.QueryRow(`
		SELECT realized_pnl, available FROM strategy_capital
		WHERE strategy_id = ? AND account_id = ?
	`, strategyID, accountID).Scan(&pnl, &avail)
	if err == sql.ErrNoRows {
		_, err = tx.Exec(`
			INSERT INTO strategy_capital (strategy_id, account_id, allocated, available, realized_pnl, updated_at)
			VALUES (?, ?, '0', ?, ?, CURRENT_TIMESTAMP)
		`, strategyID, accountID, decStr(delta), decStr(delta))
		if err != nil {
			return fmt.Errorf("insert capital: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("query capital: %w", err)
	}
	_, err = tx.Exec(`
		UPDATE strategy_capital
		SET realized_pnl = ?, available = ?, updated_at = CURRENT_TIMESTAMP
		WHERE strategy_id = ? AND account_id = ?
	`, decStr(parseDec(pnl).Add(delta)), decStr(parseDec(avail).Add(delta)), strategyID, accountID)
	if err != nil {
		return fmt.Errorf("update capital: %w", err)
	}
	return nil
}

func getPositionTx(tx *sql.Tx, strategyID, accountID int64, symbol string) (StrategyPosition, error) {
	sp := StrategyPosition{
		StrategyID:  strategyID,
		AccountID:   accountID,
		Symbol:      symbol,
		Qty:         decimal.Zero,
		AvgPrice:    decimal.Zero,
		RealizedPnL: decimal.Zero,
	}
	var qty, avg, pnl string
	err := tx.QueryRow(`
		SELECT qty, avg_price, realized_pnl FROM strategy_positions
		WHERE strategy_id = ? AND account_id = ? AND symbol = ?
	`, strategyID, accountID, symbol).Scan(&qty, &avg, &pnl)
	if err == sql.ErrNoRows {
		return sp, nil
	}
	if err != nil {
		return sp, fmt.Errorf("query position: %w", err)
	}
	sp.Qty = parseDec(qty)
	sp.AvgPrice = parseDec(avg)
	sp.RealizedPnL = parseDec(pnl)
	return sp, nil
}

// applySignedFill is the pure accounting step: positive qty buys,
// negative sells. Long and short positions are symmetric.
func applySignedFill(sp StrategyPosition, signedQty, price decimal.Decimal) StrategyPosition {
	cur := sp.Qty
	next := cur.Add(signedQty)

	switch {
	case cur.IsZero():
		// Opening from flat.
		sp.Qty = next
		sp.AvgPrice = price
	case cur.Sign() == signedQty.Sign():
		// Adding in the same direction: weighted average.
		total := cur.Abs().Add(signedQty.Abs())
		sp.AvgPrice = sp.AvgPrice.Mul(cur.Abs()).Add(price.Mul(signedQty.Abs())).Div(total)
		sp.Qty = next
	case next.Sign() == cur.Sign() || next.IsZero():
		// Reducing (possibly to flat): realize on the closed part.
		closed := signedQty.Abs()
		sp.RealizedPnL = sp.RealizedPnL.Add(realized(cur, sp.AvgPrice, price, closed))
		sp.Qty = next
		if next.IsZero() {
			sp.AvgPrice = decimal.Zero
		}
	default:
		// Crossing zero: close everything, open the remainder fresh.
		closed := cur.Abs()
		sp.RealizedPnL = sp.RealizedPnL.Add(realized(cur, sp.AvgPrice, price, closed))
		sp.Qty = next
		sp.AvgPrice = price
	}
	return sp
}

// realized computes PnL for closing `closed` units of a position whose
// direction is given by cur's sign.
func realized(cur, avgPrice, price, closed decimal.Decimal) decimal.Decimal {
	pnl := price.Sub(avgPrice).Mul(closed)
	if cur.Sign() < 0 {
		pnl = pnl.Neg()
	}
	return pnl
}

// GetPosition returns the position row or a zero-valued one.
func (d *Database) GetPosition(ctx context.Context, strategyID, accountID int64, symbol string) (*StrategyPosition, error) {
	sp := StrategyPosition{StrategyID: strategyID, AccountID: accountID, Symbol: symbol,
		Qty: decimal.Zero, AvgPrice: decimal.Zero, RealizedPnL: decimal.Zero}
	var qty, avg, pnl string
	err := d.DB.QueryRowContext(ctx, `
		SELECT qty, avg_price, realized_pnl, updated_at FROM strategy_positions
		WHERE strategy_id = ? AND account_id = ? AND symbol = ?
	`, strategyID, accountID, symbol).Scan(&qty, &avg, &pnl, &sp.UpdatedAt)
	if err == sql.ErrNoRows {
		return &sp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	sp.Qty = parseDec(qty)
	sp.AvgPrice = parseDec(avg)
	sp.RealizedPnL = parseDec(pnl)
	return &sp, nil
}

// ListPositionsByStrategy returns all symbol positions of a strategy.
func (d *Database) ListPositionsByStrategy(ctx context.Context, strategyID int64) ([]StrategyPosition, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT strategy_id, account_id, symbol, qty, avg_price, realized_pnl, updated_at
		FROM strategy_positions WHERE strategy_id = ?
		ORDER BY account_id, symbol
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var res []StrategyPosition
	for rows.Next() {
		var sp StrategyPosition
		var qty, avg, pnl string
		if err := rows.Scan(&sp.StrategyID, &sp.AccountID, &sp.Symbol, &qty, &avg, &pnl, &sp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		sp.Qty = parseDec(qty)
		sp.AvgPrice = parseDec(avg)
		sp.RealizedPnL = parseDec(pnl)
		res = append(res, sp)
	}
	return res, rows.Err()
}

// UpsertCapital stores quote-currency allocation for a binding.
func (d *Database) UpsertCapital(ctx context.Context, c StrategyCapital) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_capital (strategy_id, account_id, allocated, available, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_id, account_id) DO UPDATE SET
			allocated = excluded.allocated,
			available = excluded.available,
			updated_at = CURRENT_TIMESTAMP
	`, c.StrategyID, c.AccountID, decStr(c.Allocated), decStr(c.Available))
	return err
}

// GetCapital returns capital for a binding, zero-valued if absent.
func (d *Database) GetCapital(ctx context.Context, strategyID, accountID int64) (*StrategyCapital, error) {
	c := StrategyCapital{StrategyID: strategyID, AccountID: accountID,
		Allocated: decimal.Zero, Available: decimal.Zero, RealizedPnL: decimal.Zero}
	var alloc, avail, pnl string
	err := d.DB.QueryRowContext(ctx, `
		SELECT allocated, available, realized_pnl, updated_at FROM strategy_capital
		WHERE strategy_id = ? AND account_id = ?
	`, strategyID, accountID).Scan(&alloc, &avail, &pnl, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query capital: %w", err)
	}
	c.Allocated = parseDec(alloc)
	c.Available = parseDec(avail)
	c.RealizedPnL = parseDec(pnl)
	return &c, nil
}
