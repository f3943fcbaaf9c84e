package common

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FloorToStep floors v to a multiple of step. Order fields are never
// rounded up; a value already on the grid passes through unchanged.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundOrder applies the venue's precision rules to an order request:
// quantity floored to the amount step, prices floored to the tick.
// After rounding it enforces min/max quantity and minimum notional.
//
// When autoAdjust is set, a below-minimum order is scaled up to twice
// the minimum (floored back to step) and the adjustment is returned so
// the caller can surface it; otherwise a MinNotional error is raised.
func RoundOrder(venue string, info MarketInfo, req OrderRequest, autoAdjust bool) (OrderRequest, *AdjustmentInfo, error) {
	out := req
	out.Quantity = FloorToStep(req.Quantity, info.StepSize)
	if !req.Price.IsZero() {
		out.Price = FloorToStep(req.Price, info.TickSize)
	}
	if !req.StopPrice.IsZero() {
		out.StopPrice = FloorToStep(req.StopPrice, info.TickSize)
	}

	if out.Quantity.Sign() <= 0 {
		return out, nil, NewAPIError(venue, KindValidation, "", fmt.Sprintf("quantity %s rounds to zero at step %s", req.Quantity, info.StepSize))
	}
	if !info.MaxQty.IsZero() && out.Quantity.GreaterThan(info.MaxQty) {
		return out, nil, NewAPIError(venue, KindValidation, "", fmt.Sprintf("quantity %s exceeds maximum %s", out.Quantity, info.MaxQty))
	}

	var adj *AdjustmentInfo
	if !info.MinQty.IsZero() && out.Quantity.LessThan(info.MinQty) {
		if !autoAdjust {
			return out, nil, minimumError(venue, "quantity", out.Quantity, info.MinQty)
		}
		adjusted := scaleToMinimum(info.MinQty, info.StepSize)
		adj = &AdjustmentInfo{
			Field:       "quantity",
			Original:    out.Quantity,
			Adjusted:    adjusted,
			Description: fmt.Sprintf("quantity %s below minimum %s; scaled to %s", out.Quantity, info.MinQty, adjusted),
		}
		out.Quantity = adjusted
	}

	// Notional check uses the order's own limit price; market orders are
	// checked by the caller against a quote.
	if !info.MinNotional.IsZero() && !out.Price.IsZero() {
		notional := out.Quantity.Mul(out.Price)
		if notional.LessThan(info.MinNotional) {
			if !autoAdjust {
				return out, nil, minimumError(venue, "notional", notional, info.MinNotional)
			}
			needed := info.MinNotional.Mul(decimal.NewFromInt(2)).Div(out.Price)
			adjusted := FloorToStep(needed, info.StepSize)
			if adjusted.Mul(out.Price).LessThan(info.MinNotional) {
				adjusted = adjusted.Add(info.StepSize)
			}
			adj = &AdjustmentInfo{
				Field:       "quantity",
				Original:    out.Quantity,
				Adjusted:    adjusted,
				Description: fmt.Sprintf("notional %s below minimum %s; quantity scaled to %s", notional, info.MinNotional, adjusted),
			}
			out.Quantity = adjusted
		}
	}

	return out, adj, nil
}

// scaleToMinimum returns 2x the minimum floored to step, bumped one
// step if flooring dropped it back under the minimum.
func scaleToMinimum(min, step decimal.Decimal) decimal.Decimal {
	target := FloorToStep(min.Mul(decimal.NewFromInt(2)), step)
	if target.LessThan(min) {
		target = target.Add(step)
	}
	return target
}

func minimumError(venue, field string, got, min decimal.Decimal) *APIError {
	err := NewAPIError(venue, KindMinNotional, "", fmt.Sprintf("%s %s must be greater than minimum %s", field, got, min))
	err.Adjustment = &AdjustmentInfo{
		Field:       field,
		Original:    got,
		Adjusted:    min,
		Description: fmt.Sprintf("%s below venue minimum %s", field, min),
	}
	return err
}

// krwTickBands is the KRX/KRW price-band tick table shared by Upbit
// and Bithumb KRW markets. Bands are (lower bound, tick size).
var krwTickBands = []struct {
	floor decimal.Decimal
	tick  decimal.Decimal
}{
	{decimal.NewFromInt(2_000_000), decimal.NewFromInt(1000)},
	{decimal.NewFromInt(1_000_000), decimal.NewFromInt(500)},
	{decimal.NewFromInt(500_000), decimal.NewFromInt(100)},
	{decimal.NewFromInt(100_000), decimal.NewFromInt(50)},
	{decimal.NewFromInt(10_000), decimal.NewFromInt(10)},
	{decimal.NewFromInt(1_000), decimal.NewFromInt(1)},
	{decimal.NewFromInt(100), decimal.RequireFromString("0.1")},
	{decimal.NewFromInt(10), decimal.RequireFromString("0.01")},
	{decimal.NewFromInt(1), decimal.RequireFromString("0.001")},
	{decimal.RequireFromString("0.1"), decimal.RequireFromString("0.0001")},
}

// KRWTickSize returns the rule-based price tick for a KRW-quoted
// price. Rule-based venues have no per-symbol precision API; the tick
// depends only on the price band.
func KRWTickSize(price decimal.Decimal) decimal.Decimal {
	for _, band := range krwTickBands {
		if price.GreaterThanOrEqual(band.floor) {
			return band.tick
		}
	}
	return decimal.RequireFromString("0.00001")
}
