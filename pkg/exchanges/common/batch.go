package common

import (
	"context"
	"time"
)

// SequentialBatch executes a batch one order at a time with a fixed
// inter-order delay, for venues without a native batch endpoint. Every
// order is attempted; individual failures do not stop the batch.
func SequentialBatch(ctx context.Context, venue string, reqs []OrderRequest, delay time.Duration, place func(context.Context, OrderRequest) (Order, error)) (BatchResult, error) {
	result := BatchResult{
		Implementation: BatchSequential,
		Results:        make([]BatchItem, 0, len(reqs)),
		Summary:        BatchSummary{Total: len(reqs)},
	}

	for i, req := range reqs {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
		}

		order, err := place(ctx, req)
		item := BatchItem{OrderIndex: i}
		if err != nil {
			item.Error = err.Error()
			result.Summary.Failed++
		} else {
			item.Success = true
			item.OrderID = order.ExchangeOrderID
			item.Order = &order
			result.Summary.Successful++
		}
		result.Results = append(result.Results, item)
	}

	result.Success = result.Summary.Failed == 0
	return result, nil
}
