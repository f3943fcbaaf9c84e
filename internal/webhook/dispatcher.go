// Package webhook turns external trading signals into per-account
// orders. One signal fans out to every account bound to the strategy,
// sized by binding weight, with bounded parallelism and a per-account
// deadline so one slow venue cannot stall the rest.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/events"
	"tradegate/internal/order"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

var (
	ErrBadSignal    = errors.New("invalid signal")
	ErrUnauthorized = errors.New("unknown strategy or bad token")
	ErrInactive     = errors.New("strategy is inactive")
)

const (
	ActionTradingSignal = "trading_signal"
	ActionTest          = "test"
)

// Signal is the inbound webhook payload.
type Signal struct {
	GroupName string          `json:"group_name"`
	Token     string          `json:"token"`
	Action    string          `json:"action"`
	OrderType string          `json:"order_type"`
	Side      string          `json:"side"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	StopPrice decimal.Decimal `json:"stop_price"`
	Exchange  string          `json:"exchange"`
}

// AccountResult is the per-account outcome inside a Response.
type AccountResult struct {
	AccountID        int64                  `json:"account_id"`
	AccountName      string                 `json:"account_name"`
	Exchange         string                 `json:"exchange"`
	Symbol           string                 `json:"symbol"`
	Success          bool                   `json:"success"`
	Timeout          bool                   `json:"timeout,omitempty"`
	OrderID          int64                  `json:"order_id,omitempty"`
	ExchangeOrderID  string                 `json:"exchange_order_id,omitempty"`
	Error            string                 `json:"error,omitempty"`
	ErrorKind        string                 `json:"error_kind,omitempty"`
	ExecutedQuantity decimal.Decimal        `json:"executed_quantity"`
	ExecutedPrice    decimal.Decimal        `json:"executed_price"`
	Adjustment       *common.AdjustmentInfo `json:"adjustment,omitempty"`
}

// Summary aggregates the fan-out outcome.
type Summary struct {
	TotalAccounts    int     `json:"total_accounts"`
	SuccessfulOrders int     `json:"successful_orders"`
	FailedOrders     int     `json:"failed_orders"`
	SuccessRate      float64 `json:"success_rate"`
}

// Metrics carries the timing breakdown of one dispatch.
type Metrics struct {
	TotalProcessingTimeMS int64 `json:"total_processing_time_ms"`
	ValidationTimeMS      int64 `json:"validation_time_ms"`
	ExecutionTimeMS       int64 `json:"execution_time_ms"`
}

// Response is the webhook reply body. Per-account failures live in
// Results; the request itself still succeeds.
type Response struct {
	Success            bool            `json:"success"`
	Action             string          `json:"action"`
	Strategy           string          `json:"strategy"`
	Results            []AccountResult `json:"results"`
	Summary            Summary         `json:"summary"`
	PerformanceMetrics Metrics         `json:"performance_metrics"`
}

// Config tunes the dispatcher.
type Config struct {
	Workers        int
	AccountTimeout time.Duration
}

// DefaultConfig returns production dispatcher settings.
func DefaultConfig() Config {
	return Config{Workers: 8, AccountTimeout: 10 * time.Second}
}

// Dispatcher validates signals and fans them out.
type Dispatcher struct {
	db      *db.Database
	orders  *order.Manager
	bus     *events.Bus
	cfg     Config
	workers chan struct{}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(database *db.Database, orders *order.Manager, bus *events.Bus, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.AccountTimeout <= 0 {
		cfg.AccountTimeout = 10 * time.Second
	}
	return &Dispatcher{
		db:      database,
		orders:  orders,
		bus:     bus,
		cfg:     cfg,
		workers: make(chan struct{}, cfg.Workers),
	}
}

// Handle processes one raw webhook body.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) (*Response, error) {
	started := time.Now()

	sig, err := parseSignal(raw)
	if err != nil {
		return nil, err
	}
	strategy, err := d.authenticate(ctx, sig)
	if err != nil {
		return nil, err
	}
	validated := time.Now()

	if d.bus != nil {
		d.bus.Publish(events.EventWebhookReceived, events.WebhookReceived{
			UserID:     strategy.UserID,
			StrategyID: strategy.ID,
			Action:     sig.Action,
			Symbol:     sig.Symbol,
			Timestamp:  started,
		})
	}

	if sig.Action == ActionTest {
		return &Response{
			Success:  true,
			Action:   ActionTest,
			Strategy: strategy.Name,
			PerformanceMetrics: Metrics{
				TotalProcessingTimeMS: time.Since(started).Milliseconds(),
				ValidationTimeMS:      validated.Sub(started).Milliseconds(),
			},
		}, nil
	}

	var results []AccountResult
	if sig.OrderType == "CANCEL" {
		results = d.bulkCancel(ctx, strategy, sig)
	} else {
		results = d.fanOut(ctx, strategy, sig)
	}
	finished := time.Now()

	resp := &Response{
		Success:  true,
		Action:   sig.Action,
		Strategy: strategy.Name,
		Results:  results,
		Summary:  summarize(results),
		PerformanceMetrics: Metrics{
			TotalProcessingTimeMS: finished.Sub(started).Milliseconds(),
			ValidationTimeMS:      validated.Sub(started).Milliseconds(),
			ExecutionTimeMS:       finished.Sub(validated).Milliseconds(),
		},
	}

	if err := d.db.RecordWebhookEvent(ctx, db.WebhookEvent{
		StrategyID:     strategy.ID,
		Payload:        string(raw),
		AccountsTotal:  resp.Summary.TotalAccounts,
		AccountsFailed: resp.Summary.FailedOrders,
		DurationMS:     resp.PerformanceMetrics.TotalProcessingTimeMS,
	}); err != nil {
		log.Printf("⚠️ webhook: record event: %v", err)
	}
	d.publishBatch(strategy, sig, results)
	return resp, nil
}

func parseSignal(raw []byte) (*Signal, error) {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignal, err)
	}
	if sig.GroupName == "" || sig.Token == "" {
		return nil, fmt.Errorf("%w: group_name and token are required", ErrBadSignal)
	}
	switch sig.Action {
	case ActionTest:
		return &sig, nil
	case ActionTradingSignal:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrBadSignal, sig.Action)
	}

	sig.Side = strings.ToUpper(sig.Side)
	sig.OrderType = strings.ToUpper(sig.OrderType)
	switch sig.OrderType {
	case "MARKET", "LIMIT", "STOP", "STOP_LIMIT", "CANCEL":
	default:
		return nil, fmt.Errorf("%w: unknown order_type %q", ErrBadSignal, sig.OrderType)
	}
	if sig.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrBadSignal)
	}
	if sig.OrderType == "CANCEL" {
		return &sig, nil
	}

	if sig.Side != "BUY" && sig.Side != "SELL" {
		return nil, fmt.Errorf("%w: side must be BUY or SELL", ErrBadSignal)
	}
	if !sig.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrBadSignal)
	}
	if (sig.OrderType == "LIMIT" || sig.OrderType == "STOP_LIMIT") && !sig.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price is required for %s", ErrBadSignal, sig.OrderType)
	}
	if (sig.OrderType == "STOP" || sig.OrderType == "STOP_LIMIT") && !sig.StopPrice.IsPositive() {
		return nil, fmt.Errorf("%w: stop_price is required for %s", ErrBadSignal, sig.OrderType)
	}
	return &sig, nil
}

// authenticate resolves the strategy by name and token. Names are only
// unique per user, so every candidate's token is checked; the compare
// is constant time and runs over all candidates regardless of match.
func (d *Dispatcher) authenticate(ctx context.Context, sig *Signal) (*db.Strategy, error) {
	candidates, err := d.db.ListStrategiesByName(ctx, sig.GroupName)
	if err != nil {
		return nil, err
	}
	var matched *db.Strategy
	for i := range candidates {
		s := &candidates[i]
		if s.WebhookToken == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(s.WebhookToken), []byte(sig.Token)) == 1 && matched == nil {
			matched = s
		}
	}
	if matched == nil {
		return nil, ErrUnauthorized
	}
	if !matched.IsActive {
		return nil, ErrInactive
	}
	return matched, nil
}

// fanOut sizes and places one order per bound account.
func (d *Dispatcher) fanOut(ctx context.Context, strategy *db.Strategy, sig *Signal) []AccountResult {
	bindings, err := d.db.ListBindings(ctx, strategy.ID)
	if err != nil {
		log.Printf("❌ webhook: list bindings for strategy %d: %v", strategy.ID, err)
		return nil
	}

	totalWeight := decimal.Zero
	for _, b := range bindings {
		totalWeight = totalWeight.Add(b.Weight)
	}
	if totalWeight.IsZero() {
		return nil
	}

	results := make([]AccountResult, len(bindings))
	var wg sync.WaitGroup
	for i, b := range bindings {
		wg.Add(1)
		d.workers <- struct{}{}
		go func(i int, b db.StrategyAccount) {
			defer wg.Done()
			defer func() { <-d.workers }()
			qty := sig.Quantity.Mul(b.Weight).Div(totalWeight)
			results[i] = d.placeForAccount(ctx, strategy, sig, b.AccountID, qty)
		}(i, b)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) placeForAccount(ctx context.Context, strategy *db.Strategy, sig *Signal, accountID int64, qty decimal.Decimal) AccountResult {
	res := AccountResult{AccountID: accountID, Symbol: sig.Symbol}

	acct, err := d.db.GetAccountByID(ctx, accountID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.AccountName = acct.Name
	res.Exchange = acct.Venue

	// Signals can pin a venue; other accounts are skipped successfully.
	if sig.Exchange != "" && !strings.EqualFold(sig.Exchange, acct.Venue) {
		res.Success = true
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.AccountTimeout)
	defer cancel()

	row, adj, err := d.orders.Place(callCtx, order.PlaceParams{
		UserID:     acct.UserID,
		StrategyID: strategy.ID,
		AccountID:  accountID,
		Venue:      acct.Venue,
		Market:     acct.Market,
		Request: common.OrderRequest{
			Symbol:    sig.Symbol,
			Side:      common.Side(sig.Side),
			Type:      mapOrderType(sig.OrderType),
			Quantity:  qty,
			Price:     sig.Price,
			StopPrice: sig.StopPrice,
			Market:    common.MarketType(acct.Market),
		},
	})
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = string(common.KindOf(err))
		if callCtx.Err() == context.DeadlineExceeded {
			res.Timeout = true
		}
		return res
	}

	res.Success = true
	res.OrderID = row.ID
	res.ExchangeOrderID = row.ExchangeOrderID
	res.ExecutedQuantity = row.FilledQty
	res.ExecutedPrice = row.AvgFillPrice
	res.Adjustment = adj
	return res
}

// bulkCancel cancels the strategy's active orders matching the
// signal's symbol and, when given, side.
func (d *Dispatcher) bulkCancel(ctx context.Context, strategy *db.Strategy, sig *Signal) []AccountResult {
	orders, err := d.db.ListActiveOrders(ctx, strategy.UserID, strategy.ID)
	if err != nil {
		log.Printf("❌ webhook: list active orders for strategy %d: %v", strategy.ID, err)
		return nil
	}

	var results []AccountResult
	for _, o := range orders {
		if o.Symbol != sig.Symbol {
			continue
		}
		if sig.Side != "" && o.Side != sig.Side {
			continue
		}
		res := AccountResult{AccountID: o.AccountID, Exchange: o.Venue, Symbol: o.Symbol, OrderID: o.ID}
		outcome, err := d.orders.Cancel(ctx, strategy.UserID, o.ID)
		switch {
		case errors.Is(err, order.ErrTerminal):
			res.Success = true
		case err != nil:
			res.Error = err.Error()
			res.ErrorKind = string(common.KindOf(err))
		default:
			res.Success = true
			if outcome == order.CancelQueued {
				res.ErrorKind = "queued"
			}
		}
		results = append(results, res)
	}
	return results
}

func summarize(results []AccountResult) Summary {
	s := Summary{TotalAccounts: len(results)}
	for _, r := range results {
		if r.Success {
			s.SuccessfulOrders++
		} else {
			s.FailedOrders++
		}
	}
	if s.TotalAccounts > 0 {
		s.SuccessRate = float64(s.SuccessfulOrders) / float64(s.TotalAccounts)
	}
	return s
}

func (d *Dispatcher) publishBatch(strategy *db.Strategy, sig *Signal, results []AccountResult) {
	if d.bus == nil {
		return
	}
	update := events.BatchUpdate{
		UserID:     strategy.UserID,
		StrategyID: strategy.ID,
		Symbol:     sig.Symbol,
		Total:      len(results),
		Timestamp:  time.Now(),
	}
	for _, r := range results {
		entry := events.AccountEntry{
			AccountID: r.AccountID,
			Venue:     r.Exchange,
			Success:   r.Success,
			TimedOut:  r.Timeout,
			OrderID:   r.OrderID,
			Error:     r.Error,
			ErrorKind: r.ErrorKind,
		}
		update.PerAccount = append(update.PerAccount, entry)
		switch {
		case r.Timeout:
			update.TimedOut++
		case r.Success:
			update.Successful++
		default:
			update.Failed++
		}
	}
	d.bus.Publish(events.EventBatchUpdate, update)
}

func mapOrderType(t string) common.OrderType {
	switch t {
	case "MARKET":
		return common.OrderTypeMarket
	case "LIMIT":
		return common.OrderTypeLimit
	case "STOP":
		return common.OrderTypeStopMarket
	case "STOP_LIMIT":
		return common.OrderTypeStopLimit
	default:
		return common.OrderType(t)
	}
}
