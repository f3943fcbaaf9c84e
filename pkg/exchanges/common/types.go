package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns SELL for BUY and BUY for SELL.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the unified order types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// RequiresPrice reports whether the type carries a limit price.
func (t OrderType) RequiresPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// RequiresStopPrice reports whether the type carries a trigger price.
func (t OrderType) RequiresStopPrice() bool {
	return t == OrderTypeStopLimit || t == OrderTypeStopMarket
}

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusPending  OrderStatus = "PENDING" // local row exists, exchange id not yet observed
	StatusOpen     OrderStatus = "OPEN"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// MarketType distinguishes venue families.
type MarketType string

const (
	MarketSpot       MarketType = "SPOT"
	MarketFutures    MarketType = "FUTURES"
	MarketSecurities MarketType = "SECURITIES"
)

// MarketInfo is the normalized metadata for one tradable symbol.
type MarketInfo struct {
	Symbol      string // canonical BASE/QUOTE
	Base        string
	Quote       string
	StepSize    decimal.Decimal // amount step
	TickSize    decimal.Decimal // price tick
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
	Active      bool
}

// Balance reports holdings for one asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// PriceQuote is a lightweight ticker snapshot.
type PriceQuote struct {
	Symbol string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Volume decimal.Decimal
	Time   time.Time
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol    string // canonical BASE/QUOTE
	Side      Side
	Type      OrderType
	Quantity  decimal.Decimal
	Price     decimal.Decimal // required for LIMIT / STOP_LIMIT
	StopPrice decimal.Decimal // required for STOP_LIMIT / STOP_MARKET
	ClientID  string          // client order reference
	Market    MarketType
}

// Order is the normalized view of an exchange-side order.
type Order struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	Price           decimal.Decimal
	StopPrice       decimal.Decimal
	Quantity        decimal.Decimal
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Market          MarketType
	UpdatedAt       time.Time
	Adjustment      *AdjustmentInfo   // set when precision rules changed the request
	Raw             map[string]string // venue extras needed for later calls (cancel routing etc.)
}

// Fill represents one trade execution reported by an exchange.
type Fill struct {
	ExchangeOrderID string
	TradeID         string
	ClientID        string
	Symbol          string
	Side            Side
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Commission      decimal.Decimal
	IsMaker         bool
	Time            time.Time
	Market          MarketType
}

// BatchImplementation tells the caller how a batch was executed.
type BatchImplementation string

const (
	BatchNative     BatchImplementation = "NATIVE_BATCH"
	BatchSequential BatchImplementation = "SEQUENTIAL_FALLBACK"
)

// BatchItem is the per-order outcome inside a BatchResult.
type BatchItem struct {
	OrderIndex int    `json:"order_index"`
	Success    bool   `json:"success"`
	OrderID    string `json:"order_id,omitempty"`
	Order      *Order `json:"order,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BatchSummary aggregates a batch outcome.
type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// BatchResult is the unified return shape of CreateBatchOrders.
type BatchResult struct {
	Success        bool                `json:"success"`
	Results        []BatchItem         `json:"results"`
	Summary        BatchSummary        `json:"summary"`
	Implementation BatchImplementation `json:"implementation"`
}

// AdjustmentInfo describes a caller-visible precision adjustment.
type AdjustmentInfo struct {
	Field       string          `json:"field"`
	Original    decimal.Decimal `json:"original"`
	Adjusted    decimal.Decimal `json:"adjusted"`
	Description string          `json:"description"`
}
