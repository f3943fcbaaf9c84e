package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates high-level topics inside the gateway.
type Event string

const (
	EventOrderUpdate      Event = "order_update"
	EventPositionUpdate   Event = "position_update"
	EventBatchUpdate      Event = "order_batch_update"
	EventWebhookReceived  Event = "webhook_received"
	EventAccountStatus    Event = "account_status"
	EventForceDisconnect  Event = "force_disconnect"
	EventStreamConnected  Event = "stream_connected"
	EventStreamDisconnect Event = "stream_disconnected"
	EventAlert            Event = "alert"
)

// OrderUpdate is published on every observed order transition, from
// either the user-data stream or REST reconciliation.
type OrderUpdate struct {
	UserID          int64           `json:"user_id"`
	StrategyID      int64           `json:"strategy_id"`
	AccountID       int64           `json:"account_id"`
	OrderID         int64           `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	Venue           string          `json:"venue"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Status          string          `json:"status"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	Timestamp       time.Time       `json:"timestamp"`
}

// PositionUpdate is published after a fill changes a strategy position.
type PositionUpdate struct {
	UserID      int64           `json:"user_id"`
	StrategyID  int64           `json:"strategy_id"`
	AccountID   int64           `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Timestamp   time.Time       `json:"timestamp"`
}

// BatchUpdate summarizes one webhook fan-out across accounts.
type BatchUpdate struct {
	UserID     int64          `json:"user_id"`
	StrategyID int64          `json:"strategy_id"`
	Symbol     string         `json:"symbol"`
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	TimedOut   int            `json:"timed_out"`
	PerAccount []AccountEntry `json:"per_account"`
	Timestamp  time.Time      `json:"timestamp"`
}

// AccountEntry is a per-account outcome inside a BatchUpdate.
type AccountEntry struct {
	AccountID int64  `json:"account_id"`
	Venue     string `json:"venue"`
	Success   bool   `json:"success"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	OrderID   int64  `json:"order_id,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// WebhookReceived marks the arrival of an authenticated signal.
type WebhookReceived struct {
	UserID     int64     `json:"user_id"`
	StrategyID int64     `json:"strategy_id"`
	Action     string    `json:"action"`
	Symbol     string    `json:"symbol,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ForceDisconnect tells SSE clients of a (user, strategy) scope to
// drop their connection.
type ForceDisconnect struct {
	UserID     int64  `json:"user_id"`
	StrategyID int64  `json:"strategy_id"`
	Reason     string `json:"reason"`
}

// AccountStatus reports adapter health transitions.
type AccountStatus struct {
	UserID    int64     `json:"user_id"`
	AccountID int64     `json:"account_id"`
	Venue     string    `json:"venue"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert is a critical condition that must reach an operator: a fill
// frame that failed to decode, a cancel retried to exhaustion.
type Alert struct {
	Source    string    `json:"source"`
	AccountID int64     `json:"account_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamStatus reports a user-data stream connect or disconnect.
type StreamStatus struct {
	AccountID int64     `json:"account_id"`
	Venue     string    `json:"venue"`
	Timestamp time.Time `json:"timestamp"`
}
