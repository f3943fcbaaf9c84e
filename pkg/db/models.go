package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents an application user.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExchangeAccount is a user's exchange credential set. Key material is
// stored encrypted; the plaintext never touches the database.
type ExchangeAccount struct {
	ID                 int64
	UserID             int64
	Venue              string
	Market             string
	Name               string
	APIKeyEncrypted    string
	APISecretEncrypted string
	ExtraEncrypted     string // venue extras (securities account number, app id)
	KeyVersion         int
	IsTestnet          bool
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Strategy groups accounts for webhook fan-out.
type Strategy struct {
	ID           int64
	UserID       int64
	Name         string
	Description  string
	WebhookToken string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StrategyAccount binds an account to a strategy with a fan-out weight.
// Inactive bindings keep their weight and capital but receive no
// orders.
type StrategyAccount struct {
	StrategyID int64
	AccountID  int64
	Weight     decimal.Decimal
	IsActive   bool
	CreatedAt  time.Time
}

// OpenOrder is the lifecycle row for an order we have submitted (or
// are about to submit: exchange_order_id starts as a placeholder and
// is patched once the venue acknowledges).
type OpenOrder struct {
	ID                int64
	UserID            int64
	StrategyID        int64
	AccountID         int64
	ExchangeOrderID   string
	ClientOrderID     string
	Venue             string
	Market            string
	Symbol            string
	Side              string
	OrderType         string
	Status            string
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	StopPrice         decimal.Decimal
	FilledQty         decimal.Decimal
	AvgFillPrice      decimal.Decimal
	LastExecutionTime int64 // venue event time in ms, guards out-of-order updates
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TradeExecution is a single fill, deduplicated by exchange trade id.
type TradeExecution struct {
	ID              int64
	AccountID       int64
	StrategyID      int64
	ExchangeOrderID string
	ExchangeTradeID string
	Venue           string
	Symbol          string
	Side            string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	IsMaker         bool
	ExecutedAt      time.Time
	CreatedAt       time.Time
}

// StrategyPosition tracks per-strategy, per-account exposure and
// realized PnL for one symbol.
type StrategyPosition struct {
	StrategyID  int64
	AccountID   int64
	Symbol      string
	Qty         decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// StrategyCapital tracks quote-currency allocation per binding.
// RealizedPnL accumulates as positions close and flows into Available.
type StrategyCapital struct {
	StrategyID  int64
	AccountID   int64
	Allocated   decimal.Decimal
	Available   decimal.Decimal
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// FailedOrder records a terminal submission failure for later review.
type FailedOrder struct {
	ID         int64
	UserID     int64
	StrategyID int64
	AccountID  int64
	Venue      string
	Symbol     string
	Side       string
	OrderType  string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	ErrorKind  string
	Reason     string
	Payload    string
	CreatedAt  time.Time
}

// CancelQueueItem is a pending cancellation retried with backoff.
type CancelQueueItem struct {
	ID              int64
	OrderID         int64
	AccountID       int64
	ExchangeOrderID string
	Symbol          string
	Attempts        int
	Status          string
	NextAttemptAt   time.Time
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SecuritiesToken caches a securities venue OAuth access token.
type SecuritiesToken struct {
	AccountID   int64
	AccessToken string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	UpdatedAt   time.Time
}

// PerformanceMetric is one recorded timing sample.
type PerformanceMetric struct {
	ID         int64
	Source     string
	Name       string
	DurationMS int64
	Success    bool
	Detail     string
	CreatedAt  time.Time
}

// WebhookEvent records a processed webhook with fan-out outcome.
type WebhookEvent struct {
	ID             int64
	StrategyID     int64
	Payload        string
	AccountsTotal  int
	AccountsFailed int
	DurationMS     int64
	CreatedAt      time.Time
}

// Cancel queue states.
const (
	CancelQueued    = "QUEUED"
	CancelInFlight  = "IN_FLIGHT"
	CancelDone      = "DONE"
	CancelAbandoned = "ABANDONED"
)

// decStr renders a decimal for TEXT storage.
func decStr(d decimal.Decimal) string { return d.String() }

// parseDec reads a TEXT decimal column, treating empty as zero.
func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
