package common

import "context"

// Adapter abstracts one trading venue bound to a single account and
// market type. Implementations own authentication, symbol conversion
// and precision handling for their exchange.
type Adapter interface {
	// Name identifies the venue (e.g. "binance-spot", "upbit").
	Name() string
	// Market reports the market type this instance trades.
	Market() MarketType

	// LoadMarkets returns normalized metadata for all tradable symbols,
	// keyed by canonical symbol. The result is cached; reload bypasses
	// the cache.
	LoadMarkets(ctx context.Context, reload bool) (map[string]MarketInfo, error)

	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchQuote(ctx context.Context, symbol string) (PriceQuote, error)

	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (Order, error)
	FetchOrder(ctx context.Context, orderID, symbol string) (Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	FetchMyTrades(ctx context.Context, symbol string, limit int) ([]Fill, error)

	// CreateBatchOrders places multiple orders, natively when the venue
	// supports it, otherwise sequentially with per-call pacing.
	CreateBatchOrders(ctx context.Context, reqs []OrderRequest) (BatchResult, error)

	// ToExchangeSymbol / FromExchangeSymbol convert between the
	// canonical BASE/QUOTE form and the venue's native form.
	ToExchangeSymbol(symbol string) (string, error)
	FromExchangeSymbol(symbol string) (string, error)
}

// UserStreamer is implemented by adapters whose venue offers a
// listen-key gated user-data WebSocket stream.
type UserStreamer interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
	// StreamURL returns the wss endpoint for the given listen key.
	StreamURL(listenKey string) string
}

// Pinger is implemented by adapters that can cheaply verify
// connectivity and credentials.
type Pinger interface {
	Ping(ctx context.Context) error
}
