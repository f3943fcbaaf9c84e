// Package spot implements the Binance spot venue.
package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/exchanges/common"
)

const venueName = "binance-spot"

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	AutoAdjust bool  // scale below-minimum orders instead of rejecting
}

// Client is a Binance spot adapter.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weights    *common.WeightTracker

	marketsMu sync.RWMutex
	markets   map[string]common.MarketInfo
	loadedAt  time.Time
}

// New creates a client. Markets are loaded lazily on first use.
func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		weights:    common.NewWeightTracker(venueName, 1200, time.Minute),
	}
	c.timeSync = common.NewTimeSync(c.getServerTime)
	return c
}

func (c *Client) Name() string              { return venueName }
func (c *Client) Market() common.MarketType { return common.MarketSpot }

// ToExchangeSymbol converts BTC/USDT to BTCUSDT.
func (c *Client) ToExchangeSymbol(symbol string) (string, error) {
	base, quote, err := common.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}

// FromExchangeSymbol converts BTCUSDT to BTC/USDT.
func (c *Client) FromExchangeSymbol(symbol string) (string, error) {
	return common.NormalizeSymbol(symbol)
}

// Ping verifies credentials with a lightweight account call.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.FetchBalance(ctx)
	return err
}

func (c *Client) getServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) timestamp() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func (c *Client) signedParams(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	return params
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, common.NewAPIError(venueName, common.KindAuth, "", "API key/secret required")
	}

	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	defer res.Body.Close()

	c.weights.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, classify(res.StatusCode, body)
	}
	return body, nil
}

// classify maps a Binance error payload to a typed error.
func classify(status int, body []byte) error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &payload)
	code := strconv.Itoa(payload.Code)
	msg := payload.Msg
	if msg == "" {
		msg = string(body)
	}

	kind := common.KindExchange
	switch {
	case status == http.StatusTooManyRequests || payload.Code == -1003:
		kind = common.KindRateLimited
	case status == http.StatusUnauthorized || payload.Code == -2014 || payload.Code == -2015:
		kind = common.KindAuth
	case payload.Code == -2010 || payload.Code == -2021:
		kind = common.KindBusiness
	case payload.Code == -1013 || payload.Code == -1111:
		kind = common.KindMinNotional
	case payload.Code == -2013:
		kind = common.KindNotFound
	case status >= 400 && status < 500:
		kind = common.KindValidation
	}
	return common.NewAPIError(venueName, kind, code, msg)
}

// ----------------------------------------
// Markets
// ----------------------------------------

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Status     string `json:"status"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			StepSize    string `json:"stepSize"`
			TickSize    string `json:"tickSize"`
			MinQty      string `json:"minQty"`
			MaxQty      string `json:"maxQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// LoadMarkets returns normalized symbol metadata, cached for an hour.
func (c *Client) LoadMarkets(ctx context.Context, reload bool) (map[string]common.MarketInfo, error) {
	c.marketsMu.RLock()
	cached := c.markets
	fresh := time.Since(c.loadedAt) < time.Hour
	c.marketsMu.RUnlock()
	if cached != nil && fresh && !reload {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, classify(resp.StatusCode, body)
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}

	markets := make(map[string]common.MarketInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		mi := common.MarketInfo{
			Symbol: common.JoinSymbol(s.BaseAsset, s.QuoteAsset),
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				mi.StepSize = parseDec(f.StepSize)
				mi.MinQty = parseDec(f.MinQty)
				mi.MaxQty = parseDec(f.MaxQty)
			case "PRICE_FILTER":
				mi.TickSize = parseDec(f.TickSize)
			case "MIN_NOTIONAL", "NOTIONAL":
				mi.MinNotional = parseDec(f.MinNotional)
			}
		}
		markets[mi.Symbol] = mi
	}

	c.marketsMu.Lock()
	c.markets = markets
	c.loadedAt = time.Now()
	c.marketsMu.Unlock()
	return markets, nil
}

func (c *Client) marketInfo(ctx context.Context, symbol string) (common.MarketInfo, error) {
	markets, err := c.LoadMarkets(ctx, false)
	if err != nil {
		return common.MarketInfo{}, err
	}
	mi, ok := markets[symbol]
	if !ok {
		return common.MarketInfo{}, common.NewAPIError(venueName, common.KindValidation, "", "invalid symbol "+symbol)
	}
	return mi, nil
}

// ----------------------------------------
// Account
// ----------------------------------------

// FetchBalance returns non-zero asset balances.
func (c *Client) FetchBalance(ctx context.Context) (map[string]common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", c.signedParams(url.Values{}))
	if err != nil {
		return nil, err
	}
	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}

	out := make(map[string]common.Balance)
	for _, b := range info.Balances {
		free, locked := parseDec(b.Free), parseDec(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[b.Asset] = common.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
			Total:  free.Add(locked),
		}
	}
	return out, nil
}

// FetchQuote returns the book ticker for a symbol.
func (c *Client) FetchQuote(ctx context.Context, symbol string) (common.PriceQuote, error) {
	native, err := c.ToExchangeSymbol(symbol)
	if err != nil {
		return common.PriceQuote{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v3/ticker/bookTicker?symbol="+native, nil)
	if err != nil {
		return common.PriceQuote{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.PriceQuote{}, common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return common.PriceQuote{}, classify(resp.StatusCode, body)
	}

	var t struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return common.PriceQuote{}, fmt.Errorf("decode ticker: %w", err)
	}
	bid, ask := parseDec(t.BidPrice), parseDec(t.AskPrice)
	return common.PriceQuote{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
		Time:   time.Now(),
	}, nil
}

// ----------------------------------------
// Orders
// ----------------------------------------

// CreateOrder rounds the request to the venue's filters and submits it.
func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	mi, err := c.marketInfo(ctx, req.Symbol)
	if err != nil {
		return common.Order{}, err
	}
	rounded, adj, err := common.RoundOrder(venueName, mi, req, c.cfg.AutoAdjust)
	if err != nil {
		return common.Order{}, err
	}

	native, err := c.ToExchangeSymbol(req.Symbol)
	if err != nil {
		return common.Order{}, err
	}

	params := url.Values{}
	params.Set("symbol", native)
	params.Set("side", string(rounded.Side))
	params.Set("quantity", rounded.Quantity.String())
	switch rounded.Type {
	case common.OrderTypeMarket:
		params.Set("type", "MARKET")
	case common.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("price", rounded.Price.String())
		params.Set("timeInForce", "GTC")
	case common.OrderTypeStopLimit:
		params.Set("type", "STOP_LOSS_LIMIT")
		params.Set("price", rounded.Price.String())
		params.Set("stopPrice", rounded.StopPrice.String())
		params.Set("timeInForce", "GTC")
	case common.OrderTypeStopMarket:
		params.Set("type", "STOP_LOSS")
		params.Set("stopPrice", rounded.StopPrice.String())
	default:
		return common.Order{}, common.NewAPIError(venueName, common.KindValidation, "", "unsupported order type "+string(rounded.Type))
	}
	if rounded.ClientID != "" {
		params.Set("newClientOrderId", rounded.ClientID)
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", c.signedParams(params))
	if err != nil {
		return common.Order{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Order{}, fmt.Errorf("decode order response: %w", err)
	}
	order := resp.toOrder(req.Symbol)
	order.Adjustment = adj
	return order, nil
}

// CancelOrder cancels by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	native, err := c.ToExchangeSymbol(symbol)
	if err != nil {
		return common.Order{}, err
	}
	params := url.Values{}
	params.Set("symbol", native)
	params.Set("orderId", orderID)

	body, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", c.signedParams(params))
	if err != nil {
		return common.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Order{}, fmt.Errorf("decode cancel response: %w", err)
	}
	return resp.toOrder(symbol), nil
}

// FetchOrder returns the current state of one order.
func (c *Client) FetchOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	native, err := c.ToExchangeSymbol(symbol)
	if err != nil {
		return common.Order{}, err
	}
	params := url.Values{}
	params.Set("symbol", native)
	params.Set("orderId", orderID)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", c.signedParams(params))
	if err != nil {
		return common.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toOrder(symbol), nil
}

// FetchOpenOrders returns open orders; empty symbol means all symbols.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	params := url.Values{}
	if symbol != "" {
		native, err := c.ToExchangeSymbol(symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", native)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", c.signedParams(params))
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	out := make([]common.Order, 0, len(resp))
	for _, r := range resp {
		canonical, err := c.FromExchangeSymbol(r.Symbol)
		if err != nil {
			canonical = r.Symbol
		}
		out = append(out, r.toOrder(canonical))
	}
	return out, nil
}

// FetchMyTrades returns recent fills for a symbol.
func (c *Client) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
	native, err := c.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", native)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/myTrades", c.signedParams(params))
	if err != nil {
		return nil, err
	}
	var trades []struct {
		ID              int64  `json:"id"`
		OrderID         int64  `json:"orderId"`
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
		Time            int64  `json:"time"`
		IsBuyer         bool   `json:"isBuyer"`
		IsMaker         bool   `json:"isMaker"`
	}
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("decode my trades: %w", err)
	}

	out := make([]common.Fill, 0, len(trades))
	for _, t := range trades {
		side := common.SideSell
		if t.IsBuyer {
			side = common.SideBuy
		}
		out = append(out, common.Fill{
			ExchangeOrderID: strconv.FormatInt(t.OrderID, 10),
			TradeID:         strconv.FormatInt(t.ID, 10),
			Symbol:          symbol,
			Side:            side,
			Quantity:        parseDec(t.Qty),
			Price:           parseDec(t.Price),
			Commission:      parseDec(t.Commission),
			IsMaker:         t.IsMaker,
			Time:            time.UnixMilli(t.Time),
			Market:          common.MarketSpot,
		})
	}
	return out, nil
}

// CreateBatchOrders submits sequentially; spot has no batch endpoint.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	return common.SequentialBatch(ctx, venueName, reqs, common.BatchDelay(10), c.CreateOrder)
}

// ----------------------------------------
// Wire types
// ----------------------------------------

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) toOrder(symbol string) common.Order {
	return common.Order{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Symbol:          symbol,
		Side:            common.Side(r.Side),
		Type:            mapOrderType(r.Type),
		Status:          MapStatus(r.Status),
		Price:           parseDec(r.Price),
		StopPrice:       parseDec(r.StopPrice),
		Quantity:        parseDec(r.OrigQty),
		FilledQuantity:  parseDec(r.ExecutedQty),
		Market:          common.MarketSpot,
		UpdatedAt:       time.UnixMilli(r.UpdateTime),
	}
}

// MapStatus converts a Binance order status to the unified set. Shared
// with the user-data stream parser.
func MapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusOpen
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func mapOrderType(t string) common.OrderType {
	switch strings.ToUpper(t) {
	case "MARKET":
		return common.OrderTypeMarket
	case "LIMIT", "LIMIT_MAKER":
		return common.OrderTypeLimit
	case "STOP_LOSS_LIMIT", "TAKE_PROFIT_LIMIT":
		return common.OrderTypeStopLimit
	case "STOP_LOSS", "TAKE_PROFIT":
		return common.OrderTypeStopMarket
	default:
		return common.OrderTypeLimit
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

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

var (
	_ common.Adapter      = (*Client)(nil)
	_ common.UserStreamer = (*Client)(nil)
	_ common.Pinger       = (*Client)(nil)
)
