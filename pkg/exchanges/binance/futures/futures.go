// Package futures implements the Binance USDT-margined futures venue.
package futures

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

const (
	venueName = "binance-futures"
	// batchLimit is the venue's maximum orders per batch call.
	batchLimit = 5
)

// Config holds Binance futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	AutoAdjust bool
}

// Client is a Binance USDT futures adapter.
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

// New creates a client.
func New(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		weights:    common.NewWeightTracker(venueName, 2400, time.Minute),
	}
	c.timeSync = common.NewTimeSync(c.getServerTime)
	return c
}

func (c *Client) Name() string              { return venueName }
func (c *Client) Market() common.MarketType { return common.MarketFutures }

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

// Ping verifies credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.FetchBalance(ctx)
	return err
}

func (c *Client) getServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
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

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, common.NewAPIError(venueName, common.KindAuth, "", "API key/secret required")
	}

	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

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

func classify(status int, body []byte) error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &payload)
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
	case payload.Code == -2019 || payload.Code == -2021:
		// margin insufficient / would immediately trigger
		kind = common.KindBusiness
	case payload.Code == -1013 || payload.Code == -4164:
		kind = common.KindMinNotional
	case payload.Code == -2013:
		kind = common.KindNotFound
	case status >= 400 && status < 500:
		kind = common.KindValidation
	}
	return common.NewAPIError(venueName, kind, strconv.Itoa(payload.Code), msg)
}

// ----------------------------------------
// Markets
// ----------------------------------------

// LoadMarkets returns normalized symbol metadata, cached for an hour.
func (c *Client) LoadMarkets(ctx context.Context, reload bool) (map[string]common.MarketInfo, error) {
	c.marketsMu.RLock()
	cached := c.markets
	fresh := time.Since(c.loadedAt) < time.Hour
	c.marketsMu.RUnlock()
	if cached != nil && fresh && !reload {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/exchangeInfo", nil)
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

	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
			Filters    []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
				MinQty     string `json:"minQty"`
				MaxQty     string `json:"maxQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
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
			case "MIN_NOTIONAL":
				mi.MinNotional = parseDec(f.Notional)
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

// FetchBalance returns futures wallet balances.
func (c *Client) FetchBalance(ctx context.Context) (map[string]common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", c.signedParams(url.Values{}))
	if err != nil {
		return nil, err
	}
	var balances []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}

	out := make(map[string]common.Balance)
	for _, b := range balances {
		total, free := parseDec(b.Balance), parseDec(b.AvailableBalance)
		if total.IsZero() {
			continue
		}
		out[b.Asset] = common.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: total.Sub(free),
			Total:  total,
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
		c.baseURL+"/fapi/v1/ticker/bookTicker?symbol="+native, nil)
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

// orderParams builds the wire params for one rounded order request.
func (c *Client) orderParams(req common.OrderRequest) (map[string]string, error) {
	native, err := c.ToExchangeSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}

	p := map[string]string{
		"symbol":   native,
		"side":     string(req.Side),
		"quantity": req.Quantity.String(),
	}
	switch req.Type {
	case common.OrderTypeMarket:
		p["type"] = "MARKET"
	case common.OrderTypeLimit:
		p["type"] = "LIMIT"
		p["price"] = req.Price.String()
		p["timeInForce"] = "GTC"
	case common.OrderTypeStopLimit:
		p["type"] = "STOP"
		p["price"] = req.Price.String()
		p["stopPrice"] = req.StopPrice.String()
		p["timeInForce"] = "GTC"
	case common.OrderTypeStopMarket:
		p["type"] = "STOP_MARKET"
		p["stopPrice"] = req.StopPrice.String()
	default:
		return nil, common.NewAPIError(venueName, common.KindValidation, "", "unsupported order type "+string(req.Type))
	}
	if req.ClientID != "" {
		p["newClientOrderId"] = req.ClientID
	}
	return p, nil
}

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
	wire, err := c.orderParams(rounded)
	if err != nil {
		return common.Order{}, err
	}

	params := url.Values{}
	for k, v := range wire {
		params.Set(k, v)
	}
	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", c.signedParams(params))
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

// CreateBatchOrders submits up to five orders per native batch call;
// larger batches are chunked. Per-order failures surface as items.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	result := common.BatchResult{
		Implementation: common.BatchNative,
		Results:        make([]common.BatchItem, 0, len(reqs)),
		Summary:        common.BatchSummary{Total: len(reqs)},
	}

	for start := 0; start < len(reqs); start += batchLimit {
		end := start + batchLimit
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := reqs[start:end]

		wire := make([]map[string]string, 0, len(chunk))
		for i, req := range chunk {
			mi, err := c.marketInfo(ctx, req.Symbol)
			if err != nil {
				return result, err
			}
			rounded, _, err := common.RoundOrder(venueName, mi, req, c.cfg.AutoAdjust)
			if err != nil {
				result.Results = append(result.Results, common.BatchItem{
					OrderIndex: start + i, Error: err.Error(),
				})
				result.Summary.Failed++
				continue
			}
			p, err := c.orderParams(rounded)
			if err != nil {
				result.Results = append(result.Results, common.BatchItem{
					OrderIndex: start + i, Error: err.Error(),
				})
				result.Summary.Failed++
				continue
			}
			wire = append(wire, p)
		}
		if len(wire) == 0 {
			continue
		}

		encoded, err := json.Marshal(wire)
		if err != nil {
			return result, fmt.Errorf("encode batch: %w", err)
		}
		params := url.Values{}
		params.Set("batchOrders", string(encoded))
		body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/batchOrders", c.signedParams(params))
		if err != nil {
			return result, err
		}

		// The batch endpoint returns a mixed array: order objects for
		// successes, {code, msg} for failures.
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return result, fmt.Errorf("decode batch response: %w", err)
		}
		for i, raw := range items {
			idx := start + i
			var failure struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			}
			if err := json.Unmarshal(raw, &failure); err == nil && failure.Code != 0 {
				result.Results = append(result.Results, common.BatchItem{
					OrderIndex: idx,
					Error:      fmt.Sprintf("[%d] %s", failure.Code, failure.Msg),
				})
				result.Summary.Failed++
				continue
			}
			var resp orderResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				result.Results = append(result.Results, common.BatchItem{
					OrderIndex: idx, Error: "undecodable batch item",
				})
				result.Summary.Failed++
				continue
			}
			canonical, err := c.FromExchangeSymbol(resp.Symbol)
			if err != nil {
				canonical = resp.Symbol
			}
			order := resp.toOrder(canonical)
			result.Results = append(result.Results, common.BatchItem{
				OrderIndex: idx,
				Success:    true,
				OrderID:    order.ExchangeOrderID,
				Order:      &order,
			})
			result.Summary.Successful++
		}
	}

	result.Success = result.Summary.Failed == 0
	return result, nil
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

	body, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", c.signedParams(params))
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

	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", c.signedParams(params))
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
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", c.signedParams(params))
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
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/userTrades", c.signedParams(params))
	if err != nil {
		return nil, err
	}
	var trades []struct {
		ID              int64  `json:"id"`
		OrderID         int64  `json:"orderId"`
		Side            string `json:"side"`
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
		Time            int64  `json:"time"`
		Maker           bool   `json:"maker"`
	}
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("decode user trades: %w", err)
	}

	out := make([]common.Fill, 0, len(trades))
	for _, t := range trades {
		out = append(out, common.Fill{
			ExchangeOrderID: strconv.FormatInt(t.OrderID, 10),
			TradeID:         strconv.FormatInt(t.ID, 10),
			Symbol:          symbol,
			Side:            common.Side(t.Side),
			Quantity:        parseDec(t.Qty),
			Price:           parseDec(t.Price),
			Commission:      parseDec(t.Commission),
			IsMaker:         t.Maker,
			Time:            time.UnixMilli(t.Time),
			Market:          common.MarketFutures,
		})
	}
	return out, nil
}

// ----------------------------------------
// User data stream
// ----------------------------------------

// CreateListenKey opens a user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.listenKeyRequest(ctx, http.MethodPost)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the stream validity.
func (c *Client) KeepAliveListenKey(ctx context.Context, _ string) error {
	_, err := c.listenKeyRequest(ctx, http.MethodPut)
	return err
}

// CloseListenKey closes the stream.
func (c *Client) CloseListenKey(ctx context.Context, _ string) error {
	_, err := c.listenKeyRequest(ctx, http.MethodDelete)
	return err
}

// Futures listen keys are account-scoped; the key itself is not sent.
func (c *Client) listenKeyRequest(ctx context.Context, method string) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, common.NewAPIError(venueName, common.KindAuth, "", "API key required")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listen key %s status %d: %s", method, res.StatusCode, string(body))
	}
	return body, nil
}

// StreamURL returns the user data stream endpoint.
func (c *Client) StreamURL(listenKey string) string {
	if c.cfg.Testnet {
		return "wss://stream.binancefuture.com/ws/" + listenKey
	}
	return "wss://fstream.binance.com/ws/" + listenKey
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
		Market:          common.MarketFutures,
		UpdatedAt:       time.UnixMilli(r.UpdateTime),
	}
}

// MapStatus converts a Binance futures order status string.
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
	case "LIMIT":
		return common.OrderTypeLimit
	case "STOP", "TAKE_PROFIT":
		return common.OrderTypeStopLimit
	case "STOP_MARKET", "TAKE_PROFIT_MARKET":
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
