// Package bithumb implements the Bithumb KRW spot venue.
//
// Bithumb's v1 API mirrors the Upbit surface: JWT HS256 auth with a
// SHA-512 query hash, the same order states and the same KRW price
// bands. The JWT additionally carries a millisecond timestamp claim.
package bithumb

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/pkg/exchanges/common"
)

const (
	venueName = "bithumb"
	baseURL   = "https://api.bithumb.com"
	// The order endpoint allows fewer requests per second than Upbit.
	ordersPerSecond = 5
)

var (
	minNotionalKRW = decimal.NewFromInt(5000)
	volumeStep     = decimal.New(1, -8)
)

// Config holds Bithumb credentials.
type Config struct {
	AccessKey  string
	SecretKey  string
	AutoAdjust bool
}

// Client is a Bithumb adapter.
type Client struct {
	cfg  Config
	http *resty.Client

	marketsMu sync.RWMutex
	markets   map[string]common.MarketInfo
	loadedAt  time.Time
}

// New creates a client.
func New(cfg Config) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &Client{cfg: cfg, http: httpClient}
}

func (c *Client) Name() string              { return venueName }
func (c *Client) Market() common.MarketType { return common.MarketSpot }

// ToExchangeSymbol converts BTC/KRW to KRW-BTC.
func (c *Client) ToExchangeSymbol(symbol string) (string, error) {
	base, quote, err := common.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return quote + "-" + base, nil
}

// FromExchangeSymbol converts KRW-BTC to BTC/KRW.
func (c *Client) FromExchangeSymbol(symbol string) (string, error) {
	return common.NormalizeSymbol(symbol)
}

// Ping verifies credentials with an accounts call.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.FetchBalance(ctx)
	return err
}

func (c *Client) authToken(encodedQuery string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.cfg.AccessKey,
		"nonce":      uuid.NewString(),
		"timestamp":  time.Now().UnixMilli(),
	}
	if encodedQuery != "" {
		sum := sha512.Sum512([]byte(encodedQuery))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.cfg.SecretKey))
}

func (c *Client) doAuthed(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.cfg.AccessKey == "" || c.cfg.SecretKey == "" {
		return common.NewAPIError(venueName, common.KindAuth, "", "access/secret key required")
	}

	encoded := params.Encode()
	token, err := c.authToken(encoded)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token)
	if out != nil {
		req.SetResult(out)
	}

	var resp *resty.Response
	switch method {
	case http.MethodGet:
		resp, err = req.SetQueryString(encoded).Get(path)
	case http.MethodDelete:
		resp, err = req.SetQueryString(encoded).Delete(path)
	case http.MethodPost:
		resp, err = req.
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(encoded).
			Post(path)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	if resp.StatusCode() >= 300 {
		return classify(resp.StatusCode(), resp.Body())
	}
	return nil
}

// LoadMarkets lists tradable markets. Like Upbit there is no filter
// API; volume precision is 8 decimals and KRW ticks come from the
// price band.
func (c *Client) LoadMarkets(ctx context.Context, reload bool) (map[string]common.MarketInfo, error) {
	c.marketsMu.RLock()
	cached := c.markets
	fresh := time.Since(c.loadedAt) < time.Hour
	c.marketsMu.RUnlock()
	if cached != nil && fresh && !reload {
		return cached, nil
	}

	var rows []struct {
		Market string `json:"market"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&rows).
		Get("/v1/market/all")
	if err != nil {
		return nil, common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	if resp.StatusCode() >= 300 {
		return nil, classify(resp.StatusCode(), resp.Body())
	}

	markets := make(map[string]common.MarketInfo, len(rows))
	for _, row := range rows {
		canonical, err := common.NormalizeSymbol(row.Market)
		if err != nil {
			continue
		}
		base, quote, _ := common.SplitSymbol(canonical)
		mi := common.MarketInfo{
			Symbol:   canonical,
			Base:     base,
			Quote:    quote,
			StepSize: volumeStep,
			Active:   true,
		}
		if quote == "KRW" {
			mi.MinNotional = minNotionalKRW
		}
		markets[canonical] = mi
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

// FetchBalance returns per-currency balances.
func (c *Client) FetchBalance(ctx context.Context) (map[string]common.Balance, error) {
	var rows []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
		Locked   string `json:"locked"`
	}
	if err := c.doAuthed(ctx, http.MethodGet, "/v1/accounts", url.Values{}, &rows); err != nil {
		return nil, err
	}

	out := make(map[string]common.Balance)
	for _, r := range rows {
		free, locked := parseDec(r.Balance), parseDec(r.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[r.Currency] = common.Balance{
			Asset:  r.Currency,
			Free:   free,
			Locked: locked,
			Total:  free.Add(locked),
		}
	}
	return out, nil
}

// FetchQuote returns the last trade price.
func (c *Client) FetchQuote(ctx context.Context, symbol string) (common.PriceQuote, error) {
	native, err := c.ToExchangeSymbol(symbol)
	if err != nil {
		return common.PriceQuote{}, err
	}

	var rows []struct {
		TradePrice   float64 `json:"trade_price"`
		AccVolume24H float64 `json:"acc_trade_volume_24h"`
		Timestamp    int64   `json:"timestamp"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("markets", native).
		SetResult(&rows).
		Get("/v1/ticker")
	if err != nil {
		return common.PriceQuote{}, common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	if resp.StatusCode() >= 300 {
		return common.PriceQuote{}, classify(resp.StatusCode(), resp.Body())
	}
	if len(rows) == 0 {
		return common.PriceQuote{}, common.NewAPIError(venueName, common.KindNotFound, "", "no ticker for "+symbol)
	}

	last := decimal.NewFromFloat(rows[0].TradePrice)
	return common.PriceQuote{
		Symbol: symbol,
		Last:   last,
		Bid:    last,
		Ask:    last,
		Volume: decimal.NewFromFloat(rows[0].AccVolume24H),
		Time:   time.UnixMilli(rows[0].Timestamp),
	}, nil
}

// CreateOrder submits an order. Market buys spend a KRW total via
// ord_type "price", like Upbit.
func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	mi, err := c.marketInfo(ctx, req.Symbol)
	if err != nil {
		return common.Order{}, err
	}
	if req.Type.RequiresStopPrice() {
		return common.Order{}, common.NewAPIError(venueName, common.KindValidation, "", "stop orders not supported")
	}
	if mi.Quote == "KRW" && !req.Price.IsZero() {
		mi.TickSize = common.KRWTickSize(req.Price)
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
	params.Set("market", native)
	params.Set("side", toVenueSide(rounded.Side))
	switch {
	case rounded.Type == common.OrderTypeLimit:
		params.Set("ord_type", "limit")
		params.Set("volume", rounded.Quantity.String())
		params.Set("price", rounded.Price.String())
	case rounded.Type == common.OrderTypeMarket && rounded.Side == common.SideSell:
		params.Set("ord_type", "market")
		params.Set("volume", rounded.Quantity.String())
	case rounded.Type == common.OrderTypeMarket && rounded.Side == common.SideBuy:
		total, err := c.marketBuyTotal(ctx, req, rounded)
		if err != nil {
			return common.Order{}, err
		}
		params.Set("ord_type", "price")
		params.Set("price", total.String())
	default:
		return common.Order{}, common.NewAPIError(venueName, common.KindValidation, "", "unsupported order type "+string(rounded.Type))
	}

	var resp orderResponse
	if err := c.doAuthed(ctx, http.MethodPost, "/v1/orders", params, &resp); err != nil {
		return common.Order{}, err
	}
	order := resp.toOrder(req.Symbol)
	// Bithumb has no client-supplied identifier; carry ours locally.
	order.ClientID = req.ClientID
	order.Adjustment = adj
	return order, nil
}

func (c *Client) marketBuyTotal(ctx context.Context, req common.OrderRequest, rounded common.OrderRequest) (decimal.Decimal, error) {
	if !req.Price.IsZero() {
		return req.Price.Mul(rounded.Quantity).Floor(), nil
	}
	quote, err := c.FetchQuote(ctx, req.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	total := quote.Last.Mul(rounded.Quantity).Floor()
	if total.LessThan(minNotionalKRW) {
		return decimal.Zero, common.NewAPIError(venueName, common.KindMinNotional, "",
			fmt.Sprintf("total %s must be greater than minimum %s", total, minNotionalKRW))
	}
	return total, nil
}

// CancelOrder cancels by order uuid.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	params := url.Values{}
	params.Set("uuid", orderID)

	var resp orderResponse
	if err := c.doAuthed(ctx, http.MethodDelete, "/v1/order", params, &resp); err != nil {
		return common.Order{}, err
	}
	return resp.toOrder(symbol), nil
}

// FetchOrder returns one order with its trades.
func (c *Client) FetchOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	params := url.Values{}
	params.Set("uuid", orderID)

	var resp orderResponse
	if err := c.doAuthed(ctx, http.MethodGet, "/v1/order", params, &resp); err != nil {
		return common.Order{}, err
	}
	return resp.toOrder(symbol), nil
}

// FetchOpenOrders returns waiting orders.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	params := url.Values{}
	params.Set("state", "wait")
	if symbol != "" {
		native, err := c.ToExchangeSymbol(symbol)
		if err != nil {
			return nil, err
		}
		params.Set("market", native)
	}

	var rows []orderResponse
	if err := c.doAuthed(ctx, http.MethodGet, "/v1/orders", params, &rows); err != nil {
		return nil, err
	}

	out := make([]common.Order, 0, len(rows))
	for _, r := range rows {
		canonical, err := c.FromExchangeSymbol(r.Market)
		if err != nil {
			canonical = r.Market
		}
		out = append(out, r.toOrder(canonical))
	}
	return out, nil
}

// FetchMyTrades flattens the trades of recently closed orders.
func (c *Client) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
	native, err := c.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	params := url.Values{}
	params.Set("market", native)
	params.Set("state", "done")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("order_by", "desc")

	var rows []orderResponse
	if err := c.doAuthed(ctx, http.MethodGet, "/v1/orders", params, &rows); err != nil {
		return nil, err
	}

	var out []common.Fill
	for _, row := range rows {
		detail := url.Values{}
		detail.Set("uuid", row.UUID)
		var full orderResponse
		if err := c.doAuthed(ctx, http.MethodGet, "/v1/order", detail, &full); err != nil {
			return nil, err
		}
		for _, tr := range full.Trades {
			out = append(out, common.Fill{
				ExchangeOrderID: full.UUID,
				TradeID:         tr.UUID,
				Symbol:          symbol,
				Side:            fromVenueSide(full.Side),
				Quantity:        parseDec(tr.Volume),
				Price:           parseDec(tr.Price),
				Time:            parseTime(tr.CreatedAt),
				Market:          common.MarketSpot,
			})
		}
	}
	return out, nil
}

// CreateBatchOrders submits sequentially at the venue's order pace.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	return common.SequentialBatch(ctx, venueName, reqs, common.BatchDelay(ordersPerSecond), c.CreateOrder)
}

type orderResponse struct {
	UUID           string `json:"uuid"`
	Side           string `json:"side"`
	OrdType        string `json:"ord_type"`
	State          string `json:"state"`
	Market         string `json:"market"`
	Price          string `json:"price"`
	Volume         string `json:"volume"`
	ExecutedVolume string `json:"executed_volume"`
	CreatedAt      string `json:"created_at"`
	Trades         []struct {
		UUID      string `json:"uuid"`
		Price     string `json:"price"`
		Volume    string `json:"volume"`
		CreatedAt string `json:"created_at"`
	} `json:"trades"`
}

func (r orderResponse) toOrder(symbol string) common.Order {
	return common.Order{
		ExchangeOrderID: r.UUID,
		Symbol:          symbol,
		Side:            fromVenueSide(r.Side),
		Type:            fromVenueOrdType(r.OrdType),
		Status:          mapState(r.State, parseDec(r.ExecutedVolume)),
		Price:           parseDec(r.Price),
		Quantity:        parseDec(r.Volume),
		FilledQuantity:  parseDec(r.ExecutedVolume),
		Market:          common.MarketSpot,
		UpdatedAt:       parseTime(r.CreatedAt),
	}
}

func toVenueSide(s common.Side) string {
	if s == common.SideBuy {
		return "bid"
	}
	return "ask"
}

func fromVenueSide(s string) common.Side {
	if s == "bid" {
		return common.SideBuy
	}
	return common.SideSell
}

func fromVenueOrdType(t string) common.OrderType {
	if t == "limit" {
		return common.OrderTypeLimit
	}
	return common.OrderTypeMarket
}

func mapState(state string, executed decimal.Decimal) common.OrderStatus {
	switch state {
	case "wait", "watch":
		if executed.Sign() > 0 {
			return common.StatusPartial
		}
		return common.StatusOpen
	case "done":
		return common.StatusFilled
	case "cancel":
		return common.StatusCanceled
	default:
		return common.StatusUnknown
	}
}

func classify(status int, body []byte) error {
	msg := string(body)
	kind := common.KindExchange
	switch {
	case status == http.StatusUnauthorized:
		kind = common.KindAuth
	case status == http.StatusTooManyRequests:
		kind = common.KindRateLimited
	case strings.Contains(msg, "insufficient"):
		kind = common.KindBusiness
	case strings.Contains(msg, "min_total") || strings.Contains(msg, "under_min"):
		kind = common.KindMinNotional
	case status >= 400 && status < 500:
		kind = common.KindValidation
	}
	return common.NewAPIError(venueName, kind, strconv.Itoa(status), msg)
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

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var (
	_ common.Adapter = (*Client)(nil)
	_ common.Pinger  = (*Client)(nil)
)
