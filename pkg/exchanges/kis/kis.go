// Package kis implements the Korean-Investment securities venue.
//
// Auth is OAuth2 client_credentials with a 24-hour bearer token, and
// order requests additionally carry a hashkey: a Base64 SHA-256 digest
// of the app key, app secret and the sorted body fields.
package kis

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tradegate/pkg/exchanges/common"
)

const (
	venueName   = "kis"
	liveBaseURL = "https://openapi.koreainvestment.com:9443"
	// Paper trading runs against a separate host with VTTC tr_ids.
	paperBaseURL = "https://openapivts.koreainvestment.com:29443"
	// The venue throttles order submissions hard; batches pace to 2/s.
	ordersPerSecond = 2
)

// Transaction IDs per operation. Paper trading swaps the TTTC prefix
// for VTTC on trading calls.
const (
	trBuy        = "TTTC0802U"
	trSell       = "TTTC0801U"
	trCancel     = "TTTC0803U"
	trBalance    = "TTTC8434R"
	trDailyCcld  = "TTTC8001R"
	trQuotePrice = "FHKST01010100"
)

// Config holds Korean-Investment credentials and account routing.
type Config struct {
	AppKey      string
	AppSecret   string
	AccountNo   string // CANO, 8 digits
	ProductCode string // ACNT_PRDT_CD, usually "01"
	Paper       bool
}

// Client is a securities adapter. One client serves one account; the
// token store and lock are scoped to that account.
type Client struct {
	cfg    Config
	http   *resty.Client
	tokens TokenStore
	lock   func() func()

	quoteMu sync.RWMutex
	quotes  map[string]common.PriceQuote
}

// Option customizes a client.
type Option func(*Client)

// WithTokenStore wires persistent token storage.
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) { c.tokens = store }
}

// WithLock wires the refresh serialization lock, normally a keyed
// mutex scoped to the account.
func WithLock(acquire func() func()) Option {
	return func(c *Client) { c.lock = acquire }
}

// New creates a client.
func New(cfg Config, opts ...Option) *Client {
	base := liveBaseURL
	if cfg.Paper {
		base = paperBaseURL
	}
	if cfg.ProductCode == "" {
		cfg.ProductCode = "01"
	}
	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		tokens: &memoryTokenStore{},
		quotes: make(map[string]common.PriceQuote),
	}
	var mu sync.Mutex
	c.lock = func() func() {
		mu.Lock()
		return mu.Unlock
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string              { return venueName }
func (c *Client) Market() common.MarketType { return common.MarketSecurities }

// ToExchangeSymbol converts 005930/KRW to the bare 6-digit ticker.
func (c *Client) ToExchangeSymbol(symbol string) (string, error) {
	ticker, _, ok := strings.Cut(symbol, "/")
	if !ok || ticker == "" {
		return "", fmt.Errorf("invalid securities symbol %q", symbol)
	}
	return ticker, nil
}

// FromExchangeSymbol converts a ticker to its KRW-quoted canonical form.
func (c *Client) FromExchangeSymbol(symbol string) (string, error) {
	if symbol == "" {
		return "", fmt.Errorf("empty ticker")
	}
	if strings.Contains(symbol, "/") {
		return symbol, nil
	}
	return symbol + "/KRW", nil
}

// Ping verifies credentials by acquiring a token.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.bearerToken(ctx)
	return err
}

// hashkey canonicalizes the order body: fields sorted by key, joined
// as key=value with pipes, prefixed by appkey and appsecret, then
// SHA-256 and Base64. The venue rejects any other ordering.
func (c *Client) hashkey(body map[string]string) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+2)
	parts = append(parts, c.cfg.AppKey, c.cfg.AppSecret)
	for _, k := range keys {
		parts = append(parts, k+"="+body[k])
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// trID maps a live transaction ID to its paper variant.
func (c *Client) trID(id string) string {
	if c.cfg.Paper && strings.HasPrefix(id, "TTTC") {
		return "VTTC" + id[4:]
	}
	return id
}

// envelope is the venue's response wrapper. rt_cd "0" means success.
type envelope struct {
	RtCd   string `json:"rt_cd"`
	MsgCd  string `json:"msg_cd"`
	Msg1   string `json:"msg1"`
	Output map[string]string   `json:"output"`
	List   []map[string]string `json:"output1"`
}

func (e *envelope) err() error {
	if e.RtCd == "0" {
		return nil
	}
	msg := strings.TrimSpace(e.Msg1)
	kind := common.KindExchange
	switch {
	case strings.Contains(msg, "초과") || strings.Contains(e.MsgCd, "EGW00201"):
		kind = common.KindRateLimited
	case strings.Contains(msg, "잔고") || strings.Contains(msg, "부족"):
		kind = common.KindBusiness
	case strings.Contains(e.MsgCd, "EGW00123") || strings.Contains(msg, "token"):
		kind = common.KindAuth
	}
	return common.NewAPIError(venueName, kind, e.MsgCd, msg)
}

// call performs an authenticated request. Order bodies get a hashkey
// header; queries travel as params.
func (c *Client) call(ctx context.Context, method, path, trID string, body map[string]string, query map[string]string, out any) error {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+token).
		SetHeader("appkey", c.cfg.AppKey).
		SetHeader("appsecret", c.cfg.AppSecret).
		SetHeader("tr_id", c.trID(trID)).
		SetHeader("custtype", "P")
	if out != nil {
		req.SetResult(out)
	}

	var resp *resty.Response
	if method == "POST" {
		req.SetHeader("hashkey", c.hashkey(body)).SetBody(body)
		resp, err = req.Post(path)
	} else {
		req.SetQueryParams(query)
		resp, err = req.Get(path)
	}
	if err != nil {
		return common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	if resp.StatusCode() >= 300 {
		kind := common.KindExchange
		switch resp.StatusCode() {
		case 401, 403:
			kind = common.KindAuth
		case 429:
			kind = common.KindRateLimited
		}
		return common.NewAPIError(venueName, kind, strconv.Itoa(resp.StatusCode()), string(resp.Body()))
	}
	return nil
}

// LoadMarkets returns nothing: the venue is rule-based, so precision
// is synthesized per order (1-share step, KRW band tick).
func (c *Client) LoadMarkets(ctx context.Context, reload bool) (map[string]common.MarketInfo, error) {
	return map[string]common.MarketInfo{}, nil
}

func marketInfoFor(symbol string, price decimal.Decimal) common.MarketInfo {
	mi := common.MarketInfo{
		Symbol:   symbol,
		Quote:    "KRW",
		StepSize: decimal.NewFromInt(1),
		MinQty:   decimal.NewFromInt(1),
		Active:   true,
	}
	if !price.IsZero() {
		mi.TickSize = common.KRWTickSize(price)
	}
	return mi
}

// FetchBalance returns the cash deposit as a KRW balance.
func (c *Client) FetchBalance(ctx context.Context) (map[string]common.Balance, error) {
	var resp struct {
		envelope
		Output2 []map[string]string `json:"output2"`
	}
	query := map[string]string{
		"CANO":                  c.cfg.AccountNo,
		"ACNT_PRDT_CD":          c.cfg.ProductCode,
		"AFHR_FLPR_YN":          "N",
		"OFL_YN":                "",
		"INQR_DVSN":             "02",
		"UNPR_DVSN":             "01",
		"FUND_STTL_ICLD_YN":     "N",
		"FNCG_AMT_AUTO_RDPT_YN": "N",
		"PRCS_DVSN":             "00",
		"CTX_AREA_FK100":        "",
		"CTX_AREA_NK100":        "",
	}
	if err := c.call(ctx, "GET", "/uapi/domestic-stock/v1/trading/inquire-balance", trBalance, nil, query, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}

	out := make(map[string]common.Balance)
	if len(resp.Output2) > 0 {
		cash := parseDec(resp.Output2[0]["dnca_tot_amt"])
		avail := parseDec(resp.Output2[0]["prvs_rcdl_excc_amt"])
		if avail.IsZero() {
			avail = cash
		}
		out["KRW"] = common.Balance{
			Asset:  "KRW",
			Free:   avail,
			Locked: cash.Sub(avail),
			Total:  cash,
		}
	}
	for _, row := range resp.List {
		qty := parseDec(row["hldg_qty"])
		if qty.IsZero() {
			continue
		}
		out[row["pdno"]] = common.Balance{
			Asset: row["pdno"],
			Free:  qty,
			Total: qty,
		}
	}
	return out, nil
}

// FetchQuote returns the current price of a ticker.
func (c *Client) FetchQuote(ctx context.Context, symbol string) (common.PriceQuote, error) {
	ticker, err := c.ToExchangeSymbol(symbol)
	if err != nil {
		return common.PriceQuote{}, err
	}

	var resp envelope
	query := map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         ticker,
	}
	if err := c.call(ctx, "GET", "/uapi/domestic-stock/v1/quotations/inquire-price", trQuotePrice, nil, query, &resp); err != nil {
		return common.PriceQuote{}, err
	}
	if err := resp.err(); err != nil {
		return common.PriceQuote{}, err
	}

	last := parseDec(resp.Output["stck_prpr"])
	quote := common.PriceQuote{
		Symbol: symbol,
		Last:   last,
		Bid:    last,
		Ask:    last,
		Volume: parseDec(resp.Output["acml_vol"]),
		Time:   time.Now(),
	}

	c.quoteMu.Lock()
	c.quotes[symbol] = quote
	c.quoteMu.Unlock()
	return quote, nil
}

// CreateOrder places a cash order. Quantities are whole shares and
// limit prices are floored to the KRW band tick; market orders send
// ORD_DVSN 01 with a zero price.
func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	if req.Type != common.OrderTypeLimit && req.Type != common.OrderTypeMarket {
		return common.Order{}, common.NewAPIError(venueName, common.KindValidation, "", "unsupported order type "+string(req.Type))
	}
	ticker, err := c.ToExchangeSymbol(req.Symbol)
	if err != nil {
		return common.Order{}, err
	}

	mi := marketInfoFor(req.Symbol, req.Price)
	rounded, _, err := common.RoundOrder(venueName, mi, req, false)
	if err != nil {
		return common.Order{}, err
	}

	ordDvsn, unpr := "00", rounded.Price.String()
	if rounded.Type == common.OrderTypeMarket {
		ordDvsn, unpr = "01", "0"
	}
	trID := trSell
	if rounded.Side == common.SideBuy {
		trID = trBuy
	}
	body := map[string]string{
		"CANO":         c.cfg.AccountNo,
		"ACNT_PRDT_CD": c.cfg.ProductCode,
		"PDNO":         ticker,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      rounded.Quantity.String(),
		"ORD_UNPR":     unpr,
	}

	var resp envelope
	if err := c.call(ctx, "POST", "/uapi/domestic-stock/v1/trading/order-cash", trID, body, nil, &resp); err != nil {
		return common.Order{}, err
	}
	if err := resp.err(); err != nil {
		return common.Order{}, err
	}

	return common.Order{
		ExchangeOrderID: resp.Output["ODNO"],
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Side:            rounded.Side,
		Type:            rounded.Type,
		Status:          common.StatusOpen,
		Price:           rounded.Price,
		Quantity:        rounded.Quantity,
		Market:          common.MarketSecurities,
		UpdatedAt:       time.Now(),
		Raw: map[string]string{
			"KRX_FWDG_ORD_ORGNO": resp.Output["KRX_FWDG_ORD_ORGNO"],
		},
	}, nil
}

// CancelOrder cancels the full remaining quantity of an order.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	body := map[string]string{
		"CANO":               c.cfg.AccountNo,
		"ACNT_PRDT_CD":       c.cfg.ProductCode,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          orderID,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02",
		"ORD_QTY":            "0",
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}

	var resp envelope
	if err := c.call(ctx, "POST", "/uapi/domestic-stock/v1/trading/order-rvsecncl", trCancel, body, nil, &resp); err != nil {
		return common.Order{}, err
	}
	if err := resp.err(); err != nil {
		return common.Order{}, err
	}

	return common.Order{
		ExchangeOrderID: orderID,
		Symbol:          symbol,
		Status:          common.StatusCanceled,
		Market:          common.MarketSecurities,
		UpdatedAt:       time.Now(),
	}, nil
}

// FetchOrder looks an order up in today's order book.
func (c *Client) FetchOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	orders, err := c.fetchDailyOrders(ctx, symbol)
	if err != nil {
		return common.Order{}, err
	}
	for _, o := range orders {
		if o.ExchangeOrderID == orderID {
			return o, nil
		}
	}
	return common.Order{}, common.NewAPIError(venueName, common.KindNotFound, "", "order "+orderID+" not found")
}

// FetchOpenOrders returns today's unfilled orders.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	orders, err := c.fetchDailyOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	open := orders[:0]
	for _, o := range orders {
		if !o.Status.Terminal() {
			open = append(open, o)
		}
	}
	return open, nil
}

func (c *Client) fetchDailyOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	today := time.Now().Format("20060102")
	query := map[string]string{
		"CANO":            c.cfg.AccountNo,
		"ACNT_PRDT_CD":    c.cfg.ProductCode,
		"INQR_STRT_DT":    today,
		"INQR_END_DT":     today,
		"SLL_BUY_DVSN_CD": "00",
		"INQR_DVSN":       "00",
		"PDNO":            "",
		"CCLD_DVSN":       "00",
		"ORD_GNO_BRNO":    "",
		"ODNO":            "",
		"INQR_DVSN_3":     "00",
		"INQR_DVSN_1":     "",
		"CTX_AREA_FK100":  "",
		"CTX_AREA_NK100":  "",
	}
	if symbol != "" {
		ticker, err := c.ToExchangeSymbol(symbol)
		if err != nil {
			return nil, err
		}
		query["PDNO"] = ticker
	}

	var resp envelope
	if err := c.call(ctx, "GET", "/uapi/domestic-stock/v1/trading/inquire-daily-ccld", trDailyCcld, nil, query, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}

	out := make([]common.Order, 0, len(resp.List))
	for _, row := range resp.List {
		canonical, _ := c.FromExchangeSymbol(row["pdno"])
		qty := parseDec(row["ord_qty"])
		filled := parseDec(row["tot_ccld_qty"])
		out = append(out, common.Order{
			ExchangeOrderID: row["odno"],
			Symbol:          canonical,
			Side:            mapSide(row["sll_buy_dvsn_cd"]),
			Type:            common.OrderTypeLimit,
			Status:          deriveStatus(qty, filled, row["cncl_yn"]),
			Price:           parseDec(row["ord_unpr"]),
			Quantity:        qty,
			FilledQuantity:  filled,
			AvgFillPrice:    parseDec(row["avg_prvs"]),
			Market:          common.MarketSecurities,
		})
	}
	return out, nil
}

// FetchMyTrades synthesizes fills from today's executed orders. The
// venue reports per-order execution totals, not individual prints, so
// the trade ID is derived from the order number and the filled total.
func (c *Client) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
	orders, err := c.fetchDailyOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var out []common.Fill
	for _, o := range orders {
		if o.FilledQuantity.IsZero() {
			continue
		}
		price := o.AvgFillPrice
		if price.IsZero() {
			price = o.Price
		}
		out = append(out, common.Fill{
			ExchangeOrderID: o.ExchangeOrderID,
			TradeID:         fmt.Sprintf("%s-%s", o.ExchangeOrderID, o.FilledQuantity),
			Symbol:          o.Symbol,
			Side:            o.Side,
			Quantity:        o.FilledQuantity,
			Price:           price,
			Time:            time.Now(),
			Market:          common.MarketSecurities,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CreateBatchOrders submits sequentially; the venue has no batch API
// and tolerates at most a couple of orders per second.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	return common.SequentialBatch(ctx, venueName, reqs, common.BatchDelay(ordersPerSecond), c.CreateOrder)
}

func mapSide(code string) common.Side {
	if code == "02" {
		return common.SideBuy
	}
	return common.SideSell
}

func deriveStatus(qty, filled decimal.Decimal, cancelFlag string) common.OrderStatus {
	switch {
	case cancelFlag == "Y":
		return common.StatusCanceled
	case filled.GreaterThanOrEqual(qty) && qty.Sign() > 0:
		return common.StatusFilled
	case filled.Sign() > 0:
		return common.StatusPartial
	default:
		return common.StatusOpen
	}
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Zero
	}
	return d
}

var (
	_ common.Adapter = (*Client)(nil)
	_ common.Pinger  = (*Client)(nil)
)
