package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/fill"
	"tradegate/pkg/exchanges/binance/futures"
	"tradegate/pkg/exchanges/binance/spot"
	"tradegate/pkg/exchanges/common"
)

// Event type tags on Binance user data frames. Anything else
// (balance updates, margin calls) is ignored here.
const (
	eventExecutionReport  = "executionReport"
	eventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
)

// decode turns one raw frame into a lifecycle update, or (nil, nil)
// for frames that carry no order state.
func decode(venue string, msg []byte) (*fill.Update, error) {
	// Some frames carry "e" as a non-string; bind loosely first.
	var head map[string]json.RawMessage
	if err := json.Unmarshal(msg, &head); err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	rawType, ok := head["e"]
	if !ok {
		return nil, nil
	}
	var eventType string
	if err := json.Unmarshal(rawType, &eventType); err != nil {
		return nil, nil
	}

	switch {
	case venue == "binance-spot" && eventType == eventExecutionReport:
		return decodeExecutionReport(msg)
	case venue == "binance-futures" && eventType == eventOrderTradeUpdate:
		return decodeOrderTradeUpdate(msg)
	default:
		return nil, nil
	}
}

// executionReport carries both cumulative progress and, on TRADE
// execution types, the individual fill.
func decodeExecutionReport(msg []byte) (*fill.Update, error) {
	var rep struct {
		EventTime       int64  `json:"E"`
		Symbol          string `json:"s"`
		Side            string `json:"S"`
		ExecutionType   string `json:"x"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		ClientOrderID   string `json:"c"`
		OrigClientID    string `json:"C"`
		TradeID         int64  `json:"t"`
		LastQty         string `json:"l"`
		LastPrice       string `json:"L"`
		CumulativeQty   string `json:"z"`
		CumulativeQuote string `json:"Z"`
		Commission      string `json:"n"`
		IsMaker         bool   `json:"m"`
		TradeTime       int64  `json:"T"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		return nil, fmt.Errorf("executionReport: %w", err)
	}

	cumQty := parseDec(rep.CumulativeQty)
	cumQuote := parseDec(rep.CumulativeQuote)
	avg := decimal.Zero
	if cumQty.IsPositive() {
		avg = cumQuote.Div(cumQty)
	}

	// On cancels Binance moves the original client id to C.
	clientID := rep.ClientOrderID
	if rep.OrigClientID != "" {
		clientID = rep.OrigClientID
	}

	u := &fill.Update{
		Venue:           "binance-spot",
		Symbol:          rep.Symbol,
		ExchangeOrderID: strconv.FormatInt(rep.OrderID, 10),
		ClientOrderID:   clientID,
		Status:          spot.MapStatus(rep.Status),
		FilledQty:       cumQty,
		AvgFillPrice:    avg,
		EventTime:       rep.EventTime,
	}
	if rep.ExecutionType == "TRADE" && rep.TradeID > 0 {
		u.Fill = &common.Fill{
			ExchangeOrderID: u.ExchangeOrderID,
			TradeID:         strconv.FormatInt(rep.TradeID, 10),
			ClientID:        clientID,
			Symbol:          rep.Symbol,
			Side:            common.Side(rep.Side),
			Quantity:        parseDec(rep.LastQty),
			Price:           parseDec(rep.LastPrice),
			Commission:      parseDec(rep.Commission),
			IsMaker:         rep.IsMaker,
			Time:            time.UnixMilli(rep.TradeTime),
			Market:          common.MarketSpot,
		}
	}
	return u, nil
}

// ORDER_TRADE_UPDATE nests the order under "o" and reports the
// average fill price directly.
func decodeOrderTradeUpdate(msg []byte) (*fill.Update, error) {
	var frame struct {
		EventTime int64 `json:"E"`
		Order     struct {
			Symbol        string `json:"s"`
			Side          string `json:"S"`
			ExecutionType string `json:"x"`
			Status        string `json:"X"`
			OrderID       int64  `json:"i"`
			ClientOrderID string `json:"c"`
			TradeID       int64  `json:"t"`
			LastQty       string `json:"l"`
			LastPrice     string `json:"L"`
			CumulativeQty string `json:"z"`
			AvgPrice      string `json:"ap"`
			Commission    string `json:"n"`
			IsMaker       bool   `json:"m"`
			TradeTime     int64  `json:"T"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("ORDER_TRADE_UPDATE: %w", err)
	}
	o := frame.Order

	u := &fill.Update{
		Venue:           "binance-futures",
		Symbol:          o.Symbol,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:   o.ClientOrderID,
		Status:          futures.MapStatus(o.Status),
		FilledQty:       parseDec(o.CumulativeQty),
		AvgFillPrice:    parseDec(o.AvgPrice),
		EventTime:       frame.EventTime,
	}
	if o.ExecutionType == "TRADE" && o.TradeID > 0 {
		u.Fill = &common.Fill{
			ExchangeOrderID: u.ExchangeOrderID,
			TradeID:         strconv.FormatInt(o.TradeID, 10),
			ClientID:        o.ClientOrderID,
			Symbol:          o.Symbol,
			Side:            common.Side(o.Side),
			Quantity:        parseDec(o.LastQty),
			Price:           parseDec(o.LastPrice),
			Commission:      parseDec(o.Commission),
			IsMaker:         o.IsMaker,
			Time:            time.UnixMilli(o.TradeTime),
			Market:          common.MarketFutures,
		}
	}
	return u, nil
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
