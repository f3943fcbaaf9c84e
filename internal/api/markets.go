package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradegate/pkg/db"
)

// Quote freshness window. Market metadata lives much longer; venues
// only change it on listing events.
const (
	quoteMaxAge   = 2 * time.Second
	marketsMaxAge = 10 * time.Minute
)

func (s *Server) getQuote(c *gin.Context) {
	account, ok := s.ownedAccount(c)
	if !ok {
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		fail(c, http.StatusBadRequest, "symbol is required")
		return
	}

	cacheKey := account.Venue + ":" + symbol
	if price, ok := s.Quotes.GetFresh(cacheKey, quoteMaxAge); ok {
		c.JSON(http.StatusOK, gin.H{"success": true, "symbol": symbol, "price": price, "cached": true})
		return
	}

	ctx := c.Request.Context()
	adapter, err := s.Pool.Get(ctx, account.UserID, account.ID)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	quote, err := adapter.FetchQuote(ctx, symbol)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	s.Quotes.Set(cacheKey, quote.Last)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"symbol":  symbol,
		"price":   quote.Last,
		"bid":     quote.Bid,
		"ask":     quote.Ask,
		"cached":  false,
	})
}

// getMarkets serves the tradable symbol list. Cached per venue so UI
// symbol pickers survive adapter pool eviction without refetching.
func (s *Server) getMarkets(c *gin.Context) {
	account, ok := s.ownedAccount(c)
	if !ok {
		return
	}

	cacheKey := account.Venue
	if account.IsTestnet {
		cacheKey += ":testnet"
	}
	markets, ok := s.Markets.Get(cacheKey)
	if !ok {
		ctx := c.Request.Context()
		adapter, err := s.Pool.Get(ctx, account.UserID, account.ID)
		if err != nil {
			fail(c, http.StatusBadGateway, err.Error())
			return
		}
		if markets, err = adapter.LoadMarkets(ctx, false); err != nil {
			fail(c, http.StatusBadGateway, err.Error())
			return
		}
		s.Markets.Set(cacheKey, markets)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "markets": markets})
}

// ownedAccount parses :id and verifies the caller owns the account.
func (s *Server) ownedAccount(c *gin.Context) (*db.ExchangeAccount, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid account id")
		return nil, false
	}
	account, err := s.DB.GetAccount(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			fail(c, http.StatusNotFound, "account not found")
			return nil, false
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return account, true
}
