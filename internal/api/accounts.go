package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// accountView is the redacted account representation; key material
// never leaves the database.
type accountView struct {
	ID        int64     `json:"id"`
	Venue     string    `json:"venue"`
	Market    string    `json:"market"`
	Name      string    `json:"name"`
	IsTestnet bool      `json:"is_testnet"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func toAccountView(a db.ExchangeAccount) accountView {
	return accountView{
		ID:        a.ID,
		Venue:     a.Venue,
		Market:    a.Market,
		Name:      a.Name,
		IsTestnet: a.IsTestnet,
		IsActive:  a.IsActive,
		CreatedAt: a.CreatedAt,
	}
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.DB.ListAccountsByUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toAccountView(a))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "accounts": views})
}

var defaultMarkets = map[string]string{
	"binance-spot":    string(common.MarketSpot),
	"binance-futures": string(common.MarketFutures),
	"upbit":           string(common.MarketSpot),
	"bithumb":         string(common.MarketSpot),
	"kis":             string(common.MarketSecurities),
}

func (s *Server) createAccount(c *gin.Context) {
	var req struct {
		Venue     string `json:"venue"`
		Market    string `json:"market"`
		Name      string `json:"name"`
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
		Extra     string `json:"extra"`
		IsTestnet bool   `json:"is_testnet"`
	}
	if err := c.BindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	market, ok := defaultMarkets[req.Venue]
	if !ok {
		fail(c, http.StatusBadRequest, "unsupported venue: "+req.Venue)
		return
	}
	if req.Market != "" {
		market = req.Market
	}
	if req.Name == "" || req.APIKey == "" || req.APISecret == "" {
		fail(c, http.StatusBadRequest, "name, api_key and api_secret are required")
		return
	}

	keyEnc, err := s.Keys.Encrypt(req.APIKey)
	if err != nil {
		fail(c, http.StatusInternalServerError, "encrypt credentials: "+err.Error())
		return
	}
	secretEnc, err := s.Keys.Encrypt(req.APISecret)
	if err != nil {
		fail(c, http.StatusInternalServerError, "encrypt credentials: "+err.Error())
		return
	}
	extraEnc := ""
	if req.Extra != "" {
		if extraEnc, err = s.Keys.Encrypt(req.Extra); err != nil {
			fail(c, http.StatusInternalServerError, "encrypt credentials: "+err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	userID := currentUserID(c)
	id, err := s.DB.CreateAccount(ctx, db.ExchangeAccount{
		UserID:             userID,
		Venue:              req.Venue,
		Market:             market,
		Name:               req.Name,
		APIKeyEncrypted:    keyEnc,
		APISecretEncrypted: secretEnc,
		ExtraEncrypted:     extraEnc,
		KeyVersion:         s.Keys.CurrentVersion(),
		IsTestnet:          req.IsTestnet,
		IsActive:           true,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	if !s.SkipExchangeTest && s.Pool != nil {
		if err := s.verifyCredentials(ctx, id); err != nil {
			if delErr := s.DB.DeactivateAccount(ctx, userID, id); delErr != nil {
				fail(c, http.StatusInternalServerError, delErr.Error())
				return
			}
			s.Pool.Remove(id)
			failDetails(c, http.StatusBadRequest, "credential verification failed", err.Error())
			return
		}
	}

	if s.Streams != nil {
		if err := s.Streams.Connect(context.WithoutCancel(ctx), id); err != nil {
			// Account is usable over REST even when the stream cannot
			// start; reconciliation keeps the state consistent.
			c.JSON(http.StatusCreated, gin.H{"success": true, "account_id": id, "stream_warning": err.Error()})
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "account_id": id})
}

// verifyCredentials builds the adapter and runs the cheapest
// authenticated call the venue offers.
func (s *Server) verifyCredentials(ctx context.Context, accountID int64) error {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	adapter, err := s.Pool.GetInternal(callCtx, accountID)
	if err != nil {
		return err
	}
	if p, ok := adapter.(common.Pinger); ok {
		return p.Ping(callCtx)
	}
	_, err = adapter.FetchBalance(callCtx)
	return err
}

func (s *Server) deactivateAccount(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid account id")
		return
	}
	userID := currentUserID(c)
	if err := s.DB.DeactivateAccount(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			fail(c, http.StatusNotFound, "account not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if s.Streams != nil {
		s.Streams.Disconnect(id)
	}
	if s.Pool != nil {
		s.Pool.Remove(id)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
