package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/sse"
	"tradegate/pkg/db"
)

func (s *Server) listStrategies(c *gin.Context) {
	strategies, err := s.DB.ListStrategiesByUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "strategies": strategies})
}

func (s *Server) createStrategy(c *gin.Context) {
	var req struct {
		Name         string `json:"name"`
		Description  string `json:"description"`
		WebhookToken string `json:"webhook_token"`
	}
	if err := c.BindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.Name == "" {
		fail(c, http.StatusBadRequest, "name is required")
		return
	}
	if req.WebhookToken == "" {
		req.WebhookToken = uuid.NewString()
	}

	id, err := s.DB.CreateStrategy(c.Request.Context(), db.Strategy{
		UserID:       currentUserID(c),
		Name:         req.Name,
		Description:  req.Description,
		WebhookToken: req.WebhookToken,
		IsActive:     true,
	})
	if errors.Is(err, db.ErrDuplicate) {
		fail(c, http.StatusConflict, "strategy name already in use")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":       true,
		"strategy_id":   id,
		"webhook_token": req.WebhookToken,
	})
}

func (s *Server) deactivateStrategy(c *gin.Context) {
	id, ok := s.ownedStrategy(c)
	if !ok {
		return
	}
	if err := s.DB.DeactivateStrategy(c.Request.Context(), currentUserID(c), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			fail(c, http.StatusNotFound, "strategy not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	// Subscribers are told before their channel closes.
	if s.Hub != nil {
		s.Hub.DisconnectStrategy(id, sse.ReasonStrategyDeleted)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) bindAccount(c *gin.Context) {
	id, ok := s.ownedStrategy(c)
	if !ok {
		return
	}
	var req struct {
		AccountID int64           `json:"account_id"`
		Weight    decimal.Decimal `json:"weight"`
	}
	if err := c.BindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.AccountID <= 0 || !req.Weight.IsPositive() {
		fail(c, http.StatusBadRequest, "account_id and a positive weight are required")
		return
	}

	ctx := c.Request.Context()
	if _, err := s.DB.GetAccount(ctx, currentUserID(c), req.AccountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			fail(c, http.StatusNotFound, "account not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.DB.BindAccount(ctx, id, req.AccountID, req.Weight); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// updateBinding enables or disables a binding. Disabled bindings stop
// receiving fan-out orders but keep their weight and capital.
func (s *Server) updateBinding(c *gin.Context) {
	id, ok := s.ownedStrategy(c)
	if !ok {
		return
	}
	accountID, err := strconv.ParseInt(c.Param("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		fail(c, http.StatusBadRequest, "invalid account id")
		return
	}
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := c.BindJSON(&req); err != nil || req.IsActive == nil {
		fail(c, http.StatusBadRequest, "is_active is required")
		return
	}
	if err := s.DB.SetBindingActive(c.Request.Context(), id, accountID, *req.IsActive); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			fail(c, http.StatusNotFound, "binding not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "is_active": *req.IsActive})
}

func (s *Server) unbindAccount(c *gin.Context) {
	id, ok := s.ownedStrategy(c)
	if !ok {
		return
	}
	accountID, err := strconv.ParseInt(c.Param("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		fail(c, http.StatusBadRequest, "invalid account id")
		return
	}
	if err := s.DB.UnbindAccount(c.Request.Context(), id, accountID); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) setCapital(c *gin.Context) {
	id, ok := s.ownedStrategy(c)
	if !ok {
		return
	}
	var req struct {
		AccountID int64           `json:"account_id"`
		Allocated decimal.Decimal `json:"allocated"`
		Available decimal.Decimal `json:"available"`
	}
	if err := c.BindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.AccountID <= 0 || req.Allocated.IsNegative() || req.Available.IsNegative() {
		fail(c, http.StatusBadRequest, "account_id and non-negative amounts are required")
		return
	}
	err := s.DB.UpsertCapital(c.Request.Context(), db.StrategyCapital{
		StrategyID: id,
		AccountID:  req.AccountID,
		Allocated:  req.Allocated,
		Available:  req.Available,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listPositions(c *gin.Context) {
	id, ok := s.ownedStrategy(c)
	if !ok {
		return
	}
	positions, err := s.DB.ListPositionsByStrategy(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "positions": positions})
}

func (s *Server) listActiveOrders(c *gin.Context) {
	id, ok := s.ownedStrategy(c)
	if !ok {
		return
	}
	orders, err := s.DB.ListActiveOrders(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orders": orders})
}

// ownedStrategy parses :id and verifies the caller owns the strategy.
// It writes the error response itself when the check fails.
func (s *Server) ownedStrategy(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid strategy id")
		return 0, false
	}
	if _, err := s.DB.GetStrategy(c.Request.Context(), currentUserID(c), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			fail(c, http.StatusNotFound, "strategy not found")
			return 0, false
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return 0, false
	}
	return id, true
}
