package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tradegate/internal/order"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

func (s *Server) listFailedOrders(c *gin.Context) {
	var accountID int64
	if v := c.Query("strategy_account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			fail(c, http.StatusBadRequest, "invalid strategy_account_id")
			return
		}
		accountID = id
	}
	failed, err := s.DB.ListFailedOrders(c.Request.Context(), currentUserID(c), accountID, c.Query("symbol"), 100)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "failed_orders": failed})
}

func (s *Server) retryFailedOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid failed order id")
		return
	}

	ctx := c.Request.Context()
	userID := currentUserID(c)
	failed, err := s.DB.GetFailedOrder(ctx, userID, id)
	if errors.Is(err, db.ErrNotFound) {
		fail(c, http.StatusNotFound, "failed order not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	account, err := s.DB.GetAccountByID(ctx, failed.AccountID)
	if err != nil {
		fail(c, http.StatusConflict, "account no longer available")
		return
	}

	placed, adj, err := s.Orders.Place(ctx, order.PlaceParams{
		UserID:     userID,
		StrategyID: failed.StrategyID,
		AccountID:  failed.AccountID,
		Venue:      failed.Venue,
		Market:     account.Market,
		Request: common.OrderRequest{
			Symbol:   failed.Symbol,
			Side:     common.Side(failed.Side),
			Type:     common.OrderType(failed.OrderType),
			Quantity: failed.Quantity,
			Price:    failed.Price,
		},
	})
	if err != nil {
		// The retry itself lands in failed_orders again; the reviewed
		// row is kept so the operator sees the original failure.
		failDetails(c, http.StatusBadGateway, "retry failed", err.Error())
		return
	}

	if err := s.DB.DeleteFailedOrder(ctx, userID, id); err != nil && !errors.Is(err, db.ErrNotFound) {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	resp := gin.H{"success": true, "order": placed}
	if adj != nil {
		resp["adjustment"] = adj
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteFailedOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid failed order id")
		return
	}
	if err := s.DB.DeleteFailedOrder(c.Request.Context(), currentUserID(c), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			fail(c, http.StatusNotFound, "failed order not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// cancelOrder serves both the direct cancel route and the cancel-queue
// route: an immediate venue acknowledgement is 200, a queued retry is
// 202 with the queue item, an order caught in a terminal state is 409.
// Settled orders are already gone from open_orders, so they 404.
func (s *Server) cancelOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid order id")
		return
	}

	ctx := c.Request.Context()
	outcome, err := s.Orders.Cancel(ctx, currentUserID(c), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		fail(c, http.StatusNotFound, "order not found")
		return
	case errors.Is(err, order.ErrTerminal):
		fail(c, http.StatusConflict, "order already in a terminal state")
		return
	case err != nil:
		fail(c, http.StatusBadGateway, err.Error())
		return
	}

	if outcome == order.CancelQueued {
		item, err := s.DB.GetCancelByOrder(ctx, id)
		if err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"success": true, "status": "queued", "queue_item": item})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "canceled"})
}

func (s *Server) cancelAll(c *gin.Context) {
	var req struct {
		StrategyID int64  `json:"strategy_id"`
		AccountID  int64  `json:"account_id"`
		Symbol     string `json:"symbol"`
	}
	if err := c.BindJSON(&req); err != nil || req.StrategyID <= 0 {
		fail(c, http.StatusBadRequest, "strategy_id is required")
		return
	}

	ctx := c.Request.Context()
	userID := currentUserID(c)
	if _, err := s.DB.GetStrategy(ctx, userID, req.StrategyID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			fail(c, http.StatusNotFound, "strategy not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	orders, err := s.DB.ListActiveOrders(ctx, userID, req.StrategyID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	var done, queued, failedCount int
	for _, o := range orders {
		if req.AccountID > 0 && o.AccountID != req.AccountID {
			continue
		}
		if req.Symbol != "" && o.Symbol != req.Symbol {
			continue
		}
		outcome, err := s.Orders.Cancel(ctx, userID, o.ID)
		switch {
		case errors.Is(err, order.ErrTerminal):
			// Lost the race against a fill; nothing to do.
		case err != nil:
			failedCount++
		case outcome == order.CancelDone:
			done++
		default:
			queued++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"canceled": done,
		"queued":   queued,
		"failed":   failedCount,
	})
}
