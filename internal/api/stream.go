package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tradegate/internal/monitor"
	"tradegate/internal/sse"
	"tradegate/internal/webhook"
)

// maxWebhookBody caps signal payloads; TradingView alerts are tiny.
const maxWebhookBody = 64 * 1024

func (s *Server) postWebhook(c *gin.Context) {
	timer := monitor.NewTimer(s.Metrics.WebhookLatency)
	defer timer.Stop()

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		fail(c, http.StatusBadRequest, "cannot read request body")
		return
	}

	resp, err := s.Dispatcher.Handle(c.Request.Context(), raw)
	switch {
	case errors.Is(err, webhook.ErrBadSignal):
		fail(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, webhook.ErrUnauthorized):
		fail(c, http.StatusUnauthorized, "unknown strategy or bad token")
		return
	case errors.Is(err, webhook.ErrInactive):
		fail(c, http.StatusForbidden, "strategy is inactive")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	// Per-account failures are reported inside the breakdown; the
	// request itself succeeded.
	c.JSON(http.StatusOK, resp)
}

func (s *Server) eventStream(c *gin.Context) {
	strategyID, err := strconv.ParseInt(c.Query("strategy_id"), 10, 64)
	if err != nil || strategyID <= 0 {
		fail(c, http.StatusBadRequest, "strategy_id is required")
		return
	}

	client, err := s.Hub.Subscribe(c.Request.Context(), currentUserID(c), strategyID)
	if err != nil {
		if errors.Is(err, sse.ErrForbidden) {
			fail(c, http.StatusForbidden, "no access to strategy")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer s.Hub.Unsubscribe(client)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			if err := writeSSE(c.Writer, msg); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func writeSSE(w io.Writer, msg sse.Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "event: "+msg.Event+"\n"); err != nil {
		return err
	}
	_, err = io.WriteString(w, "data: "+string(data)+"\n\n")
	return err
}
