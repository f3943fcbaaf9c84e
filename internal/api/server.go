// Package api exposes the HTTP surface: webhook ingestion, account and
// strategy management, order cancellation, failed-order review, the SSE
// event stream and system metrics.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradegate/internal/gateway"
	"tradegate/internal/monitor"
	"tradegate/internal/order"
	"tradegate/internal/sse"
	"tradegate/internal/stream"
	"tradegate/internal/webhook"
	"tradegate/pkg/cache"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// Server wires HTTP endpoints around the gateway services.
type Server struct {
	Router     *gin.Engine
	DB         *db.Database
	Keys       *crypto.KeyRing
	Pool       *gateway.Manager
	Streams    *stream.Pool
	Orders     *order.Manager
	Dispatcher *webhook.Dispatcher
	Hub        *sse.Hub
	Metrics    *monitor.SystemMetrics
	Quotes     *cache.QuoteCache
	Markets    *cache.TTLCache[map[string]common.MarketInfo]
	JWTSecret  string

	// SkipExchangeTest disables the credential round-trip on account
	// registration.
	SkipExchangeTest bool
}

// NewServer builds the router with the full middleware stack.
func NewServer(database *db.Database, keys *crypto.KeyRing, pool *gateway.Manager, streams *stream.Pool,
	orders *order.Manager, dispatcher *webhook.Dispatcher, hub *sse.Hub,
	metrics *monitor.SystemMetrics, jwtSecret string, skipExchangeTest bool) *Server {

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:           r,
		DB:               database,
		Keys:             keys,
		Pool:             pool,
		Streams:          streams,
		Orders:           orders,
		Dispatcher:       dispatcher,
		Hub:              hub,
		Metrics:          metrics,
		Quotes:           cache.NewQuoteCache(),
		Markets:          cache.NewTTLCache[map[string]common.MarketInfo](marketsMaxAge),
		JWTSecret:        jwtSecret,
		SkipExchangeTest: skipExchangeTest,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)

		// Signal ingestion: no session auth, the token travels in the
		// body and is checked in constant time by the dispatcher.
		api.POST("/webhook", s.postWebhook)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/accounts", s.listAccounts)
			protected.POST("/accounts", s.createAccount)
			protected.DELETE("/accounts/:id", s.deactivateAccount)
			protected.GET("/accounts/:id/quote", s.getQuote)
			protected.GET("/accounts/:id/markets", s.getMarkets)

			protected.GET("/strategies", s.listStrategies)
			protected.POST("/strategies", s.createStrategy)
			protected.DELETE("/strategies/:id", s.deactivateStrategy)
			protected.POST("/strategies/:id/accounts", s.bindAccount)
			protected.PATCH("/strategies/:id/accounts/:account_id", s.updateBinding)
			protected.DELETE("/strategies/:id/accounts/:account_id", s.unbindAccount)
			protected.PUT("/strategies/:id/capital", s.setCapital)
			protected.GET("/strategies/:id/positions", s.listPositions)
			protected.GET("/strategies/:id/orders", s.listActiveOrders)

			protected.GET("/failed-orders", s.listFailedOrders)
			protected.POST("/failed-orders/:id/retry", s.retryFailedOrder)
			protected.DELETE("/failed-orders/:id", s.deleteFailedOrder)

			protected.POST("/open-orders/:order_id/cancel", s.cancelOrder)
			protected.POST("/open-orders/cancel-all", s.cancelAll)
			protected.POST("/cancel-queue/orders/:order_id/cancel", s.cancelOrder)

			protected.GET("/events/stream", s.eventStream)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Pool != nil {
		s.Metrics.SetPoolStats(s.Pool.Stats())
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// Start runs the HTTP server on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// StartTLS runs the HTTP server with TLS termination.
func (s *Server) StartTLS(addr, certFile, keyFile string) error {
	return s.Router.RunTLS(addr, certFile, keyFile)
}
