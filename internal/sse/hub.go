// Package sse fans live gateway events out to browser clients.
// Subscriptions are keyed by (user, strategy); each client gets a
// bounded queue and is dropped on overflow rather than slowing the
// publishers.
package sse

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tradegate/internal/events"
	"tradegate/pkg/db"
)

const (
	clientQueueSize   = 50
	heartbeatInterval = 10 * time.Second
)

// Disconnect reasons injected before a client is dropped.
const (
	ReasonStrategyDeleted    = "strategy_deleted"
	ReasonPermissionRevoked  = "permission_revoked"
	ReasonAccountDeactivated = "account_deactivated"
	ReasonSessionExpired     = "session_expired"
)

// ErrForbidden is returned when the user has no path to the strategy.
var ErrForbidden = fmt.Errorf("no access to strategy")

// Message is one SSE frame: event name plus a JSON-encodable payload.
type Message struct {
	Event string
	Data  any
}

type key struct {
	userID     int64
	strategyID int64
}

// Client is one subscriber connection.
type Client struct {
	UserID     int64
	StrategyID int64
	ch         chan Message
}

// Messages returns the client's frame queue. The hub closes it when
// the client is dropped.
func (c *Client) Messages() <-chan Message { return c.ch }

// Hub routes bus events to SSE clients.
type Hub struct {
	db  *db.Database
	bus *events.Bus

	mu      sync.Mutex
	clients map[key]map[*Client]struct{}
}

// NewHub creates an SSE hub.
func NewHub(database *db.Database, bus *events.Bus) *Hub {
	return &Hub{
		db:      database,
		bus:     bus,
		clients: make(map[key]map[*Client]struct{}),
	}
}

// Subscribe validates access and registers a client. The first queued
// frame is the connection acknowledgement.
func (h *Hub) Subscribe(ctx context.Context, userID, strategyID int64) (*Client, error) {
	if strategyID <= 0 {
		return nil, fmt.Errorf("strategy id must be positive")
	}
	ok, err := h.db.UserCanAccessStrategy(ctx, userID, strategyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}

	c := &Client{
		UserID:     userID,
		StrategyID: strategyID,
		ch:         make(chan Message, clientQueueSize),
	}
	c.ch <- Message{Event: "connection", Data: map[string]any{
		"status":      "connected",
		"user_id":     userID,
		"strategy_id": strategyID,
		"timestamp":   time.Now(),
	}}

	k := key{userID, strategyID}
	h.mu.Lock()
	if h.clients[k] == nil {
		h.clients[k] = make(map[*Client]struct{})
	}
	h.clients[k][c] = struct{}{}
	h.mu.Unlock()
	return c, nil
}

// Unsubscribe removes a client and closes its queue.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	k := key{c.UserID, c.StrategyID}
	set, ok := h.clients[k]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, k)
	}
	close(c.ch)
}

// ClientCount reports how many clients are registered for a key.
func (h *Hub) ClientCount(userID, strategyID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[key{userID, strategyID}])
}

// Run pumps bus events into client queues until the context ends.
func (h *Hub) Run(ctx context.Context) {
	orderCh, unsubOrder := h.bus.Subscribe(events.EventOrderUpdate, 256)
	defer unsubOrder()
	posCh, unsubPos := h.bus.Subscribe(events.EventPositionUpdate, 256)
	defer unsubPos()
	batchCh, unsubBatch := h.bus.Subscribe(events.EventBatchUpdate, 64)
	defer unsubBatch()
	kickCh, unsubKick := h.bus.Subscribe(events.EventForceDisconnect, 16)
	defer unsubKick()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	log.Printf("✓ sse hub started")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case p := <-orderCh:
			if u, ok := p.(events.OrderUpdate); ok {
				h.publish(key{u.UserID, u.StrategyID}, Message{Event: "order_update", Data: u})
			}
		case p := <-posCh:
			if u, ok := p.(events.PositionUpdate); ok {
				h.publish(key{u.UserID, u.StrategyID}, Message{Event: "position_update", Data: u})
			}
		case p := <-batchCh:
			if u, ok := p.(events.BatchUpdate); ok {
				h.publish(key{u.UserID, u.StrategyID}, Message{Event: "order_batch_update", Data: u})
			}
		case p := <-kickCh:
			if u, ok := p.(events.ForceDisconnect); ok {
				h.Disconnect(u.UserID, u.StrategyID, u.Reason)
			}
		case <-heartbeat.C:
			h.broadcast(Message{Event: "heartbeat", Data: map[string]any{"timestamp": time.Now()}})
		}
	}
}

// publish queues a frame for every client of the key. Clients whose
// queue is full are dropped after the loop, never blocked on.
func (h *Hub) publish(k key, msg Message) {
	if k.strategyID <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var dead []*Client
	for c := range h.clients[k] {
		select {
		case c.ch <- msg:
		default:
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		log.Printf("⚠️ sse: dropping slow client (user %d, strategy %d)", c.UserID, c.StrategyID)
		h.removeLocked(c)
	}
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var dead []*Client
	for _, set := range h.clients {
		for c := range set {
			select {
			case c.ch <- msg:
			default:
				dead = append(dead, c)
			}
		}
	}
	for _, c := range dead {
		h.removeLocked(c)
	}
}

// Disconnect injects a force_disconnect frame for the key's clients
// and drops them.
func (h *Hub) Disconnect(userID, strategyID int64, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := key{userID, strategyID}
	for c := range h.clients[k] {
		select {
		case c.ch <- Message{Event: "force_disconnect", Data: map[string]any{
			"reason":    reason,
			"timestamp": time.Now(),
		}}:
		default:
		}
		h.removeLocked(c)
	}
}

// DisconnectStrategy drops every client of a strategy, across users.
// Called before a strategy delete commits.
func (h *Hub) DisconnectStrategy(strategyID int64, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for k, set := range h.clients {
		if k.strategyID != strategyID {
			continue
		}
		for c := range set {
			select {
			case c.ch <- Message{Event: "force_disconnect", Data: map[string]any{
				"reason":    reason,
				"timestamp": time.Now(),
			}}:
			default:
			}
			h.removeLocked(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for c := range set {
			h.removeLocked(c)
		}
	}
}
