// Package stream maintains one user data WebSocket per streaming
// account. Lifecycle frames are decoded into fill updates and handed
// to the fill monitor; REST reconciliation covers venues without a
// private stream.
package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"tradegate/internal/events"
	"tradegate/internal/fill"
	"tradegate/internal/gateway"
	"tradegate/pkg/exchanges/common"
)

const (
	keepAliveInterval = 30 * time.Minute
	handleTimeout     = 10 * time.Second
	reconnectMin      = time.Second
	reconnectMax      = 60 * time.Second
)

// Streamer is the optional adapter capability for private user data
// streams. Binance spot and futures implement it; KRW venues do not
// and rely on reconciliation alone.
type Streamer interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
	StreamURL(listenKey string) string
}

// Pool runs the per-account stream loops.
type Pool struct {
	pool    *gateway.Manager
	monitor *fill.Monitor
	bus     *events.Bus
	dialer  *websocket.Dialer

	mu      sync.Mutex
	streams map[int64]*accountStream // desired set
	active  map[int64]*websocket.Conn
}

// NewPool creates a stream pool.
func NewPool(pool *gateway.Manager, monitor *fill.Monitor, bus *events.Bus) *Pool {
	return &Pool{
		pool:    pool,
		monitor: monitor,
		bus:     bus,
		dialer:  websocket.DefaultDialer,
		streams: make(map[int64]*accountStream),
		active:  make(map[int64]*websocket.Conn),
	}
}

type accountStream struct {
	accountID int64
	venue     string
	adapter   common.Adapter
	streamer  Streamer
	cancel    context.CancelFunc
	done      chan struct{}
}

// Connect starts a stream loop for the account. Accounts whose
// adapter has no stream capability are skipped without error.
func (p *Pool) Connect(ctx context.Context, accountID int64) error {
	p.mu.Lock()
	if _, running := p.streams[accountID]; running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	adapter, err := p.pool.GetInternal(ctx, accountID)
	if err != nil {
		return err
	}
	streamer, ok := adapter.(Streamer)
	if !ok {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &accountStream{
		accountID: accountID,
		venue:     adapter.Name(),
		adapter:   adapter,
		streamer:  streamer,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	if _, running := p.streams[accountID]; running {
		p.mu.Unlock()
		cancel()
		return nil
	}
	p.streams[accountID] = s
	p.mu.Unlock()

	go p.run(runCtx, s)
	return nil
}

// Disconnect stops the account's stream loop and waits for it.
func (p *Pool) Disconnect(accountID int64) {
	p.mu.Lock()
	s, ok := p.streams[accountID]
	if ok {
		delete(p.streams, accountID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

// Connected reports whether the account currently has a live socket.
// A loop that is still dialing or backing off does not count.
func (p *Pool) Connected(accountID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[accountID]
	return ok
}

// Stop disconnects every stream.
func (p *Pool) Stop() {
	p.mu.Lock()
	streams := make([]*accountStream, 0, len(p.streams))
	for id, s := range p.streams {
		streams = append(streams, s)
		delete(p.streams, id)
	}
	p.mu.Unlock()
	for _, s := range streams {
		s.cancel()
		<-s.done
	}
}

// run is the reconnect loop: each pass dials a fresh listen key and
// reads until the socket dies or the context ends.
func (p *Pool) run(ctx context.Context, s *accountStream) {
	defer close(s.done)
	b := &backoff.Backoff{Min: reconnectMin, Max: reconnectMax, Factor: 2}

	for {
		err := p.connectAndRead(ctx, s, b)
		if ctx.Err() != nil {
			return
		}
		wait := b.Duration()
		log.Printf("⚠️ stream: account %d (%s) disconnected: %v (reconnect in %v)", s.accountID, s.venue, err, wait)
		p.publishStatus(events.EventStreamDisconnect, s)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *Pool) connectAndRead(ctx context.Context, s *accountStream, b *backoff.Backoff) error {
	listenKey, err := s.streamer.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.streamer.CloseListenKey(closeCtx, listenKey); err != nil {
			log.Printf("⚠️ stream: close listen key for account %d: %v", s.accountID, err)
		}
	}()

	conn, _, err := p.dialer.DialContext(ctx, s.streamer.StreamURL(listenKey), nil)
	if err != nil {
		return err
	}

	// The handshake succeeded; only now does the connection become
	// visible to callers.
	p.mu.Lock()
	p.active[s.accountID] = conn
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, s.accountID)
		p.mu.Unlock()
		conn.Close()
	}()
	b.Reset()
	log.Printf("✓ stream connected: account %d (%s)", s.accountID, s.venue)
	p.publishStatus(events.EventStreamConnected, s)

	// Renewal runs until the read loop returns. A failed renewal
	// forces a reconnect by closing the socket; the outer loop
	// survives it.
	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-keepAliveCtx.Done():
				return
			case <-ticker.C:
				if err := s.streamer.KeepAliveListenKey(keepAliveCtx, listenKey); err != nil {
					log.Printf("⚠️ stream: keepalive for account %d: %v", s.accountID, err)
					conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		stopKeepAlive()
		<-keepAliveDone
	}()

	// Close the socket when the context ends so ReadMessage unblocks.
	go func() {
		select {
		case <-keepAliveCtx.Done():
			conn.Close()
		case <-keepAliveDone:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		p.handleMessage(ctx, s, msg)
	}
}

// handleMessage processes one frame. Errors are logged, never
// propagated; a bad frame must not take down the read loop.
func (p *Pool) handleMessage(ctx context.Context, s *accountStream, msg []byte) {
	update, err := decode(s.venue, msg)
	if err != nil {
		// A fill may be inside this frame; losing it silently is not
		// acceptable, so dump the raw frame and alert. Reconciliation
		// picks the order state back up over REST.
		log.Printf("🚨 stream: account %d (%s) undecodable frame: %v raw=%s", s.accountID, s.venue, err, msg)
		if p.bus != nil {
			p.bus.Publish(events.EventAlert, events.Alert{
				Source:    "stream",
				AccountID: s.accountID,
				Message:   fmt.Sprintf("undecodable %s frame: %v", s.venue, err),
				Timestamp: time.Now(),
			})
		}
		return
	}
	if update == nil {
		return
	}

	if unified, err := s.adapter.FromExchangeSymbol(update.Symbol); err == nil {
		update.Symbol = unified
		if update.Fill != nil {
			update.Fill.Symbol = unified
		}
	}
	update.AccountID = s.accountID

	handleCtx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	if err := p.monitor.Process(handleCtx, *update); err != nil {
		log.Printf("❌ stream: account %d process update for order %s: %v", s.accountID, update.ExchangeOrderID, err)
	}
}

func (p *Pool) publishStatus(event events.Event, s *accountStream) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(event, events.StreamStatus{
		AccountID: s.accountID,
		Venue:     s.venue,
		Timestamp: time.Now(),
	})
}
